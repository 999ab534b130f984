package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/guseggert/scriptrelay/gateway"
	"github.com/urfave/cli/v2"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run a script on a server and attach the terminal to it",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "The host of the server.",
				Value: "127.0.0.1",
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "The port of the server.",
				Value:   3001,
				EnvVars: []string{"PORT"},
			},
			&cli.StringFlag{
				Name:  "origin",
				Usage: "Origin header to send, for servers that only accept browsers of some origins.",
			},
			&cli.DurationFlag{
				Name:  "wait",
				Usage: "How long to wait for the server to come up.",
				Value: 5 * time.Second,
			},
		},
		Action: run,
	}
}

func run(cCtx *cli.Context) error {
	if cCtx.NArg() != 1 {
		return cli.Exit("expected exactly one script file", 2)
	}
	source, err := os.ReadFile(cCtx.Args().First())
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}

	logger, err := newLogger(cCtx)
	if err != nil {
		return err
	}
	defer logger.Sync()

	opts := []gateway.ClientOption{gateway.WithClientLogger(logger)}
	if origin := cCtx.String("origin"); origin != "" {
		opts = append(opts, gateway.WithOrigin(origin))
	}
	client := gateway.NewClient(logger.Sugar(), cCtx.String("host"), cCtx.Int("port"), opts...)

	ctx := cCtx.Context
	waitCtx, cancel := context.WithTimeout(ctx, cCtx.Duration("wait"))
	defer cancel()
	if err := client.WaitForServer(waitCtx); err != nil {
		return fmt.Errorf("waiting for server: %w", err)
	}

	conn, err := client.Connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Run(ctx, string(source)); err != nil {
		return fmt.Errorf("sending run request: %w", err)
	}

	// Ctrl-C stops the script, the exit event then ends the wait below
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)
	go func() {
		for range sigs {
			if err := conn.Stop(ctx); err != nil {
				logger.Sugar().Debugf("error sending stop: %s", err)
			}
		}
	}()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := conn.Input(ctx, scanner.Text()); err != nil {
				return
			}
		}
	}()

	exit, err := conn.Wait(ctx, os.Stdout)
	if err != nil {
		return err
	}
	if code := exit.ExitCode(); code != 0 {
		return cli.Exit("", code)
	}
	return nil
}
