package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/scriptrelay/gateway"
	"github.com/guseggert/scriptrelay/internal/files"
	"github.com/guseggert/scriptrelay/sandbox"
	"github.com/guseggert/scriptrelay/sandbox/command"
	"github.com/guseggert/scriptrelay/sandbox/docker"
	"github.com/guseggert/scriptrelay/session"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:  "scriptrelay",
		Usage: "run scripts in isolated processes and relay their I/O over WebSockets",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "The minimum level of log messages. One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			runCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(cCtx *cli.Context) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cCtx.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

func serveCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path of a JSON config file. Defaults to the first config.json found in the working directory or above it.",
		},
		altsrc.NewStringSliceFlag(&cli.StringSliceFlag{
			Name:  "corsOrigin",
			Usage: `Origin allowed to connect. Repeatable, "*" allows any origin. Connections without an Origin header are always allowed.`,
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:    "socketPort",
			Aliases: []string{"port"},
			Usage:   "The port for the server to listen on.",
			Value:   3001,
			EnvVars: []string{"PORT"},
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  "listen-host",
			Usage: "The address for the server to listen on.",
			Value: "0.0.0.0",
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  "runtime",
			Usage: "How scripts are isolated. One of [command,docker].",
			Value: "command",
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  "command",
			Usage: "The isolation tool the command runtime invokes.",
			Value: command.DefaultCommand,
		}),
		altsrc.NewStringSliceFlag(&cli.StringSliceFlag{
			Name:  "command-arg",
			Usage: "Argument of the isolation tool, repeatable. " + command.ArtifactPlaceholder + " is replaced with the path of the script.",
		}),
		altsrc.NewStringSliceFlag(&cli.StringSliceFlag{
			Name:  "kill-command",
			Usage: "Command and arguments run to kill a script, repeatable, for tools whose workload outlives them. " +
				command.SessionPlaceholder + " and " + command.ArtifactPlaceholder + " are substituted. " +
				"Defaults to docker kill of the named container when the default command is used.",
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  "image",
			Usage: "The image the docker runtime runs scripts in.",
			Value: "python:3.11-slim",
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  "mount-path",
			Usage: "Where the docker runtime mounts the script inside the container.",
			Value: "/app/script.py",
		}),
		altsrc.NewStringSliceFlag(&cli.StringSliceFlag{
			Name:  "interpreter",
			Usage: "Interpreter invocation of the docker runtime, repeatable. Defaults to python -u <mount-path>.",
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  "scratch-dir",
			Usage: "Directory scripts are written to while they run. It must be visible to the isolation runtime.",
			Value: os.TempDir(),
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:  "extension",
			Usage: "File extension of written scripts.",
			Value: ".py",
		}),
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "How long a script may go without output or input before it is stopped.",
			Value: session.DefaultTimeout,
		},
		&cli.Int64Flag{
			Name:  "read-limit",
			Usage: "Maximum size in bytes of a client message, and so of a script.",
			Value: session.DefaultReadLimit,
		},
	}

	return &cli.Command{
		Name:   "serve",
		Usage:  "run the server",
		Flags:  flags,
		Before: altsrc.InitInputSourceWithContext(flags, configSource),
		Action: serve,
	}
}

// configSource loads the config file named by --config, or the config.json closest to the working directory.
// Without either, only flags, environment and defaults apply.
func configSource(cCtx *cli.Context) (altsrc.InputSourceContext, error) {
	path := cCtx.String("config")
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		path = files.FindUp("config.json", wd)
	}
	if path == "" {
		return altsrc.NewMapInputSource("", map[interface{}]interface{}{}), nil
	}
	src, err := altsrc.NewJSONSourceFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %q: %w", path, err)
	}
	return src, nil
}

func serve(cCtx *cli.Context) error {
	logger, err := newLogger(cCtx)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()

	rt, err := buildRuntime(cCtx, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sandbox.Prepare(ctx, rt); err != nil {
		return fmt.Errorf("preparing runtime: %w", err)
	}

	manager, err := session.NewManager(rt,
		session.WithLogger(log),
		session.WithTimeout(cCtx.Duration("timeout")),
		session.WithScratchDir(cCtx.String("scratch-dir")),
		session.WithExtension(cCtx.String("extension")),
	)
	if err != nil {
		return fmt.Errorf("building session manager: %w", err)
	}

	origins := cCtx.StringSlice("corsOrigin")
	if len(origins) == 0 {
		log.Warn("no origins allowed, only connections without an Origin header will be accepted")
	}
	g, err := gateway.New(manager,
		gateway.WithLogger(logger),
		gateway.WithListenAddr(fmt.Sprintf("%s:%d", cCtx.String("listen-host"), cCtx.Int("socketPort"))),
		gateway.WithAllowedOrigins(origins...),
		gateway.WithReadLimit(cCtx.Int64("read-limit")),
	)
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(g.Run)
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return g.Stop(shutdownCtx)
	})
	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func buildRuntime(cCtx *cli.Context, log *zap.SugaredLogger) (sandbox.Runtime, error) {
	switch name := cCtx.String("runtime"); name {
	case "command":
		cmd := cCtx.String("command")
		args := cCtx.StringSlice("command-arg")
		killCmd := cCtx.StringSlice("kill-command")
		if len(args) == 0 && cmd == command.DefaultCommand {
			args = command.DefaultArgs
			if len(killCmd) == 0 {
				killCmd = append([]string{command.DefaultKillCommand}, command.DefaultKillArgs...)
			}
		}
		opts := []command.Option{command.WithCommand(cmd, args...), command.WithLogger(log)}
		if len(killCmd) > 0 {
			opts = append(opts, command.WithKillCommand(killCmd[0], killCmd[1:]...))
		} else {
			log.Warnw("no kill command configured, stopping a script only kills the process group of the command", "Command", cmd)
		}
		return command.New(opts...), nil
	case "docker":
		rt, err := docker.NewRuntime()
		if err != nil {
			return nil, err
		}
		mountPath := cCtx.String("mount-path")
		interpreter := cCtx.StringSlice("interpreter")
		if len(interpreter) == 0 {
			interpreter = []string{"python", "-u", mountPath}
		}
		return rt.WithLogger(log).WithImage(cCtx.String("image")).WithCmd(mountPath, interpreter...), nil
	default:
		return nil, fmt.Errorf("unsupported runtime %q", name)
	}
}
