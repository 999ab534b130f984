package scriptrelay

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/guseggert/scriptrelay/gateway"
	inet "github.com/guseggert/scriptrelay/internal/net"
	"github.com/guseggert/scriptrelay/internal/test"
	"github.com/guseggert/scriptrelay/sandbox"
	"github.com/guseggert/scriptrelay/sandbox/command"
	"github.com/guseggert/scriptrelay/sandbox/docker"
	"github.com/guseggert/scriptrelay/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type scripts struct {
	greet string
	loop  string
	ext   string
}

var shScripts = scripts{
	greet: `read name; echo "hello $name"`,
	loop:  `echo started; while true; do sleep 0.05; done`,
	ext:   ".sh",
}

var pythonScripts = scripts{
	greet: `name = input(); print("hello " + name)`,
	loop:  "print('started')\nwhile True:\n    pass\n",
	ext:   ".py",
}

// greeting is the transcript of a greet script given a name: the input echo, then the greeting.
func greeting(name string) string {
	return fmt.Sprintf("> %s\nhello %s\n", name, name)
}

func startGateway(t *testing.T, rt sandbox.Runtime, s scripts) *gateway.Client {
	t.Helper()
	logger := zap.NewNop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	require.NoError(t, sandbox.Prepare(ctx, rt))

	manager, err := session.NewManager(rt,
		session.WithLogger(logger.Sugar()),
		session.WithScratchDir(t.TempDir()),
		session.WithExtension(s.ext),
	)
	require.NoError(t, err)

	port, err := inet.GetEphemeralTCPPort()
	require.NoError(t, err)
	g, err := gateway.New(manager,
		gateway.WithLogger(logger),
		gateway.WithListenAddr(fmt.Sprintf("127.0.0.1:%d", port)),
		gateway.WithAllowedOrigins("http://localhost:3000"),
	)
	require.NoError(t, err)
	go g.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		assert.NoError(t, g.Stop(ctx))
	})

	client := gateway.NewClient(logger.Sugar(), "127.0.0.1", port, gateway.WithOrigin("http://localhost:3000"))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer waitCancel()
	require.NoError(t, client.WaitForServer(waitCtx))
	return client
}

func TestConcurrentSessions(t *testing.T) {
	run := func(t *testing.T, name string, newRuntime func(t *testing.T) sandbox.Runtime, s scripts, isInteg bool) {
		t.Run(name, func(t *testing.T) {
			if isInteg {
				test.Integration(t)
			}
			t.Parallel()

			client := startGateway(t, newRuntime(t), s)

			// In parallel, greet from several connections, each connection only sees its own session.
			group, groupCtx := errgroup.WithContext(context.Background())
			for i := 0; i < 5; i++ {
				name := fmt.Sprintf("user%d", i)
				group.Go(func() error {
					ctx, cancel := context.WithTimeout(groupCtx, 2*time.Minute)
					defer cancel()
					conn, err := client.Connect(ctx)
					if err != nil {
						return err
					}
					defer conn.Close()

					if err := conn.Run(ctx, s.greet); err != nil {
						return err
					}
					if err := conn.Input(ctx, name); err != nil {
						return err
					}
					stdout := &bytes.Buffer{}
					exit, err := conn.Wait(ctx, stdout)
					if err != nil {
						return err
					}
					assert.Equal(t, 0, exit.ExitCode())
					assert.Equal(t, greeting(name), stdout.String())
					return nil
				})
			}
			require.NoError(t, group.Wait())
		})
	}
	run(t, "command runtime", func(t *testing.T) sandbox.Runtime {
		return command.New(command.WithCommand("sh", command.ArtifactPlaceholder))
	}, shScripts, false)
	run(t, "Docker runtime", func(t *testing.T) sandbox.Runtime {
		rt, err := docker.NewRuntime()
		require.NoError(t, err)
		return rt
	}, pythonScripts, true)
}

func TestStopAndRerun(t *testing.T) {
	run := func(t *testing.T, name string, newRuntime func(t *testing.T) sandbox.Runtime, s scripts, isInteg bool) {
		t.Run(name, func(t *testing.T) {
			if isInteg {
				test.Integration(t)
			}
			t.Parallel()

			client := startGateway(t, newRuntime(t), s)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			conn, err := client.Connect(ctx)
			require.NoError(t, err)
			defer conn.Close()

			require.NoError(t, conn.Run(ctx, s.loop))
			ev := <-conn.Events()
			require.Equal(t, session.EventOutput, ev.Event)
			require.NoError(t, conn.Stop(ctx))
			exit, err := conn.Wait(ctx, nil)
			require.NoError(t, err)
			assert.Equal(t, session.ForcedExitCode, exit.ExitCode())
			assert.Equal(t, "stopped", exit.Reason)

			// the connection can start over right away
			require.NoError(t, conn.Run(ctx, s.greet))
			require.NoError(t, conn.Input(ctx, "again"))
			stdout := &bytes.Buffer{}
			exit, err = conn.Wait(ctx, stdout)
			require.NoError(t, err)
			assert.Equal(t, 0, exit.ExitCode())
			assert.Equal(t, greeting("again"), stdout.String())

			health, err := client.Health(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, health.ActiveSessions)
		})
	}
	run(t, "command runtime", func(t *testing.T) sandbox.Runtime {
		return command.New(command.WithCommand("sh", command.ArtifactPlaceholder))
	}, shScripts, false)
	run(t, "Docker runtime", func(t *testing.T) sandbox.Runtime {
		rt, err := docker.NewRuntime()
		require.NoError(t, err)
		return rt
	}, pythonScripts, true)
}
