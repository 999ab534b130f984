package session

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/scriptrelay/sandbox/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

func newTestServer(t *testing.T, opts ...Option) (*Manager, *Client) {
	t.Helper()
	dir := t.TempDir()
	rt := command.New(command.WithCommand("sh", command.ArtifactPlaceholder))
	m, err := NewManager(rt, append([]Option{WithScratchDir(dir), WithLogger(log)}, opts...)...)
	require.NoError(t, err)

	server := &Server{Log: log, Manager: m}
	httpServer := httptest.NewServer(server)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, m.Shutdown(ctx))
		server.Close()
		httpServer.Close()
	})

	client := &Client{
		HTTPClient: httpServer.Client(),
		URL:        "ws" + strings.TrimPrefix(httpServer.URL, "http"),
		Logger:     log,
	}
	return m, client
}

func dial(t *testing.T, client *Client) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := client.Dial(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServerRun(t *testing.T) {
	t.Parallel()
	_, client := newTestServer(t)
	conn := dial(t, client)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, conn.Run(ctx, `echo hello; read name; echo "hi $name"; exit 4`))
	require.NoError(t, conn.Input(ctx, "bob"))

	stdout := &bytes.Buffer{}
	exit, err := conn.Wait(ctx, stdout)
	require.NoError(t, err)
	assert.Equal(t, 4, exit.ExitCode())
	assert.Equal(t, "exited", exit.Reason)
	assert.NotEmpty(t, exit.SessionID)
	assert.Contains(t, stdout.String(), "hello\n")
	assert.Contains(t, stdout.String(), "> bob\n")
	assert.Contains(t, stdout.String(), "hi bob\n")

	// the connection stays usable for another run
	require.NoError(t, conn.Run(ctx, "echo again"))
	stdout.Reset()
	exit, err = conn.Wait(ctx, stdout)
	require.NoError(t, err)
	assert.Equal(t, 0, exit.ExitCode())
	assert.Equal(t, "again\n", stdout.String())
}

func TestServerStop(t *testing.T) {
	t.Parallel()
	_, client := newTestServer(t)
	conn := dial(t, client)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, conn.Run(ctx, "sleep 30"))
	// a run while running is ignored
	require.NoError(t, conn.Run(ctx, "echo ignored"))
	require.NoError(t, conn.Stop(ctx))

	stdout := &bytes.Buffer{}
	exit, err := conn.Wait(ctx, stdout)
	require.NoError(t, err)
	assert.Equal(t, ForcedExitCode, exit.ExitCode())
	assert.Equal(t, "stopped", exit.Reason)
	assert.Empty(t, stdout.String())
}

func TestServerStopAfterInputBurst(t *testing.T) {
	t.Parallel()
	_, client := newTestServer(t, WithTimeout(30*time.Second))
	conn := dial(t, client)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	require.NoError(t, conn.Run(ctx, "sleep 30"))
	line := strings.Repeat("x", 4096)
	for i := 0; i < 200; i++ {
		require.NoError(t, conn.Input(ctx, line))
	}
	// the stop behind the unread input still gets through, well before the timeout
	start := time.Now()
	require.NoError(t, conn.Stop(ctx))

	exit, err := conn.Wait(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "stopped", exit.Reason)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestServerTimeout(t *testing.T) {
	t.Parallel()
	_, client := newTestServer(t, WithTimeout(300*time.Millisecond))
	conn := dial(t, client)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, conn.Run(ctx, "sleep 30"))
	exit, err := conn.Wait(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, ForcedExitCode, exit.ExitCode())
	assert.Equal(t, "timeout", exit.Reason)
}

func TestServerDisconnectStopsSession(t *testing.T) {
	t.Parallel()
	m, client := newTestServer(t)
	conn := dial(t, client)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, conn.Run(ctx, "echo started; sleep 30"))
	select {
	case ev := <-conn.Events():
		assert.Equal(t, EventOutput, ev.Event)
	case <-ctx.Done():
		t.Fatal("timed out waiting for output")
	}
	assert.Equal(t, 1, m.Active())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return m.Active() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestServerLaunchFailure(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	rt := command.New(command.WithCommand(dir+"/does-not-exist"))
	m, err := NewManager(rt, WithScratchDir(dir), WithLogger(log))
	require.NoError(t, err)
	httpServer := httptest.NewServer(&Server{Log: log, Manager: m})
	defer httpServer.Close()

	client := &Client{URL: "ws" + strings.TrimPrefix(httpServer.URL, "http")}
	conn := dial(t, client)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, conn.Run(ctx, "echo hi"))
	_, err = conn.Wait(ctx, nil)
	assert.ErrorContains(t, err, "spawning process failed")
}

func TestServerInputWithoutSession(t *testing.T) {
	t.Parallel()
	_, client := newTestServer(t)
	conn := dial(t, client)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, conn.Input(ctx, "nobody listens"))
	require.NoError(t, conn.Stop(ctx))
	require.NoError(t, conn.Run(ctx, "echo hi"))

	stdout := &bytes.Buffer{}
	exit, err := conn.Wait(ctx, stdout)
	require.NoError(t, err)
	assert.Equal(t, 0, exit.ExitCode())
	assert.Equal(t, "hi\n", stdout.String())
}

func TestEmitterSplitsLargeOutput(t *testing.T) {
	t.Parallel()
	_, client := newTestServer(t)
	conn := dial(t, client)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// well past both the read chunk size and the message size limit of the client
	require.NoError(t, conn.Run(ctx, `i=0; while [ $i -lt 2000 ]; do printf '€€€€€€€€€€€€€€€€€€€€€€€€€€€€€€€€€€€€€€€€€€€€€€€€€€\n'; i=$((i+1)); done`))
	stdout := &bytes.Buffer{}
	exit, err := conn.Wait(ctx, stdout)
	require.NoError(t, err)
	assert.Equal(t, 0, exit.ExitCode())
	assert.Equal(t, strings.Repeat(strings.Repeat("€", 50)+"\n", 2000), stdout.String())
}

func TestServerOriginPolicy(t *testing.T) {
	t.Parallel()
	m, err := NewManager(command.New(command.WithCommand("sh", command.ArtifactPlaceholder)), WithScratchDir(t.TempDir()))
	require.NoError(t, err)

	dialStatus := func(t *testing.T, url, origin string) int {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
			HTTPHeader: http.Header{"Origin": []string{origin}},
		})
		if err == nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return http.StatusSwitchingProtocols
		}
		require.NotNil(t, resp, err.Error())
		return resp.StatusCode
	}

	t.Run("same host only by default", func(t *testing.T) {
		httpServer := httptest.NewServer(&Server{Log: log, Manager: m})
		defer httpServer.Close()
		url := "ws" + strings.TrimPrefix(httpServer.URL, "http")

		assert.Equal(t, http.StatusForbidden, dialStatus(t, url, "http://evil.example"))
		assert.Equal(t, http.StatusSwitchingProtocols, dialStatus(t, url, httpServer.URL))
	})

	t.Run("allow-list", func(t *testing.T) {
		httpServer := httptest.NewServer(&Server{
			Log:         log,
			Manager:     m,
			AllowOrigin: func(origin string) bool { return origin == "http://localhost:3000" },
		})
		defer httpServer.Close()
		url := "ws" + strings.TrimPrefix(httpServer.URL, "http")

		assert.Equal(t, http.StatusForbidden, dialStatus(t, url, "http://evil.example"))
		assert.Equal(t, http.StatusForbidden, dialStatus(t, url, httpServer.URL))
		assert.Equal(t, http.StatusSwitchingProtocols, dialStatus(t, url, "http://localhost:3000"))
	})
}

func TestEmitterWriteTimeout(t *testing.T) {
	t.Parallel()
	type result struct {
		err     error
		elapsed time.Duration
	}
	results := make(chan result, 1)
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{CompressionMode: websocket.CompressionDisabled})
		if err != nil {
			results <- result{err: err}
			return
		}
		e := &wsEmitter{log: log, conn: conn, writeTimeout: 200 * time.Millisecond}
		chunk := strings.Repeat("x", 64*1024)
		start := time.Now()
		for {
			if err := e.Emit(context.Background(), outputEvent(chunk)); err != nil {
				results <- result{err: err, elapsed: time.Since(start)}
				return
			}
		}
	}))
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// a client that never reads
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(httpServer.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	select {
	case res := <-results:
		assert.Error(t, res.err)
		assert.Less(t, res.elapsed, 10*time.Second)
	case <-time.After(20 * time.Second):
		t.Fatal("emitter still blocked on a client that does not read")
	}
}

func TestServerDropsClientThatStopsReading(t *testing.T) {
	t.Parallel()
	m, err := NewManager(command.New(command.WithCommand("sh", command.ArtifactPlaceholder)),
		WithScratchDir(t.TempDir()), WithLogger(log))
	require.NoError(t, err)
	httpServer := httptest.NewServer(&Server{Log: log, Manager: m, WriteTimeout: 300 * time.Millisecond})
	defer httpServer.Close()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, m.Shutdown(ctx))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(httpServer.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// lots of output that doesn't compress well, none of it read
	require.NoError(t, wsjson.Write(ctx, conn, Request{Event: EventRun, Data: "od -An -tx1 /dev/urandom"}))
	require.Eventually(t, func() bool { return m.Active() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return m.Active() == 0 }, 20*time.Second, 50*time.Millisecond)
}
