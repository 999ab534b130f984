package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/guseggert/scriptrelay/metrics"
	"github.com/guseggert/scriptrelay/sandbox"
	"go.uber.org/zap"
)

const outputChunkSize = 4096

// ErrClosed is returned when a run is requested after the manager has shut down.
var ErrClosed = errors.New("session manager closed")

// Manager provisions, relays and cleans up the execution sessions of all connections.
type Manager struct {
	log        *zap.SugaredLogger
	runtime    sandbox.Runtime
	registry   *Registry
	scratchDir string
	extension  string
	timeout    time.Duration
	remove     func(string) error

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type Option func(m *Manager)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) {
		m.log = l.Named("session_manager")
	}
}

// WithTimeout sets the budget a session gets after its latest activity before it is force-stopped.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

// WithScratchDir sets the directory artifacts are written to. It must be readable by the isolation runtime.
func WithScratchDir(dir string) Option {
	return func(m *Manager) {
		m.scratchDir = dir
	}
}

// WithExtension sets the file extension of artifacts.
func WithExtension(ext string) Option {
	return func(m *Manager) {
		m.extension = ext
	}
}

func NewManager(rt sandbox.Runtime, opts ...Option) (*Manager, error) {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		log:        zap.NewNop().Sugar(),
		runtime:    rt,
		registry:   NewRegistry(),
		scratchDir: os.TempDir(),
		extension:  ".py",
		timeout:    DefaultTimeout,
		remove:     os.Remove,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, o := range opts {
		o(m)
	}
	if m.timeout <= 0 {
		cancel()
		return nil, fmt.Errorf("timeout must be positive, got %s", m.timeout)
	}
	if err := os.MkdirAll(m.scratchDir, 0o755); err != nil {
		cancel()
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	return m, nil
}

// Registry returns the registry of the manager's sessions.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Active returns the number of sessions that have not finished cleaning up.
func (m *Manager) Active() int {
	return m.registry.Len()
}

// Launch persists the source text, starts it in the isolated runtime and registers the session for the connection.
// The first output arrives asynchronously on out, followed by exactly one exit event.
func (m *Manager) Launch(ctx context.Context, connID string, out Emitter, source string) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	s := newSession(connID, out, m.log)
	// registering the idle session first makes the check-then-insert atomic per connection
	err := m.registry.Insert(s)
	if err != nil {
		metrics.LaunchesTotal.WithLabelValues("rejected").Inc()
		s.log.Debug("run requested while a session is live, ignoring")
		return "", err
	}

	a, err := writeArtifact(m.scratchDir, s.ID+m.extension, source, m.remove)
	if err != nil {
		m.abandon(s)
		metrics.LaunchesTotal.WithLabelValues("persist_failed").Inc()
		s.log.Warnw("persisting source failed", "Error", err)
		return "", fmt.Errorf("%w: %s", ErrPersistFailed, err)
	}
	s.artifact = a

	proc, err := m.runtime.Start(ctx, sandbox.StartRequest{SessionID: s.ID, ArtifactPath: a.path})
	if err != nil {
		m.removeArtifact(s)
		m.abandon(s)
		metrics.LaunchesTotal.WithLabelValues("spawn_failed").Inc()
		s.log.Warnw("spawning process failed", "Error", err)
		return "", fmt.Errorf("%w: %s", ErrSpawnFailed, err)
	}
	s.proc = proc

	now := time.Now()
	s.setRunning(now, NewDeadline(m.timeout, now))
	metrics.LaunchesTotal.WithLabelValues("started").Inc()
	metrics.ActiveSessions.Inc()
	s.log.Infow("session started", "Artifact", a.path)

	m.wg.Add(4)
	go func() {
		defer m.wg.Done()
		s.forward(m.ctx)
	}()
	go func() {
		defer m.wg.Done()
		s.relayInput()
	}()
	go m.relayOutput(s)
	go m.guard(s)

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		m.terminate(s, CauseShutdown, 0)
	}

	return s.ID, nil
}

// Input queues a line for the stdin of the connection's running session, and echoes it back to the client.
// It never waits for the process to read: input for a connection without a running session,
// or for a session whose input queue is full, is dropped and Input returns false.
func (m *Manager) Input(connID, line string) bool {
	s := m.registry.Get(connID)
	if s == nil || s.Status() != StatusRunning {
		m.log.Debugw("no running session, dropping input", "ConnID", connID)
		return false
	}

	// Input is the only sender on inbound, so a free slot seen under inputMu is still free below
	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	if len(s.inbound) == cap(s.inbound) {
		s.log.Warn("process is not reading its input, dropping input")
		return false
	}
	s.touch(time.Now())
	s.emitOutput(InputEchoPrefix + line + "\n")
	select {
	case s.inbound <- line + "\n":
		return true
	default:
		return false
	}
}

// Stop force-stops the connection's running session. It returns false if there was none.
func (m *Manager) Stop(connID string) bool {
	s := m.registry.Get(connID)
	if s == nil {
		return false
	}
	return m.terminate(s, CauseStopped, 0)
}

// Disconnect force-stops the running session of a connection that went away, without notifying it.
func (m *Manager) Disconnect(connID string) bool {
	s := m.registry.Get(connID)
	if s == nil {
		return false
	}
	return m.terminate(s, CauseDisconnect, 0)
}

// Shutdown force-stops every session, refuses new ones, and waits for session tasks to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	defer m.cancel()

	for _, s := range m.registry.Snapshot() {
		m.terminate(s, CauseShutdown, 0)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sessions to finish: %w", ctx.Err())
	}
}

// terminate is the single cleanup routine of every termination path. Only the first call for a session has any effect.
func (m *Manager) terminate(s *Session, cause Cause, code int) bool {
	if !s.claim() {
		return false
	}
	if cause.Forced() {
		if err := s.proc.Kill(); err != nil {
			s.log.Warnw("killing process failed", "Error", err)
		}
		code = ForcedExitCode
	}
	m.removeArtifact(s)
	m.registry.Remove(s)
	s.markExited()

	metrics.ActiveSessions.Dec()
	metrics.SessionExitsTotal.WithLabelValues(cause.String()).Inc()
	metrics.SessionDuration.Observe(time.Since(s.StartedAt).Seconds())
	s.log.Infow("session finished", "Cause", cause.String(), "ExitCode", code)

	if cause.Notify() {
		ev := exitEvent(s.ID, code, cause)
		s.finish <- &ev
	} else {
		s.finish <- nil
	}
	return true
}

// abandon unregisters a session that never started running.
func (m *Manager) abandon(s *Session) {
	m.registry.Remove(s)
	s.markExited()
}

func (m *Manager) removeArtifact(s *Session) {
	if err := s.artifact.Remove(); err != nil {
		metrics.CleanupFailuresTotal.Inc()
		s.log.Warnw("deleting artifact failed", "Artifact", s.artifact.path, "Error", err)
		return
	}
	s.log.Debugw("artifact deleted", "Artifact", s.artifact.path)
}

// relayOutput forwards the process output to the client until the process closes it, then finishes the session with the exit code.
func (m *Manager) relayOutput(s *Session) {
	defer m.wg.Done()

	r := s.proc.Output()
	buf := make([]byte, outputChunkSize)
	var pending []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			if cut := completeUTF8(pending); cut > 0 {
				s.touch(time.Now())
				s.emitOutput(string(pending[:cut]))
				pending = append(pending[:0], pending[cut:]...)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debugf("output reader got error: %s", err)
			}
			break
		}
	}
	if len(pending) > 0 {
		s.emitOutput(string(pending))
	}

	code := -1
	res, err := s.proc.Wait(m.ctx)
	if err != nil {
		s.log.Debugf("waiting for process: %s", err)
	}
	if res != nil {
		code = res.ExitCode
	}
	m.terminate(s, CauseExited, code)
}

// guard force-stops the session once it has had no activity for the timeout budget.
// It wakes up at the current deadline and goes back to sleep if activity has moved it since.
func (m *Manager) guard(s *Session) {
	defer m.wg.Done()

	timer := time.NewTimer(s.deadline.Remaining(time.Now()))
	defer timer.Stop()
	for {
		select {
		case <-s.stopping:
			return
		case <-timer.C:
		}
		remaining := s.deadline.Remaining(time.Now())
		if remaining > 0 {
			timer.Reset(remaining)
			continue
		}
		s.log.Infow("session timed out", "LastActivity", s.deadline.LastActivity())
		m.terminate(s, CauseTimeout, 0)
		return
	}
}
