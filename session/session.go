package session

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/guseggert/scriptrelay/sandbox"
	"go.uber.org/zap"
)

const (
	outboundQueueSize = 256
	inboundQueueSize  = 64
)

// Emitter delivers events to the client that owns a session.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// Session is the live binding between one client connection and one isolated process for one run.
type Session struct {
	ID        string
	ConnID    string
	StartedAt time.Time

	log      *zap.SugaredLogger
	out      Emitter
	artifact *artifact
	proc     sandbox.Process
	deadline *Deadline

	mu     sync.Mutex
	status Status

	// ioMu is held for reading around every stdin write and for writing when the session exits,
	// so that nothing is written to the process after that.
	ioMu sync.RWMutex

	// inputMu serializes senders on inbound
	inputMu  sync.Mutex
	outbound chan Event
	inbound  chan string
	// finish carries the exit event, or nil when there is nobody to notify
	finish chan *Event

	// stopping is closed when the session leaves the running state
	stopping chan struct{}
	// forwarded is closed when the forwarder stops delivering events
	forwarded chan struct{}
}

func newSession(connID string, out Emitter, log *zap.SugaredLogger) *Session {
	id := uuid.NewString()
	return &Session{
		ID:        id,
		ConnID:    connID,
		log:       log.With("SessionID", id, "ConnID", connID),
		out:       out,
		status:    StatusIdle,
		outbound:  make(chan Event, outboundQueueSize),
		inbound:   make(chan string, inboundQueueSize),
		finish:    make(chan *Event, 1),
		stopping:  make(chan struct{}),
		forwarded: make(chan struct{}),
	}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastActivity returns the instant of the latest output or input of the session.
func (s *Session) LastActivity() time.Time {
	if s.deadline == nil {
		return time.Time{}
	}
	return s.deadline.LastActivity()
}

// ArtifactPath returns where the source text of the session was persisted.
func (s *Session) ArtifactPath() string {
	if s.artifact == nil {
		return ""
	}
	return s.artifact.path
}

func (s *Session) setRunning(now time.Time, deadline *Deadline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartedAt = now
	s.deadline = deadline
	s.status = StatusRunning
}

// claim moves a running session to stopping. Only the caller that gets true may clean it up.
func (s *Session) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning {
		return false
	}
	s.status = StatusStopping
	close(s.stopping)
	return true
}

func (s *Session) markExited() {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusExited
}

func (s *Session) touch(now time.Time) {
	s.deadline.Touch(now)
}

// emitOutput queues an output chunk for the client, as long as the session is running.
func (s *Session) emitOutput(chunk string) bool {
	if s.Status() != StatusRunning {
		return false
	}
	select {
	case s.outbound <- outputEvent(chunk):
		return true
	case <-s.forwarded:
		return false
	}
}

// forward delivers queued events to the client in order, until the session finishes.
// Events still queued when it finishes are delivered before the exit event, nothing follows the exit event.
func (s *Session) forward(ctx context.Context) {
	defer close(s.forwarded)
	for {
		select {
		case ev := <-s.outbound:
			if err := s.out.Emit(ctx, ev); err != nil {
				s.log.Debugf("error emitting output: %s", err)
				return
			}
		case exit := <-s.finish:
			if !s.drain(ctx) {
				return
			}
			if exit != nil {
				if err := s.out.Emit(ctx, *exit); err != nil {
					s.log.Debugf("error emitting exit: %s", err)
				}
			}
			return
		}
	}
}

func (s *Session) drain(ctx context.Context) bool {
	for {
		select {
		case ev := <-s.outbound:
			if err := s.out.Emit(ctx, ev); err != nil {
				s.log.Debugf("error emitting output: %s", err)
				return false
			}
		default:
			return true
		}
	}
}

// relayInput writes queued input lines to the process until the session stops running.
func (s *Session) relayInput() {
	for {
		select {
		case <-s.stopping:
			return
		case line := <-s.inbound:
			s.writeStdin(line)
		}
	}
}

func (s *Session) writeStdin(line string) {
	s.ioMu.RLock()
	defer s.ioMu.RUnlock()
	if s.Status() != StatusRunning {
		return
	}
	if err := s.proc.WriteStdin([]byte(line)); err != nil {
		s.log.Debugf("error writing stdin: %s", err)
	}
}

// completeUTF8 returns the length of the longest prefix of b that does not end inside a UTF-8 sequence.
func completeUTF8(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}
