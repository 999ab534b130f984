package session

// Status is the lifecycle state of a session.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusStopping
	StatusExited
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Cause is the path that terminated a session.
type Cause int

const (
	// CauseExited means the process exited on its own.
	CauseExited Cause = iota
	CauseStopped
	CauseTimeout
	// CauseDisconnect means the owning connection went away, there is nobody to notify.
	CauseDisconnect
	CauseShutdown
)

// ForcedExitCode is reported instead of the process's own exit code when a session is force-stopped.
const ForcedExitCode = 137

func (c Cause) String() string {
	switch c {
	case CauseExited:
		return "exited"
	case CauseStopped:
		return "stopped"
	case CauseTimeout:
		return "timeout"
	case CauseDisconnect:
		return "disconnect"
	case CauseShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Forced reports whether the process may still be alive when this cause triggers cleanup.
func (c Cause) Forced() bool {
	return c != CauseExited
}

// Notify reports whether the client is still there to receive an exit event.
func (c Cause) Notify() bool {
	return c != CauseDisconnect
}
