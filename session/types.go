package session

const (
	EventRun    = "run"
	EventInput  = "input"
	EventStop   = "stop"
	EventOutput = "output"
	EventExit   = "exit"
	EventError  = "error"
)

// InputEchoPrefix prefixes the transcript line that echoes accepted input back to the client.
const InputEchoPrefix = "> "

// Request is a client->server message.
// Data holds the source text for "run" and the line for "input", "stop" has no data.
type Request struct {
	Event string `json:"event"`
	Data  string `json:"data,omitempty"`
}

// Event is a server->client message.
// Output events only carry Data, the exit event carries Code, Reason and SessionID.
type Event struct {
	Event     string `json:"event"`
	Data      string `json:"data,omitempty"`
	Code      *int   `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

func outputEvent(chunk string) Event {
	return Event{Event: EventOutput, Data: chunk}
}

func exitEvent(sessionID string, code int, cause Cause) Event {
	return Event{Event: EventExit, Code: &code, Reason: cause.String(), SessionID: sessionID}
}

func errorEvent(msg string) Event {
	return Event{Event: EventError, Data: msg}
}

// ExitCode returns the exit code of an exit event, or -1 for any other event.
func (e Event) ExitCode() int {
	if e.Code == nil {
		return -1
	}
	return *e.Code
}
