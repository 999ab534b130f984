package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const clientReadLimit = 32768

// Client dials the session protocol endpoint of a server.
type Client struct {
	HTTPClient *http.Client
	URL        string
	// Header is sent with the WebSocket handshake, set "Origin" here to act like a browser.
	Header http.Header
	Logger *zap.SugaredLogger
}

// Dial opens a connection to the server. Events are delivered on Conn.Events until the connection closes.
func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	log := c.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log.Debugw("dialing WebSocket", "URL", c.URL)
	wsConn, _, err := websocket.Dial(ctx, c.URL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		HTTPHeader:      c.Header,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Debugf("dial error: %s", err)
		return nil, fmt.Errorf("establishing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(clientReadLimit)

	ctx, cancel := context.WithCancel(context.Background())
	conn := &Conn{
		log:    log.Named("session_conn"),
		conn:   wsConn,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, 64),
	}
	conn.wg.Add(1)
	go conn.readEvents()
	return conn, nil
}

// Conn is a client connection to the session protocol.
type Conn struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	events chan Event
	err    error

	wg            sync.WaitGroup
	closeConnOnce sync.Once
}

// Run submits source text for execution.
func (c *Conn) Run(ctx context.Context, source string) error {
	return wsjson.Write(ctx, c.conn, Request{Event: EventRun, Data: source})
}

// Input sends one line of input to the running script, without the trailing newline.
func (c *Conn) Input(ctx context.Context, line string) error {
	return wsjson.Write(ctx, c.conn, Request{Event: EventInput, Data: line})
}

// Stop asks the server to stop the running script.
func (c *Conn) Stop(ctx context.Context) error {
	return wsjson.Write(ctx, c.conn, Request{Event: EventStop})
}

// Events returns the events sent by the server. The channel is closed when the connection closes.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Err returns the error that ended the event stream, if any.
// It must only be called after the events channel has been closed.
func (c *Conn) Err() error {
	return c.err
}

// Wait copies output events to w until the exit event of the current run, and returns that exit event.
// An error event ends the wait with an error.
func (c *Conn) Wait(ctx context.Context, w io.Writer) (*Event, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-c.events:
			if !ok {
				if c.err != nil {
					return nil, fmt.Errorf("connection closed before exit: %w", c.err)
				}
				return nil, io.ErrUnexpectedEOF
			}
			switch ev.Event {
			case EventOutput:
				if w != nil {
					if _, err := io.WriteString(w, ev.Data); err != nil {
						return nil, err
					}
				}
			case EventExit:
				return &ev, nil
			case EventError:
				return nil, fmt.Errorf("run failed: %s", ev.Data)
			}
		}
	}
}

// Close closes the connection. Closing with a running script stops it.
func (c *Conn) Close() error {
	var err error
	c.closeConnOnce.Do(func() {
		err = c.conn.Close(websocket.StatusNormalClosure, "")
	})
	c.cancel()
	c.wg.Wait()
	return err
}

func (c *Conn) readEvents() {
	defer c.wg.Done()
	defer close(c.events)
	for {
		var ev Event
		err := wsjson.Read(c.ctx, c.conn, &ev)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				c.err = err
			}
			c.log.Debugf("event reader got error: %s", err)
			return
		}
		select {
		case c.events <- ev:
		case <-c.ctx.Done():
			return
		}
	}
}
