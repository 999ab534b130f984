package session

import (
	"context"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// DefaultReadLimit bounds the size of a single client message, and so the size of a submitted script.
const DefaultReadLimit = 1 << 20

// DefaultWriteTimeout bounds how long sending one message to a client may take.
// A client that stops reading gets its connection closed once it runs out.
const DefaultWriteTimeout = 10 * time.Second

// maxOutputChunk is the most output bytes sent in one message.
// The limit is probably over-conservative, we are estimating the final encoded JSON size.
const maxOutputChunk = 32768 / 3

// wsEmitter sends events as JSON messages on a WebSocket connection.
type wsEmitter struct {
	log          *zap.SugaredLogger
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (w *wsEmitter) Emit(ctx context.Context, ev Event) error {
	if ev.Event != EventOutput || len(ev.Data) <= maxOutputChunk {
		return w.write(ctx, ev)
	}
	// break large output into several messages, without splitting a UTF-8 sequence
	data := ev.Data
	for len(data) > 0 {
		n := len(data)
		if n > maxOutputChunk {
			n = maxOutputChunk
			for n > 0 && !utf8.RuneStart(data[n]) {
				n--
			}
			if n == 0 {
				n = maxOutputChunk
			}
		}
		w.log.Debugf("writing %d of %d output bytes", n, len(data))
		if err := w.write(ctx, outputEvent(data[:n])); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// write sends one message. The connection is closed if the client doesn't take it within the write timeout.
func (w *wsEmitter) write(ctx context.Context, ev Event) error {
	timeout := w.writeTimeout
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return wsjson.Write(ctx, w.conn, ev)
}
