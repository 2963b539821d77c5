package transport

import (
	"context"

	"github.com/gorilla/websocket"
)

// Conn is the subset of a websocket connection the channel uses. It exists
// so the connection state machine can be tested without sockets.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Conn. The production implementation wraps
// gorilla/websocket; tests substitute scripted dialers.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials real websocket connections. The establishment
// timeout is enforced by the context passed to Dial.
type WebsocketDialer struct{}

func (WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}
