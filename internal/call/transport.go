package call

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// binaryReadLimit caps a single inbound message once binary audio is
// expected. TTS chunks are far larger than coder/websocket's 32 KiB default.
const binaryReadLimit = 4 << 20

// Inbound is one message received from the peer.
type Inbound struct {
	Binary bool
	Data   []byte
}

// Conn is a message-oriented connection to the voice server.
type Conn interface {
	// Read blocks until the next message arrives. It returns [ErrClosed]
	// (possibly wrapped) when the peer closed the connection normally.
	Read(ctx context.Context) (Inbound, error)
	// WriteBinary sends one binary message.
	WriteBinary(ctx context.Context, data []byte) error
	// WriteText sends one text message.
	WriteText(ctx context.Context, data []byte) error
	// Close starts the close handshake and returns without waiting for it.
	Close() error
}

// BinaryConfigurer is implemented by connections that must be prepared
// before they can receive binary audio messages.
type BinaryConfigurer interface {
	ConfigureBinary()
}

// Dialer opens connections to the voice server.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// ErrClosed reports a normal close by the peer.
var ErrClosed = errors.New("call: connection closed")

// WebSocketDialer dials the voice server with coder/websocket.
type WebSocketDialer struct {
	// HTTPClient is used for the opening handshake. Nil means
	// http.DefaultClient.
	HTTPClient *http.Client
	// Header is sent with the opening handshake.
	Header http.Header
}

// Dial implements [Dialer].
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("call: dial %s: %w", url, err)
	}
	return &wsConn{conn: conn}, nil
}

// wsConn adapts a coder/websocket connection to [Conn].
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (Inbound, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return Inbound{}, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return Inbound{}, fmt.Errorf("call: read: %w", err)
	}
	return Inbound{Binary: typ == websocket.MessageBinary, Data: data}, nil
}

func (c *wsConn) WriteBinary(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageBinary, data)
}

func (c *wsConn) WriteText(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// ConfigureBinary raises the read limit so that whole TTS chunks fit.
func (c *wsConn) ConfigureBinary() {
	c.conn.SetReadLimit(binaryReadLimit)
}

// Close sends a normal close frame in the background. coder/websocket waits
// for the peer's close frame for up to five seconds; callers never do.
func (c *wsConn) Close() error {
	go func() {
		_ = c.conn.Close(websocket.StatusNormalClosure, "call ended")
	}()
	return nil
}
