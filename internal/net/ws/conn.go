package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"simulacrum/internal/net/proto"
)

const writeWait = 10 * time.Second

// Conn wraps a websocket connection with a write lock so the broadcast
// pump and request/response handlers never interleave frames.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// NewConn wraps an upgraded or dialed websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Write encodes and sends one message under the write lock.
func (c *Conn) Write(msg any) error {
	data, err := proto.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// ReadRaw blocks for the next text payload.
func (c *Conn) ReadRaw() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// SetReadDeadline bounds the next ReadRaw.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// Close sends a normal closure frame and closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.mu.Unlock()
	return c.ws.Close()
}

// CloseWithPolicyViolation rejects a session with an explicit close frame
// carrying the reason, then tears the connection down.
func (c *Conn) CloseWithPolicyViolation(reason string) error {
	c.mu.Lock()
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
	c.mu.Unlock()
	return c.ws.Close()
}

// Dial opens a client connection to a model-process endpoint.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return NewConn(ws), nil
}

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}
