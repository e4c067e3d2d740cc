package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ErrMalformedFrame is returned by ReadFrame for a frame that is not a JSON
// envelope. The connection stays usable.
var ErrMalformedFrame = errors.New("malformed frame")

// Conn wraps websocket.Conn with timeouts.
type Conn struct {
	ws           *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewConn wraps ws. A zero timeout disables it.
func NewConn(ws *websocket.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{ws: ws, readTimeout: readTimeout, writeTimeout: writeTimeout}
}

// ReadFrame reads one outbound frame.
func (c *Conn) ReadFrame(ctx context.Context) (Outbound, error) {
	if c.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.readTimeout)
		defer cancel()
	}
	var out Outbound
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return Outbound{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return out, nil
}

// Write sends v as one JSON text frame.
func (c *Conn) Write(ctx context.Context, v any) error {
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	return wsjson.Write(ctx, c.ws, v)
}

// Ping sends a websocket ping and waits for the pong. A concurrent reader
// must be running for the pong to be observed.
func (c *Conn) Ping(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return c.ws.Ping(ctx)
}

// Close closes the websocket with code and reason.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	return c.ws.Close(code, reason)
}
