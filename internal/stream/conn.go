package stream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one live transport to the telemetry source.
type Conn interface {
	// ReadMessage blocks until the next frame or a transport error.
	ReadMessage() ([]byte, error)
	// Close tears the transport down; a blocked ReadMessage returns an error.
	Close() error
}

// Dialer opens telemetry connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the telemetry stream over gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	// ReadTimeout bounds the wait for each frame; zero disables the deadline.
	ReadTimeout time.Duration
	Header      http.Header
}

// Dial opens a websocket connection to url.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	c, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &wsConn{conn: c, readTimeout: d.ReadTimeout}, nil
}

type wsConn struct {
	conn        *websocket.Conn
	readTimeout time.Duration
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		if c.readTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
				return nil, err
			}
		}
		kind, msg, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage {
			return msg, nil
		}
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
