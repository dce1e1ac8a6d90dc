package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/coder/websocket"
)

type connection struct {
	conn *websocket.Conn
}

func newConnection(ctx context.Context, url string, requestHeader http.Header) (*connection, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader:      requestHeader,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	c.SetReadLimit(32 << 20)

	return &connection{conn: c}, nil
}

func (c *connection) WriteMessage(ctx context.Context, data []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *connection) ReadMessage(ctx context.Context, buf *bytes.Buffer) error {
	_, reader, err := c.conn.Reader(ctx)
	if err != nil {
		return fmt.Errorf("failed to get reader: %w", err)
	}
	if _, err := io.Copy(buf, reader); err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}
	return nil
}

func (c *connection) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
