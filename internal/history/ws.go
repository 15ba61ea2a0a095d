package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"PaymentProcessor/internal/models"

	"github.com/gorilla/websocket"
)

// WSClient delivers records as JSON-RPC "record_deal" calls over one
// long-lived websocket. A failed call drops the connection; the next
// Deliver dials again.
type WSClient struct {
	Endpoint string
	Timeout  time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
	seq  int64
}

func NewWSClient(endpoint string) *WSClient {
	return &WSClient{Endpoint: endpoint, Timeout: 10 * time.Second}
}

// DefaultWSEndpoint derives the websocket endpoint from an HTTP base URL.
func DefaultWSEndpoint(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/websocket"
}

func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *WSClient) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.Timeout}
	conn, _, err := dialer.DialContext(ctx, c.Endpoint, nil)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
}

func (c *WSClient) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *WSClient) Deliver(ctx context.Context, merchantID string, rec *models.DealRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(ctx); err != nil {
		return fmt.Errorf("history ws connect: %w", err)
	}
	if err := c.callLocked(ctx, encodeDeal(merchantID, rec)); err != nil {
		c.dropLocked()
		return fmt.Errorf("deliver deal %s: %w", rec.ID, err)
	}
	return nil
}

func (c *WSClient) callLocked(ctx context.Context, params any) error {
	c.seq++
	id := c.seq
	deadline := time.Now().Add(c.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	_ = c.conn.SetReadDeadline(deadline)

	if err := c.conn.WriteJSON(rpcRequest{JSONRPC: "2.0", ID: id, Method: "record_deal", Params: params}); err != nil {
		return err
	}
	for {
		var resp rpcResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			return err
		}
		if resp.ID != id {
			// stale reply to an earlier timed-out call
			continue
		}
		if resp.Error != nil {
			return errors.New(resp.Error.Message)
		}
		return nil
	}
}
