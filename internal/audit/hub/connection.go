package hub

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/coder/websocket"
	"github.com/google/uuid"
)

const sendTimeout = 5 * time.Second

// connection wraps one subscriber socket with its group memberships.
type connection struct {
	id       string
	tenantID string
	sock     *ws.Conn

	mu     sync.Mutex // guards groups
	groups map[string]struct{}

	sendMu sync.Mutex // serializes writes
	closed atomic.Bool
}

func newConnection(sock *ws.Conn, tenantID string) *connection {
	return &connection{
		id:       uuid.NewString(),
		tenantID: tenantID,
		sock:     sock,
		groups:   make(map[string]struct{}),
	}
}

// sendJSON writes one message with a bounded deadline. A second write never
// interleaves with the first.
func (c *connection) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed.Load() {
		return ws.CloseError{Code: ws.StatusNormalClosure}
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return c.sock.Write(ctx, ws.MessageText, payload)
}

func (c *connection) close(code ws.StatusCode, reason string) {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.sock.Close(code, reason)
	}
}

func (c *connection) groupNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.groups))
	for name := range c.groups {
		names = append(names, name)
	}
	return names
}
