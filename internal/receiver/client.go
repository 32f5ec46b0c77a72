package receiver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// Client issues commands to a receiver over one connection
type Client struct {
	mu        sync.Mutex
	conn      net.Conn
	seq       int
	maxLength int
}

// Dial connects to a receiver at addr
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to receiver: %w", err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, maxLength: DefaultMaxLength}
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends a command with the given fields and waits for its response.
// A response carrying an error is returned together with that error.
func (c *Client) Call(ctx context.Context, command string, fields map[string]any) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	req := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		req[k] = v
	}
	req["command"] = command
	if _, ok := req["id"]; !ok {
		req["id"] = strconv.Itoa(c.seq)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := WriteFrame(c.conn, req, c.maxLength); err != nil {
		return nil, err
	}
	data, err := ReadFrame(c.conn, c.maxLength)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}
	return &resp, resp.Err()
}

// MailRequest is the payload of a mail command
type MailRequest struct {
	Group   int64       `json:"group,omitempty"`
	Message MessageSpec `json:"message"`
	To      []ToSpec    `json:"to"`
}

// Mail queues a message for a list of recipients
func (c *Client) Mail(ctx context.Context, req MailRequest) (*Response, error) {
	fields := map[string]any{
		"message": req.Message,
		"to":      req.To,
	}
	if req.Group > 0 {
		fields["group"] = req.Group
	}
	return c.Call(ctx, "mail", fields)
}

// Groups fetches groups by id; no ids returns every group
func (c *Client) Groups(ctx context.Context, ids ...int64) (map[string]GroupView, error) {
	fields := map[string]any{}
	if len(ids) > 0 {
		fields["groups"] = ids
	}
	resp, err := c.Call(ctx, "group", fields)
	if err != nil {
		return nil, err
	}
	return resp.Groups, nil
}

// SetStatus changes the status of a group
func (c *Client) SetStatus(ctx context.Context, group int64, status string) (*GroupView, error) {
	resp, err := c.Call(ctx, "status", map[string]any{"group": group, "status": status})
	if err != nil {
		return nil, err
	}
	return resp.Group, nil
}

// Stats fetches queue depths
func (c *Client) Stats(ctx context.Context) (*StatsView, error) {
	resp, err := c.Call(ctx, "stats", nil)
	if err != nil {
		return nil, err
	}
	return resp.Stats, nil
}
