package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Caller is the sending side of the protocol. Each Call waits for the one
// result carrying its msgId; results for unknown or already answered ids
// are discarded.
type Caller struct {
	conn    *websocket.Conn
	timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Result

	done chan struct{}
}

// Dial connects to a relay endpoint such as ws://127.0.0.1:8081/relay.
func Dial(ctx context.Context, url string, header http.Header, timeout time.Duration) (*Caller, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return NewCaller(conn, timeout), nil
}

// NewCaller takes ownership of conn and starts reading results from it.
func NewCaller(conn *websocket.Conn, timeout time.Duration) *Caller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Caller{
		conn:    conn,
		timeout: timeout,
		pending: make(map[string]chan Result),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call sends req and waits for its result. An empty MsgID is filled with a
// fresh UUID. Call returns ErrTimeout if nothing arrives within the caller's
// timeout; the caller should then fail open.
func (c *Caller) Call(ctx context.Context, req Request) (Result, error) {
	if req.MsgID == "" {
		req.MsgID = uuid.NewString()
	}
	ch := make(chan Result, 1)

	c.mu.Lock()
	if _, ok := c.pending[req.MsgID]; ok {
		c.mu.Unlock()
		return Result{}, ErrDuplicate
	}
	c.pending[req.MsgID] = ch
	c.mu.Unlock()
	defer c.forget(req.MsgID, ch)

	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return Result{}, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		return Result{}, ErrTimeout
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-c.done:
		return Result{}, ErrClosed
	}
}

// Pending returns the number of calls awaiting a result.
func (c *Caller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close closes the connection and waits for the reader to stop.
func (c *Caller) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Caller) readLoop() {
	defer close(c.done)
	for {
		var res Result
		if err := c.conn.ReadJSON(&res); err != nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[res.MsgID]
		delete(c.pending, res.MsgID)
		c.mu.Unlock()
		if ok {
			ch <- res
		}
	}
}

func (c *Caller) forget(msgID string, ch chan Result) {
	c.mu.Lock()
	if c.pending[msgID] == ch {
		delete(c.pending, msgID)
	}
	c.mu.Unlock()
}
