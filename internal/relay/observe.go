package relay

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"pseudonymizing-proxy/internal/uifallback"
)

// observer runs one UI fallback Observe loop per connection. ui_restore
// text is fed in as nodes and each restored node is routed back to the
// request that sent it.
type observer struct {
	in   chan uifallback.Node
	seq  atomic.Uint64
	done chan struct{}

	mu      sync.Mutex
	waiting map[string]chan uifallback.Node
}

// observe starts the loop. It stops once ctx is done.
func (s *Server) observe(ctx context.Context) *observer {
	o := &observer{
		in:      make(chan uifallback.Node),
		done:    make(chan struct{}),
		waiting: make(map[string]chan uifallback.Node),
	}
	out := make(chan uifallback.Node)
	go func() {
		if err := s.ui.Observe(ctx, o.in, out); err != nil && ctx.Err() == nil {
			s.log.Warnf("observe", "%v", err)
		}
		close(out)
	}()
	go func() {
		defer close(o.done)
		for n := range out {
			o.deliver(n)
		}
	}()
	return o
}

// restore sends text through the loop and waits for its node. Node ids
// are local to the connection so a late node never reaches a reused msgId.
func (o *observer) restore(ctx context.Context, text string) (uifallback.Node, error) {
	id := strconv.FormatUint(o.seq.Add(1), 10)
	ch := make(chan uifallback.Node, 1)
	o.mu.Lock()
	o.waiting[id] = ch
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.waiting, id)
		o.mu.Unlock()
	}()

	select {
	case o.in <- uifallback.Node{ID: id, Text: text}:
	case <-ctx.Done():
		return uifallback.Node{}, ctx.Err()
	}
	select {
	case n := <-ch:
		return n, nil
	case <-ctx.Done():
		return uifallback.Node{}, ctx.Err()
	}
}

func (o *observer) deliver(n uifallback.Node) {
	o.mu.Lock()
	ch, ok := o.waiting[n.ID]
	delete(o.waiting, n.ID)
	o.mu.Unlock()
	if ok {
		ch <- n
	}
}

// wait blocks until the loop has stopped.
func (o *observer) wait() { <-o.done }
