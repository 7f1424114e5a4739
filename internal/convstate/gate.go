package convstate

import (
	"context"
	"sync"
)

// Gate is a strict FIFO async mutex: one operation runs at a time and
// blocked callers are granted the gate in arrival order. It is the single
// exclusivity discipline for every conversation-state mutation, so a
// concurrent "select conversation" and "message arrived" can never
// interleave their read-modify-write.
type Gate struct {
	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
}

// Do runs fn while holding the gate. If ctx is cancelled while queued, Do
// returns ctx.Err() and the eventual grant is passed along to the next
// waiter.
func (g *Gate) Do(ctx context.Context, fn func() error) error {
	g.mu.Lock()
	if !g.busy {
		g.busy = true
		g.mu.Unlock()
	} else {
		grant := make(chan struct{})
		g.waiters = append(g.waiters, grant)
		g.mu.Unlock()

		select {
		case <-grant:
		case <-ctx.Done():
			// The grant will still arrive eventually; hand it straight on.
			go func() {
				<-grant
				g.release()
			}()
			return ctx.Err()
		}
	}

	defer g.release()
	return fn()
}

func (g *Gate) release() {
	g.mu.Lock()
	if len(g.waiters) > 0 {
		next := g.waiters[0]
		g.waiters = g.waiters[1:]
		g.mu.Unlock()
		close(next)
		return
	}
	g.busy = false
	g.mu.Unlock()
}
