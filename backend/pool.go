package backend

import (
	"time"

	"github.com/cornelk/hashmap"

	"undermoon/lib/timewheel"
)

// Pool holds one Conn per back-end address, created lazily on first
// use. It is the thing sessions and the migration engine route
// requests through; neither ever dials a back end directly.
type Pool struct {
	conns       *hashmap.Map[string, *Conn]
	dialTimeout time.Duration
	wheel       *timewheel.TimeWheel
}

// NewPool builds a Pool. The timing wheel backing request timeouts is
// shared across every Conn the pool creates.
func NewPool(dialTimeout time.Duration) *Pool {
	wheel := timewheel.New(100*time.Millisecond, 600)
	wheel.Start()
	return &Pool{
		conns:       hashmap.New[string, *Conn](),
		dialTimeout: dialTimeout,
		wheel:       wheel,
	}
}

// Get returns the Conn for addr, creating and starting it if this is
// the first request to that address.
func (p *Pool) Get(addr string) *Conn {
	if c, ok := p.conns.Get(addr); ok {
		return c
	}
	c := NewConn(addr, p.dialTimeout, p.wheel)
	actual, loaded := p.conns.GetOrInsert(addr, c)
	if loaded {
		_ = c.Close()
		return actual
	}
	return c
}

// Forget closes and drops the Conn for addr, used when the cluster
// snapshot stops referencing a back end (e.g. after a migration
// range's source host is fully drained and removed).
func (p *Pool) Forget(addr string) {
	if c, ok := p.conns.Get(addr); ok {
		_ = c.Close()
		p.conns.Del(addr)
	}
}

// Close tears down every Conn in the pool.
func (p *Pool) Close() error {
	p.wheel.Stop()
	p.conns.Range(func(addr string, c *Conn) bool {
		_ = c.Close()
		return true
	})
	return nil
}
