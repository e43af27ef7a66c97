// Package wait provides a sync.WaitGroup with a bounded-time Wait,
// used for graceful shutdown: give in-flight sessions a deadline to
// drain instead of blocking forever.
package wait

import (
	"sync"
	"time"
)

// Wait wraps sync.WaitGroup.
type Wait struct {
	wg sync.WaitGroup
}

func (w *Wait) Add(delta int) { w.wg.Add(delta) }
func (w *Wait) Done()         { w.wg.Done() }
func (w *Wait) Wait()         { w.wg.Wait() }

// WaitWithTimeout blocks until the group is empty or timeout elapses,
// returning true if it timed out.
func (w *Wait) WaitWithTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.wg.Wait()
	}()
	select {
	case <-done:
		return false
	case <-time.After(timeout):
		return true
	}
}
