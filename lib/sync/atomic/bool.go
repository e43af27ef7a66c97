// Package atomic provides small atomic value wrappers.
package atomic

import "sync/atomic"

// Boolean is an atomically accessed bool.
type Boolean struct {
	val int32
}

// Get returns the current value.
func (b *Boolean) Get() bool {
	return atomic.LoadInt32(&b.val) != 0
}

// Set stores v.
func (b *Boolean) Set(v bool) {
	if v {
		atomic.StoreInt32(&b.val, 1)
	} else {
		atomic.StoreInt32(&b.val, 0)
	}
}
