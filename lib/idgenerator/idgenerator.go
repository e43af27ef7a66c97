// Package idgenerator provides a small Snowflake-style ID generator,
// used for session IDs so log lines can correlate a client
// connection's lifetime across goroutines without leaking the remote
// address.
package idgenerator

import (
	"hash/fnv"
	"sync"
	"time"
)

const (
	nodeBits     = 10
	sequenceBits = 12
	maxSequence  = int64(-1) ^ (int64(-1) << sequenceBits)
	nodeShift    = sequenceBits
	timeShift    = sequenceBits + nodeBits
	epochMillis  = int64(1700000000000) // arbitrary fixed epoch
)

// IDGenerator produces monotonically increasing, roughly time-ordered
// int64 IDs unique per node.
type IDGenerator struct {
	mu       sync.Mutex
	nodeID   int64
	lastTime int64
	seq      int64
}

// MakeGenerator derives a generator whose node component is the low
// 10 bits of an FNV-1a hash of node; different node strings can map
// to the same component.
func MakeGenerator(node string) *IDGenerator {
	h := fnv.New32a()
	_, _ = h.Write([]byte(node))
	return &IDGenerator{nodeID: int64(h.Sum32()) & (1<<nodeBits - 1)}
}

// NextID returns the next ID. Safe for concurrent use.
func (g *IDGenerator) NextID() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli() - epochMillis
	if now == g.lastTime {
		g.seq = (g.seq + 1) & maxSequence
		if g.seq == 0 {
			for now <= g.lastTime {
				now = time.Now().UnixMilli() - epochMillis
			}
		}
	} else {
		g.seq = 0
	}
	g.lastTime = now
	return (now << timeShift) | (g.nodeID << nodeShift) | g.seq
}
