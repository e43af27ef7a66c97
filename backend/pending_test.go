package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingQueueFIFO(t *testing.T) {
	q := newPendingQueue()
	r1 := NewRequest([][]byte{[]byte("GET"), []byte("a")}, false, 0)
	r2 := NewRequest([][]byte{[]byte("GET"), []byte("b")}, false, 0)
	q.push(r1)
	q.push(r2)

	got, ok := q.pop()
	require.True(t, ok)
	assert.Same(t, r1, got)

	got, ok = q.pop()
	require.True(t, ok)
	assert.Same(t, r2, got)

	_, ok = q.pop()
	assert.False(t, ok)
}

func TestPendingQueueExpire(t *testing.T) {
	q := newPendingQueue()
	r1 := NewRequest(nil, false, 0)
	q.push(r1)

	assert.True(t, q.expire(r1))
	assert.False(t, q.expire(r1), "expiring twice is a no-op")

	_, ok := q.pop()
	assert.False(t, ok)
}

func TestPendingQueueFailAll(t *testing.T) {
	q := newPendingQueue()
	r1 := NewRequest(nil, false, 0)
	r2 := NewRequest(nil, false, 0)
	q.push(r1)
	q.push(r2)

	q.failAll(ErrConnClosed)

	res := r1.Wait(context.Background())
	assert.Equal(t, ErrConnClosed, res.Err)
	res = r2.Wait(context.Background())
	assert.Equal(t, ErrConnClosed, res.Err)

	_, ok := q.pop()
	assert.False(t, ok)
}
