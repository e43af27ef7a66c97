package migration

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"undermoon/backend"
	"undermoon/cluster"
	"undermoon/cluster/classify"
	"undermoon/lib/ratelimit"
	"undermoon/resp"
)

// fakeRedis is a minimal in-memory Redis-protocol server implementing
// just enough of SCAN / DUMP / RESTORE / DEL for the migration copier
// to exercise against, without a real Redis.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeRedis(seed map[string][]byte) *fakeRedis {
	data := map[string][]byte{}
	for k, v := range seed {
		data[k] = v
	}
	return &fakeRedis{data: data}
}

func (f *fakeRedis) snapshot() map[string][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte, len(f.data))
	for k, v := range f.data {
		out[k] = v
	}
	return out
}

func (f *fakeRedis) handle(cmdLine []string) resp.Obj {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(cmdLine) == 0 {
		return resp.Error("ERR empty")
	}
	switch cmdLine[0] {
	case "SCAN":
		// single-pass cursor: return every key and cursor 0.
		var keys resp.Array
		for k := range f.data {
			keys = append(keys, resp.BulkString(k))
		}
		if keys == nil {
			keys = resp.Array{}
		}
		return resp.Array{resp.BulkString("0"), keys}
	case "DUMP":
		key := cmdLine[1]
		v, ok := f.data[key]
		if !ok {
			return resp.BulkString(nil)
		}
		return resp.BulkString(v)
	case "RESTORE":
		key, payload := cmdLine[1], cmdLine[3]
		f.data[key] = []byte(payload)
		return resp.SimpleString("OK")
	case "DEL":
		key := cmdLine[1]
		if _, ok := f.data[key]; ok {
			delete(f.data, key)
			return resp.Integer(1)
		}
		return resp.Integer(0)
	default:
		return resp.Error("ERR unknown command")
	}
}

func startFakeRedis(t *testing.T, f *fakeRedis) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := resp.NewReader(conn, 0)
		for {
			obj, err := r.ReadObject()
			if err != nil {
				return
			}
			arr, ok := obj.(resp.Array)
			if !ok {
				return
			}
			cmdLine := make([]string, len(arr))
			for i, e := range arr {
				if b, ok := e.(resp.BulkString); ok {
					cmdLine[i] = string(b)
				}
			}
			reply := f.handle(cmdLine)
			if _, err := conn.Write(resp.Encode(reply)); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestTaskDrainsSingleKeyToDestination(t *testing.T) {
	const key = "migratekey"
	slot := cluster.Slot(classify.Slot(key))

	src := newFakeRedis(map[string][]byte{key: []byte("payload-value")})
	dst := newFakeRedis(nil)
	srcAddr := startFakeRedis(t, src)
	dstAddr := startFakeRedis(t, dst)

	pool := backend.NewPool(200 * time.Millisecond)
	t.Cleanup(func() { _ = pool.Close() })
	limiter := ratelimit.New(0, 0)

	info := cluster.MigrationInfo{
		Range:      cluster.Range{Lo: slot, Hi: slot},
		SrcProxy:   "self:6399",
		SrcBackend: srcAddr,
		DstProxy:   "peer:6399",
		DstBackend: dstAddr,
	}
	task := Start("mydb", info, pool, limiter)
	t.Cleanup(task.Stop)

	require.True(t, waitUntil(t, 3*time.Second, task.Drained), "migration did not drain in time")

	srcData := src.snapshot()
	dstData := dst.snapshot()
	_, stillOnSrc := srcData[key]
	assert.False(t, stillOnSrc, "key should have been deleted from the source after migrating")
	assert.Equal(t, []byte("payload-value"), dstData[key])
}

func TestTaskDrainedWithNoKeysImmediately(t *testing.T) {
	src := newFakeRedis(nil)
	dst := newFakeRedis(nil)
	srcAddr := startFakeRedis(t, src)
	dstAddr := startFakeRedis(t, dst)

	pool := backend.NewPool(200 * time.Millisecond)
	t.Cleanup(func() { _ = pool.Close() })

	info := cluster.MigrationInfo{
		Range:      cluster.Range{Lo: 5, Hi: 5},
		SrcProxy:   "self:6399",
		SrcBackend: srcAddr,
		DstProxy:   "peer:6399",
		DstBackend: dstAddr,
	}
	task := Start("mydb", info, pool, ratelimit.New(0, 0))
	t.Cleanup(task.Stop)

	require.True(t, waitUntil(t, 2*time.Second, task.Drained))
}

func TestTaskStopIsIdempotentWithDrainWait(t *testing.T) {
	src := newFakeRedis(nil)
	dst := newFakeRedis(nil)
	srcAddr := startFakeRedis(t, src)
	dstAddr := startFakeRedis(t, dst)

	pool := backend.NewPool(200 * time.Millisecond)
	t.Cleanup(func() { _ = pool.Close() })

	info := cluster.MigrationInfo{Range: cluster.Range{Lo: 0, Hi: 0}, SrcBackend: srcAddr, DstBackend: dstAddr}
	task := Start("mydb", info, pool, ratelimit.New(0, 0))
	task.Stop()
	assert.NotPanics(t, task.Stop)
}
