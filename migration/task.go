// Package migration implements the MIGRATING/IMPORTING key-copy
// protocol: once the control handler observes a Migrating range
// on this proxy, a Task iterates the source back end's keyspace with
// SCAN, rehashes each key to find the ones inside the range, and moves
// each to the destination with DUMP+RESTORE+DEL, rate-limited, until a
// full scan cycle finds nothing left to move.
package migration

import (
	"context"
	"strconv"
	"time"

	"undermoon/backend"
	"undermoon/cluster"
	"undermoon/cluster/classify"
	"undermoon/lib/logger"
	"undermoon/lib/ratelimit"
	"undermoon/resp"
)

const (
	scanBatch      = 100
	requestTimeout = 2 * time.Second
	passInterval   = 200 * time.Millisecond
)

// Task copies every key in one slot range from a source back end to a
// destination back end.
type Task struct {
	Dbname string
	Info   cluster.MigrationInfo

	pool    *backend.Pool
	limiter *ratelimit.Limiter

	cancel  context.CancelFunc
	done    chan struct{}
	drained chan struct{}
}

// Start launches the copier in its own goroutine and returns
// immediately; call Stop to cancel it early.
func Start(dbname string, info cluster.MigrationInfo, pool *backend.Pool, limiter *ratelimit.Limiter) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		Dbname:  dbname,
		Info:    info,
		pool:    pool,
		limiter: limiter,
		cancel:  cancel,
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	go t.run(ctx)
	return t
}

// Stop cancels the copier. Safe to call more than once.
func (t *Task) Stop() {
	t.cancel()
	<-t.done
}

// Drained reports whether a full scan cycle over the source keyspace
// found no remaining keys in the range. Non-blocking.
func (t *Task) Drained() bool {
	select {
	case <-t.drained:
		return true
	default:
		return false
	}
}

func (t *Task) run(ctx context.Context) {
	defer close(t.done)
	src := t.pool.Get(t.Info.SrcBackend)
	dst := t.pool.Get(t.Info.DstBackend)

	for {
		remaining, err := t.scanPass(ctx, src, dst)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warnf("migration %s %s: scan pass: %v", t.Dbname, t.Info.Range, err)
		} else if remaining == 0 {
			select {
			case <-t.drained:
			default:
				close(t.drained)
				logger.Infof("migration %s %s: drained", t.Dbname, t.Info.Range)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(passInterval):
		}
	}
}

// scanPass walks the source keyspace once with SCAN, rehashing every
// returned key and moving the ones whose slot falls inside the range.
// It returns how many in-range keys the pass encountered; zero means
// the range is drained.
func (t *Task) scanPass(ctx context.Context, src, dst *backend.Conn) (int, error) {
	found := 0
	cursor := []byte("0")
	for {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		next, keys, err := scan(ctx, src, cursor, scanBatch)
		if err != nil {
			return found, err
		}
		for _, key := range keys {
			slot := cluster.Slot(classify.Slot(string(key)))
			if !t.Info.Range.Contains(slot) {
				continue
			}
			found++
			if err := t.limiter.WaitKey(ctx); err != nil {
				return found, err
			}
			if err := copyKey(ctx, src, dst, t.limiter, key); err != nil {
				logger.Warnf("migration %s %s: copy %q: %v", t.Dbname, t.Info.Range, key, err)
			}
		}
		cursor = next
		if string(cursor) == "0" {
			return found, nil
		}
	}
}

// scan issues one SCAN step, returning the next cursor and the batch
// of keys.
func scan(ctx context.Context, conn *backend.Conn, cursor []byte, count int) ([]byte, [][]byte, error) {
	req := backend.NewRequest([][]byte{
		[]byte("SCAN"), cursor,
		[]byte("COUNT"), []byte(strconv.Itoa(count)),
	}, false, requestTimeout)
	conn.Send(req)
	res := req.Wait(ctx)
	if res.Err != nil {
		return nil, nil, res.Err
	}
	if resp.IsErrReply(res.Reply) {
		return nil, nil, res.Reply.(*resp.ErrReply)
	}
	arr, ok := resp.AsArray(res.Reply)
	if !ok || len(arr) != 2 {
		return []byte("0"), nil, nil
	}
	next, ok := arr[0].(resp.BulkString)
	if !ok {
		return []byte("0"), nil, nil
	}
	keysArr, _ := arr[1].(resp.Array)
	keys := make([][]byte, 0, len(keysArr))
	for _, elem := range keysArr {
		if b, ok := elem.(resp.BulkString); ok && b != nil {
			keys = append(keys, []byte(b))
		}
	}
	return []byte(next), keys, nil
}

// copyKey moves one key with DUMP on src, RESTORE on dst, DEL on src,
// the explicit equivalent to MIGRATE the protocol allows. A DUMP
// that returns a nil bulk means the key vanished between listing and
// copying (already moved or expired); that is not an error.
func copyKey(ctx context.Context, src, dst *backend.Conn, limiter *ratelimit.Limiter, key []byte) error {
	dumpReq := backend.NewRequest([][]byte{[]byte("DUMP"), key}, false, requestTimeout)
	src.Send(dumpReq)
	dumpRes := dumpReq.Wait(ctx)
	if dumpRes.Err != nil {
		return dumpRes.Err
	}
	if resp.IsErrReply(dumpRes.Reply) {
		return dumpRes.Reply.(*resp.ErrReply)
	}
	payload, ok := resp.AsBulk(dumpRes.Reply)
	if !ok || payload == nil {
		return nil
	}
	if err := limiter.WaitBytes(ctx, len(payload)); err != nil {
		return err
	}

	restoreReq := backend.NewRequest([][]byte{[]byte("RESTORE"), key, []byte("0"), []byte(payload), []byte("REPLACE")}, false, requestTimeout)
	dst.Send(restoreReq)
	restoreRes := restoreReq.Wait(ctx)
	if restoreRes.Err != nil {
		return restoreRes.Err
	}
	if resp.IsErrReply(restoreRes.Reply) {
		return restoreRes.Reply.(*resp.ErrReply)
	}

	delReq := backend.NewRequest([][]byte{[]byte("DEL"), key}, false, requestTimeout)
	src.Send(delReq)
	delRes := delReq.Wait(ctx)
	return delRes.Err
}
