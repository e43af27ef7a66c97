// Package session implements the per-client connection state machine:
// read a frame, classify it, route it through the cluster
// snapshot and back-end pool, and reply — preserving the client's
// submission order even though requests are pipelined to back ends
// without waiting for earlier replies.
package session

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/cornelk/hashmap"

	"undermoon/backend"
	"undermoon/cluster"
	"undermoon/cluster/classify"
	"undermoon/control"
	"undermoon/lib/idgenerator"
	atomicx "undermoon/lib/sync/atomic"
	"undermoon/lib/sync/wait"
	"undermoon/resp"
)

// outQueueSize bounds how many replies a session may have pending
// toward the client. A full queue blocks the read loop, which stops
// reading the client socket until the writer drains, pushing
// backpressure onto the client.
const outQueueSize = 256

// Manager implements tcp.Handler: it accepts connections and tracks
// the set of live Sessions for graceful shutdown.
type Manager struct {
	store   *cluster.Store
	pool    *backend.Pool
	control *control.Handler
	idGen   *idgenerator.IDGenerator

	sessions *hashmap.Map[int64, *Session]
	closing  atomicx.Boolean
	wg       wait.Wait

	requestTimeout time.Duration
}

// NewManager builds a Manager bound to the shared store, back-end
// pool, and control handler.
func NewManager(store *cluster.Store, pool *backend.Pool, ctl *control.Handler, requestTimeout time.Duration) *Manager {
	return &Manager{
		store:          store,
		pool:           pool,
		control:        ctl,
		idGen:          idgenerator.MakeGenerator("session"),
		sessions:       hashmap.New[int64, *Session](),
		requestTimeout: requestTimeout,
	}
}

// Session is per-connection state: the selected dbname (unset until
// AUTH) and the single-use ASKING flag for the next command. Both are
// touched only by the session's read loop.
type Session struct {
	id     int64
	conn   net.Conn
	dbname string
	asking bool
}

// outcome is one command's contribution to the reply stream: either a
// reply computed by the proxy itself, or a back-end request whose
// result the writer goroutine resolves when its turn comes. The
// channel of outcomes is what keeps replies in client submission
// order while requests pipeline ahead.
type outcome struct {
	reply      resp.Reply
	req        *backend.Request
	closeAfter bool
}

// Handle implements tcp.Handler. It runs until the client disconnects,
// a protocol error occurs, or the Manager is closing.
func (m *Manager) Handle(ctx context.Context, conn net.Conn) {
	if m.closing.Get() {
		_ = conn.Close()
		return
	}

	sess := &Session{id: m.idGen.NextID(), conn: conn}
	m.sessions.Set(sess.id, sess)
	m.wg.Add(1)
	defer func() {
		m.sessions.Del(sess.id)
		m.wg.Done()
		_ = conn.Close()
	}()

	out := make(chan *outcome, outQueueSize)
	writerDone := make(chan struct{})
	go m.writeReplies(ctx, conn, out, writerDone)
	defer func() {
		close(out)
		<-writerDone
	}()

	reader := resp.NewReader(conn, 0)
	for {
		obj, err := reader.ReadObject()
		if err != nil {
			return
		}
		cmdLine, ok := toCmdLine(obj)
		if !ok {
			out <- &outcome{
				reply:      resp.MakeErrReply("ERR Protocol error: expected array of bulk strings"),
				closeAfter: true,
			}
			return
		}
		if len(cmdLine) == 0 {
			continue
		}
		o := m.dispatch(ctx, sess, cmdLine)
		out <- o
		if o.closeAfter {
			return
		}
	}
}

// writeReplies drains outcomes in order, resolving each pending
// back-end request as its turn comes. After the read loop exits it
// keeps draining so in-flight back-end replies are consumed and
// discarded rather than cancelled.
func (m *Manager) writeReplies(ctx context.Context, conn net.Conn, out <-chan *outcome, done chan<- struct{}) {
	defer close(done)
	for o := range out {
		reply := o.reply
		if o.req != nil {
			res := o.req.Wait(ctx)
			if res.Err != nil {
				reply = resp.BackendUnavailableErrReply
			} else {
				reply = res.Reply
			}
		}
		// a write failure means the client is gone; keep draining.
		_, _ = conn.Write(reply.ToBytes())
		if o.closeAfter {
			_ = conn.Close()
		}
	}
}

// Close asks every live session to stop and waits briefly for them to
// drain, then tears down the back-end pool.
func (m *Manager) Close() error {
	m.closing.Set(true)
	m.sessions.Range(func(_ int64, s *Session) bool {
		_ = s.conn.Close()
		return true
	})
	m.wg.WaitWithTimeout(5 * time.Second)
	_ = m.control.Close()
	return m.pool.Close()
}

func toCmdLine(obj resp.Obj) ([][]byte, bool) {
	arr, ok := obj.(resp.Array)
	if !ok {
		return nil, false
	}
	out := make([][]byte, 0, len(arr))
	for _, elem := range arr {
		b, ok := elem.(resp.BulkString)
		if !ok {
			return nil, false
		}
		out = append(out, []byte(b))
	}
	return out, true
}

func ready(reply resp.Reply) *outcome { return &outcome{reply: reply} }

func (m *Manager) dispatch(ctx context.Context, sess *Session, cmdLine [][]byte) *outcome {
	decision := classify.Classify(cmdLine)
	// ASKING applies only to the command right after it; data commands
	// consume the flag in handleData.
	if decision.Kind != classify.KindData && decision.CmdName != "ASKING" {
		sess.asking = false
	}

	switch decision.Kind {
	case classify.KindAuth:
		return ready(m.handleAuth(sess, cmdLine))
	case classify.KindControl:
		return ready(m.control.Dispatch(cmdLine))
	case classify.KindClusterNodes:
		return ready(m.control.ClusterNodes(sess.dbname))
	case classify.KindClusterSlots:
		return ready(m.control.ClusterSlots(sess.dbname))
	case classify.KindDirect:
		return m.handleDirect(sess, cmdLine)
	case classify.KindRejected:
		return ready(resp.MakeErrReply("ERR this command is not supported in cluster mode"))
	case classify.KindUnknown:
		return ready(resp.MakeUnknownCommandErrReply(decision.CmdName))
	case classify.KindData:
		return m.handleData(ctx, sess, decision, cmdLine)
	default:
		return ready(resp.UnknownErrReply)
	}
}

func (m *Manager) handleAuth(sess *Session, cmdLine [][]byte) resp.Reply {
	if len(cmdLine) != 2 {
		return resp.MakeArgNumErrReply("AUTH")
	}
	sess.dbname = string(cmdLine[1])
	return resp.OKReply
}

func (m *Manager) handleDirect(sess *Session, cmdLine [][]byte) *outcome {
	name := strings.ToUpper(string(cmdLine[0]))
	switch name {
	case "PING":
		if len(cmdLine) >= 2 {
			return ready(resp.BulkReply(cmdLine[1]))
		}
		return ready(resp.StatusReply("PONG"))
	case "ECHO":
		if len(cmdLine) != 2 {
			return ready(resp.MakeArgNumErrReply("ECHO"))
		}
		return ready(resp.BulkReply(cmdLine[1]))
	case "SELECT":
		return ready(resp.OKReply)
	case "QUIT":
		return &outcome{reply: resp.OKReply, closeAfter: true}
	case "ASKING":
		sess.asking = true
		return ready(resp.OKReply)
	default:
		return ready(resp.MakeUnknownCommandErrReply(name))
	}
}

func (m *Manager) handleData(ctx context.Context, sess *Session, decision classify.Decision, cmdLine [][]byte) *outcome {
	askNext := sess.asking
	sess.asking = false

	if sess.dbname == "" {
		return ready(resp.NoAuthErrReply)
	}
	if decision.CrossSlot {
		return ready(resp.CrossSlotErrReply)
	}

	slotMaps, _, _ := m.store.Snapshot()
	sm, ok := slotMaps[sess.dbname]
	if !ok {
		return ready(resp.BackendUnavailableErrReply)
	}

	var slot cluster.Slot
	if len(decision.Slots) > 0 {
		slot = cluster.Slot(decision.Slots[0])
	}
	dest := sm.Lookup(slot)

	switch dest.Kind {
	case cluster.DestLocal:
		return m.forward(dest.BackendAddr, cmdLine, false)
	case cluster.DestPeer:
		return ready(resp.MovedReply(int(slot), dest.PeerAddr))
	case cluster.DestMigrating:
		var key []byte
		if len(decision.Keys) > 0 {
			key = decision.Keys[0]
		}
		return m.forwardMigrating(ctx, dest, slot, key, cmdLine)
	case cluster.DestImporting:
		if askNext {
			return m.forward(dest.Migration.DstBackend, cmdLine, true)
		}
		return ready(resp.MovedReply(int(slot), dest.Migration.SrcProxy))
	default:
		return ready(resp.UnknownErrReply)
	}
}

// forwardMigrating implements the migrating-side rule: serve locally
// if key is still present on this proxy's back end, otherwise the
// copier has already moved it on, so redirect with ASK. key is the
// classifier's resolved key, not a fixed argument position. The EXISTS
// preflight resolves in the read loop so the real command's position
// in this session's back-end sub-sequence is decided before any later
// command is read.
func (m *Manager) forwardMigrating(ctx context.Context, dest cluster.Destination, slot cluster.Slot, key []byte, cmdLine [][]byte) *outcome {
	existsReq := backend.NewRequest([][]byte{[]byte("EXISTS"), key}, false, m.requestTimeout)
	conn := m.pool.Get(dest.Migration.SrcBackend)
	conn.Send(existsReq)
	res := existsReq.Wait(ctx)
	if res.Err != nil {
		return ready(resp.BackendUnavailableErrReply)
	}
	if n, ok := resp.AsInteger(res.Reply); ok && n > 0 {
		return m.forward(dest.Migration.SrcBackend, cmdLine, false)
	}
	return ready(resp.AskReply(int(slot), dest.Migration.DstProxy))
}

// forward enqueues cmdLine to addr's connection and hands the pending
// request to the writer goroutine; it does not wait for the reply.
func (m *Manager) forward(addr string, cmdLine [][]byte, asking bool) *outcome {
	conn := m.pool.Get(addr)
	req := backend.NewRequest(cmdLine, asking, m.requestTimeout)
	conn.Send(req)
	return &outcome{req: req}
}
