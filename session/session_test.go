package session

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"undermoon/backend"
	"undermoon/cluster"
	"undermoon/control"
	"undermoon/lib/ratelimit"
	"undermoon/resp"
)

// startFakeBackend runs a minimal RESP server that replies to GET/SET
// with a canned, recognizable reply so routing can be asserted without
// a real Redis instance. existsN is what it answers to EXISTS, so a
// test can stand in for a back end that does or does not still hold a
// migrating key.
func startFakeBackend(t *testing.T, existsN int64) string {
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
			if !ok || len(arr) == 0 {
				return
			}
			name := strings.ToUpper(string(arr[0].(resp.BulkString)))
			var reply resp.Obj
			switch name {
			case "EXISTS":
				reply = resp.Integer(existsN)
			case "ASKING":
				reply = resp.SimpleString("OK")
			default:
				reply = resp.SimpleString("backend-reply")
			}
			if _, err := conn.Write(resp.Encode(reply)); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

type testRig struct {
	manager *Manager
	client  net.Conn
	reader  *resp.Reader
}

func newTestRig(t *testing.T, backendAddr string) *testRig {
	t.Helper()
	store := cluster.NewStore()
	pool := backend.NewPool(200 * time.Millisecond)
	t.Cleanup(func() { _ = pool.Close() })
	limiter := ratelimit.New(0, 0)
	ctl := control.NewHandler(store, pool, limiter, "127.0.0.1:6399")
	mgr := NewManager(store, pool, ctl, time.Second)

	clientConn, serverConn := net.Pipe()
	go mgr.Handle(context.Background(), serverConn)
	t.Cleanup(func() { _ = clientConn.Close() })

	if backendAddr != "" {
		reply := ctl.Dispatch(cmd("UMCTL", "SETDB", "1", "NOFLAG", "mydb", backendAddr, "1", "0-16383"))
		require.Equal(t, resp.OKReply, reply)
	}

	return &testRig{manager: mgr, client: clientConn, reader: resp.NewReader(clientConn, 0)}
}

func cmd(args ...string) [][]byte {
	out := make([][]byte, len(args))
	for i, a := range args {
		out[i] = []byte(a)
	}
	return out
}

func (r *testRig) send(t *testing.T, args ...string) resp.Obj {
	t.Helper()
	r.write(t, args...)
	return r.read(t)
}

func (r *testRig) write(t *testing.T, args ...string) {
	t.Helper()
	_, err := r.client.Write(resp.Encode(resp.MultiBulkFromStrings(args...)))
	require.NoError(t, err)
}

func (r *testRig) read(t *testing.T) resp.Obj {
	t.Helper()
	obj, err := r.reader.ReadObject()
	require.NoError(t, err)
	return obj
}

func TestSessionBootstrapAndAuth(t *testing.T) {
	backendAddr := startFakeBackend(t, 0)
	rig := newTestRig(t, backendAddr)

	assert.Equal(t, resp.SimpleString("OK"), rig.send(t, "AUTH", "mydb"))
	assert.Equal(t, resp.SimpleString("backend-reply"), rig.send(t, "SET", "k", "v"))
}

func TestSessionNoAuthBeforeAuth(t *testing.T) {
	backendAddr := startFakeBackend(t, 0)
	rig := newTestRig(t, backendAddr)

	reply := rig.send(t, "GET", "k")
	errObj, ok := reply.(resp.Error)
	require.True(t, ok)
	assert.Contains(t, string(errObj), "NOAUTH")
}

func TestSessionCrossSlotRejected(t *testing.T) {
	backendAddr := startFakeBackend(t, 0)
	rig := newTestRig(t, backendAddr)
	rig.send(t, "AUTH", "mydb")

	reply := rig.send(t, "MGET", "a", "totallydifferentkey")
	errObj, ok := reply.(resp.Error)
	require.True(t, ok)
	assert.Contains(t, string(errObj), "CROSSSLOT")
}

func TestSessionPingAndEcho(t *testing.T) {
	rig := newTestRig(t, "")
	assert.Equal(t, resp.SimpleString("PONG"), rig.send(t, "PING"))
	assert.Equal(t, resp.BulkString("hi"), rig.send(t, "ECHO", "hi"))
}

// TestSessionSplitRedirectsToPeer: after a split that hands half the
// slot range to a peer proxy, a key hashing
// into the peer's half is answered with MOVED instead of being
// forwarded to a local back end.
func TestSessionSplitRedirectsToPeer(t *testing.T) {
	backendAddr := startFakeBackend(t, 0)
	store := cluster.NewStore()
	pool := backend.NewPool(200 * time.Millisecond)
	t.Cleanup(func() { _ = pool.Close() })
	ctl := control.NewHandler(store, pool, ratelimit.New(0, 0), "127.0.0.1:6399")
	mgr := NewManager(store, pool, ctl, time.Second)

	clientConn, serverConn := net.Pipe()
	go mgr.Handle(context.Background(), serverConn)
	t.Cleanup(func() { _ = clientConn.Close() })

	require.Equal(t, resp.OKReply, ctl.Dispatch(cmd(
		"UMCTL", "SETDB", "1", "NOFLAG",
		"mydb", backendAddr, "1", "0-8000",
		"PEER", "mydb", "127.0.0.1:7000", "1", "8001-16383",
	)))

	rig := &testRig{manager: mgr, client: clientConn, reader: resp.NewReader(clientConn, 0)}
	rig.send(t, "AUTH", "mydb")

	// CRC16("a") % 16384 = 15495, which the split above hands to the peer.
	reply := rig.send(t, "GET", "a")
	errObj, ok := reply.(resp.Error)
	require.True(t, ok)
	assert.Equal(t, "MOVED 15495 127.0.0.1:7000", string(errObj))
}

// TestSessionPipelinedRepliesInOrder writes several commands before
// reading any reply and checks the replies come back in submission
// order.
func TestSessionPipelinedRepliesInOrder(t *testing.T) {
	backendAddr := startFakeBackend(t, 0)
	rig := newTestRig(t, backendAddr)
	rig.send(t, "AUTH", "mydb")

	rig.write(t, "SET", "k", "v")
	rig.write(t, "PING")
	rig.write(t, "ECHO", "third")

	assert.Equal(t, resp.SimpleString("backend-reply"), rig.read(t))
	assert.Equal(t, resp.SimpleString("PONG"), rig.read(t))
	assert.Equal(t, resp.BulkString("third"), rig.read(t))
}

// migratingSetDB installs a slot map owned locally except slot 15495
// ("a"'s slot), which is tagged migrating toward dst-proxy.
func migratingSetDB(t *testing.T, ctl *control.Handler, srcBackend, dstBackend string) {
	t.Helper()
	reply := ctl.Dispatch(cmd(
		"UMCTL", "SETDB", "2", "FORCE",
		"mydb", srcBackend, "2", "0-15494", "15496-16383",
		"mydb", srcBackend, "migrating", "1", "15495-15495", "2",
		"src-proxy:6399", srcBackend, "dst-proxy:6399", dstBackend,
	))
	require.Equal(t, resp.OKReply, reply)
}

// importingSetDB installs a slot map owned locally with slot 15495
// overlaid as importing from src-proxy.
func importingSetDB(t *testing.T, ctl *control.Handler, srcBackend, dstBackend string) {
	t.Helper()
	reply := ctl.Dispatch(cmd(
		"UMCTL", "SETDB", "2", "FORCE",
		"mydb", dstBackend, "1", "0-16383",
		"mydb", dstBackend, "importing", "1", "15495-15495", "2",
		"src-proxy:6399", srcBackend, "dst-proxy:6399", dstBackend,
	))
	require.Equal(t, resp.OKReply, reply)
}

// TestSessionMigratingKeyGone exercises the source side of a
// migration after the copier has moved the key: the local back end no longer
// holds it, so the session answers ASK toward the destination proxy.
func TestSessionMigratingKeyGone(t *testing.T) {
	backendAddr := startFakeBackend(t, 0) // EXISTS -> 0: key already moved
	rig := newTestRig(t, backendAddr)
	rig.send(t, "AUTH", "mydb")

	// "a" hashes to 15495.
	migratingSetDB(t, rig.manager.control, backendAddr, "dst-backend:6379")

	reply := rig.send(t, "GET", "a")
	errObj, ok := reply.(resp.Error)
	require.True(t, ok)
	assert.Equal(t, "ASK 15495 dst-proxy:6399", string(errObj))
}

// TestSessionMigratingKeyStillLocal is the same scenario before the
// copier reaches the key: the source still holds it and serves it.
func TestSessionMigratingKeyStillLocal(t *testing.T) {
	backendAddr := startFakeBackend(t, 1) // EXISTS -> 1: key still here
	rig := newTestRig(t, backendAddr)
	rig.send(t, "AUTH", "mydb")

	migratingSetDB(t, rig.manager.control, backendAddr, "dst-backend:6379")

	assert.Equal(t, resp.SimpleString("backend-reply"), rig.send(t, "GET", "a"))
}

// startKeyedFakeBackend is startFakeBackend with EXISTS answered per
// key: 1 for heldKey, 0 for anything else.
func startKeyedFakeBackend(t *testing.T, heldKey string) string {
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
			if !ok || len(arr) == 0 {
				return
			}
			name := strings.ToUpper(string(arr[0].(resp.BulkString)))
			var reply resp.Obj
			switch {
			case name == "EXISTS" && len(arr) >= 2 && string(arr[1].(resp.BulkString)) == heldKey:
				reply = resp.Integer(1)
			case name == "EXISTS":
				reply = resp.Integer(0)
			default:
				reply = resp.SimpleString("backend-reply")
			}
			if _, err := conn.Write(resp.Encode(reply)); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

// TestSessionMigratingObjectCommandUsesRealKey routes OBJECT ENCODING
// through a migrating range: the key sits at argument position two,
// so the preflight must check the classifier's resolved key, not the
// subcommand.
func TestSessionMigratingObjectCommandUsesRealKey(t *testing.T) {
	backendAddr := startKeyedFakeBackend(t, "a")
	rig := newTestRig(t, backendAddr)
	rig.send(t, "AUTH", "mydb")

	migratingSetDB(t, rig.manager.control, backendAddr, "dst-backend:6379")

	// "a" hashes to 15495 and is still held locally, so the command is
	// served rather than redirected.
	assert.Equal(t, resp.SimpleString("backend-reply"), rig.send(t, "OBJECT", "ENCODING", "a"))
}

// TestSessionImportingRequiresAsking exercises the destination side:
// a command for an importing range is refused with MOVED back to the
// source unless the client sent ASKING immediately before it.
func TestSessionImportingRequiresAsking(t *testing.T) {
	backendAddr := startFakeBackend(t, 0)
	rig := newTestRig(t, backendAddr)
	rig.send(t, "AUTH", "mydb")

	importingSetDB(t, rig.manager.control, "src-backend:6379", backendAddr)

	reply := rig.send(t, "GET", "a")
	errObj, ok := reply.(resp.Error)
	require.True(t, ok)
	assert.Equal(t, "MOVED 15495 src-proxy:6399", string(errObj))

	assert.Equal(t, resp.SimpleString("OK"), rig.send(t, "ASKING"))
	assert.Equal(t, resp.SimpleString("backend-reply"), rig.send(t, "GET", "a"))

	// the ASKING flag is single-use.
	reply = rig.send(t, "GET", "a")
	_, ok = reply.(resp.Error)
	require.True(t, ok)
}
