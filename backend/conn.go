// Package backend maintains one persistent connection per back-end
// Redis instance and multiplexes the session layer's requests over
// it: a writer and a reader goroutine per physical socket, supervised
// as a pair so either one failing tears down both and triggers a
// reconnect.
package backend

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"undermoon/lib/logger"
	"undermoon/lib/timewheel"
	"undermoon/resp"
)

// ErrConnClosed is returned to any request still pending when a
// connection generation tears down.
var ErrConnClosed = errors.New("backend: connection closed")

// ErrRequestTimeout is returned when a request's deadline elapses
// before a reply arrives.
var ErrRequestTimeout = errors.New("backend: request timeout")

const (
	minBackoff = 50 * time.Millisecond
	maxBackoff = 2 * time.Second
)

// Request is one command to forward to a back end.
type Request struct {
	CmdLine [][]byte
	Asking  bool
	Timeout time.Duration

	reply chan Result
}

// Result is what a Request resolves to.
type Result struct {
	Reply resp.Reply
	Err   error
}

// NewRequest builds a Request with its reply channel ready.
func NewRequest(cmdLine [][]byte, asking bool, timeout time.Duration) *Request {
	return &Request{CmdLine: cmdLine, Asking: asking, Timeout: timeout, reply: make(chan Result, 1)}
}

// Conn owns the single socket to one back-end address and the
// reconnect loop that keeps re-establishing it.
type Conn struct {
	addr        string
	dialTimeout time.Duration
	wheel       *timewheel.TimeWheel

	mu      sync.Mutex
	sendCh  chan *Request
	closed  bool
	closeCh chan struct{}
}

// NewConn creates a Conn and starts its connect/reconnect loop. wheel
// is shared across all Conns in a Pool so a busy proxy does not spin
// up one timing wheel per back end.
func NewConn(addr string, dialTimeout time.Duration, wheel *timewheel.TimeWheel) *Conn {
	c := &Conn{
		addr:        addr,
		dialTimeout: dialTimeout,
		wheel:       wheel,
		sendCh:      make(chan *Request, 1024),
		closeCh:     make(chan struct{}),
	}
	go c.loop()
	return c
}

// Send enqueues req; its Result arrives later on req's reply channel.
// The call blocks only long enough to hand the request to the writer
// goroutine, not for the reply; use req.Wait to block for the reply.
func (c *Conn) Send(req *Request) {
	select {
	case c.sendCh <- req:
	case <-c.closeCh:
		req.reply <- Result{Err: ErrConnClosed}
	}
}

// Wait blocks until req's reply arrives, its deadline elapses, or ctx
// is cancelled, whichever comes first.
func (req *Request) Wait(ctx context.Context) Result {
	select {
	case r := <-req.reply:
		return r
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

// Close stops the reconnect loop and fails any request still queued.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.closeCh)
	c.failQueued()
	return nil
}

// failQueued empties requests buffered while the connection was down,
// completing each with a transient error so no caller waits on a
// request that was never written.
func (c *Conn) failQueued() {
	for {
		select {
		case req := <-c.sendCh:
			req.reply <- Result{Err: ErrConnClosed}
		default:
			return
		}
	}
}

func (c *Conn) loop() {
	backoff := minBackoff
	for attempt := 0; ; attempt++ {
		select {
		case <-c.closeCh:
			return
		default:
		}

		netConn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
		if err != nil {
			logger.Warnf("backend %s: dial failed: %v", c.addr, err)
			c.failQueued()
			if !c.sleepBackoff(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = minBackoff
		logger.Infof("backend %s: connected", c.addr)

		if err := c.serveGeneration(netConn); err != nil {
			logger.Warnf("backend %s: connection ended: %v", c.addr, err)
		}

		select {
		case <-c.closeCh:
			return
		default:
		}
	}
}

func (c *Conn) sleepBackoff(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-c.closeCh:
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	next := d * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(next) / 4 + 1))
	return next - jitter
}

// serveGeneration runs one physical connection's reader/writer pair
// until either fails, the connection is asked to close, or the peer
// hangs up.
func (c *Conn) serveGeneration(netConn net.Conn) error {
	defer netConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pending := newPendingQueue()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.writeLoop(gctx, netConn, pending) })
	g.Go(func() error { return c.readLoop(gctx, netConn, pending) })
	// closing the socket unblocks a reader still waiting on it once the
	// writer has failed.
	go func() {
		<-gctx.Done()
		_ = netConn.Close()
	}()

	err := g.Wait()
	pending.failAll(ErrConnClosed)
	return err
}

func (c *Conn) writeLoop(ctx context.Context, netConn net.Conn, pending *pendingQueue) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeCh:
			return ErrConnClosed
		case req := <-c.sendCh:
			if req.Asking {
				if _, err := netConn.Write(resp.Encode(resp.MultiBulk([]byte("ASKING")))); err != nil {
					req.reply <- Result{Err: err}
					return err
				}
				pending.push(discardRequest())
			}
			if _, err := netConn.Write(resp.Encode(resp.MultiBulk(req.CmdLine...))); err != nil {
				req.reply <- Result{Err: err}
				return err
			}
			pending.push(req)
			if req.Timeout > 0 {
				key := fmt.Sprintf("%p", req)
				c.wheel.AddJob(req.Timeout, key, func() {
					if pending.expire(req) {
						req.reply <- Result{Err: ErrRequestTimeout}
						// the late reply would be matched to the next
						// request, so this connection generation ends.
						_ = netConn.Close()
					}
				})
			}
		}
	}
}

func (c *Conn) readLoop(ctx context.Context, netConn net.Conn, pending *pendingQueue) error {
	reader := resp.NewReader(netConn, 0)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		obj, err := reader.ReadObject()
		if err != nil {
			return err
		}
		req, ok := pending.pop()
		if !ok {
			continue
		}
		if req.Timeout > 0 {
			c.wheel.RemoveJob(fmt.Sprintf("%p", req))
		}
		req.reply <- Result{Reply: resp.FromObj(obj)}
	}
}

// discardRequest produces a Request whose reply nobody reads, used to
// absorb the +OK for a leading ASKING so it doesn't get matched
// against the caller's actual command.
func discardRequest() *Request {
	return &Request{reply: make(chan Result, 1)}
}
