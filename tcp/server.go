// Package tcp hosts the proxy's listen loop: accept connections, hand
// each to a Handler, and shut down gracefully on SIGTERM/SIGINT.
package tcp

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"undermoon/lib/logger"
	"undermoon/lib/sync/atomic"
	"undermoon/lib/sync/wait"
)

// Config describes what to listen on.
type Config struct {
	Address string
}

// Handler processes one accepted connection until it closes, and can
// be asked to stop accepting new work ahead of a shutdown.
type Handler interface {
	Handle(ctx context.Context, conn net.Conn)
	Close() error
}

// ListenAndServeWithSignal listens on cfg.Address and blocks until a
// termination signal is received, at which point it stops accepting
// new connections, closes the handler, and waits (bounded) for
// in-flight connections to finish.
func ListenAndServeWithSignal(cfg *Config, handler Handler) error {
	closeChan := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		close(closeChan)
	}()

	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return err
	}
	logger.Infof("bind: %s, start listening...", cfg.Address)
	return ListenAndServe(listener, handler, closeChan)
}

// ListenAndServe runs the accept loop until closeChan fires.
func ListenAndServe(listener net.Listener, handler Handler, closeChan <-chan struct{}) error {
	go func() {
		<-closeChan
		logger.Info("shutting down...")
		_ = listener.Close()
		_ = handler.Close()
	}()

	defer func() {
		_ = listener.Close()
		_ = handler.Close()
	}()

	ctx := context.Background()
	var wg wait.Wait
	var closing atomic.Boolean

	go func() {
		<-closeChan
		closing.Set(true)
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if closing.Get() {
				break
			}
			logger.Error("accept error: " + err.Error())
			continue
		}
		wg.Add(1)
		go func() {
			defer func() {
				wg.Done()
			}()
			handler.Handle(ctx, conn)
		}()
	}
	wg.WaitWithTimeout(5 * time.Second)
	return nil
}
