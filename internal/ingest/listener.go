package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrListenerClosed is returned by Serve after Shutdown.
var ErrListenerClosed = errors.New("ingest: listener closed")

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
	// forcedDrain bounds the wait for handlers after Shutdown's deadline has
	// cancelled their context and closed their connections.
	forcedDrain = 5 * time.Second
)

// ListenerConfig configures the acceptor.
type ListenerConfig struct {
	Addr string
	// MaxConnections bounds concurrently handled connections. Zero is unbounded.
	MaxConnections int64
}

// Listener accepts TCP connections and runs one Handler goroutine per
// connection. Accept never waits on handlers unless MaxConnections is reached.
type Listener struct {
	cfg     ListenerConfig
	handler *Handler
	sem     *semaphore.Weighted
	settings

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	cancel   context.CancelFunc
	abort    context.CancelFunc
	inFlight sync.WaitGroup
}

// NewListener builds an unbound listener.
func NewListener(cfg ListenerConfig, handler *Handler, opts ...Option) *Listener {
	l := &Listener{cfg: cfg, handler: handler, settings: newSettings(opts), conns: make(map[net.Conn]struct{})}
	if cfg.MaxConnections > 0 {
		l.sem = semaphore.NewWeighted(cfg.MaxConnections)
	}
	return l
}

// Listen binds the configured address. Serve calls it when needed; calling it
// first lets callers learn the bound port (":0" in tests).
func (l *Listener) Listen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrListenerClosed
	}
	if l.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.cfg.Addr, err)
	}
	l.ln = ln
	return nil
}

// Addr returns the bound address, nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve accepts until ctx is cancelled or Shutdown is called. It returns nil
// on cancellation, ErrListenerClosed after Shutdown, and an error when the
// listener fails permanently. In-flight handlers keep running; use Shutdown
// to wait for them.
func (l *Listener) Serve(ctx context.Context) error {
	if err := l.Listen(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrListenerClosed
	}
	// Handlers outlive Serve's context so a shutdown lets in-flight messages
	// finish; only a Shutdown deadline aborts them.
	handlerCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel, l.abort = cancel, abort
	ln := l.ln
	l.mu.Unlock()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	l.logger.Info("listener started", "addr", ln.Addr().String(), "max_connections", l.cfg.MaxConnections)
	var backoff time.Duration
	for {
		if l.sem != nil {
			if err := l.sem.Acquire(ctx, 1); err != nil {
				return l.stopReason(ctx)
			}
		}
		conn, err := ln.Accept()
		if err != nil {
			l.release()
			if ctx.Err() != nil || l.isClosed() {
				return l.stopReason(ctx)
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() { //nolint:staticcheck // same retry policy as net/http.Server
				backoff = nextBackoff(backoff)
				l.logger.Warn("accept failed; retrying", "error", err.Error(), "delay", backoff.String())
				select {
				case <-time.After(backoff):
					continue
				case <-ctx.Done():
					return l.stopReason(ctx)
				}
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0
		if !l.admit(conn) {
			_ = conn.Close()
			l.release()
			return l.stopReason(ctx)
		}
		go func() {
			defer l.inFlight.Done()
			defer l.release()
			defer l.untrack(conn)
			l.handler.Handle(handlerCtx, conn)
		}()
	}
}

// Shutdown stops accepting and waits for in-flight handlers. When ctx expires
// first, handler contexts are cancelled, the remaining connections are closed
// and Shutdown waits up to forcedDrain more for handlers to return before
// reporting ctx.Err(). No handler starts after Shutdown has been called.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	if l.cancel != nil {
		l.cancel()
	}
	var err error
	if l.ln != nil {
		if cerr := l.ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		l.logger.Info("listener stopped")
		return err
	case <-ctx.Done():
		l.mu.Lock()
		if l.abort != nil {
			l.abort()
		}
		open := len(l.conns)
		for c := range l.conns {
			_ = c.Close()
		}
		l.mu.Unlock()
		l.logger.Warn("listener shutdown deadline reached; closing connections", "open", open)
		select {
		case <-done:
		case <-time.After(forcedDrain):
			l.logger.Error("handlers still running after forced close", "open", l.Active())
		}
		return ctx.Err()
	}
}

// Active reports the number of connections being handled.
func (l *Listener) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

func (l *Listener) stopReason(ctx context.Context) error {
	if l.isClosed() {
		return ErrListenerClosed
	}
	if ctx.Err() != nil {
		return nil
	}
	return ErrListenerClosed
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// admit registers c as in flight unless Shutdown has begun. Checking closed
// and adding to inFlight under mu keeps Add from racing Shutdown's Wait.
func (l *Listener) admit(c net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.conns[c] = struct{}{}
	l.inFlight.Add(1)
	return true
}

func (l *Listener) untrack(c net.Conn) {
	l.mu.Lock()
	delete(l.conns, c)
	l.mu.Unlock()
}

func (l *Listener) release() {
	if l.sem != nil {
		l.sem.Release(1)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	if d *= 2; d > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return d
}
