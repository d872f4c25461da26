package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func startListener(t *testing.T, h *Handler, cfg ListenerConfig) (*Listener, <-chan error) {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	l := NewListener(cfg, h)
	if err := l.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	errc := make(chan error, 1)
	go func() { errc <- l.Serve(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Shutdown(ctx)
	})
	return l, errc
}

func send(t *testing.T, addr net.Addr, payload string) {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Errorf("dial: %v", err)
		return
	}
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Errorf("write: %v", err)
	}
	_ = conn.Close()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestListenerConcurrentConnectionsEachStored(t *testing.T) {
	saver := &fakeSaver{}
	h := NewHandler(newTestDecoder(t), saver, HandlerConfig{ReadTimeout: 2 * time.Second})
	l, _ := startListener(t, h, ListenerConfig{})

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			send(t, l.Addr(), fmt.Sprintf("P|1|PID%02d\rO|1|S%02d\rR|1|^^^T%02d|%d\r", i, i, i, i))
		}(i)
	}
	wg.Wait()
	waitFor(t, func() bool { return len(saver.messages()) == n })

	seen := make(map[string]bool)
	for _, m := range saver.messages() {
		pid := deref(m.parsed.PatientID)
		idx, err := strconv.Atoi(strings.TrimPrefix(pid, "PID"))
		if err != nil {
			t.Fatalf("unexpected patient id %q", pid)
		}
		if deref(m.parsed.SampleID) != fmt.Sprintf("S%02d", idx) || deref(m.parsed.TestCode) != fmt.Sprintf("T%02d", idx) {
			t.Fatalf("fields from different connections mixed: %+v", m.parsed)
		}
		if seen[pid] {
			t.Fatalf("message %s stored twice", pid)
		}
		seen[pid] = true
	}
}

func TestListenerKeepsAcceptingAfterEmptyConnection(t *testing.T) {
	saver := &fakeSaver{}
	h := NewHandler(newTestDecoder(t), saver, HandlerConfig{ReadTimeout: time.Second})
	l, _ := startListener(t, h, ListenerConfig{})

	send(t, l.Addr(), "")
	send(t, l.Addr(), exampleMessage)

	waitFor(t, func() bool { return len(saver.messages()) == 1 })
	if got := saver.messages()[0].raw; got != exampleMessage {
		t.Fatalf("unexpected raw message %q", got)
	}
}

func TestListenerBoundsConcurrentConnections(t *testing.T) {
	saver := &fakeSaver{}
	h := NewHandler(newTestDecoder(t), saver, HandlerConfig{ReadTimeout: 5 * time.Second})
	l, _ := startListener(t, h, ListenerConfig{MaxConnections: 1})

	held, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, func() bool { return l.Active() == 1 })

	done := make(chan struct{})
	go func() {
		defer close(done)
		send(t, l.Addr(), exampleMessage)
	}()
	<-done
	time.Sleep(50 * time.Millisecond)
	if n := len(saver.messages()); n != 0 {
		t.Fatalf("second connection must wait for a free slot, got %d stored", n)
	}
	if l.Active() != 1 {
		t.Fatalf("expected one active connection, got %d", l.Active())
	}

	_ = held.Close()
	waitFor(t, func() bool { return len(saver.messages()) == 1 })
}

func TestListenerShutdownWaitsForInFlight(t *testing.T) {
	saver := &fakeSaver{}
	h := NewHandler(newTestDecoder(t), saver, HandlerConfig{ReadTimeout: 5 * time.Second})
	l, errc := startListener(t, h, ListenerConfig{})

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write([]byte(exampleMessage)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return l.Active() == 1 })

	shutdown := make(chan error, 1)
	go func() { shutdown <- l.Shutdown(context.Background()) }()
	select {
	case err := <-shutdown:
		t.Fatalf("shutdown returned with a connection in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	_ = conn.Close()
	if err := <-shutdown; err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if n := len(saver.messages()); n != 1 {
		t.Fatalf("in-flight message must be stored, got %d", n)
	}
	if err := <-errc; !errors.Is(err, ErrListenerClosed) {
		t.Fatalf("expected ErrListenerClosed from Serve, got %v", err)
	}
	if _, err := net.Dial("tcp", l.Addr().String()); err == nil {
		t.Fatalf("expected dial to fail after shutdown")
	}
}

func TestListenerShutdownDeadlineClosesConnections(t *testing.T) {
	saver := &fakeSaver{}
	h := NewHandler(newTestDecoder(t), saver, HandlerConfig{})
	l, _ := startListener(t, h, ListenerConfig{})

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return l.Active() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := l.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	waitFor(t, func() bool { return l.Active() == 0 })
	if n := len(saver.messages()); n != 0 {
		t.Fatalf("force-closed connection must not be stored, got %d", n)
	}
}

func TestListenerShutdownDeadlineWaitsForRunningSave(t *testing.T) {
	saver := &fakeSaver{delay: 200 * time.Millisecond, entered: make(chan struct{})}
	h := NewHandler(newTestDecoder(t), saver, HandlerConfig{ReadTimeout: time.Second})
	l, _ := startListener(t, h, ListenerConfig{})

	send(t, l.Addr(), exampleMessage)
	select {
	case <-saver.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("save never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	// The store may be closed as soon as Shutdown returns.
	msgs := saver.messages()
	if len(msgs) != 1 {
		t.Fatalf("Shutdown returned while a save was running")
	}
	if !errors.Is(msgs[0].ctxErr, context.Canceled) {
		t.Fatalf("expected handler context cancelled by the deadline, got %v", msgs[0].ctxErr)
	}
	if l.Active() != 0 {
		t.Fatalf("expected no active connections, got %d", l.Active())
	}
}

func TestListenerRejectsConnectionsAfterShutdown(t *testing.T) {
	saver := &fakeSaver{}
	h := NewHandler(newTestDecoder(t), saver, HandlerConfig{ReadTimeout: time.Second})
	l := NewListener(ListenerConfig{Addr: "127.0.0.1:0"}, h)
	if err := l.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	if l.admit(server) {
		t.Fatal("admit must refuse connections once shutdown has begun")
	}
	if l.Active() != 0 {
		t.Fatalf("refused connection must not be tracked")
	}
}

func TestListenerServeReturnsOnContextCancel(t *testing.T) {
	h := NewHandler(newTestDecoder(t), &fakeSaver{}, HandlerConfig{})
	l := NewListener(ListenerConfig{Addr: "127.0.0.1:0"}, h)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Serve(ctx) }()
	waitFor(t, func() bool { return l.Addr() != nil })
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("expected nil on cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown after cancel: %v", err)
	}
}

func TestListenerListenErrors(t *testing.T) {
	h := NewHandler(newTestDecoder(t), &fakeSaver{}, HandlerConfig{})
	if err := NewListener(ListenerConfig{Addr: "256.0.0.1:bad"}, h).Listen(); err == nil {
		t.Fatal("expected listen error for bad address")
	}
	l := NewListener(ListenerConfig{Addr: "127.0.0.1:0"}, h)
	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown unbound: %v", err)
	}
	if err := l.Serve(context.Background()); !errors.Is(err, ErrListenerClosed) {
		t.Fatalf("expected ErrListenerClosed, got %v", err)
	}
}

func TestNextBackoff(t *testing.T) {
	d := nextBackoff(0)
	if d != minAcceptBackoff {
		t.Fatalf("expected %v, got %v", minAcceptBackoff, d)
	}
	for i := 0; i < 20; i++ {
		d = nextBackoff(d)
	}
	if d != maxAcceptBackoff {
		t.Fatalf("expected cap %v, got %v", maxAcceptBackoff, d)
	}
}
