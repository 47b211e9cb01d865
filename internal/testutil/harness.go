// Package testutil spins up a real cxdb store and binary protocol listener
// against a temp directory, the way the pack's cxdbTestServer fakes an
// HTTP double — except this harness drives the actual store and server
// code under test rather than a hand-rolled stand-in.
package testutil

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/strongdm/cxdb/core"
	"github.com/strongdm/cxdb/internal/wire"
)

// Harness wires a Store to a live wire.Server listener on loopback.
type Harness struct {
	Store  *core.Store
	Server *wire.Server
	Addr   string

	cancel context.CancelFunc
}

// NewHarness opens a store under t.TempDir() and starts the binary
// listener on an ephemeral port. Everything is torn down via t.Cleanup.
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	store, err := core.OpenStore(t.TempDir(), 256, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addrStr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		t.Fatalf("close probe listener: %v", err)
	}

	server := &wire.Server{
		Store:           store,
		Log:             log,
		MaxInFlight:     16,
		MaxPayloadBytes: 1 << 20,
		ServerName:      "cxdbd-test",
		ServerVersion:   1,
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Harness{Store: store, Server: server, Addr: addrStr, cancel: cancel}

	ready := make(chan error, 1)
	go func() {
		lc := net.ListenConfig{}
		lis, err := lc.Listen(ctx, "tcp", addrStr)
		if err != nil {
			ready <- err
			return
		}
		ready <- nil
		go func() {
			<-ctx.Done()
			lis.Close()
		}()
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go server.ServeConn(ctx, conn)
		}
	}()
	if err := <-ready; err != nil {
		t.Fatalf("start listener: %v", err)
	}

	t.Cleanup(func() {
		cancel()
		_ = store.Close()
	})

	return h
}

// Dial opens a client connection against the harness's listener, retrying
// briefly since the accept loop goroutine above starts asynchronously.
func (h *Harness) Dial(t *testing.T) *wire.Client {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		c, err := wire.Dial(h.Addr, "test-client", 1)
		if err == nil {
			return c
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial harness: %v", lastErr)
	return nil
}
