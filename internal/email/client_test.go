package email

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

// silentServer accepts connections and never writes to them, like an
// IMAP server that hangs before its greeting.
func silentServer(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestIMAPDialer_SilentServerHonorsDeadline(t *testing.T) {
	for _, tlsOn := range []bool{false, true} {
		name := "plain"
		if tlsOn {
			name = "tls"
		}
		t.Run(name, func(t *testing.T) {
			host, port := silentServer(t)
			dialer := NewIMAPDialer(Config{
				Host:     host,
				Port:     port,
				TLS:      tlsOn,
				Username: "owner",
				Password: "secret",
			}, nil)
			poller := NewPoller(dialer, DefaultMailbox, nil)

			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()

			type result struct {
				cycle *Cycle
				err   error
			}
			done := make(chan result, 1)
			go func() {
				c, err := poller.Open(ctx)
				done <- result{c, err}
			}()

			select {
			case r := <-done:
				if r.err == nil {
					r.cycle.Close()
					t.Fatal("Open against a silent server succeeded")
				}
				var ce *ConnectError
				if !errors.As(r.err, &ce) {
					t.Errorf("error = %v, want *ConnectError", r.err)
				}
				if !errors.Is(r.err, context.DeadlineExceeded) {
					t.Errorf("error = %v, want deadline exceeded", r.err)
				}
			case <-time.After(3 * time.Second):
				t.Fatal("Open still blocked 3s after a 200ms deadline")
			}
		})
	}
}

func TestIMAPDialer_CancelledBeforeDial(t *testing.T) {
	host, port := silentServer(t)
	dialer := NewIMAPDialer(Config{Host: host, Port: port, Username: "owner"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := dialer.Dial(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Dial error = %v, want context.Canceled", err)
	}
}
