package firecracker

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// serveGuest answers the vsock CONNECT handshake on a Unix socket and replies
// to each request with respond. Close the returned listener to stop it.
func serveGuest(sockPath string, respond func(GuestRequest) GuestResponse) (net.Listener, error) {
	l, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, err
	}

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, 64)
				if _, err := conn.Read(buf); err != nil {
					return
				}
				if _, err := conn.Write([]byte("OK 1073741824\n")); err != nil {
					return
				}
				var req GuestRequest
				if err := ReadMessage(conn, &req); err != nil {
					return
				}
				resp := respond(req)
				_ = WriteMessage(conn, &resp)
			}(conn)
		}
	}()
	return l, nil
}

func TestGuestConnCall(t *testing.T) {
	server, client := net.Pipe()
	gc := &GuestConn{conn: client, reader: client}

	go func() {
		defer server.Close()
		var req GuestRequest
		if err := ReadMessage(server, &req); err != nil {
			t.Errorf("mock read: %v", err)
			return
		}
		if req.Type != RequestStart || req.Start == nil || req.Start.Entrypoint[0] != "true" {
			t.Errorf("request = %+v", req)
		}
		_ = WriteMessage(server, &GuestResponse{OK: true, Status: "running", PID: 7})
	}()

	resp, err := gc.Call(GuestRequest{Type: RequestStart, RunID: "r", Start: &StartRequest{Entrypoint: []string{"true"}}})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.PID != 7 || resp.Status != "running" {
		t.Errorf("response = %+v", resp)
	}
}

func TestGuestConnCallRejected(t *testing.T) {
	server, client := net.Pipe()
	gc := &GuestConn{conn: client, reader: client}

	go func() {
		defer server.Close()
		var req GuestRequest
		_ = ReadMessage(server, &req)
		_ = WriteMessage(server, &GuestResponse{OK: false, Error: "exec: not found"})
	}()

	_, err := gc.Call(GuestRequest{Type: RequestStart})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("Call error = %v, want guest rejection", err)
	}
}

func TestGuestConnConnectionReset(t *testing.T) {
	server, client := net.Pipe()
	gc := &GuestConn{conn: client, reader: client}

	go func() {
		var req GuestRequest
		_ = ReadMessage(server, &req)
		server.Close()
	}()

	if _, err := gc.Call(GuestRequest{Type: RequestStatus}); err == nil {
		t.Fatal("expected error for connection reset")
	}
}

func TestDialGuestContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := DialGuest(ctx, "/nonexistent.sock", DefaultVsockPort); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestDialGuestRetriesUntilReady(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "v.sock")

	var wg sync.WaitGroup
	var l net.Listener
	wg.Add(1)
	go func() {
		defer wg.Done()
		// The guest comes up after the first dial attempts fail.
		time.Sleep(250 * time.Millisecond)
		var err error
		l, err = serveGuest(sockPath, func(GuestRequest) GuestResponse {
			return GuestResponse{OK: true, Status: "finished"}
		})
		if err != nil {
			t.Errorf("serveGuest: %v", err)
		}
	}()
	t.Cleanup(func() {
		wg.Wait()
		if l != nil {
			l.Close()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := callGuest(ctx, sockPath, DefaultVsockPort, GuestRequest{Type: RequestStatus, RunID: "r"})
	if err != nil {
		t.Fatalf("callGuest: %v", err)
	}
	if resp.Status != "finished" {
		t.Errorf("Status = %q, want finished", resp.Status)
	}
}
