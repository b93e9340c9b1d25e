package firecracker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Retry defaults for vsock connection establishment. A freshly booted guest
// needs a moment before its agent listens.
const (
	dialMaxRetries  = 8
	dialBaseBackoff = 100 * time.Millisecond
	dialMaxBackoff  = 2 * time.Second
)

// GuestConn is one request/response exchange with the guest agent.
// Each GuestConn is used by a single goroutine.
type GuestConn struct {
	conn   net.Conn
	reader io.Reader // keeps bytes buffered during the handshake
}

// DialGuest connects to the guest agent through Firecracker's vsock UDS
// bridge at udsPath, retrying with exponential backoff until the agent
// answers on port.
func DialGuest(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = dialBaseBackoff
	b.MaxInterval = dialMaxBackoff

	gc, err := backoff.Retry(ctx, func() (*GuestConn, error) {
		return dialVsockUDS(ctx, udsPath, port)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(dialMaxRetries))
	if err != nil {
		return nil, fmt.Errorf("dial guest %s: %w", udsPath, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := gc.conn.SetDeadline(deadline); err != nil {
			gc.conn.Close()
			return nil, fmt.Errorf("set deadline: %w", err)
		}
	}
	return gc, nil
}

// dialVsockUDS performs Firecracker's host-initiated handshake: send
// "CONNECT <port>\n", expect "OK <host_port>\n".
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	if response = strings.TrimSpace(response); !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return &GuestConn{conn: conn, reader: reader}, nil
}

// Call sends req and reads the guest's response.
func (gc *GuestConn) Call(req GuestRequest) (GuestResponse, error) {
	if err := WriteMessage(gc.conn, &req); err != nil {
		return GuestResponse{}, fmt.Errorf("send %s request: %w", req.Type, err)
	}
	var resp GuestResponse
	if err := ReadMessage(gc.reader, &resp); err != nil {
		return GuestResponse{}, fmt.Errorf("read %s response: %w", req.Type, err)
	}
	if !resp.OK {
		return resp, fmt.Errorf("guest rejected %s request: %s", req.Type, resp.Error)
	}
	return resp, nil
}

// Close closes the underlying connection.
func (gc *GuestConn) Close() error {
	return gc.conn.Close()
}

// callGuest dials the guest, performs one exchange and hangs up.
func callGuest(ctx context.Context, udsPath string, port uint32, req GuestRequest) (GuestResponse, error) {
	gc, err := DialGuest(ctx, udsPath, port)
	if err != nil {
		return GuestResponse{}, err
	}
	defer gc.Close()
	return gc.Call(req)
}
