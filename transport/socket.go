package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// Socket is a Transport over a connected stream socket.
type Socket struct {
	net.Conn

	name      string
	closeOnce sync.Once
	closeErr  error
}

// NewSocket wraps an already connected conn.
func NewSocket(conn net.Conn) *Socket {
	return &Socket{Conn: conn, name: fmt.Sprintf("socket %s->%s", conn.LocalAddr(), conn.RemoteAddr())}
}

// DialSocket connects to addr over TCP.
func DialSocket(ctx context.Context, addr string) (*Socket, error) {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return NewSocket(conn), nil
}

func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.Conn.Close()
	})
	return s.closeErr
}

func (s *Socket) String() string {
	return s.name
}
