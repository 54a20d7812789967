package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// Transport is a duplex byte stream with a single reader and a single writer.
type Transport interface {
	io.Reader
	io.Writer
	// Close releases the underlying resources. It is safe to call more than once.
	io.Closer
	fmt.Stringer
}

// ReadN reads exactly n bytes, returning fewer only at end of stream.
func ReadN(t Transport, n int) ([]byte, error) {
	b := make([]byte, n)
	read, err := io.ReadFull(t, b)
	return b[:read], err
}

// IsExpectedCloseError reports whether err is a normal termination of the stream:
// EOF, a closed connection or pipe, a broken pipe or a reset.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
