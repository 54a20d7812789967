package transport

import (
	"errors"
	"os"
	"sync"
)

// ErrSetNullUnsupported is returned by SetNull on platforms where the standard fds cannot be moved.
var ErrSetNullUnsupported = errors.New("moving stdio off the standard fds is not supported on this platform")

// Stdio is a Transport over the current process's own stdin and stdout.
// A peer spawned through a Pipe serves its gateway over it.
type Stdio struct {
	mut sync.RWMutex
	in  *os.File
	out *os.File

	closeOnce sync.Once
}

func NewStdio() *Stdio {
	return &Stdio{in: os.Stdin, out: os.Stdout}
}

func (s *Stdio) files() (*os.File, *os.File) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return s.in, s.out
}

func (s *Stdio) Read(b []byte) (int, error) {
	in, _ := s.files()
	return in.Read(b)
}

func (s *Stdio) Write(b []byte) (int, error) {
	_, out := s.files()
	return out.Write(b)
}

func (s *Stdio) Close() error {
	s.closeOnce.Do(func() {
		in, out := s.files()
		in.Close()
		out.Close()
	})
	return nil
}

func (s *Stdio) String() string {
	return "stdio"
}
