//go:build unix

package transport

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// SetNull moves the transport onto duplicates of fds 0 and 1 and points fds 0 and 1 at /dev/null,
// so that nothing else in the process (or its children) can read from or write into the protocol stream.
func (s *Stdio) SetNull() error {
	s.mut.Lock()
	defer s.mut.Unlock()

	inFD, err := unix.Dup(int(s.in.Fd()))
	if err != nil {
		return fmt.Errorf("duplicating stdin: %w", err)
	}
	outFD, err := unix.Dup(int(s.out.Fd()))
	if err != nil {
		unix.Close(inFD)
		return fmt.Errorf("duplicating stdout: %w", err)
	}
	devNull, err := unix.Open(os.DevNull, unix.O_RDWR, 0)
	if err != nil {
		unix.Close(inFD)
		unix.Close(outFD)
		return fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer unix.Close(devNull)
	if err := unix.Dup2(devNull, 0); err != nil {
		return fmt.Errorf("redirecting fd 0: %w", err)
	}
	if err := unix.Dup2(devNull, 1); err != nil {
		return fmt.Errorf("redirecting fd 1: %w", err)
	}
	s.in = os.NewFile(uintptr(inFD), "stdin-transport")
	s.out = os.NewFile(uintptr(outFD), "stdout-transport")
	return nil
}
