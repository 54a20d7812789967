//go:build !unix

package transport

// SetNull cannot move the standard fds here. Callers fall back to keeping output off os.Stdout.
func (s *Stdio) SetNull() error {
	return ErrSetNullUnsupported
}
