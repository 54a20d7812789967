package script

import (
	"fmt"
	"io"
	"sync"
)

// Stream names accepted by Outputs.
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

// Outputs holds where units' print and console output goes. Each stream writes to its
// redirect targets when it has any and to its default writer otherwise.
type Outputs struct {
	mut     sync.Mutex
	streams map[string]*stream
}

type stream struct {
	def     io.Writer
	writers []io.Writer
}

func NewOutputs(stdout, stderr io.Writer) *Outputs {
	return &Outputs{
		streams: map[string]*stream{
			Stdout: {def: stdout},
			Stderr: {def: stderr},
		},
	}
}

func (o *Outputs) stream(name string) (*stream, error) {
	s, ok := o.streams[name]
	if !ok {
		return nil, fmt.Errorf("unknown output stream %q", name)
	}
	return s, nil
}

// Redirect adds w as a target of the named stream.
func (o *Outputs) Redirect(name string, w io.Writer) error {
	o.mut.Lock()
	defer o.mut.Unlock()
	s, err := o.stream(name)
	if err != nil {
		return err
	}
	s.writers = append(s.writers, w)
	return nil
}

// Reset removes every redirect target of the named stream, returning the removed writers.
func (o *Outputs) Reset(name string) ([]io.Writer, error) {
	o.mut.Lock()
	defer o.mut.Unlock()
	s, err := o.stream(name)
	if err != nil {
		return nil, err
	}
	removed := s.writers
	s.writers = nil
	return removed, nil
}

// Remove removes w from the named stream's targets.
func (o *Outputs) Remove(name string, w io.Writer) {
	o.mut.Lock()
	defer o.mut.Unlock()
	s, err := o.stream(name)
	if err != nil {
		return
	}
	for i := 0; i < len(s.writers); i++ {
		if s.writers[i] == w {
			s.writers = append(s.writers[:i], s.writers[i+1:]...)
			i--
		}
	}
}

// Writer returns an io.Writer for the named stream.
func (o *Outputs) Writer(name string) io.Writer {
	return &streamWriter{outputs: o, name: name}
}

type streamWriter struct {
	outputs *Outputs
	name    string
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.outputs.mut.Lock()
	s, err := w.outputs.stream(w.name)
	if err != nil {
		w.outputs.mut.Unlock()
		return 0, err
	}
	targets := s.writers
	if len(targets) == 0 {
		targets = []io.Writer{s.def}
	} else {
		targets = append([]io.Writer(nil), targets...)
	}
	w.outputs.mut.Unlock()

	for _, t := range targets {
		if t == nil {
			continue
		}
		n, err := t.Write(p)
		if err != nil {
			return n, err
		}
		if n != len(p) {
			return n, io.ErrShortWrite
		}
	}
	return len(p), nil
}

// ChannelWriter sends everything written to it as string values on a channel.
type ChannelWriter struct {
	Channel Channel
}

func (w *ChannelWriter) Write(p []byte) (int, error) {
	if err := w.Channel.Send(string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
