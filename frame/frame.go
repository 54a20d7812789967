package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Kind identifies what a frame carries.
type Kind byte

const (
	// Open creates a channel on the receiving side and carries the source of a unit to run bound to it.
	Open Kind = iota + 1
	// Data carries one encoded value for an open channel.
	Data
	// Close signals that the sender will send no more data on the channel.
	Close
	// Error carries a failure description and terminates the sender's direction of the channel.
	Error
	// New creates a channel on the receiving side without running anything.
	New
	// Terminate announces that the sending gateway is exiting. The channel id is ignored.
	Terminate
)

func (k Kind) String() string {
	switch k {
	case Open:
		return "OPEN"
	case Data:
		return "DATA"
	case Close:
		return "CLOSE"
	case Error:
		return "ERROR"
	case New:
		return "NEW"
	case Terminate:
		return "TERMINATE"
	default:
		return fmt.Sprintf("KIND(%d)", byte(k))
	}
}

func (k Kind) valid() bool {
	return k >= Open && k <= Terminate
}

const headerLength = 9

// MaxPayloadLength bounds the size of a single frame's payload.
const MaxPayloadLength = 16 * 1024 * 1024

var (
	ErrUnknownKind     = errors.New("unknown frame kind")
	ErrPayloadTooLarge = errors.New("frame payload too large")
)

// Frame is a single protocol message.
type Frame struct {
	ChannelID uint32
	Kind      Kind
	Payload   []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("%s[%d] %d bytes", f.Kind, f.ChannelID, len(f.Payload))
}

// Write encodes f onto w. The header and payload are written with a single Write call
// so that a writer serialized by a lock never emits a partial frame between two other frames.
func Write(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayloadLength {
		return fmt.Errorf("%w: %d exceeds %d", ErrPayloadTooLarge, len(f.Payload), MaxPayloadLength)
	}
	if !f.Kind.valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, f.Kind)
	}
	buf := make([]byte, headerLength+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], f.ChannelID)
	buf[4] = byte(f.Kind)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(f.Payload)))
	copy(buf[headerLength:], f.Payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing %s: %w", f, err)
	}
	return nil
}

// Read decodes the next frame from r.
// A clean end of stream before any header byte is returned as io.EOF,
// a stream cut inside a frame as io.ErrUnexpectedEOF.
func Read(r io.Reader) (Frame, error) {
	var header [headerLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	f := Frame{
		ChannelID: binary.BigEndian.Uint32(header[0:4]),
		Kind:      Kind(header[4]),
	}
	if !f.Kind.valid() {
		return Frame{}, fmt.Errorf("%w: %d on channel %d", ErrUnknownKind, header[4], f.ChannelID)
	}
	n := binary.BigEndian.Uint32(header[5:9])
	if n > MaxPayloadLength {
		return Frame{}, fmt.Errorf("%w: %d exceeds %d", ErrPayloadTooLarge, n, MaxPayloadLength)
	}
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Frame{}, fmt.Errorf("reading payload of %s: %w", f, err)
		}
	}
	return f, nil
}
