package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelClosed is returned by Receive once the remote end closed the channel and nothing is left to read.
	ErrChannelClosed = errors.New("channel closed")
	// ErrTimeout is returned by Receive when its context deadline passes before a value arrives.
	ErrTimeout = errors.New("no data received before timeout")
	// ErrDisconnected is the cause attached to every channel of a gateway whose transport ended.
	ErrDisconnected = errors.New("gateway disconnected")
	// ErrProtocol is the cause attached to every channel of a gateway that received a malformed or unroutable frame.
	ErrProtocol = errors.New("protocol violation")
	// ErrExited is the cause attached to every channel of a gateway after Exit.
	ErrExited = errors.New("gateway exited")

	ErrCallbackMode      = errors.New("channel is in callback mode")
	ErrSendOnClosed      = errors.New("send on closed channel")
	ErrThreadsRunning    = errors.New("remote threads already running")
	ErrDuplicateChannel  = errors.New("channel id already registered")
	ErrUnknownChannel    = errors.New("unknown channel id")
	ErrAlreadyRegistered = errors.New("gateway already registered")
)

// RemoteError is a failure reported by the other end of a channel, usually an exception raised by the unit running there.
type RemoteError struct {
	ChannelID uint32
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error on channel %d: %s", e.ChannelID, e.Message)
}

func protocolError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}
