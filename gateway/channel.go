package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/guseggert/execgate/codec"
	"github.com/guseggert/execgate/frame"
)

// State is the lifecycle state of a channel.
type State int

const (
	// StateOpen means neither direction is closed.
	StateOpen State = iota
	// StateClosing means exactly one direction is closed.
	StateClosing
	// StateClosed means both directions are closed and the channel has left its gateway's registry.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Channel is one ordered, bidirectional stream of values multiplexed over a gateway's transport.
type Channel struct {
	id uint32
	gw *Gateway

	// sendMut orders this channel's outgoing frames, so DATA never follows CLOSE on the wire.
	sendMut sync.Mutex

	mut          sync.Mutex
	items        []any
	changed      chan struct{}
	localClosed  bool
	remoteClosed bool
	remoteErr    *RemoteError
	termErr      error
	callback     func(any)

	// callbackMut is held while the callback runs, so queued and live values reach it in order.
	callbackMut sync.Mutex
}

func newChannel(gw *Gateway, id uint32) *Channel {
	return &Channel{
		id:      id,
		gw:      gw,
		changed: make(chan struct{}),
	}
}

func (c *Channel) ID() uint32 { return c.id }

func (c *Channel) Gateway() *Gateway { return c.gw }

func (c *Channel) String() string {
	return fmt.Sprintf("<Channel id=%d %s>", c.id, c.State())
}

// notifyLocked wakes every goroutine waiting on a state change. c.mut must be held.
func (c *Channel) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Channel) State() State {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.stateLocked()
}

func (c *Channel) stateLocked() State {
	switch {
	case c.localClosed && c.remoteClosed:
		return StateClosed
	case c.localClosed || c.remoteClosed:
		return StateClosing
	}
	return StateOpen
}

// IsClosed reports whether both directions of the channel are closed.
func (c *Channel) IsClosed() bool {
	return c.State() == StateClosed
}

// Send encodes v and sends it to the other end. It fails with ErrSendOnClosed after Close.
func (c *Channel) Send(v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding value for channel %d: %w", c.id, err)
	}
	if len(data) > frame.MaxPayloadLength {
		return fmt.Errorf("sending on channel %d: %w", c.id, frame.ErrPayloadTooLarge)
	}

	c.sendMut.Lock()
	defer c.sendMut.Unlock()

	c.mut.Lock()
	termErr, localClosed := c.termErr, c.localClosed
	c.mut.Unlock()
	if termErr != nil {
		return termErr
	}
	if localClosed {
		return fmt.Errorf("channel %d: %w", c.id, ErrSendOnClosed)
	}
	return c.gw.send(frame.Frame{ChannelID: c.id, Kind: frame.Data, Payload: data})
}

// Receive returns the oldest value received on the channel, blocking until one arrives.
// Once the remote end has closed and every value has been read, it returns ErrChannelClosed,
// the *RemoteError the remote end closed with, or the cause of the gateway's teardown.
// If ctx has a deadline that passes first, it returns ErrTimeout.
// Reaching the end of the stream leaves the local direction open: the channel stays registered
// on both ends until the caller calls Close or WaitClose.
func (c *Channel) Receive(ctx context.Context) (any, error) {
	for {
		c.mut.Lock()
		if c.callback != nil {
			c.mut.Unlock()
			return nil, fmt.Errorf("receiving on channel %d: %w", c.id, ErrCallbackMode)
		}
		if len(c.items) > 0 {
			item := c.items[0]
			c.items[0] = nil
			c.items = c.items[1:]
			c.mut.Unlock()
			return item, nil
		}
		if c.remoteClosed {
			err := c.endErrLocked()
			c.mut.Unlock()
			return nil, err
		}
		changed := c.changed
		c.mut.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("receiving on channel %d: %w", c.id, ErrTimeout)
			}
			return nil, ctx.Err()
		}
	}
}

// endErrLocked is what a reader sees once the remote direction is closed. c.mut must be held.
func (c *Channel) endErrLocked() error {
	switch {
	case c.termErr != nil:
		return c.termErr
	case c.remoteErr != nil:
		return c.remoteErr
	}
	return fmt.Errorf("channel %d: %w", c.id, ErrChannelClosed)
}

// SetCallback switches the channel to push mode: fn is called with every value received from now on,
// starting with the values already queued, in order. Callbacks run on the gateway's receiving goroutine
// and must not block. Receive fails with ErrCallbackMode afterwards.
func (c *Channel) SetCallback(fn func(item any)) error {
	if fn == nil {
		return errors.New("callback must not be nil")
	}
	c.callbackMut.Lock()
	defer c.callbackMut.Unlock()

	c.mut.Lock()
	if c.callback != nil {
		c.mut.Unlock()
		return fmt.Errorf("channel %d: %w", c.id, ErrCallbackMode)
	}
	c.callback = fn
	queued := c.items
	c.items = nil
	c.notifyLocked()
	c.mut.Unlock()

	for _, item := range queued {
		c.invoke(fn, item)
	}
	return nil
}

// invoke runs the callback, keeping a panicking callback from taking down the receiver.
func (c *Channel) invoke(fn func(any), item any) {
	defer func() {
		if r := recover(); r != nil {
			c.gw.log.Errorw("channel callback panicked", "Channel", c.id, "Panic", r)
		}
	}()
	fn(item)
}

// Close closes the local direction: the other end will receive end of stream once it has read
// everything sent before. Closing twice is a no-op.
func (c *Channel) Close() error {
	return c.closeLocal(frame.Close, nil)
}

// CloseWithError closes the local direction, delivering message to the other end as a *RemoteError.
func (c *Channel) CloseWithError(message string) error {
	return c.closeLocal(frame.Error, []byte(message))
}

func (c *Channel) closeLocal(kind frame.Kind, payload []byte) error {
	c.sendMut.Lock()
	defer c.sendMut.Unlock()

	c.mut.Lock()
	if c.localClosed {
		c.mut.Unlock()
		return nil
	}
	c.localClosed = true
	termErr := c.termErr
	done := c.remoteClosed
	c.notifyLocked()
	c.mut.Unlock()

	var err error
	if termErr == nil {
		err = c.gw.send(frame.Frame{ChannelID: c.id, Kind: kind, Payload: payload})
	}
	if done {
		c.gw.registry.remove(c.id)
	}
	return err
}

// WaitClose blocks until the remote end closes the channel, then closes the local direction if it is
// still open. It returns the *RemoteError the remote end closed with, or the cause of the gateway's teardown.
func (c *Channel) WaitClose(ctx context.Context) error {
	for {
		c.mut.Lock()
		if c.remoteClosed {
			c.mut.Unlock()
			break
		}
		changed := c.changed
		c.mut.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("waiting for channel %d to close: %w", c.id, ErrTimeout)
			}
			return ctx.Err()
		}
	}

	closeErr := c.Close()

	c.mut.Lock()
	defer c.mut.Unlock()
	switch {
	case c.termErr != nil:
		return c.termErr
	case c.remoteErr != nil:
		return c.remoteErr
	}
	return closeErr
}

// deliver queues an incoming value or hands it to the callback.
func (c *Channel) deliver(item any) error {
	c.mut.Lock()
	if c.remoteClosed {
		c.mut.Unlock()
		return protocolError("DATA after CLOSE on channel %d", c.id)
	}
	cb := c.callback
	if cb == nil {
		c.items = append(c.items, item)
		c.notifyLocked()
		c.mut.Unlock()
		return nil
	}
	c.mut.Unlock()

	c.callbackMut.Lock()
	defer c.callbackMut.Unlock()
	c.invoke(cb, item)
	return nil
}

// remoteClose records that the other end closed its direction, with remoteErr set if it closed with ERROR.
func (c *Channel) remoteClose(remoteErr *RemoteError) {
	c.mut.Lock()
	if c.remoteClosed {
		c.mut.Unlock()
		c.gw.log.Debugw("ignoring repeated close", "Channel", c.id)
		return
	}
	c.remoteClosed = true
	c.remoteErr = remoteErr
	done := c.localClosed
	c.notifyLocked()
	c.mut.Unlock()

	if done {
		c.gw.registry.remove(c.id)
	}
}

// terminate closes both directions because the gateway is going away.
func (c *Channel) terminate(cause error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	if !c.remoteClosed {
		c.remoteClosed = true
		c.termErr = cause
	}
	c.localClosed = true
	c.notifyLocked()
}
