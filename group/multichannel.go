package group

import (
	"context"
	"fmt"

	"github.com/guseggert/execgate/gateway"
	"golang.org/x/sync/errgroup"
)

// MultiChannel fans operations out to several channels.
type MultiChannel struct {
	channels []*gateway.Channel
}

func NewMultiChannel(channels ...*gateway.Channel) *MultiChannel {
	return &MultiChannel{channels: channels}
}

func (m *MultiChannel) Channels() []*gateway.Channel {
	return append([]*gateway.Channel(nil), m.channels...)
}

func (m *MultiChannel) Len() int { return len(m.channels) }

// Send sends v on every channel, stopping at the first failure.
func (m *MultiChannel) Send(v any) error {
	for _, ch := range m.channels {
		if err := ch.Send(v); err != nil {
			return fmt.Errorf("sending on %s: %w", ch, err)
		}
	}
	return nil
}

// ReceiveEach receives one item from every channel, returned in channel order.
func (m *MultiChannel) ReceiveEach(ctx context.Context) ([]any, error) {
	items := make([]any, len(m.channels))
	eg, ctx := errgroup.WithContext(ctx)
	for i, ch := range m.channels {
		i, ch := i, ch
		eg.Go(func() error {
			v, err := ch.Receive(ctx)
			if err != nil {
				return fmt.Errorf("receiving on %s: %w", ch, err)
			}
			items[i] = v
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

// WaitClose waits for every channel to close, returning the first error.
func (m *MultiChannel) WaitClose(ctx context.Context) error {
	var eg errgroup.Group
	for _, ch := range m.channels {
		ch := ch
		eg.Go(func() error {
			return ch.WaitClose(ctx)
		})
	}
	return eg.Wait()
}

func (m *MultiChannel) Close() error {
	for _, ch := range m.channels {
		if err := ch.Close(); err != nil {
			return err
		}
	}
	return nil
}
