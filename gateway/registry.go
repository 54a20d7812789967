package gateway

import (
	"fmt"
	"sort"
	"sync"
)

// registry allocates channel ids and routes frames to channels. Ids step by two from a start of
// 0 or 1, so the two ends of a transport allocate from disjoint parity classes without coordinating.
type registry struct {
	mut      sync.Mutex
	next     uint32
	channels map[uint32]*Channel
	closed   error
}

func newRegistry(start uint32) *registry {
	return &registry{
		next:     start,
		channels: map[uint32]*Channel{},
	}
}

// allocate reserves the next local id and registers an empty channel under it.
func (r *registry) allocate(gw *Gateway) (*Channel, error) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.closed != nil {
		return nil, r.closed
	}
	id := r.next
	if _, ok := r.channels[id]; ok {
		return nil, fmt.Errorf("allocating channel %d: %w", id, ErrDuplicateChannel)
	}
	r.next += 2
	ch := newChannel(gw, id)
	r.channels[id] = ch
	return ch, nil
}

// adopt registers a channel created by the other end.
func (r *registry) adopt(gw *Gateway, id uint32) (*Channel, error) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.closed != nil {
		return nil, r.closed
	}
	if id%2 == r.next%2 {
		return nil, protocolError("peer opened channel %d in the local id space", id)
	}
	if _, ok := r.channels[id]; ok {
		return nil, fmt.Errorf("%w: channel %d: %w", ErrProtocol, id, ErrDuplicateChannel)
	}
	ch := newChannel(gw, id)
	r.channels[id] = ch
	return ch, nil
}

func (r *registry) get(id uint32) (*Channel, bool) {
	r.mut.Lock()
	defer r.mut.Unlock()
	ch, ok := r.channels[id]
	return ch, ok
}

func (r *registry) remove(id uint32) {
	r.mut.Lock()
	defer r.mut.Unlock()
	delete(r.channels, id)
}

func (r *registry) len() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.channels)
}

func (r *registry) ids() []uint32 {
	r.mut.Lock()
	defer r.mut.Unlock()
	ids := make([]uint32, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// close refuses further allocations with cause and returns every registered channel, emptying the registry.
func (r *registry) close(cause error) []*Channel {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.closed == nil {
		r.closed = cause
	}
	chans := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		chans = append(chans, ch)
	}
	r.channels = map[uint32]*Channel{}
	return chans
}
