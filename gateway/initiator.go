package gateway

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/guseggert/execgate/codec"
	"github.com/guseggert/execgate/transport"
)

// Spawner brings up the transport to a new peer. Implementations differ in how the transport is
// established and in the preamble statements the peer runs before serving.
type Spawner interface {
	Open(ctx context.Context) (transport.Transport, error)
	Preamble() []string
	String() string
}

// Open spawns a peer with s and bootstraps a gateway to it.
func Open(ctx context.Context, s Spawner, opts ...Option) (*Gateway, error) {
	t, err := s.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("spawning %s: %w", s, err)
	}
	opts = append([]Option{WithPreamble(s.Preamble()...), withRemoteAddress(s.String())}, opts...)
	g, err := Bootstrap(t, opts...)
	if err != nil {
		t.Close()
		return nil, err
	}
	return g, nil
}

// Bootstrap writes the bootstrap line onto t and starts an initiating gateway on it. It does not wait
// for the peer to come up: frames sent before then are read by the peer once it serves.
func Bootstrap(t transport.Transport, opts ...Option) (*Gateway, error) {
	g := newGateway(t, 1, opts...)
	line := encodeBootstrapLine(bootstrapProgram(g.prelude, g.preamble))

	g.writeMut.Lock()
	_, err := io.WriteString(t, line)
	g.writeMut.Unlock()
	if err != nil {
		return nil, fmt.Errorf("writing bootstrap line to %s: %w", t, err)
	}
	g.log.Debugw("sent bootstrap", "Transport", t, "Length", len(line))

	g.start()
	if g.cleanup != nil {
		if err := g.cleanup.Register(g); err != nil {
			g.teardown(err)
			return nil, err
		}
	}
	for _, o := range g.observers {
		o.GatewayInit(g)
	}
	return g, nil
}

const rinfoSource = `channel.send(gateway.info());`

// RInfo describes the process at the other end. The first call asks the peer and caches the answer;
// later calls return the cached record unless refresh is set.
func (g *Gateway) RInfo(ctx context.Context, refresh bool) (RInfo, error) {
	g.rinfoMut.Lock()
	defer g.rinfoMut.Unlock()
	if g.rinfo != nil && !refresh {
		return *g.rinfo, nil
	}

	ch, err := g.RemoteExec(rinfoSource)
	if err != nil {
		return RInfo{}, err
	}
	item, err := ch.Receive(ctx)
	if err != nil {
		return RInfo{}, fmt.Errorf("receiving remote info: %w", err)
	}
	if err := ch.WaitClose(ctx); err != nil {
		return RInfo{}, fmt.Errorf("waiting for remote info unit: %w", err)
	}
	var info RInfo
	if err := codec.Convert(item, &info); err != nil {
		return RInfo{}, fmt.Errorf("decoding remote info: %w", err)
	}
	g.rinfo = &info
	return info, nil
}

// RemoteInitThreads makes the peer run subsequently shipped units on a pool of n goroutines.
// It fails with ErrThreadsRunning if it already succeeded on this gateway.
func (g *Gateway) RemoteInitThreads(ctx context.Context, n int) error {
	g.threadsMut.Lock()
	defer g.threadsMut.Unlock()
	if g.remoteThreads {
		return ErrThreadsRunning
	}
	ch, err := g.RemoteExec(fmt.Sprintf("gateway.initThreads(%d);", n))
	if err != nil {
		return err
	}
	if err := ch.WaitClose(ctx); err != nil {
		return fmt.Errorf("installing remote worker pool: %w", err)
	}
	g.remoteThreads = true
	return nil
}

// RedirectHandle reverts a redirection made by RemoteRedirect.
type RedirectHandle struct {
	gw      *Gateway
	streams []redirectedStream
}

type redirectedStream struct {
	name string
	out  *Channel
}

// RemoteRedirect sends the peer's unit output to local writers: everything units print to the named
// stream on the other end is written to stdout or stderr. Either writer may be nil.
func (g *Gateway) RemoteRedirect(ctx context.Context, stdout, stderr io.Writer) (h *RedirectHandle, err error) {
	h = &RedirectHandle{gw: g}
	var opened []*Channel
	defer func() {
		if err == nil {
			return
		}
		for _, ch := range opened {
			if closeErr := ch.Close(); closeErr != nil {
				g.log.Debugw("closing redirect channel", "Channel", ch.id, "Error", closeErr)
			}
		}
	}()

	var installs []*Channel
	for _, s := range []struct {
		name string
		w    io.Writer
	}{{"stdout", stdout}, {"stderr", stderr}} {
		if s.w == nil {
			continue
		}
		out, err := g.NewChannel()
		if err != nil {
			return nil, err
		}
		opened = append(opened, out)
		w := s.w
		name := s.name
		err = out.SetCallback(func(item any) {
			text, ok := item.(string)
			if !ok {
				text = fmt.Sprint(item)
			}
			if _, err := io.WriteString(w, text); err != nil {
				g.log.Debugw("writing redirected output", "Stream", name, "Error", err)
			}
		})
		if err != nil {
			return nil, err
		}
		ch, err := g.RemoteExec(fmt.Sprintf("gateway.redirect(%s, %d);", jsString(s.name), out.ID()))
		if err != nil {
			return nil, err
		}
		opened = append(opened, ch)
		installs = append(installs, ch)
		h.streams = append(h.streams, redirectedStream{name: s.name, out: out})
	}
	for _, ch := range installs {
		if err := ch.WaitClose(ctx); err != nil {
			return nil, fmt.Errorf("installing remote redirect: %w", err)
		}
	}
	return h, nil
}

// Close restores the peer's default output for every redirected stream.
func (h *RedirectHandle) Close(ctx context.Context) error {
	for _, s := range h.streams {
		ch, err := h.gw.RemoteExec(fmt.Sprintf("gateway.resetRedirect(%s);", jsString(s.name)))
		if err != nil {
			return err
		}
		if err := ch.WaitClose(ctx); err != nil {
			return fmt.Errorf("resetting remote %s: %w", s.name, err)
		}
		if err := s.out.WaitClose(ctx); err != nil {
			return fmt.Errorf("closing %s redirect channel: %w", s.name, err)
		}
	}
	return nil
}

// NewRemoteSocket starts a socket gateway server on addr through gw, then connects a new gateway to it.
// An empty host in addr is dialed as localhost.
func NewRemoteSocket(ctx context.Context, gw *Gateway, addr string, opts ...Option) (*Gateway, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", addr, err)
	}
	ch, err := gw.RemoteExec(fmt.Sprintf("channel.send(gateway.listen(%s));", jsString(addr)))
	if err != nil {
		return nil, err
	}
	item, err := ch.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting remote socket server: %w", err)
	}
	if err := ch.Close(); err != nil {
		return nil, err
	}
	bound, ok := item.(string)
	if !ok {
		return nil, fmt.Errorf("remote socket server reported %T, not an address", item)
	}
	_, port, err := net.SplitHostPort(bound)
	if err != nil {
		return nil, fmt.Errorf("parsing bound address %q: %w", bound, err)
	}
	if host == "" {
		host = "localhost"
	}
	return Open(ctx, &Socket{Addr: net.JoinHostPort(host, port)}, opts...)
}
