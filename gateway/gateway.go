package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/execgate/codec"
	"github.com/guseggert/execgate/dispatch"
	"github.com/guseggert/execgate/frame"
	"github.com/guseggert/execgate/script"
	"github.com/guseggert/execgate/transport"
	"go.uber.org/zap"
)

const defaultShutdownTimeout = 10 * time.Second

// Gateway is one end of a transport: it routes frames between the transport and its channels,
// runs units the other end ships to it, and ships units to the other end.
type Gateway struct {
	id        string
	log       *zap.SugaredLogger
	transport transport.Transport
	registry  *registry

	dispatcher      *dispatch.Dispatcher
	poolSize        int
	queueSize       int
	shutdownTimeout time.Duration

	outputs  *script.Outputs
	stdout   io.Writer
	stderr   io.Writer
	prelude  string
	preamble []string

	initiator     bool
	cleanup       *Cleanup
	observers     []Observer
	remoteAddress string

	// writeMut serializes every frame written to the transport.
	writeMut sync.Mutex

	// ctx is canceled at teardown and bounds servers started by units.
	ctx        context.Context
	cancel     context.CancelFunc
	background sync.WaitGroup

	mut          sync.Mutex
	err          error
	done         chan struct{}
	receiverDone chan struct{}

	exitOnce sync.Once
	exitErr  error

	rinfoMut sync.Mutex
	rinfo    *RInfo

	threadsMut    sync.Mutex
	remoteThreads bool
}

func newGateway(t transport.Transport, start uint32, opts ...Option) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		id:              uuid.NewString(),
		log:             defaultLogger(),
		transport:       t,
		registry:        newRegistry(start),
		shutdownTimeout: defaultShutdownTimeout,
		stdout:          os.Stdout,
		stderr:          os.Stderr,
		prelude:         script.Prelude,
		initiator:       start%2 == 1,
		cleanup:         DefaultCleanup,
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
		receiverDone:    make(chan struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	g.log = g.log.Named("gateway").With("Gateway", g.id)
	g.outputs = script.NewOutputs(g.stdout, g.stderr)
	g.dispatcher = dispatch.New(g.log)
	if g.poolSize > 0 {
		if err := g.dispatcher.InstallPool(g.poolSize, g.queueSize); err != nil {
			g.log.Warnw("not installing worker pool", "Error", err)
		}
	}
	return g
}

func defaultLogger() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

func (g *Gateway) start() {
	go g.receive()
}

// ID is a random identifier of this gateway, unique per process run.
func (g *Gateway) ID() string { return g.id }

// RemoteAddress describes the other end, when known.
func (g *Gateway) RemoteAddress() string { return g.remoteAddress }

// Outputs is where print and console output of units run by this gateway goes.
func (g *Gateway) Outputs() *script.Outputs { return g.outputs }

func (g *Gateway) String() string {
	addr := ""
	if g.remoteAddress != "" {
		addr = "[" + g.remoteAddress + "]"
	}
	state := "receiving"
	select {
	case <-g.receiverDone:
		state = "not receiving"
	default:
	}
	return fmt.Sprintf("<Gateway%s %s (%d active channels)>", addr, state, g.registry.len())
}

// Done is closed once the gateway has been torn down, by Exit or by a transport or protocol failure.
func (g *Gateway) Done() <-chan struct{} { return g.done }

// Err returns why the gateway was torn down, or nil while it is running.
func (g *Gateway) Err() error {
	g.mut.Lock()
	defer g.mut.Unlock()
	return g.err
}

// ActiveChannels returns the ids of the channels currently registered, in ascending order.
func (g *Gateway) ActiveChannels() []uint32 {
	return g.registry.ids()
}

// NewChannel creates a channel and announces it to the other end, which can look it up by id.
func (g *Gateway) NewChannel() (*Channel, error) {
	ch, err := g.registry.allocate(g)
	if err != nil {
		return nil, err
	}
	if err := g.send(frame.Frame{ChannelID: ch.id, Kind: frame.New}); err != nil {
		g.registry.remove(ch.id)
		return nil, fmt.Errorf("announcing channel %d: %w", ch.id, err)
	}
	return ch, nil
}

// RemoteExec ships source to the other end, where it runs as a unit bound to the returned channel.
// It does not wait for the unit to start. The caller owns the channel and must Close or WaitClose it,
// even after reading it to the end, or it stays registered for the life of the gateway.
func (g *Gateway) RemoteExec(source string) (*Channel, error) {
	if len(source) > frame.MaxPayloadLength {
		return nil, fmt.Errorf("shipping unit: %w", frame.ErrPayloadTooLarge)
	}
	ch, err := g.registry.allocate(g)
	if err != nil {
		return nil, err
	}
	if err := g.send(frame.Frame{ChannelID: ch.id, Kind: frame.Open, Payload: []byte(source)}); err != nil {
		g.registry.remove(ch.id)
		return nil, fmt.Errorf("shipping unit on channel %d: %w", ch.id, err)
	}
	g.log.Debugw("shipped unit", "Channel", ch.id, "Length", len(source))
	return ch, nil
}

// send writes f through the gateway's single writer path.
func (g *Gateway) send(f frame.Frame) error {
	if err := g.Err(); err != nil {
		return err
	}
	return g.writeFrame(f)
}

func (g *Gateway) writeFrame(f frame.Frame) error {
	g.writeMut.Lock()
	defer g.writeMut.Unlock()
	if err := frame.Write(g.transport, f); err != nil {
		cause := fmt.Errorf("%w: writing %s: %w", ErrDisconnected, f, err)
		// teardown waits for units, and the writer may be one of them
		go g.teardown(cause)
		return cause
	}
	return nil
}

func (g *Gateway) receive() {
	defer close(g.receiverDone)
	for {
		f, err := frame.Read(g.transport)
		if err != nil {
			switch {
			case errors.Is(err, frame.ErrUnknownKind), errors.Is(err, frame.ErrPayloadTooLarge):
				g.teardown(fmt.Errorf("%w: %w", ErrProtocol, err))
			case transport.IsExpectedCloseError(err):
				g.log.Debugw("transport closed", "Transport", g.transport, "Error", err)
				g.teardown(fmt.Errorf("%w: %w", ErrDisconnected, err))
			default:
				g.log.Warnw("reading frame", "Transport", g.transport, "Error", err)
				g.teardown(fmt.Errorf("%w: %w", ErrDisconnected, err))
			}
			return
		}
		g.log.Debugf("received %s", f)
		if err := g.handle(f); err != nil {
			if !errors.Is(err, ErrDisconnected) {
				g.log.Errorw("tearing down gateway", "Frame", f.String(), "Error", err)
			}
			g.teardown(err)
			return
		}
	}
}

func (g *Gateway) handle(f frame.Frame) error {
	switch f.Kind {
	case frame.Open:
		ch, err := g.registry.adopt(g, f.ChannelID)
		if err != nil {
			return err
		}
		g.dispatchUnit(ch, string(f.Payload))
		return nil
	case frame.New:
		_, err := g.registry.adopt(g, f.ChannelID)
		return err
	case frame.Terminate:
		return fmt.Errorf("%w: peer gateway exited", ErrDisconnected)
	}

	ch, ok := g.registry.get(f.ChannelID)
	if !ok {
		return protocolError("%s for unknown channel %d", f.Kind, f.ChannelID)
	}
	switch f.Kind {
	case frame.Data:
		item, err := codec.Decode(f.Payload)
		if err != nil {
			return protocolError("decoding DATA for channel %d: %s", f.ChannelID, err)
		}
		return ch.deliver(item)
	case frame.Close:
		ch.remoteClose(nil)
	case frame.Error:
		ch.remoteClose(&RemoteError{ChannelID: f.ChannelID, Message: string(f.Payload)})
	}
	return nil
}

// dispatchUnit runs source bound to ch. A failing unit closes its channel with ERROR.
func (g *Gateway) dispatchUnit(ch *Channel, source string) {
	env := script.Env{
		Host:    &unitHost{gw: g},
		Outputs: g.outputs,
		Prelude: g.prelude,
		Log:     g.log.Named("unit"),
	}
	err := g.dispatcher.Dispatch(dispatch.Task{
		Name: fmt.Sprintf("unit-%d", ch.id),
		Run: func(ctx context.Context) error {
			return script.Run(ctx, env, unitChannel{ch}, source)
		},
		Done: func(err error) {
			g.finishUnit(ch, err)
		},
	})
	if err != nil {
		g.finishUnit(ch, fmt.Errorf("dispatching unit: %w", err))
	}
}

func (g *Gateway) finishUnit(ch *Channel, err error) {
	var closeErr error
	if err == nil {
		closeErr = ch.Close()
	} else {
		var unitErr *script.UnitError
		msg := err.Error()
		if errors.As(err, &unitErr) {
			msg = unitErr.Message
		}
		closeErr = ch.CloseWithError(msg)
	}
	if closeErr != nil {
		g.log.Debugw("closing unit channel", "Channel", ch.id, "Error", closeErr)
	}
}

// teardown ends the gateway: every channel is closed with cause, the transport is closed and running units are stopped.
func (g *Gateway) teardown(cause error) {
	if g.markDone(cause) {
		g.stop()
	}
}

// markDone records cause and closes every channel with it. It reports false if the gateway was already done.
func (g *Gateway) markDone(cause error) bool {
	g.mut.Lock()
	if g.err != nil {
		g.mut.Unlock()
		return false
	}
	g.err = cause
	close(g.done)
	g.mut.Unlock()

	g.log.Debugw("tearing down", "Cause", cause)
	for _, ch := range g.registry.close(cause) {
		ch.terminate(cause)
	}
	return true
}

func (g *Gateway) stop() {
	if err := g.transport.Close(); err != nil {
		g.log.Debugw("closing transport", "Transport", g.transport, "Error", err)
	}
	g.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), g.shutdownTimeout)
	defer cancel()
	if err := g.dispatcher.Shutdown(ctx); err != nil {
		g.log.Warnw("units still running after teardown", "Error", err)
	}
}

// wait blocks until the receiver and any servers started by units have stopped.
func (g *Gateway) wait(ctx context.Context) error {
	stopped := make(chan struct{})
	go func() {
		<-g.receiverDone
		g.background.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exit stops the gateway: it unregisters from its cleanup registry, tells the other end it is exiting,
// closes every channel, stops running units, closes the transport and notifies observers.
// Calling it more than once returns the first result.
func (g *Gateway) Exit(ctx context.Context) error {
	g.exitOnce.Do(func() {
		g.exitErr = g.exit(ctx)
	})
	return g.exitErr
}

func (g *Gateway) exit(ctx context.Context) error {
	if g.cleanup != nil {
		g.cleanup.Unregister(g)
	}

	if g.markDone(ErrExited) {
		sent := make(chan error, 1)
		go func() { sent <- g.writeFrame(frame.Frame{Kind: frame.Terminate}) }()
		select {
		case err := <-sent:
			if err != nil {
				g.log.Debugw("announcing exit", "Error", err)
			}
		case <-ctx.Done():
		}
		g.stop()
	}

	err := g.wait(ctx)
	for _, o := range g.observers {
		o.GatewayExit(g)
	}
	if err != nil {
		return fmt.Errorf("waiting for gateway to stop: %w", err)
	}
	g.log.Debug("exited")
	return nil
}
