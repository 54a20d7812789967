package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/dop251/goja"
	"github.com/guseggert/execgate/transport"
	"go.uber.org/zap"
)

// nuller is implemented by transports that can move themselves off the process's standard fds.
type nuller interface {
	SetNull() error
}

// bufferedTransport reads through the reader that consumed the bootstrap line,
// so frames the initiator wrote right behind it are not lost.
type bufferedTransport struct {
	transport.Transport
	r *bufio.Reader
}

func (t *bufferedTransport) Read(b []byte) (int, error) {
	return t.r.Read(b)
}

type bootstrapConfig struct {
	prelude  string
	start    uint32
	serve    bool
	preamble []string
	// stdoutUnsafe is set when fd 1 still carries the transport, so unit output must stay off os.Stdout.
	stdoutUnsafe bool
}

// evalBootstrap runs the bootstrap program against t.
func evalBootstrap(program string, t transport.Transport) (*bootstrapConfig, error) {
	cfg := &bootstrapConfig{}
	vm := goja.New()
	obj := vm.NewObject()
	check := func(err error) {
		if err != nil {
			panic(vm.NewGoError(err))
		}
	}
	check(obj.Set("prelude", func(src string) { cfg.prelude = src }))
	check(obj.Set("setenv", func(key, value string) {
		check(os.Setenv(key, value))
		cfg.preamble = append(cfg.preamble, "setenv "+key)
	}))
	check(obj.Set("chdir", func(dir string) {
		check(os.Chdir(dir))
		cfg.preamble = append(cfg.preamble, "chdir "+dir)
	}))
	check(obj.Set("stdioSetNull", func() {
		n, ok := t.(nuller)
		if !ok {
			return
		}
		err := n.SetNull()
		if errors.Is(err, transport.ErrSetNullUnsupported) {
			cfg.stdoutUnsafe = true
			cfg.preamble = append(cfg.preamble, "stdio set null unsupported")
			return
		}
		check(err)
		cfg.preamble = append(cfg.preamble, "stdio set null")
	}))
	check(obj.Set("serve", func(start uint32) {
		cfg.start = start
		cfg.serve = true
	}))
	if err := vm.Set("bootstrap", obj); err != nil {
		return nil, err
	}
	if _, err := vm.RunScript("bootstrap.js", program); err != nil {
		return nil, fmt.Errorf("evaluating bootstrap program: %w", err)
	}
	if !cfg.serve {
		return nil, errors.New("bootstrap program never started serving")
	}
	if cfg.start%2 != 0 {
		return nil, fmt.Errorf("bootstrap program asked to allocate odd channel ids (start %d)", cfg.start)
	}
	return cfg, nil
}

// ServeBootstrap reads a bootstrap line from t, brings up the peer gateway it describes and serves
// frames until the initiator exits, the transport ends or ctx is done. It returns an error only if
// bootstrapping failed or the gateway was torn down by a protocol violation.
func ServeBootstrap(ctx context.Context, t transport.Transport, opts ...Option) error {
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	r := bufio.NewReader(t)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Close()
		return fmt.Errorf("reading bootstrap line from %s: %w", t, err)
	}
	program, err := decodeBootstrapLine(line)
	if err != nil {
		t.Close()
		return err
	}
	cfg, err := evalBootstrap(program, t)
	if err != nil {
		t.Close()
		return err
	}

	opts = append(opts, WithPrelude(cfg.prelude), WithCleanup(nil))
	if cfg.stdoutUnsafe {
		opts = append(opts, withStdoutOffFD1())
	}
	g := newGateway(&bufferedTransport{Transport: t, r: r}, cfg.start, opts...)
	g.log.Debugw("serving", "Transport", t, "Preamble", cfg.preamble)
	g.start()

	select {
	case <-g.Done():
	case <-ctx.Done():
		g.teardown(fmt.Errorf("%w: %w", ErrDisconnected, ctx.Err()))
	}
	if err := g.wait(context.Background()); err != nil {
		return err
	}
	cause := g.Err()
	if errors.Is(cause, ErrProtocol) {
		return cause
	}
	g.log.Debugw("stopped serving", "Cause", cause)
	return nil
}

// Serve accepts connections on l and serves a bootstrapped peer gateway on each of them,
// until ctx is done or l is closed. It waits for every served gateway to stop before returning.
func Serve(ctx context.Context, l net.Listener, opts ...Option) error {
	log := serverLogger(opts)

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		log.Debugw("accepted connection", "Remote", conn.RemoteAddr().String())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ServeBootstrap(ctx, transport.NewSocket(conn), opts...); err != nil {
				log.Warnw("serving gateway", "Remote", conn.RemoteAddr().String(), "Error", err)
			}
		}()
	}
}

func serverLogger(opts []Option) *zap.SugaredLogger {
	g := &Gateway{log: defaultLogger()}
	for _, o := range opts {
		o(g)
	}
	return g.log.Named("server")
}
