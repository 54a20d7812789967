package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/guseggert/execgate/gateway"
	"github.com/guseggert/execgate/transport"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// NodeAgent serves peer gateways on a host, so initiators elsewhere can ship units to it.
// It accepts plain TCP socket gateways, and WebSocket gateways over an HTTPS server that
// requires mTLS for both traffic encryption and authz.
type NodeAgent struct {
	logger *zap.SugaredLogger

	caCertPEM []byte
	certPEM   []byte
	keyPEM    []byte

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string
	socketAddr              string
	gatewayOpts             []gateway.Option

	ctx    context.Context
	cancel context.CancelFunc

	mut            sync.Mutex
	httpServer     *http.Server
	httpListener   net.Listener
	socketListener net.Listener
	ready          chan struct{}
	readyOnce      sync.Once

	closed        chan struct{}
	closeOnce     sync.Once
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(n *NodeAgent)

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(n *NodeAgent) {
		n.heartbeatTimeout = d
	}
}

func WithHeartbeatFailureHandler(f func()) Option {
	return func(n *NodeAgent) {
		n.heartbeatFailureHandler = f
	}
}

// WithListenAddr sets the address of the HTTPS server. An empty address disables it.
func WithListenAddr(s string) Option {
	return func(n *NodeAgent) {
		n.listenAddr = s
	}
}

// WithSocketAddr sets the address of the plain TCP socket gateway server. An empty address disables it.
func WithSocketAddr(s string) Option {
	return func(n *NodeAgent) {
		n.socketAddr = s
	}
}

// WithGatewayOptions sets options for every peer gateway the agent serves.
func WithGatewayOptions(opts ...gateway.Option) Option {
	return func(n *NodeAgent) {
		n.gatewayOpts = append(n.gatewayOpts, opts...)
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(n *NodeAgent) {
		n.logger = l.Named("nodeagent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(n *NodeAgent) {
		n.logger = n.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

func HeartbeatFailureShutdown() {
	fmt.Fprintln(os.Stderr, "heartbeat failed, shutting down")
	cmd := exec.Command("shutdown", "now")
	err := cmd.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to shutdown host: %s\n", err)
	}
}

func HeartbeatFailureExit() {
	fmt.Fprintln(os.Stderr, "heartbeat failed, exiting")
	os.Exit(1)
}

// NewNodeAgent constructs a new node agent. The PEM arguments may be nil if the HTTPS server is disabled.
func NewNodeAgent(caCertPEM, certPEM, keyPEM []byte, opts ...Option) (*NodeAgent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &NodeAgent{
		logger:           logger.Named("nodeagent").Sugar(),
		caCertPEM:        caCertPEM,
		certPEM:          certPEM,
		keyPEM:           keyPEM,
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       "0.0.0.0:8080",
		ctx:              ctx,
		cancel:           cancel,
		ready:            make(chan struct{}),
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		o(n)
	}
	if n.listenAddr == "" && n.socketAddr == "" {
		cancel()
		return nil, errors.New("agent needs a listen address or a socket address")
	}
	if n.listenAddr != "" && (caCertPEM == nil || certPEM == nil || keyPEM == nil) {
		cancel()
		return nil, errors.New("the HTTPS server needs a CA cert, a cert and a key")
	}
	n.gatewayOpts = append([]gateway.Option{gateway.WithLogger(n.logger.Desugar())}, n.gatewayOpts...)
	return n, nil
}

// startHeartbeatCheck starts a goroutine that calls the heartbeat failure handler whenever no heartbeat has arrived within the timeout.
func (a *NodeAgent) startHeartbeatCheck() {
	go func() {
		a.heartbeatMut.Lock()
		a.lastHeartbeat = time.Now()
		a.heartbeatMut.Unlock()

		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				if a.heartbeatFailureHandler != nil {
					a.heartbeatFailureHandler()
				}
			}
		}
	}()
}

func (a *NodeAgent) listen() error {
	a.mut.Lock()
	defer a.mut.Unlock()
	if a.socketAddr != "" {
		l, err := net.Listen("tcp", a.socketAddr)
		if err != nil {
			return fmt.Errorf("listening for socket gateways: %w", err)
		}
		a.socketListener = l
	}
	if a.listenAddr != "" {
		tlsConfig, err := ServerTLSConfig(a.caCertPEM, a.certPEM, a.keyPEM)
		if err != nil {
			return fmt.Errorf("building server TLS config: %w", err)
		}
		l, err := net.Listen("tcp", a.listenAddr)
		if err != nil {
			return fmt.Errorf("listening TCP: %w", err)
		}
		a.httpListener = tls.NewListener(l, tlsConfig)

		router := httprouter.New()
		router.GET("/heartbeat", a.heartbeat)
		router.GET("/gateway", a.gatewayWS)
		a.httpServer = &http.Server{Handler: router}
	}
	return nil
}

// Run runs the node agent and returns once it has stopped.
func (a *NodeAgent) Run() error {
	if err := a.listen(); err != nil {
		a.Stop()
		return err
	}
	a.readyOnce.Do(func() { close(a.ready) })

	var group errgroup.Group
	if a.socketListener != nil {
		a.logger.Infow("serving socket gateways", "Addr", a.socketListener.Addr().String())
		group.Go(func() error {
			return gateway.Serve(a.ctx, a.socketListener, a.gatewayOpts...)
		})
	}
	if a.httpServer != nil {
		a.logger.Infow("serving HTTPS", "Addr", a.httpListener.Addr().String())
		a.startHeartbeatCheck()
		group.Go(func() error {
			err := a.httpServer.Serve(a.httpListener)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	return group.Wait()
}

// Ready is closed once the agent's listeners are bound.
func (a *NodeAgent) Ready() <-chan struct{} {
	return a.ready
}

// SocketAddr returns the bound socket gateway address, or "" if that server is disabled or not yet listening.
func (a *NodeAgent) SocketAddr() string {
	a.mut.Lock()
	defer a.mut.Unlock()
	if a.socketListener == nil {
		return ""
	}
	return a.socketListener.Addr().String()
}

// HTTPAddr returns the bound HTTPS address, or "" if that server is disabled or not yet listening.
func (a *NodeAgent) HTTPAddr() string {
	a.mut.Lock()
	defer a.mut.Unlock()
	if a.httpListener == nil {
		return ""
	}
	return a.httpListener.Addr().String()
}

// gatewayWS serves a peer gateway over a WebSocket for as long as the initiator keeps it open.
func (a *NodeAgent) gatewayWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	t, err := transport.AcceptWebSocket(w, r)
	if err != nil {
		a.logger.Debugf("gateway WebSocket accept error: %s", err)
		return
	}
	a.logger.Debugw("serving gateway", "Remote", r.RemoteAddr)
	if err := gateway.ServeBootstrap(a.ctx, t, a.gatewayOpts...); err != nil {
		a.logger.Warnw("serving gateway", "Remote", r.RemoteAddr, "Error", err)
	}
}

func (a *NodeAgent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// Stop closes the listeners and tears down every gateway the agent is serving.
func (a *NodeAgent) Stop() error {
	a.closeOnce.Do(func() { close(a.closed) })
	a.cancel()

	a.mut.Lock()
	defer a.mut.Unlock()
	var errs []error
	if a.httpServer != nil {
		errs = append(errs, a.httpServer.Close())
	}
	if a.socketListener != nil {
		if err := a.socketListener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
