package agent

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/execgate/transport"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Client talks to a NodeAgent's HTTPS server. It is a gateway spawner: gateway.Open(ctx, client)
// bootstraps a peer gateway inside the agent over a WebSocket.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	addr                     string
	tlsClientConfig          *tls.Config
	dialCtx                  func(ctx context.Context, network, addr string) (net.Conn, error)
	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)

	waitInterval time.Duration

	startHeartbeatOnce sync.Once
	stopHeartbeatOnce  sync.Once
	stopHeartbeat      chan struct{}
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("nodeagent_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func NewClient(log *zap.SugaredLogger, certs *Certs, ipAddr string, port int, opts ...ClientOption) (*Client, error) {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	httpDialAddrPort := net.JoinHostPort(ipAddr, fmt.Sprint(port))

	// Dial the address directly instead of resolving the URL host, which only has to match the server certificate.
	dialCtx := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", httpDialAddrPort)
	}

	tlsConfig, err := ClientTLSConfig(certs.CA.CertPEMBytes, certs.Client.CertPEMBytes, certs.Client.KeyPEMBytes)
	if err != nil {
		return nil, fmt.Errorf("building client TLS config: %w", err)
	}

	c := &Client{
		Logger:          log.Named("nodeagent_client"),
		addr:            httpDialAddrPort,
		baseURL:         fmt.Sprintf("https://%s:%d", ServerName, port),
		tlsClientConfig: tlsConfig,
		dialCtx:         dialCtx,
		waitInterval:    100 * time.Millisecond,
		stopHeartbeat:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext:     dialCtx,
			MaxConnsPerHost: 0,
			TLSClientConfig: tlsConfig,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("building heartbeat request: %w", err)
	}
	req.Close = true

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

func (c *Client) StartHeartbeat() {
	go c.startHeartbeatOnce.Do(func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopHeartbeat:
				return
			case <-ticker.C:
			}
			err := c.SendHeartbeat(context.Background())
			if err != nil {
				c.Logger.Debugf("heartbeat error: %s", err)
			}
		}
	})
}

func (c *Client) StopHeartbeat() {
	c.stopHeartbeatOnce.Do(func() { close(c.stopHeartbeat) })
}

// Open dials the agent's gateway endpoint.
func (c *Client) Open(ctx context.Context) (transport.Transport, error) {
	u := c.baseURL + "/gateway"
	c.Logger.Debugw("dialing WebSocket", "URL", u)
	return transport.DialWebSocket(ctx, u, c.HTTPClient)
}

// Preamble is empty: the agent's peers share the agent process and must leave its stdio alone.
func (c *Client) Preamble() []string { return nil }

func (c *Client) String() string { return "agent " + c.addr }
