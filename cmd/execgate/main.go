package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/execgate/agent"
	"github.com/guseggert/execgate/gateway"
	"github.com/guseggert/execgate/group"
	"github.com/guseggert/execgate/transport"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds a production logger, which writes to stderr and so stays off a stdio peer's stream.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

type env struct {
	log    *zap.Logger
	config config
}

func setup(c *cli.Context) (*env, error) {
	conf, err := loadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	level := c.String("log-level")
	if !c.IsSet("log-level") && conf.LogLevel != "" {
		level = conf.LogLevel
	}
	l, err := newLogger(level)
	if err != nil {
		return nil, err
	}
	return &env{log: l, config: conf}, nil
}

// withGroup opens a gateway for each target, runs f and exits them all.
func withGroup(c *cli.Context, f func(ctx context.Context, g *group.Group) error) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	targets, err := e.config.targets(c.StringSlice("tx"))
	if err != nil {
		return err
	}
	g := group.New(gateway.WithLogger(e.log)).WithLogger(e.log.Sugar())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := g.Exit(ctx); err != nil {
			e.log.Sugar().Warnw("exiting gateways", "Error", err)
		}
	}()
	if err := openGroup(c.Context, g, targets); err != nil {
		return err
	}
	return f(c.Context, g)
}

func decodePEMFlag(c *cli.Context, name string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(c.String(name))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}
	return b, nil
}

func listenCerts(c *cli.Context) (ca, cert, key []byte, err error) {
	if dir := c.String("certs-dir"); dir != "" {
		certs, err := agent.LoadCerts(dir)
		if err != nil {
			return nil, nil, nil, err
		}
		return certs.CA.CertPEMBytes, certs.Server.CertPEMBytes, certs.Server.KeyPEMBytes, nil
	}
	if !c.IsSet("ca-cert-pem") {
		return nil, nil, nil, nil
	}
	if ca, err = decodePEMFlag(c, "ca-cert-pem"); err != nil {
		return
	}
	if cert, err = decodePEMFlag(c, "cert-pem"); err != nil {
		return
	}
	key, err = decodePEMFlag(c, "key-pem")
	return
}

func listen(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	caCertPEMBytes, certPEMBytes, keyPEMBytes, err := listenCerts(c)
	if err != nil {
		return err
	}

	onHeartbeatFailure := c.String("on-heartbeat-failure")
	var heartbeatFailureHandler func()
	switch onHeartbeatFailure {
	case "shutdown":
		heartbeatFailureHandler = agent.HeartbeatFailureShutdown
	case "exit":
		heartbeatFailureHandler = agent.HeartbeatFailureExit
	case "none":
		// nothing
	default:
		return fmt.Errorf("unsupported on-heartbeat-failure %q", onHeartbeatFailure)
	}

	listenAddr := c.String("listen-addr")
	if caCertPEMBytes == nil && !c.IsSet("listen-addr") {
		listenAddr = ""
	}

	a, err := agent.NewNodeAgent(
		caCertPEMBytes,
		certPEMBytes,
		keyPEMBytes,
		agent.WithLogger(e.log),
		agent.WithHeartbeatTimeout(c.Duration("heartbeat-timeout")),
		agent.WithListenAddr(listenAddr),
		agent.WithSocketAddr(c.String("socket-addr")),
		agent.WithHeartbeatFailureHandler(heartbeatFailureHandler),
		agent.WithGatewayOptions(gateway.WithPool(c.Int("threads"), c.Int("queue-size"))),
	)
	if err != nil {
		return fmt.Errorf("building agent: %w", err)
	}
	stop := context.AfterFunc(c.Context, func() { a.Stop() })
	defer stop()
	return a.Run()
}

func main() {
	app := &cli.App{
		Name:  "execgate",
		Usage: "run code on local and remote peers over multiplexed channels",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "YAML config file listing targets. Defaults to the nearest " + configFileName + " above the working directory.",
			},
			&cli.StringSliceFlag{
				Name:  "tx",
				Usage: "Gateway spec to run against, as kind[=address][//key=value...]. May be repeated.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level, one of [debug,info,warn,error].",
				Value: "warn",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "serve a peer gateway on stdin and stdout",
				Action: func(c *cli.Context) error {
					e, err := setup(c)
					if err != nil {
						return err
					}
					return gateway.ServeBootstrap(c.Context, transport.NewStdio(), gateway.WithLogger(e.log))
				},
			},
			{
				Name:  "listen",
				Usage: "run an agent that serves peer gateways over TCP sockets and mTLS WebSockets",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "on-heartbeat-failure",
						Usage: "Action to take on a heartbeat failure. One of [shutdown,exit,none].",
						Value: "none",
					},
					&cli.DurationFlag{
						Name:  "heartbeat-timeout",
						Usage: "Duration to wait for a heartbeat before running the failure action.",
						Value: time.Minute,
					},
					&cli.StringFlag{
						Name:  "listen-addr",
						Usage: "The address for the HTTPS server to listen on. Needs certificates.",
						Value: "0.0.0.0:8080",
					},
					&cli.StringFlag{
						Name:  "socket-addr",
						Usage: "The address for the plain TCP socket gateway server to listen on.",
					},
					&cli.StringFlag{
						Name:  "certs-dir",
						Usage: "Directory written by gen-certs.",
					},
					&cli.StringFlag{
						Name:  "ca-cert-pem",
						Usage: "The CA cert PEM bytes to use (base64-encoded).",
					},
					&cli.StringFlag{
						Name:  "cert-pem",
						Usage: "The cert PEM bytes to use (base64-encoded).",
					},
					&cli.StringFlag{
						Name:  "key-pem",
						Usage: "The key PEM bytes to use (base64-encoded).",
					},
					&cli.IntFlag{
						Name:  "threads",
						Usage: "Size of each served gateway's worker pool. Zero runs every unit on its own goroutine.",
					},
					&cli.IntFlag{
						Name:  "queue-size",
						Usage: "Queue size of each served gateway's worker pool.",
						Value: 64,
					},
				},
				Action: listen,
			},
			{
				Name:      "exec",
				Usage:     "run a unit file on every target and print what it sends back",
				ArgsUsage: "FILE",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("exec takes exactly one unit file", 2)
					}
					source, err := os.ReadFile(c.Args().First())
					if err != nil {
						return fmt.Errorf("reading unit: %w", err)
					}
					return withGroup(c, func(ctx context.Context, g *group.Group) error {
						return execAll(ctx, g, string(source), c.App.Writer)
					})
				},
			},
			{
				Name:  "rinfo",
				Usage: "print information about each target's peer process",
				Action: func(c *cli.Context) error {
					return withGroup(c, func(ctx context.Context, g *group.Group) error {
						return rinfoAll(ctx, g, c.App.Writer)
					})
				},
			},
			{
				Name:      "gen-certs",
				Usage:     "generate a CA and agent server and client certificates",
				ArgsUsage: "DIR",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("gen-certs takes exactly one directory", 2)
					}
					certs, err := agent.GenerateCerts()
					if err != nil {
						return err
					}
					return certs.WriteFiles(c.Args().First())
				},
			},
		},
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	err := app.RunContext(ctx, os.Args)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if cleanupErr := gateway.DefaultCleanup.Shutdown(shutdownCtx); cleanupErr != nil {
		log.Printf("exiting leftover gateways: %s", cleanupErr)
	}
	if err != nil {
		log.Fatal(err)
	}
}
