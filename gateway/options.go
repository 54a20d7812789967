package gateway

import (
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Option func(g *Gateway)

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		g.log = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(g *Gateway) {
		g.log = g.log.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithCleanup registers an initiating gateway with c instead of DefaultCleanup. A nil c disables registration.
func WithCleanup(c *Cleanup) Option {
	return func(g *Gateway) {
		g.cleanup = c
	}
}

func WithObserver(o Observer) Option {
	return func(g *Gateway) {
		g.observers = append(g.observers, o)
	}
}

// WithOutputs sets where print and console output of units run by this gateway goes when not redirected.
func WithOutputs(stdout, stderr io.Writer) Option {
	return func(g *Gateway) {
		g.stdout = stdout
		g.stderr = stderr
	}
}

// WithPrelude replaces the helper source evaluated before every unit, on both ends.
func WithPrelude(src string) Option {
	return func(g *Gateway) {
		g.prelude = src
	}
}

// WithPreamble adds bootstrap statements run by the peer before it starts serving.
// See SetEnv, Chdir and StdioSetNull.
func WithPreamble(stmts ...string) Option {
	return func(g *Gateway) {
		g.preamble = append(g.preamble, stmts...)
	}
}

// WithPool runs units received by this gateway on a pool of n goroutines instead of one goroutine per unit.
func WithPool(n, queueSize int) Option {
	return func(g *Gateway) {
		g.poolSize = n
		g.queueSize = queueSize
	}
}

// WithQueueSize sets the queue capacity of pools installed later through initThreads.
func WithQueueSize(n int) Option {
	return func(g *Gateway) {
		g.queueSize = n
	}
}

// WithShutdownTimeout bounds how long teardown waits for running units to return.
func WithShutdownTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.shutdownTimeout = d
	}
}

func withRemoteAddress(addr string) Option {
	return func(g *Gateway) {
		g.remoteAddress = addr
	}
}

// withStdoutOffFD1 sends unit stdout to the stderr writer if it would otherwise go to os.Stdout.
func withStdoutOffFD1() Option {
	return func(g *Gateway) {
		if g.stdout == os.Stdout {
			g.stdout = g.stderr
		}
	}
}
