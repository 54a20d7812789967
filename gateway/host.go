package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"

	"github.com/guseggert/execgate/script"
)

// RInfo describes the process at the other end of a gateway.
type RInfo struct {
	Executable string `json:"executable" yaml:"executable"`
	Version    string `json:"version" yaml:"version"`
	Platform   string `json:"platform" yaml:"platform"`
	Cwd        string `json:"cwd" yaml:"cwd"`
	PID        int    `json:"pid" yaml:"pid"`
}

func (r RInfo) String() string {
	return fmt.Sprintf("<RInfo executable=%s version=%s platform=%s cwd=%s pid=%d>", r.Executable, r.Version, r.Platform, r.Cwd, r.PID)
}

func localInfo() map[string]any {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}
	return map[string]any{
		"executable": exe,
		"version":    runtime.Version(),
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
		"cwd":        cwd,
		"pid":        os.Getpid(),
	}
}

// unitHost exposes a gateway to the units it runs.
type unitHost struct {
	gw *Gateway
}

func (h *unitHost) ID() string { return h.gw.id }

func (h *unitHost) NewChannel() (script.Channel, error) {
	ch, err := h.gw.NewChannel()
	if err != nil {
		return nil, err
	}
	return unitChannel{ch}, nil
}

func (h *unitHost) Channel(id uint32) (script.Channel, error) {
	ch, ok := h.gw.registry.get(id)
	if !ok {
		return nil, fmt.Errorf("channel %d: %w", id, ErrUnknownChannel)
	}
	return unitChannel{ch}, nil
}

func (h *unitHost) Info() map[string]any { return localInfo() }

func (h *unitHost) InitThreads(n int) error {
	return h.gw.dispatcher.InstallPool(n, h.gw.queueSize)
}

// Listen starts a socket gateway server on addr that lives as long as the gateway.
func (h *unitHost) Listen(ctx context.Context, addr string) (string, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listening on %s: %w", addr, err)
	}
	g := h.gw
	g.background.Add(1)
	go func() {
		defer g.background.Done()
		err := Serve(g.ctx, l, WithLogger(g.log.Desugar()), WithOutputs(g.stdout, g.stderr))
		if err != nil {
			g.log.Warnw("socket gateway server stopped", "Addr", l.Addr().String(), "Error", err)
		}
	}()
	g.log.Debugw("serving socket gateways", "Addr", l.Addr().String())
	return l.Addr().String(), nil
}

// unitChannel maps channel errors onto the ones units understand.
type unitChannel struct {
	*Channel
}

func (c unitChannel) Receive(ctx context.Context) (any, error) {
	item, err := c.Channel.Receive(ctx)
	switch {
	case errors.Is(err, ErrChannelClosed):
		return nil, fmt.Errorf("%w: %w", script.ErrEOF, err)
	case errors.Is(err, ErrTimeout):
		return nil, fmt.Errorf("%w: %w", script.ErrTimeout, err)
	}
	return item, err
}
