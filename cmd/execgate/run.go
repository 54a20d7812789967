package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/guseggert/execgate/gateway"
	"github.com/guseggert/execgate/group"
	"gopkg.in/yaml.v3"
)

func openGroup(ctx context.Context, g *group.Group, targets []string) error {
	for _, t := range targets {
		if _, err := g.MakeGateway(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// collect receives from ch until the remote end closes it.
func collect(ctx context.Context, ch *gateway.Channel) ([]any, error) {
	items := []any{}
	for {
		v, err := ch.Receive(ctx)
		if errors.Is(err, gateway.ErrChannelClosed) {
			return items, ch.WaitClose(ctx)
		}
		if err != nil {
			return items, err
		}
		items = append(items, v)
	}
}

type execResult struct {
	Values []any  `yaml:"values"`
	Error  string `yaml:"error,omitempty"`
}

// execAll runs source on every gateway in g and writes what each sends back as YAML, keyed by gateway id.
func execAll(ctx context.Context, g *group.Group, source string, out io.Writer) error {
	mc, err := g.RemoteExec(source)
	if err != nil {
		return err
	}
	members := g.Members()
	results := map[string]execResult{}
	var errs []error
	for i, ch := range mc.Channels() {
		id := members[i].ID
		items, err := collect(ctx, ch)
		r := execResult{Values: items}
		if err != nil {
			r.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
		results[id] = r
	}
	if err := writeYAML(out, results); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func rinfoAll(ctx context.Context, g *group.Group, out io.Writer) error {
	infos := map[string]gateway.RInfo{}
	for _, m := range g.Members() {
		info, err := m.Gateway.RInfo(ctx, false)
		if err != nil {
			return fmt.Errorf("%s: %w", m.ID, err)
		}
		infos[m.ID] = info
	}
	return writeYAML(out, infos)
}

func writeYAML(out io.Writer, v any) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding YAML: %w", err)
	}
	return enc.Close()
}
