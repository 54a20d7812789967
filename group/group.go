// Package group manages a set of gateways and runs units on all of them at once.
package group

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/guseggert/execgate/gateway"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const loggerName = "group"

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar().Named(loggerName)
}

var ErrDuplicateID = errors.New("duplicate gateway id")

// Member is a gateway in a group, under the group's id for it.
type Member struct {
	ID      string
	Spec    Spec
	Gateway *gateway.Gateway
}

// Group is a set of gateways opened from specs. It is safe for concurrent use.
type Group struct {
	Log            *zap.SugaredLogger
	GatewayOptions []gateway.Option

	mut     sync.Mutex
	members []*Member
	nextID  int
}

func New(opts ...gateway.Option) *Group {
	return &Group{
		Log:            defaultLogger,
		GatewayOptions: opts,
	}
}

func (g *Group) WithLogger(l *zap.SugaredLogger) *Group {
	g.Log = l.Named(loggerName)
	return g
}

// MakeGateway opens a gateway from a spec string and adds it to the group.
// Unless the spec names an id, the gateway is called "gw<N>".
func (g *Group) MakeGateway(ctx context.Context, spec string) (*Member, error) {
	s, err := ParseSpec(spec)
	if err != nil {
		return nil, err
	}
	return g.Open(ctx, s)
}

func (g *Group) MustMakeGateway(ctx context.Context, spec string) *Member {
	return Must2(g.MakeGateway(ctx, spec))
}

// Open opens a gateway from a parsed spec and adds it to the group.
func (g *Group) Open(ctx context.Context, s Spec) (*Member, error) {
	id, err := g.reserveID(s.ID)
	if err != nil {
		return nil, err
	}
	spawner, err := s.Spawner(g.Log)
	if err != nil {
		return nil, fmt.Errorf("building spawner for %s: %w", s, err)
	}
	gw, err := gateway.Open(ctx, spawner, g.GatewayOptions...)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", s, err)
	}
	m := &Member{ID: id, Spec: s, Gateway: gw}

	g.mut.Lock()
	defer g.mut.Unlock()
	if g.lookupLocked(id) != nil {
		gw.Exit(ctx)
		return nil, fmt.Errorf("%w %q", ErrDuplicateID, id)
	}
	g.members = append(g.members, m)
	g.Log.Debugw("opened gateway", "ID", id, "Spec", s.String())
	return m, nil
}

func (g *Group) reserveID(id string) (string, error) {
	g.mut.Lock()
	defer g.mut.Unlock()
	if id == "" {
		for {
			id = fmt.Sprintf("gw%d", g.nextID)
			g.nextID++
			if g.lookupLocked(id) == nil {
				return id, nil
			}
		}
	}
	if g.lookupLocked(id) != nil {
		return "", fmt.Errorf("%w %q", ErrDuplicateID, id)
	}
	return id, nil
}

func (g *Group) lookupLocked(id string) *Member {
	for _, m := range g.members {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// Get returns the member with the given id, or nil.
func (g *Group) Get(id string) *Member {
	g.mut.Lock()
	defer g.mut.Unlock()
	return g.lookupLocked(id)
}

// Members returns the members in the order they were opened.
func (g *Group) Members() []*Member {
	g.mut.Lock()
	defer g.mut.Unlock()
	return append([]*Member(nil), g.members...)
}

func (g *Group) Len() int {
	g.mut.Lock()
	defer g.mut.Unlock()
	return len(g.members)
}

// RemoteExec runs source on every gateway in the group.
func (g *Group) RemoteExec(source string) (*MultiChannel, error) {
	var channels []*gateway.Channel
	for _, m := range g.Members() {
		ch, err := m.Gateway.RemoteExec(source)
		if err != nil {
			for _, c := range channels {
				c.Close()
			}
			return nil, fmt.Errorf("remote exec on %s: %w", m.ID, err)
		}
		channels = append(channels, ch)
	}
	return NewMultiChannel(channels...), nil
}

// Exit exits every gateway concurrently and empties the group.
func (g *Group) Exit(ctx context.Context) error {
	g.mut.Lock()
	members := g.members
	g.members = nil
	g.mut.Unlock()

	errs := make([]error, len(members))
	var eg errgroup.Group
	for i, m := range members {
		i, m := i, m
		eg.Go(func() error {
			if err := m.Gateway.Exit(ctx); err != nil {
				errs[i] = fmt.Errorf("exiting %s: %w", m.ID, err)
			}
			return nil
		})
	}
	eg.Wait()
	return errors.Join(errs...)
}

func (g *Group) MustExit(ctx context.Context) {
	Must(g.Exit(ctx))
}

// Must panics if the last arg in its arg list is an error.
func Must(args ...interface{}) {
	err, ok := args[len(args)-1].(error)
	if ok {
		panic(err)
	}
}

func Must2[V any](v V, err error) V {
	if err != nil {
		panic(err)
	}
	return v
}
