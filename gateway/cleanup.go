package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Cleanup records live initiating gateways so a program can exit every gateway it forgot about
// with one Shutdown call before terminating. Gateways unregister themselves on Exit.
type Cleanup struct {
	log *zap.SugaredLogger

	mut      sync.Mutex
	gateways map[string]*Gateway
}

// DefaultCleanup is the registry initiating gateways join unless WithCleanup says otherwise.
var DefaultCleanup = NewCleanup(nil)

func NewCleanup(log *zap.SugaredLogger) *Cleanup {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Cleanup{
		log:      log.Named("cleanup"),
		gateways: map[string]*Gateway{},
	}
}

func (c *Cleanup) Register(gw *Gateway) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	if _, ok := c.gateways[gw.id]; ok {
		return fmt.Errorf("registering gateway %s: %w", gw.id, ErrAlreadyRegistered)
	}
	c.gateways[gw.id] = gw
	return nil
}

// Unregister removes gw, reporting whether it was registered.
func (c *Cleanup) Unregister(gw *Gateway) bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	_, ok := c.gateways[gw.id]
	delete(c.gateways, gw.id)
	return ok
}

func (c *Cleanup) Len() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return len(c.gateways)
}

// Shutdown exits every registered gateway concurrently and waits for them.
func (c *Cleanup) Shutdown(ctx context.Context) error {
	c.mut.Lock()
	gateways := make([]*Gateway, 0, len(c.gateways))
	for _, gw := range c.gateways {
		gateways = append(gateways, gw)
	}
	c.mut.Unlock()

	var (
		group errgroup.Group
		mut   sync.Mutex
		errs  []error
	)
	for _, gw := range gateways {
		gw := gw
		c.log.Debugw("exiting leftover gateway", "Gateway", gw.id, "Remote", gw.remoteAddress)
		group.Go(func() error {
			if err := gw.Exit(ctx); err != nil {
				mut.Lock()
				errs = append(errs, fmt.Errorf("exiting %s: %w", gw, err))
				mut.Unlock()
			}
			return nil
		})
	}
	group.Wait()
	return errors.Join(errs...)
}
