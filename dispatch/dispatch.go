package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull     = errors.New("execution queue full")
	ErrPoolInstalled = errors.New("worker pool already running")
	ErrStopped       = errors.New("dispatcher stopped")
)

// DefaultQueueSize is the pool queue capacity used when InstallPool is given a non-positive size.
const DefaultQueueSize = 1024

// Task is one unit of work.
type Task struct {
	// Name identifies the task in logs.
	Name string
	// Run executes the unit. The context is canceled when the dispatcher shuts down.
	Run func(ctx context.Context) error
	// Done is called exactly once with the result of Run, or with the panic Run raised.
	Done func(err error)
}

// PanicError is passed to Task.Done when Run panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Dispatcher routes tasks either to their own goroutine or to an installed pool.
type Dispatcher struct {
	log *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mut     sync.Mutex
	stopped bool
	pool    *pool
	units   sync.WaitGroup
}

func New(log *zap.SugaredLogger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		log:    log.Named("dispatcher"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Dispatch schedules t. It never blocks on a busy pool.
func (d *Dispatcher) Dispatch(t Task) error {
	d.mut.Lock()
	defer d.mut.Unlock()
	if d.stopped {
		return ErrStopped
	}
	if d.pool != nil {
		return d.pool.submit(&t)
	}
	d.units.Add(1)
	go func() {
		defer d.units.Done()
		d.run(d.ctx, &t)
	}()
	return nil
}

// InstallPool makes subsequent tasks run on a pool of n goroutines fed by a queue of queueSize tasks.
func (d *Dispatcher) InstallPool(n, queueSize int) error {
	if n < 1 {
		return fmt.Errorf("pool size must be at least 1, got %d", n)
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	d.mut.Lock()
	defer d.mut.Unlock()
	if d.stopped {
		return ErrStopped
	}
	if d.pool != nil {
		return ErrPoolInstalled
	}
	d.pool = newPool(d, n, queueSize)
	d.log.Debugw("installed worker pool", "Size", n, "QueueSize", queueSize)
	return nil
}

// PoolSize returns the size of the installed pool, or 0 if units run on their own goroutines.
func (d *Dispatcher) PoolSize() int {
	d.mut.Lock()
	defer d.mut.Unlock()
	if d.pool == nil {
		return 0
	}
	return d.pool.size
}

// Shutdown stops accepting tasks, cancels the context of running tasks, and waits for every task to finish.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mut.Lock()
	alreadyStopped := d.stopped
	d.stopped = true
	p := d.pool
	d.mut.Unlock()

	if !alreadyStopped {
		d.cancel()
		if p != nil {
			p.queue <- nil
		}
	}

	done := make(chan struct{})
	go func() {
		if p != nil {
			<-p.done
		}
		d.units.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for units to finish: %w", ctx.Err())
	}
}

func (d *Dispatcher) run(ctx context.Context, t *Task) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		err = t.Run(ctx)
	}()
	if err != nil {
		d.log.Debugw("task failed", "Task", t.Name, "Error", err)
	}
	if t.Done != nil {
		t.Done(err)
	}
}

type pool struct {
	size  int
	queue chan *Task
	done  chan struct{}
}

func newPool(d *Dispatcher, n, queueSize int) *pool {
	p := &pool{
		size:  n,
		queue: make(chan *Task, queueSize),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		var group errgroup.Group
		group.SetLimit(n)
		for t := range p.queue {
			if t == nil {
				break
			}
			t := t
			group.Go(func() error {
				d.run(d.ctx, t)
				return nil
			})
		}
		group.Wait()
		d.log.Debug("worker pool stopped")
	}()
	return p
}

func (p *pool) submit(t *Task) error {
	select {
	case p.queue <- t:
		return nil
	default:
		return ErrQueueFull
	}
}
