package script

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

//go:embed prelude.js
var Prelude string

var (
	// ErrEOF is returned by Channel.Receive once the channel has reached end of stream.
	ErrEOF = errors.New("end of stream")
	// ErrTimeout is returned by Channel.Receive when its deadline passes first.
	ErrTimeout = errors.New("receive timed out")
)

// Channel is the view a unit has of a channel.
type Channel interface {
	ID() uint32
	Send(v any) error
	Receive(ctx context.Context) (any, error)
	Close() error
	WaitClose(ctx context.Context) error
	IsClosed() bool
}

// Host is the view a unit has of the gateway it runs in.
type Host interface {
	ID() string
	NewChannel() (Channel, error)
	Channel(id uint32) (Channel, error)
	Info() map[string]any
	InitThreads(n int) error
	Listen(ctx context.Context, addr string) (string, error)
}

// Env is everything a unit runs against besides its channel.
type Env struct {
	Host    Host
	Outputs *Outputs
	// Prelude is evaluated before every unit.
	Prelude string
	Log     *zap.SugaredLogger
}

// UnitError is a JavaScript exception that escaped a unit.
type UnitError struct {
	Message string
}

func (e *UnitError) Error() string { return e.Message }

const errorClasses = `
function EOFError(message) { this.name = "EOFError"; this.message = message; }
EOFError.prototype = Object.create(Error.prototype);
EOFError.prototype.constructor = EOFError;
function TimeoutError(message) { this.name = "TimeoutError"; this.message = message; }
TimeoutError.prototype = Object.create(Error.prototype);
TimeoutError.prototype.constructor = TimeoutError;
`

// Run evaluates source as a unit bound to ch. It returns a *UnitError if the unit throws,
// and ctx's error if ctx ends while the unit is running.
func Run(ctx context.Context, env Env, ch Channel, source string) error {
	if env.Log == nil {
		env.Log = zap.NewNop().Sugar()
	}
	if env.Outputs == nil {
		env.Outputs = NewOutputs(nil, nil)
	}

	vm := goja.New()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	r := &runtime{vm: vm, ctx: ctx, env: env}
	if err := r.install(ch); err != nil {
		return fmt.Errorf("installing globals: %w", err)
	}
	if env.Prelude != "" {
		if _, err := vm.RunScript("prelude.js", env.Prelude); err != nil {
			return r.convert(fmt.Errorf("evaluating prelude: %w", err))
		}
	}
	_, err := vm.RunScript(fmt.Sprintf("unit-%d.js", ch.ID()), source)
	return r.convert(err)
}

type runtime struct {
	vm  *goja.Runtime
	ctx context.Context
	env Env
}

func (r *runtime) convert(err error) error {
	if err == nil {
		return nil
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cerr, ok := interrupted.Value().(error); ok {
			return cerr
		}
		return context.Canceled
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return &UnitError{Message: exc.Error()}
	}
	return err
}

func (r *runtime) install(ch Channel) error {
	if _, err := r.vm.RunScript("errors.js", errorClasses); err != nil {
		return err
	}
	if err := r.vm.Set("channel", r.channel(ch)); err != nil {
		return err
	}
	if err := r.vm.Set("gateway", r.gateway()); err != nil {
		return err
	}

	stdout := r.env.Outputs.Writer(Stdout)
	stderr := r.env.Outputs.Writer(Stderr)
	printer := func(w func(string)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			w(strings.Join(parts, " ") + "\n")
			return goja.Undefined()
		}
	}
	writeTo := func(name string, w interface{ Write([]byte) (int, error) }) func(string) {
		return func(s string) {
			if _, err := w.Write([]byte(s)); err != nil {
				r.env.Log.Debugw("dropping unit output", "Stream", name, "Error", err)
			}
		}
	}
	console := r.vm.NewObject()
	if err := console.Set("log", printer(writeTo(Stdout, stdout))); err != nil {
		return err
	}
	if err := console.Set("error", printer(writeTo(Stderr, stderr))); err != nil {
		return err
	}
	if err := r.vm.Set("console", console); err != nil {
		return err
	}
	if err := r.vm.Set("print", printer(writeTo(Stdout, stdout))); err != nil {
		return err
	}
	return r.vm.Set("sleep", func(ms int64) {
		t := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer t.Stop()
		select {
		case <-t.C:
		case <-r.ctx.Done():
			r.vm.Interrupt(r.ctx.Err())
		}
	})
}

// throw raises a JavaScript exception built with the named global constructor.
func (r *runtime) throw(class string, err error) {
	ctor := r.vm.Get(class)
	obj, nerr := r.vm.New(ctor, r.vm.ToValue(err.Error()))
	if nerr != nil {
		panic(r.vm.NewGoError(err))
	}
	panic(obj)
}

func (r *runtime) check(err error) {
	if err != nil {
		panic(r.vm.NewGoError(err))
	}
}

func (r *runtime) channel(ch Channel) *goja.Object {
	obj := r.vm.NewObject()
	set := func(name string, v any) { r.check(obj.Set(name, v)) }

	set("id", ch.ID())
	set("send", func(v goja.Value) {
		var item any
		if v != nil {
			item = v.Export()
		}
		r.check(ch.Send(item))
	})
	set("receive", func(call goja.FunctionCall) goja.Value {
		ctx := r.ctx
		if t := call.Argument(0); !goja.IsUndefined(t) && !goja.IsNull(t) {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(t.ToFloat()*float64(time.Millisecond)))
			defer cancel()
		}
		item, err := ch.Receive(ctx)
		switch {
		case errors.Is(err, ErrEOF):
			r.throw("EOFError", err)
		case errors.Is(err, ErrTimeout):
			r.throw("TimeoutError", err)
		case err != nil:
			r.check(err)
		}
		return r.vm.ToValue(item)
	})
	set("close", func() { r.check(ch.Close()) })
	set("waitclose", func() { r.check(ch.WaitClose(r.ctx)) })
	set("isclosed", func() bool { return ch.IsClosed() })
	return obj
}

func (r *runtime) gateway() *goja.Object {
	host := r.env.Host
	obj := r.vm.NewObject()
	set := func(name string, v any) { r.check(obj.Set(name, v)) }
	if host == nil {
		return obj
	}

	set("id", host.ID())
	set("newchannel", func() *goja.Object {
		ch, err := host.NewChannel()
		r.check(err)
		return r.channel(ch)
	})
	set("channel", func(id uint32) *goja.Object {
		ch, err := host.Channel(id)
		r.check(err)
		return r.channel(ch)
	})
	set("redirect", func(name string, id uint32) {
		ch, err := host.Channel(id)
		r.check(err)
		r.check(r.env.Outputs.Redirect(name, &ChannelWriter{Channel: ch}))
	})
	set("resetRedirect", func(name string) {
		removed, err := r.env.Outputs.Reset(name)
		r.check(err)
		for _, w := range removed {
			if cw, ok := w.(*ChannelWriter); ok {
				if err := cw.Channel.Close(); err != nil {
					r.env.Log.Debugw("closing redirect channel", "Stream", name, "Error", err)
				}
			}
		}
	})
	set("info", func() map[string]any { return host.Info() })
	set("initThreads", func(n int) { r.check(host.InitThreads(n)) })
	set("listen", func(addr string) string {
		bound, err := host.Listen(r.ctx, addr)
		r.check(err)
		return bound
	})
	return obj
}
