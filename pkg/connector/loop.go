package connector

import (
	"context"
	"errors"

	"github.com/dop251/goja"
)

// deferredSource builds a promise together with its settle functions.
var deferredSource = goja.MustCompile("deferred", `(function() {
	var resolve, reject;
	var promise = new Promise(function(res, rej) { resolve = res; reject = rej; });
	return [promise, resolve, reject];
})`, true)

// eventLoop owns a goja runtime. Host operations run on their own
// goroutines and hand their results back through the queue, so the runtime
// is only ever touched by the goroutine that calls wait.
type eventLoop struct {
	rt       *goja.Runtime
	deferred goja.Callable
	queue    chan func()
	done     chan struct{}
	pending  int
}

func newEventLoop(rt *goja.Runtime) (*eventLoop, error) {
	v, err := rt.RunProgram(deferredSource)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, errors.New("deferred helper is not callable")
	}
	return &eventLoop{
		rt:       rt,
		deferred: fn,
		queue:    make(chan func()),
		done:     make(chan struct{}),
	}, nil
}

// enqueue schedules fn on the loop goroutine. It reports false once the
// loop has stopped.
func (l *eventLoop) enqueue(fn func()) bool {
	select {
	case l.queue <- fn:
		return true
	case <-l.done:
		return false
	}
}

func (l *eventLoop) stop() {
	close(l.done)
}

// async runs op off the loop and returns a promise settled with its result.
func (l *eventLoop) async(op func() (interface{}, error)) goja.Value {
	promise, resolve, reject := l.newDeferred()
	l.pending++

	go func() {
		v, err := op()
		l.enqueue(func() {
			l.pending--
			if err != nil {
				_, _ = reject(goja.Undefined(), l.rt.NewGoError(err))
				return
			}
			_, _ = resolve(goja.Undefined(), l.rt.ToValue(v))
		})
	}()

	return promise
}

func (l *eventLoop) newDeferred() (goja.Value, goja.Callable, goja.Callable) {
	v, err := l.deferred(goja.Undefined())
	if err != nil {
		panic(err)
	}
	parts := v.(*goja.Object)
	resolve, _ := goja.AssertFunction(parts.Get("1"))
	reject, _ := goja.AssertFunction(parts.Get("2"))
	return parts.Get("0"), resolve, reject
}

// settle reports the eventual outcome of v. Plain values are fulfilled
// immediately; pending promises get handlers attached.
func (l *eventLoop) settle(v goja.Value, onValue func(goja.Value), onError func(error)) {
	obj, ok := v.(*goja.Object)
	if !ok {
		onValue(v)
		return
	}
	p, ok := obj.Export().(*goja.Promise)
	if !ok {
		onValue(v)
		return
	}

	switch p.State() {
	case goja.PromiseStateFulfilled:
		onValue(p.Result())
	case goja.PromiseStateRejected:
		onError(scriptError("", p.Result()))
	default:
		then, _ := goja.AssertFunction(obj.Get("then"))
		_, err := then(obj,
			l.rt.ToValue(func(call goja.FunctionCall) goja.Value {
				onValue(call.Argument(0))
				return goja.Undefined()
			}),
			l.rt.ToValue(func(call goja.FunctionCall) goja.Value {
				onError(scriptError("", call.Argument(0)))
				return goja.Undefined()
			}),
		)
		if err != nil {
			onError(err)
		}
	}
}

// wait drives the loop until v settles.
func (l *eventLoop) wait(ctx context.Context, v goja.Value) (goja.Value, error) {
	var (
		settled bool
		result  goja.Value
		failure error
	)
	l.settle(v,
		func(v goja.Value) { settled, result = true, v },
		func(err error) { settled, failure = true, err },
	)

	for !settled {
		if l.pending == 0 {
			return nil, ErrNotSettled
		}
		select {
		case fn := <-l.queue:
			fn()
		case <-ctx.Done():
			return nil, ErrStopped
		}
	}
	return result, failure
}

// callback returns a Go function that invokes fn on the loop and waits for
// its (possibly asynchronous) result to settle.
func (l *eventLoop) callback(fn goja.Callable) func(ctx context.Context) (bool, error) {
	type outcome struct {
		ok  bool
		err error
	}

	return func(ctx context.Context) (bool, error) {
		out := make(chan outcome, 1)
		scheduled := l.enqueue(func() {
			v, err := fn(goja.Undefined())
			if err != nil {
				out <- outcome{err: toScriptError(err)}
				return
			}
			l.settle(v,
				func(v goja.Value) { out <- outcome{ok: v.ToBoolean()} },
				func(err error) { out <- outcome{err: err} },
			)
		})
		if !scheduled {
			return false, ErrStopped
		}

		select {
		case o := <-out:
			return o.ok, o.err
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}
