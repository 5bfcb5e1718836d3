package connector

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/dop251/goja"

	"github.com/entrhq/harvest/pkg/capture"
)

// Capabilities is the host surface a connector drives. Blocking methods
// are called off the JS goroutine and must honour ctx.
type Capabilities interface {
	Navigate(ctx context.Context, url string) error
	Evaluate(ctx context.Context, expression string) (interface{}, error)
	Sleep(ctx context.Context, d time.Duration) error
	PromptUser(ctx context.Context, message string, check func(context.Context) (bool, error), interval time.Duration) error
	SetData(key string, value interface{})
	CaptureNetwork(reg capture.Registration)
	CapturedResponse(key string) (capture.Response, bool)
	ClearNetworkCaptures()
	Log(message string)
	CurrentURL() string
}

// Run executes program in a fresh runtime and returns the exported value
// produced by its entry function. A returned promise is awaited.
func Run(ctx context.Context, program *Program, caps Capabilities) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &ScriptError{
				Path:    program.Path,
				Message: fmt.Sprintf("connector panicked: %v", r),
				Stack:   string(debug.Stack()),
			}
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, ErrStopped
	}

	rt := goja.New()
	stopInterrupt := context.AfterFunc(ctx, func() {
		rt.Interrupt(ErrStopped)
	})
	defer stopInterrupt()

	loop, err := newEventLoop(rt)
	if err != nil {
		return nil, err
	}
	defer loop.stop()

	entry, err := loadEntry(rt, program)
	if err != nil {
		return nil, wrapRunError(ctx, program.Path, err)
	}

	api := bindAPI(ctx, rt, loop, caps)
	ret, err := entry(goja.Undefined(), api)
	if err != nil {
		return nil, wrapRunError(ctx, program.Path, err)
	}

	v, err := loop.wait(ctx, ret)
	if err != nil {
		return nil, wrapRunError(ctx, program.Path, err)
	}

	result, err = jsonValue(rt, v)
	if err != nil {
		err = wrapRunError(ctx, program.Path, err)
		var scriptErr *ScriptError
		if errors.As(err, &scriptErr) {
			scriptErr.Message = "result is not serializable: " + scriptErr.Message
		}
		return nil, err
	}
	return result, nil
}

// loadEntry evaluates the module body and returns the exported entry.
func loadEntry(rt *goja.Runtime, program *Program) (goja.Callable, error) {
	wrapper, err := rt.RunProgram(program.program)
	if err != nil {
		return nil, err
	}
	moduleFn, ok := goja.AssertFunction(wrapper)
	if !ok {
		return nil, ErrNoEntry
	}

	module := rt.NewObject()
	exports := rt.NewObject()
	_ = module.Set("exports", exports)

	if _, err := moduleFn(goja.Undefined(), module, exports); err != nil {
		return nil, err
	}

	exported := module.Get("exports")
	if fn, ok := goja.AssertFunction(exported); ok {
		return fn, nil
	}
	if obj, ok := exported.(*goja.Object); ok {
		if fn, ok := goja.AssertFunction(obj.Get("default")); ok {
			return fn, nil
		}
	}
	return nil, ErrNoEntry
}

func wrapRunError(ctx context.Context, path string, err error) error {
	if ctx.Err() != nil {
		return ErrStopped
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return ErrStopped
	}

	var scriptErr *ScriptError
	if errors.As(err, &scriptErr) {
		if scriptErr.Path == "" {
			scriptErr.Path = path
		}
		return scriptErr
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return scriptError(path, exception.Value())
	}

	if errors.Is(err, ErrNoEntry) || errors.Is(err, ErrNotSettled) {
		return err
	}
	return &ScriptError{Path: path, Message: err.Error()}
}

// scriptError converts a thrown or rejected JS value.
func scriptError(path string, v goja.Value) *ScriptError {
	e := &ScriptError{Path: path}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		e.Message = "connector failed without a reason"
		return e
	}

	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			e.Message = msg.String()
			if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
				e.Stack = stack.String()
			}
			return e
		}
	}
	e.Message = v.String()
	return e
}

func toScriptError(err error) *ScriptError {
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return scriptError("", exception.Value())
	}
	return &ScriptError{Message: err.Error()}
}

// jsonValue exports v the way JSON.stringify sees it: functions and
// undefined members are dropped and non-finite numbers become null.
func jsonValue(rt *goja.Runtime, v goja.Value) (interface{}, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}

	json := rt.Get("JSON").ToObject(rt)
	stringify, _ := goja.AssertFunction(json.Get("stringify"))
	parse, _ := goja.AssertFunction(json.Get("parse"))

	text, err := stringify(json, v)
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(text) {
		return nil, nil
	}
	plain, err := parse(json, text)
	if err != nil {
		return nil, err
	}
	return exportValue(plain), nil
}

func exportValue(v goja.Value) interface{} {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}
