package connector

import (
	"context"
	"time"

	"github.com/dop251/goja"

	"github.com/entrhq/harvest/pkg/capture"
)

// bindAPI builds the object handed to the connector's entry function.
// Suspending operations return promises; the rest are synchronous.
func bindAPI(ctx context.Context, rt *goja.Runtime, loop *eventLoop, caps Capabilities) *goja.Object {
	api := rt.NewObject()

	set := func(name string, fn func(goja.FunctionCall) goja.Value) {
		_ = api.Set(name, fn)
	}

	set("navigate", func(call goja.FunctionCall) goja.Value {
		url := call.Argument(0).String()
		return loop.async(func() (interface{}, error) {
			return nil, caps.Navigate(ctx, url)
		})
	})

	set("evaluate", func(call goja.FunctionCall) goja.Value {
		expression := expressionOf(call.Argument(0))
		return loop.async(func() (interface{}, error) {
			return caps.Evaluate(ctx, expression)
		})
	})

	set("sleep", func(call goja.FunctionCall) goja.Value {
		d := time.Duration(call.Argument(0).ToInteger()) * time.Millisecond
		return loop.async(func() (interface{}, error) {
			return nil, caps.Sleep(ctx, d)
		})
	})

	set("setData", func(call goja.FunctionCall) goja.Value {
		value, err := jsonValue(rt, call.Argument(1))
		if err != nil {
			panic(rt.NewTypeError("setData: value is not serializable: %s", toScriptError(err).Message))
		}
		caps.SetData(call.Argument(0).String(), value)
		return goja.Undefined()
	})

	set("promptUser", func(call goja.FunctionCall) goja.Value {
		message := call.Argument(0).String()
		check, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			panic(rt.NewTypeError("promptUser: conditionCheck must be a function"))
		}
		interval := time.Duration(call.Argument(2).ToInteger()) * time.Millisecond
		poll := loop.callback(check)
		return loop.async(func() (interface{}, error) {
			return nil, caps.PromptUser(ctx, message, poll, interval)
		})
	})

	set("captureNetwork", func(call goja.FunctionCall) goja.Value {
		caps.CaptureNetwork(registrationOf(rt, call))
		return goja.Undefined()
	})

	set("getCapturedResponse", func(call goja.FunctionCall) goja.Value {
		resp, ok := caps.CapturedResponse(call.Argument(0).String())
		if !ok {
			return goja.Null()
		}
		return rt.ToValue(map[string]interface{}{
			"url":       resp.URL,
			"data":      resp.Data,
			"timestamp": resp.Timestamp,
		})
	})

	set("clearNetworkCaptures", func(call goja.FunctionCall) goja.Value {
		caps.ClearNetworkCaptures()
		return goja.Undefined()
	})

	set("log", func(call goja.FunctionCall) goja.Value {
		caps.Log(call.Argument(0).String())
		return goja.Undefined()
	})

	set("currentUrl", func(call goja.FunctionCall) goja.Value {
		return rt.ToValue(caps.CurrentURL())
	})

	return api
}

// expressionOf turns an evaluate argument into page-side source. Functions
// are serialised and invoked immediately.
func expressionOf(v goja.Value) string {
	if _, ok := goja.AssertFunction(v); ok {
		return "(" + v.String() + ")()"
	}
	return v.String()
}

// registrationOf accepts either captureNetwork({key, urlPattern, bodyPattern})
// or captureNetwork(key, urlPattern, bodyPattern).
func registrationOf(rt *goja.Runtime, call goja.FunctionCall) capture.Registration {
	optional := func(v goja.Value) string {
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			return ""
		}
		return v.String()
	}

	var reg capture.Registration
	if obj, ok := call.Argument(0).(*goja.Object); ok {
		reg = capture.Registration{
			Key:         optional(obj.Get("key")),
			URLPattern:  optional(obj.Get("urlPattern")),
			BodyPattern: optional(obj.Get("bodyPattern")),
		}
	} else {
		reg = capture.Registration{
			Key:         optional(call.Argument(0)),
			URLPattern:  optional(call.Argument(1)),
			BodyPattern: optional(call.Argument(2)),
		}
	}

	if reg.Key == "" || reg.URLPattern == "" {
		panic(rt.NewTypeError("captureNetwork: key and urlPattern are required"))
	}
	return reg
}
