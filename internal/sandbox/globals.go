package sandbox

import (
	"math"
	"strings"
	"time"

	"github.com/dop251/goja"
	"golang.org/x/net/html"
)

// installGlobals sets up the browser surface an artifact script sees.
// Host facilities (require, process, module loading, network) stay absent.
func (in *Instance) installGlobals() {
	vm := in.vm
	global := vm.GlobalObject()

	for _, name := range []string{"require", "process", "module", "exports", "fetch", "XMLHttpRequest", "WebSocket", "importScripts"} {
		_ = vm.Set(name, goja.Undefined())
	}

	_ = vm.Set("window", global)
	_ = vm.Set("self", global)
	_ = vm.Set("innerWidth", in.cfg.ViewportWidth)
	_ = vm.Set("innerHeight", in.cfg.ViewportHeight)
	_ = vm.Set("devicePixelRatio", 1)

	nav := vm.NewObject()
	_ = nav.Set("userAgent", "SimLab-Sandbox/1.0")
	_ = nav.Set("language", "en-US")
	_ = vm.Set("navigator", nav)

	_ = vm.Set("console", in.consoleObject())
	in.installTimers()

	perf := vm.NewObject()
	_ = perf.Set("now", func(goja.FunctionCall) goja.Value { return vm.ToValue(in.now()) })
	_ = vm.Set("performance", perf)

	_ = vm.Set("alert", func(call goja.FunctionCall) goja.Value {
		in.logConsole("info", "alert: "+call.Argument(0).String())
		return goja.Undefined()
	})

	_ = vm.Set("addEventListener", func(call goja.FunctionCall) goja.Value {
		if fn, ok := goja.AssertFunction(call.Argument(1)); ok {
			in.addListener("window", call.Argument(0).String(), fn, call.Argument(1))
		}
		return goja.Undefined()
	})
	_ = vm.Set("removeEventListener", func(call goja.FunctionCall) goja.Value {
		in.removeListener("window", call.Argument(0).String(), call.Argument(1))
		return goja.Undefined()
	})

	in.docObj = in.documentObject()
	_ = vm.Set("document", in.docObj)
}

func (in *Instance) logConsole(level, msg string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.appendConsoleLocked(level, msg)
}

func (in *Instance) consoleObject() *goja.Object {
	vm := in.vm
	console := vm.NewObject()

	var stringify goja.Callable
	if json := vm.Get("JSON"); json != nil {
		stringify, _ = goja.AssertFunction(json.ToObject(vm).Get("stringify"))
	}
	format := func(args []goja.Value) string {
		parts := make([]string, 0, len(args))
		for _, a := range args {
			if obj, ok := a.(*goja.Object); ok && stringify != nil {
				if _, isFn := goja.AssertFunction(obj); !isFn {
					if out, err := stringify(goja.Undefined(), obj); err == nil && !goja.IsUndefined(out) {
						parts = append(parts, out.String())
						continue
					}
				}
			}
			parts = append(parts, a.String())
		}
		return strings.Join(parts, " ")
	}

	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		level := level
		_ = console.Set(level, func(call goja.FunctionCall) goja.Value {
			in.logConsole(level, format(call.Arguments))
			return goja.Undefined()
		})
	}
	return console
}

func (in *Instance) installTimers() {
	vm := in.vm

	schedule := func(interval bool) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			fn, ok := goja.AssertFunction(call.Argument(0))
			if !ok {
				panic(vm.NewTypeError("timer callback is not a function"))
			}
			var delay time.Duration
			if ms := call.Argument(1).ToFloat(); ms > 0 && !math.IsInf(ms, 1) {
				delay = time.Duration(ms * float64(time.Millisecond))
			}
			var args []goja.Value
			if len(call.Arguments) > 2 {
				args = append(args, call.Arguments[2:]...)
			}
			return vm.ToValue(in.addTimer(fn, delay, interval, args))
		}
	}
	cancel := func(call goja.FunctionCall) goja.Value {
		in.clearTimer(call.Argument(0).ToInteger())
		return goja.Undefined()
	}

	_ = vm.Set("setTimeout", schedule(false))
	_ = vm.Set("setInterval", schedule(true))
	_ = vm.Set("clearTimeout", cancel)
	_ = vm.Set("clearInterval", cancel)

	_ = vm.Set("requestAnimationFrame", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("requestAnimationFrame callback is not a function"))
		}
		return vm.ToValue(in.addFrame(fn))
	})
	_ = vm.Set("cancelAnimationFrame", func(call goja.FunctionCall) goja.Value {
		in.cancelFrame(call.Argument(0).ToInteger())
		return goja.Undefined()
	})
}

func (in *Instance) documentObject() *goja.Object {
	vm := in.vm
	doc := vm.NewObject()
	dom := in.dom

	_ = doc.Set("readyState", "loading")
	_ = doc.DefineAccessorProperty("body", vm.ToValue(func(goja.FunctionCall) goja.Value {
		return in.wrap(dom.Body())
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = doc.DefineAccessorProperty("head", vm.ToValue(func(goja.FunctionCall) goja.Value {
		return in.wrap(dom.Head())
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = doc.DefineAccessorProperty("documentElement", vm.ToValue(func(goja.FunctionCall) goja.Value {
		return in.wrap(dom.Root())
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)

	_ = doc.Set("getElementById", func(call goja.FunctionCall) goja.Value {
		return in.wrap(dom.ByID(call.Argument(0).String()))
	})
	_ = doc.Set("querySelector", func(call goja.FunctionCall) goja.Value {
		if found := dom.Query(dom.Root(), call.Argument(0).String()); len(found) > 0 {
			return in.wrap(found[0])
		}
		return goja.Null()
	})
	_ = doc.Set("querySelectorAll", func(call goja.FunctionCall) goja.Value {
		return in.wrapAll(dom.Query(dom.Root(), call.Argument(0).String()))
	})
	_ = doc.Set("getElementsByTagName", func(call goja.FunctionCall) goja.Value {
		return in.wrapAll(dom.Query(dom.Root(), call.Argument(0).String()))
	})
	_ = doc.Set("getElementsByClassName", func(call goja.FunctionCall) goja.Value {
		return in.wrapAll(dom.Query(dom.Root(), "."+call.Argument(0).String()))
	})
	_ = doc.Set("createElement", func(call goja.FunctionCall) goja.Value {
		return in.wrap(NewElement(call.Argument(0).String()))
	})
	_ = doc.Set("createTextNode", func(call goja.FunctionCall) goja.Value {
		return in.wrap(&html.Node{Type: html.TextNode, Data: call.Argument(0).String()})
	})
	_ = doc.Set("addEventListener", func(call goja.FunctionCall) goja.Value {
		if fn, ok := goja.AssertFunction(call.Argument(1)); ok {
			in.addListener("document", call.Argument(0).String(), fn, call.Argument(1))
		}
		return goja.Undefined()
	})
	_ = doc.Set("removeEventListener", func(call goja.FunctionCall) goja.Value {
		in.removeListener("document", call.Argument(0).String(), call.Argument(1))
		return goja.Undefined()
	})
	return doc
}
