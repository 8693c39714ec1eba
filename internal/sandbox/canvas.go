package sandbox

import (
	"strconv"
	"sync"

	"github.com/dop251/goja"
)

// recorder keeps a bounded tail of draw calls and a running total.
type recorder struct {
	mu     sync.Mutex
	limit  int
	total  int
	recent []DrawCall
}

func newRecorder(limit int) *recorder {
	return &recorder{limit: limit}
}

func (r *recorder) record(call DrawCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total++
	if len(r.recent) >= r.limit {
		copy(r.recent, r.recent[1:])
		r.recent = r.recent[:len(r.recent)-1]
	}
	r.recent = append(r.recent, call)
}

func (r *recorder) stats() (int, []DrawCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total, append([]DrawCall(nil), r.recent...)
}

var drawOps = []string{
	"fillRect", "strokeRect", "clearRect", "beginPath", "closePath",
	"moveTo", "lineTo", "arc", "arcTo", "ellipse", "rect", "quadraticCurveTo",
	"bezierCurveTo", "fill", "stroke", "fillText", "strokeText", "drawImage",
	"save", "restore", "translate", "rotate", "scale", "setTransform",
	"resetTransform", "transform", "clip", "setLineDash", "putImageData",
}

// newContext2D builds a CanvasRenderingContext2D stand-in that records calls.
func (in *Instance) newContext2D(canvas *goja.Object, name string, width, height func() int) *goja.Object {
	vm := in.vm
	ctx := vm.NewObject()

	for _, op := range drawOps {
		op := op
		_ = ctx.Set(op, func(call goja.FunctionCall) goja.Value {
			args := make([]interface{}, 0, len(call.Arguments))
			for _, a := range call.Arguments {
				if _, isObj := a.(*goja.Object); isObj {
					args = append(args, "[object]")
					continue
				}
				args = append(args, a.Export())
			}
			in.draws.record(DrawCall{Canvas: name, Op: op, Args: args})
			return goja.Undefined()
		})
	}

	_ = ctx.Set("canvas", canvas)
	_ = ctx.Set("fillStyle", "#000000")
	_ = ctx.Set("strokeStyle", "#000000")
	_ = ctx.Set("lineWidth", 1)
	_ = ctx.Set("lineCap", "butt")
	_ = ctx.Set("lineJoin", "miter")
	_ = ctx.Set("font", "10px sans-serif")
	_ = ctx.Set("textAlign", "start")
	_ = ctx.Set("textBaseline", "alphabetic")
	_ = ctx.Set("globalAlpha", 1)
	_ = ctx.Set("globalCompositeOperation", "source-over")
	_ = ctx.Set("shadowBlur", 0)
	_ = ctx.Set("shadowColor", "rgba(0, 0, 0, 0)")

	_ = ctx.Set("measureText", func(call goja.FunctionCall) goja.Value {
		text := call.Argument(0).String()
		m := vm.NewObject()
		_ = m.Set("width", float64(len([]rune(text)))*fontSize(ctx)*0.6)
		return m
	})

	gradient := func(goja.FunctionCall) goja.Value {
		g := vm.NewObject()
		_ = g.Set("addColorStop", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
		return g
	}
	_ = ctx.Set("createLinearGradient", gradient)
	_ = ctx.Set("createRadialGradient", gradient)
	_ = ctx.Set("createPattern", func(goja.FunctionCall) goja.Value { return goja.Null() })

	imageData := func(call goja.FunctionCall) goja.Value {
		w, h := int(call.Argument(2).ToInteger()), int(call.Argument(3).ToInteger())
		if w <= 0 {
			w = width()
		}
		if h <= 0 {
			h = height()
		}
		d := vm.NewObject()
		_ = d.Set("width", w)
		_ = d.Set("height", h)
		_ = d.Set("data", vm.NewArray())
		return d
	}
	_ = ctx.Set("getImageData", imageData)
	_ = ctx.Set("createImageData", func(call goja.FunctionCall) goja.Value {
		return imageData(goja.FunctionCall{Arguments: []goja.Value{
			vm.ToValue(0), vm.ToValue(0), call.Argument(0), call.Argument(1),
		}})
	})
	_ = ctx.Set("isPointInPath", func(goja.FunctionCall) goja.Value { return vm.ToValue(false) })

	return ctx
}

// fontSize extracts the pixel size from ctx.font, defaulting to 10.
func fontSize(ctx *goja.Object) float64 {
	font := ctx.Get("font")
	if font == nil {
		return 10
	}
	s := font.String()
	for i := 0; i+1 < len(s); i++ {
		if s[i] == 'p' && s[i+1] == 'x' {
			j := i
			for j > 0 && (s[j-1] >= '0' && s[j-1] <= '9' || s[j-1] == '.') {
				j--
			}
			if v, err := strconv.ParseFloat(s[j:i], 64); err == nil && v > 0 {
				return v
			}
		}
	}
	return 10
}
