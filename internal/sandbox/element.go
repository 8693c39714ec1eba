package sandbox

import (
	"sort"
	"strconv"
	"strings"

	"github.com/dop251/goja"
	"golang.org/x/net/html"
)

// element backs the JS view of one DOM node. Known properties map onto the
// node; anything else is kept as an expando.
type element struct {
	in      *Instance
	node    *html.Node
	obj     *goja.Object
	props   map[string]goja.Value
	methods map[string]goja.Value
	style   *goja.Object
	ctx2d   *goja.Object
}

// element returns the cached proxy for node.
func (in *Instance) element(node *html.Node) *element {
	if el, ok := in.elems[node]; ok {
		return el
	}
	el := &element{
		in:      in,
		node:    node,
		props:   make(map[string]goja.Value),
		methods: make(map[string]goja.Value),
	}
	el.obj = in.vm.NewDynamicObject(el)
	in.elems[node] = el
	return el
}

// wrap converts a node to a JS value, nil to null.
func (in *Instance) wrap(node *html.Node) goja.Value {
	if node == nil {
		return goja.Null()
	}
	return in.element(node).obj
}

func (in *Instance) wrapAll(nodes []*html.Node) goja.Value {
	out := make([]interface{}, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, in.element(n).obj)
	}
	return in.vm.NewArray(out...)
}

// unwrap resolves a JS value back to its node.
func (in *Instance) unwrap(v goja.Value) *html.Node {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	if el, ok := obj.Export().(*element); ok {
		return el.node
	}
	return nil
}

func (e *element) Get(key string) goja.Value {
	in, n := e.in, e.node
	vm := in.vm

	if v, ok := e.props[key]; ok {
		return v
	}

	switch key {
	case "tagName", "nodeName":
		if n.Type == html.TextNode {
			return vm.ToValue("#text")
		}
		return vm.ToValue(strings.ToUpper(n.Data))
	case "nodeType":
		if n.Type == html.TextNode {
			return vm.ToValue(3)
		}
		return vm.ToValue(1)
	case "id":
		v, _ := in.dom.Attr(n, "id")
		return vm.ToValue(v)
	case "className":
		v, _ := in.dom.Attr(n, "class")
		return vm.ToValue(v)
	case "innerHTML":
		return vm.ToValue(in.dom.Inner(n))
	case "outerHTML":
		return vm.ToValue(in.dom.Outer(n))
	case "textContent", "innerText", "text":
		return vm.ToValue(in.dom.Text(n))
	case "value":
		v, _ := in.dom.Attr(n, "value")
		return vm.ToValue(v)
	case "checked", "disabled", "selected":
		_, ok := in.dom.Attr(n, key)
		return vm.ToValue(ok)
	case "width", "height":
		return vm.ToValue(e.dimension(key))
	case "clientWidth", "offsetWidth", "scrollWidth":
		return vm.ToValue(e.dimension("width"))
	case "clientHeight", "offsetHeight", "scrollHeight":
		return vm.ToValue(e.dimension("height"))
	case "style":
		if e.style == nil {
			e.style = vm.NewObject()
		}
		return e.style
	case "dataset":
		return e.dataset()
	case "classList":
		return e.classList()
	case "children":
		return in.wrapAll(in.dom.Children(n))
	case "childNodes":
		var nodes []*html.Node
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			nodes = append(nodes, c)
		}
		return in.wrapAll(nodes)
	case "firstChild":
		return in.wrap(n.FirstChild)
	case "lastChild":
		return in.wrap(n.LastChild)
	case "firstElementChild":
		if kids := in.dom.Children(n); len(kids) > 0 {
			return in.wrap(kids[0])
		}
		return goja.Null()
	case "parentNode", "parentElement":
		return in.wrap(in.dom.Parent(n))
	case "nextSibling":
		return in.wrap(n.NextSibling)
	case "previousSibling":
		return in.wrap(n.PrevSibling)
	case "ownerDocument":
		return in.docObj
	case "isConnected":
		return vm.ToValue(e.connected())
	}

	if m := e.method(key); m != nil {
		return m
	}
	return nil
}

func (e *element) Set(key string, val goja.Value) bool {
	in, n := e.in, e.node

	switch key {
	case "id":
		in.dom.SetAttr(n, "id", val.String())
	case "className":
		in.dom.SetAttr(n, "class", val.String())
	case "innerHTML":
		in.dom.SetInner(n, val.String())
	case "textContent", "innerText", "text":
		in.dom.SetText(n, val.String())
	case "value", "title", "type", "min", "max", "step", "placeholder":
		in.dom.SetAttr(n, key, val.String())
	case "width", "height":
		in.dom.SetAttr(n, key, strconv.FormatInt(val.ToInteger(), 10))
	case "checked", "disabled", "selected":
		if val.ToBoolean() {
			in.dom.SetAttr(n, key, "")
		} else {
			in.dom.RemoveAttr(n, key)
		}
	case "style":
		e.style = nil
		e.props[key] = val
	default:
		e.props[key] = val
	}
	return true
}

func (e *element) Has(key string) bool {
	if _, ok := e.props[key]; ok {
		return true
	}
	return e.Get(key) != nil
}

func (e *element) Delete(key string) bool {
	delete(e.props, key)
	return true
}

func (e *element) Keys() []string {
	keys := make([]string, 0, len(e.props))
	for k := range e.props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// callHandler runs an onX handler property if one is set.
func (e *element) callHandler(name string) error {
	v, ok := e.props[name]
	if !ok {
		return nil
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil
	}
	_, err := fn(e.obj, e.in.newEvent(strings.TrimPrefix(name, "on"), e.obj))
	return err
}

func (e *element) dimension(axis string) int {
	if v, ok := e.in.dom.Attr(e.node, axis); ok {
		if i, err := strconv.Atoi(strings.TrimSuffix(v, "px")); err == nil {
			return i
		}
	}
	switch {
	case e.node.Data == "canvas" && axis == "width":
		return 300
	case e.node.Data == "canvas":
		return 150
	case e.node.Data == "body" && axis == "width":
		return e.in.cfg.ViewportWidth
	case e.node.Data == "body":
		return e.in.cfg.ViewportHeight
	}
	return 0
}

func (e *element) connected() bool {
	for p := e.node; p != nil; p = p.Parent {
		if p == e.in.dom.Body() {
			return true
		}
	}
	return false
}

func (e *element) classes() []string {
	v, _ := e.in.dom.Attr(e.node, "class")
	return strings.Fields(v)
}

func (e *element) setClasses(list []string) {
	e.in.dom.SetAttr(e.node, "class", strings.Join(list, " "))
}

func (e *element) classList() goja.Value {
	vm := e.in.vm
	cl := vm.NewObject()
	has := func(name string) bool {
		for _, c := range e.classes() {
			if c == name {
				return true
			}
		}
		return false
	}
	add := func(name string) {
		if !has(name) {
			e.setClasses(append(e.classes(), name))
		}
	}
	remove := func(name string) {
		kept := e.classes()[:0]
		for _, c := range e.classes() {
			if c != name {
				kept = append(kept, c)
			}
		}
		e.setClasses(kept)
	}

	_ = cl.Set("add", func(call goja.FunctionCall) goja.Value {
		for _, a := range call.Arguments {
			add(a.String())
		}
		return goja.Undefined()
	})
	_ = cl.Set("remove", func(call goja.FunctionCall) goja.Value {
		for _, a := range call.Arguments {
			remove(a.String())
		}
		return goja.Undefined()
	})
	_ = cl.Set("contains", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(has(call.Argument(0).String()))
	})
	_ = cl.Set("toggle", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		if has(name) {
			remove(name)
			return vm.ToValue(false)
		}
		add(name)
		return vm.ToValue(true)
	})
	return cl
}

func (e *element) dataset() goja.Value {
	ds := e.in.vm.NewObject()
	for _, a := range e.node.Attr {
		if name, ok := strings.CutPrefix(a.Key, "data-"); ok {
			_ = ds.Set(camel(name), a.Val)
		}
	}
	return ds
}

func camel(s string) string {
	parts := strings.Split(s, "-")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}

// method returns the bound function for key, built once per element.
func (e *element) method(key string) goja.Value {
	if m, ok := e.methods[key]; ok {
		return m
	}
	fn := e.buildMethod(key)
	if fn == nil {
		return nil
	}
	m := e.in.vm.ToValue(fn)
	e.methods[key] = m
	return m
}

func (e *element) buildMethod(key string) func(goja.FunctionCall) goja.Value {
	in, n := e.in, e.node
	vm := in.vm

	switch key {
	case "getContext":
		return func(call goja.FunctionCall) goja.Value {
			if n.Data != "canvas" || call.Argument(0).String() != "2d" {
				return goja.Null()
			}
			if e.ctx2d == nil {
				name, _ := in.dom.Attr(n, "id")
				e.ctx2d = in.newContext2D(e.obj, name,
					func() int { return e.dimension("width") },
					func() int { return e.dimension("height") })
			}
			return e.ctx2d
		}
	case "getAttribute":
		return func(call goja.FunctionCall) goja.Value {
			if v, ok := in.dom.Attr(n, call.Argument(0).String()); ok {
				return vm.ToValue(v)
			}
			return goja.Null()
		}
	case "setAttribute":
		return func(call goja.FunctionCall) goja.Value {
			in.dom.SetAttr(n, call.Argument(0).String(), call.Argument(1).String())
			return goja.Undefined()
		}
	case "removeAttribute":
		return func(call goja.FunctionCall) goja.Value {
			in.dom.RemoveAttr(n, call.Argument(0).String())
			return goja.Undefined()
		}
	case "hasAttribute":
		return func(call goja.FunctionCall) goja.Value {
			_, ok := in.dom.Attr(n, call.Argument(0).String())
			return vm.ToValue(ok)
		}
	case "appendChild", "append":
		return func(call goja.FunctionCall) goja.Value {
			for _, a := range call.Arguments {
				child := in.unwrap(a)
				if child == nil {
					if key == "append" && !goja.IsUndefined(a) {
						child = &html.Node{Type: html.TextNode, Data: a.String()}
					} else {
						panic(vm.NewTypeError("appendChild: argument is not a node"))
					}
				}
				in.dom.Append(n, child)
				in.adopted(child)
			}
			return call.Argument(0)
		}
	case "insertBefore":
		return func(call goja.FunctionCall) goja.Value {
			child := in.unwrap(call.Argument(0))
			if child == nil {
				panic(vm.NewTypeError("insertBefore: argument is not a node"))
			}
			in.dom.InsertBefore(n, child, in.unwrap(call.Argument(1)))
			in.adopted(child)
			return call.Argument(0)
		}
	case "removeChild":
		return func(call goja.FunctionCall) goja.Value {
			if child := in.unwrap(call.Argument(0)); child != nil && child.Parent == n {
				in.dom.Detach(child)
			}
			return call.Argument(0)
		}
	case "remove":
		return func(goja.FunctionCall) goja.Value {
			in.dom.Detach(n)
			return goja.Undefined()
		}
	case "querySelector":
		return func(call goja.FunctionCall) goja.Value {
			if found := in.dom.Query(n, call.Argument(0).String()); len(found) > 0 {
				return in.wrap(found[0])
			}
			return goja.Null()
		}
	case "querySelectorAll":
		return func(call goja.FunctionCall) goja.Value {
			return in.wrapAll(in.dom.Query(n, call.Argument(0).String()))
		}
	case "getElementsByTagName":
		return func(call goja.FunctionCall) goja.Value {
			return in.wrapAll(in.dom.Query(n, call.Argument(0).String()))
		}
	case "getElementsByClassName":
		return func(call goja.FunctionCall) goja.Value {
			return in.wrapAll(in.dom.Query(n, "."+call.Argument(0).String()))
		}
	case "matches":
		return func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(in.dom.Matches(n, call.Argument(0).String()))
		}
	case "contains":
		return func(call goja.FunctionCall) goja.Value {
			other := in.unwrap(call.Argument(0))
			for p := other; p != nil; p = p.Parent {
				if p == n {
					return vm.ToValue(true)
				}
			}
			return vm.ToValue(false)
		}
	case "addEventListener":
		return func(call goja.FunctionCall) goja.Value {
			if fn, ok := goja.AssertFunction(call.Argument(1)); ok {
				in.addListener(n, call.Argument(0).String(), fn, call.Argument(1))
			}
			return goja.Undefined()
		}
	case "removeEventListener":
		return func(call goja.FunctionCall) goja.Value {
			in.removeListener(n, call.Argument(0).String(), call.Argument(1))
			return goja.Undefined()
		}
	case "dispatchEvent":
		return func(call goja.FunctionCall) goja.Value {
			typ := call.Argument(0).ToObject(vm).Get("type").String()
			if err := in.dispatch(n, typ, e.obj); err != nil {
				panic(err)
			}
			return vm.ToValue(true)
		}
	case "click":
		return func(goja.FunctionCall) goja.Value {
			if err := in.dispatch(n, "click", e.obj); err != nil {
				panic(err)
			}
			if err := e.callHandler("onclick"); err != nil {
				panic(err)
			}
			return goja.Undefined()
		}
	case "focus", "blur", "scrollIntoView":
		return func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	case "getBoundingClientRect":
		return func(goja.FunctionCall) goja.Value {
			w, h := e.dimension("width"), e.dimension("height")
			r := vm.NewObject()
			for k, v := range map[string]int{
				"x": 0, "y": 0, "left": 0, "top": 0,
				"width": w, "height": h, "right": w, "bottom": h,
			} {
				_ = r.Set(k, v)
			}
			return r
		}
	case "toString":
		return func(goja.FunctionCall) goja.Value {
			tag := n.Data
			if tag != "" {
				tag = strings.ToUpper(tag[:1]) + tag[1:]
			}
			return vm.ToValue("[object HTML" + tag + "Element]")
		}
	}
	return nil
}

// adopted runs script elements once they are attached to the document.
func (in *Instance) adopted(n *html.Node) {
	if n.Type != html.ElementNode || n.Data != "script" {
		return
	}
	if src, ok := in.dom.Attr(n, "src"); ok && src != "" {
		in.mu.Lock()
		in.appendConsoleLocked("warn", "external script blocked: "+src)
		in.mu.Unlock()
		return
	}
	in.injectScript(in.dom.Text(n))
}
