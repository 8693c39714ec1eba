package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/simlab/backend/internal/shared/id"
	"github.com/GriffinCanCode/simlab/backend/internal/shared/types"
	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// Interrupt reasons passed to goja.
var (
	errBudget   = errors.New("execution budget exceeded")
	errTeardown = errors.New("instance torn down")
)

const minIntervalDelay = 4 * time.Millisecond

type job func() error

type timer struct {
	id       int64
	fn       goja.Callable
	args     []goja.Value
	delay    time.Duration
	interval bool
	t        *time.Timer
}

type frame struct {
	id int64
	fn goja.Callable
	t  *time.Timer
}

type listener struct {
	target interface{} // "window", "document" or *html.Node
	typ    string
	fn     goja.Callable
	value  goja.Value
}

type script struct {
	name string
	src  string
}

// Instance is one mounted artifact: a private goja runtime, the DOM it
// renders into, and every handle the artifact's code created.
//
// The runtime is only touched by the loop goroutine; other goroutines talk
// to it through post and vm.Interrupt.
type Instance struct {
	id       id.InstanceID
	cfg      Config
	artifact types.Artifact
	markup   string // sanitized
	log      *zap.Logger
	started  time.Time

	vm      *goja.Runtime
	dom     *DOM
	draws   *recorder
	elems   map[*html.Node]*element // loop only
	docObj  *goja.Object            // loop only

	qmu    sync.Mutex
	queue  []job
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	ready  chan struct{} // closed once the DOM is attached
	looped bool

	mu        sync.Mutex
	nextID    int64
	timers    map[int64]*timer
	frames    map[int64]*frame
	listeners []*listener
	scripts   []script
	console   []LogEntry
	err       *RuntimeError
	failed    bool
	closed    bool
	execSeq   uint64
	onFailure func(*RuntimeError)
}

func newInstance(cfg Config, art types.Artifact, log *zap.Logger) *Instance {
	return &Instance{
		id:       id.NewInstanceID(),
		cfg:      cfg,
		artifact: art,
		log:      log,
		started:  time.Now(),
		draws:    newRecorder(cfg.MaxDrawCalls),
		elems:    make(map[*html.Node]*element),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
		timers:   make(map[int64]*timer),
		frames:   make(map[int64]*frame),
	}
}

// ID returns the instance id.
func (in *Instance) ID() id.InstanceID { return in.id }

// mount builds the DOM, runs structural checks and schedules the script.
// Structural failures leave an error block, never start the loop and are
// returned.
func (in *Instance) mount() *RuntimeError {
	in.markup = Sanitize(in.artifact.Markup)

	dom, err := NewDOM(in.markup)
	if err != nil {
		dom, _ = NewDOM("")
		in.dom = dom
		return in.failStructure(fmt.Sprintf("Markup could not be parsed: %v", err))
	}
	in.dom = dom

	switch {
	case !dom.HasCanvas():
		return in.failStructure("No canvas element found in simulation markup")
	case strings.TrimSpace(in.artifact.Script) == "":
		return in.failStructure("Simulation script is empty")
	}

	in.vm = goja.New()
	in.vm.SetMaxCallStackSize(in.cfg.MaxCallStackSize)
	in.installGlobals()

	in.mu.Lock()
	in.scripts = append(in.scripts, script{name: "simulation.js", src: in.artifact.Script})
	in.mu.Unlock()

	in.post(func() error {
		<-in.ready
		if _, err := in.vm.RunScript("simulation.js", in.artifact.Script); err != nil {
			return err
		}
		in.mu.Lock()
		failed := in.failed
		in.mu.Unlock()
		if failed {
			return nil
		}
		_ = in.docObj.Set("readyState", "interactive")
		if err := in.dispatch("document", "DOMContentLoaded", nil); err != nil {
			return err
		}
		_ = in.docObj.Set("readyState", "complete")
		if err := in.dispatch("window", "load", nil); err != nil {
			return err
		}
		return in.callHandlerProp(in.vm.GlobalObject(), "onload", nil)
	})

	in.mu.Lock()
	in.looped = true
	in.mu.Unlock()
	go in.loop()
	close(in.ready)
	return nil
}

func (in *Instance) loop() {
	defer close(in.done)
	for {
		select {
		case <-in.stop:
			return
		case <-in.wake:
		}
		for {
			select {
			case <-in.stop:
				return
			default:
			}
			j := in.pop()
			if j == nil {
				break
			}
			in.exec(j)
		}
	}
}

func (in *Instance) post(j job) {
	in.qmu.Lock()
	in.queue = append(in.queue, j)
	in.qmu.Unlock()
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

func (in *Instance) pop() job {
	in.qmu.Lock()
	defer in.qmu.Unlock()
	if len(in.queue) == 0 {
		return nil
	}
	j := in.queue[0]
	in.queue[0] = nil
	in.queue = in.queue[1:]
	return j
}

// exec runs one task under the execution budget and contains any failure.
func (in *Instance) exec(j job) {
	in.mu.Lock()
	if in.failed || in.closed {
		in.mu.Unlock()
		return
	}
	in.execSeq++
	seq := in.execSeq
	in.mu.Unlock()

	watchdog := time.AfterFunc(in.cfg.ScriptBudget, func() {
		in.mu.Lock()
		defer in.mu.Unlock()
		if in.execSeq == seq {
			in.vm.Interrupt(errBudget)
		}
	})

	err := in.guard(j)

	watchdog.Stop()
	in.mu.Lock()
	in.execSeq++
	in.mu.Unlock()
	in.vm.ClearInterrupt()

	if err != nil {
		in.handleError(err)
	}
}

func (in *Instance) guard(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RuntimeError{Kind: KindPanic, Message: fmt.Sprint(r), At: time.Now()}
		}
	}()
	return j()
}

func (in *Instance) handleError(err error) {
	var rerr *RuntimeError
	var interrupted *goja.InterruptedError
	var exc *goja.Exception

	switch {
	case errors.As(err, &rerr):
	case errors.As(err, &interrupted):
		if v, ok := interrupted.Value().(error); ok && errors.Is(v, errTeardown) {
			return
		}
		rerr = &RuntimeError{
			Kind:    KindBudget,
			Message: fmt.Sprintf("Script exceeded execution budget of %s", in.cfg.ScriptBudget),
			At:      time.Now(),
		}
	case errors.As(err, &exc):
		rerr = &RuntimeError{Kind: KindScript, Message: exceptionMessage(exc), At: time.Now()}
	default:
		rerr = &RuntimeError{Kind: KindScript, Message: err.Error(), At: time.Now()}
	}

	in.fail(rerr, "Simulation Error")
}

func exceptionMessage(exc *goja.Exception) string {
	if v := exc.Value(); v != nil {
		if obj, ok := v.(*goja.Object); ok {
			if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
				name := obj.Get("name")
				if name != nil && !goja.IsUndefined(name) {
					return name.String() + ": " + msg.String()
				}
				return msg.String()
			}
		}
		return v.String()
	}
	return exc.Error()
}

func (in *Instance) failStructure(msg string) *RuntimeError {
	rerr := &RuntimeError{Kind: KindStructure, Message: msg, At: time.Now()}
	in.fail(rerr, "Simulation Error")
	return rerr
}

// fail records the first contained error, shows it in the container and
// cancels remaining timers and frames.
func (in *Instance) fail(rerr *RuntimeError, title string) {
	in.mu.Lock()
	if in.failed || in.closed {
		in.mu.Unlock()
		return
	}
	in.failed = true
	in.err = rerr
	in.cancelHandlesLocked()
	in.appendConsoleLocked("error", title+": "+rerr.Message)
	onFailure := in.onFailure
	in.mu.Unlock()

	if in.dom != nil {
		in.dom.ShowError(title, rerr.Message)
	}
	in.log.Info("sandbox instance failed",
		zap.String("instance_id", in.id.String()),
		zap.String("kind", string(rerr.Kind)),
		zap.String("message", rerr.Message))

	if onFailure != nil {
		onFailure(rerr)
	}
}

// cancelHandlesLocked stops every timer and frame. Caller holds mu.
func (in *Instance) cancelHandlesLocked() {
	for key, t := range in.timers {
		t.t.Stop()
		delete(in.timers, key)
	}
	for key, f := range in.frames {
		f.t.Stop()
		delete(in.frames, key)
	}
}

// teardown synchronously reclaims everything the instance holds. After it
// returns no code of this instance can run.
func (in *Instance) teardown() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.closed = true
	in.cancelHandlesLocked()
	in.listeners = nil
	in.scripts = nil
	looped := in.looped
	in.mu.Unlock()

	if in.vm != nil {
		in.vm.Interrupt(errTeardown)
	}
	close(in.stop)
	if looped {
		<-in.done
	}

	in.qmu.Lock()
	in.queue = nil
	in.qmu.Unlock()

	if in.dom != nil {
		in.dom.Clear()
	}
	in.elems = nil
}

// settle waits until every task queued before the call has run.
func (in *Instance) settle(ctx context.Context) error {
	in.mu.Lock()
	looped, closed := in.looped, in.closed
	in.mu.Unlock()
	if !looped || closed {
		return nil
	}

	reached := make(chan struct{})
	in.post(func() error {
		close(reached)
		return nil
	})

	// Jobs are skipped once failed, so the marker may never run.
	poll := time.NewTicker(in.cfg.FrameInterval)
	defer poll.Stop()
	for {
		select {
		case <-reached:
			return nil
		case <-in.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			in.mu.Lock()
			failed := in.failed
			in.mu.Unlock()
			if failed {
				return nil
			}
		}
	}
}

// live reports whether the instance still holds resources.
func (in *Instance) live() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return !in.closed
}

func (in *Instance) snapshot() Snapshot {
	in.mu.Lock()
	snap := Snapshot{
		InstanceID:    in.id.String(),
		Mounted:       !in.closed,
		Console:       append([]LogEntry(nil), in.console...),
		PendingTimers: len(in.timers),
		PendingFrames: len(in.frames),
		Listeners:     len(in.listeners),
		Scripts:       len(in.scripts),
		MountedAt:     in.started,
	}
	if in.err != nil {
		e := *in.err
		snap.Error = &e
	}
	in.mu.Unlock()

	snap.DrawCalls, snap.RecentDraws = in.draws.stats()
	if in.dom != nil {
		snap.HTML = in.dom.BodyHTML()
	}
	return snap
}

func (in *Instance) appendConsoleLocked(level, msg string) {
	if len(in.console) >= in.cfg.MaxConsoleEntries {
		copy(in.console, in.console[1:])
		in.console = in.console[:len(in.console)-1]
	}
	in.console = append(in.console, LogEntry{Level: level, Message: msg, Time: time.Now()})
}

func (in *Instance) addTimer(fn goja.Callable, delay time.Duration, interval bool, args []goja.Value) int64 {
	if delay < 0 {
		delay = 0
	}
	if interval && delay < minIntervalDelay {
		delay = minIntervalDelay
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed || in.failed {
		return 0
	}
	in.nextID++
	t := &timer{id: in.nextID, fn: fn, args: args, delay: delay, interval: interval}
	in.timers[t.id] = t
	in.armLocked(t)
	return t.id
}

func (in *Instance) armLocked(t *timer) {
	t.t = time.AfterFunc(t.delay, func() {
		in.post(func() error { return in.fireTimer(t.id) })
	})
}

func (in *Instance) fireTimer(handle int64) error {
	in.mu.Lock()
	t, ok := in.timers[handle]
	if ok && !t.interval {
		delete(in.timers, handle)
	}
	in.mu.Unlock()
	if !ok {
		return nil
	}

	_, err := t.fn(goja.Undefined(), t.args...)

	if t.interval {
		in.mu.Lock()
		if _, still := in.timers[handle]; still && !in.closed && !in.failed {
			in.armLocked(t)
		}
		in.mu.Unlock()
	}
	return err
}

func (in *Instance) clearTimer(handle int64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if t, ok := in.timers[handle]; ok {
		t.t.Stop()
		delete(in.timers, handle)
	}
}

func (in *Instance) addFrame(fn goja.Callable) int64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed || in.failed {
		return 0
	}
	in.nextID++
	f := &frame{id: in.nextID, fn: fn}
	in.frames[f.id] = f
	f.t = time.AfterFunc(in.cfg.FrameInterval, func() {
		in.post(func() error { return in.fireFrame(f.id) })
	})
	return f.id
}

func (in *Instance) fireFrame(handle int64) error {
	in.mu.Lock()
	f, ok := in.frames[handle]
	delete(in.frames, handle)
	in.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := f.fn(goja.Undefined(), in.vm.ToValue(in.now()))
	return err
}

func (in *Instance) cancelFrame(handle int64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if f, ok := in.frames[handle]; ok {
		f.t.Stop()
		delete(in.frames, handle)
	}
}

func (in *Instance) addListener(target interface{}, typ string, fn goja.Callable, value goja.Value) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	for _, l := range in.listeners {
		if l.target == target && l.typ == typ && l.value.StrictEquals(value) {
			return
		}
	}
	in.listeners = append(in.listeners, &listener{target: target, typ: typ, fn: fn, value: value})
}

func (in *Instance) removeListener(target interface{}, typ string, value goja.Value) {
	in.mu.Lock()
	defer in.mu.Unlock()
	kept := in.listeners[:0]
	for _, l := range in.listeners {
		if l.target == target && l.typ == typ && l.value.StrictEquals(value) {
			continue
		}
		kept = append(kept, l)
	}
	in.listeners = kept
}

// dispatch invokes listeners for target/typ in registration order.
func (in *Instance) dispatch(target interface{}, typ string, evTarget goja.Value) error {
	in.mu.Lock()
	var fns []goja.Callable
	for _, l := range in.listeners {
		if l.target == target && l.typ == typ {
			fns = append(fns, l.fn)
		}
	}
	in.mu.Unlock()

	if len(fns) == 0 {
		return nil
	}
	ev := in.newEvent(typ, evTarget)
	for _, fn := range fns {
		if _, err := fn(goja.Undefined(), ev); err != nil {
			return err
		}
	}
	return nil
}

func (in *Instance) newEvent(typ string, target goja.Value) *goja.Object {
	ev := in.vm.NewObject()
	_ = ev.Set("type", typ)
	if target == nil {
		target = goja.Null()
	}
	_ = ev.Set("target", target)
	_ = ev.Set("currentTarget", target)
	_ = ev.Set("timeStamp", in.now())
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	_ = ev.Set("preventDefault", noop)
	_ = ev.Set("stopPropagation", noop)
	return ev
}

// callHandlerProp invokes obj[name] if it is a function.
func (in *Instance) callHandlerProp(obj *goja.Object, name string, evTarget goja.Value) error {
	v := obj.Get(name)
	if v == nil {
		return nil
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil
	}
	_, err := fn(obj, in.newEvent(strings.TrimPrefix(name, "on"), evTarget))
	return err
}

// injectScript records and schedules a script element appended by the artifact.
func (in *Instance) injectScript(src string) {
	in.mu.Lock()
	if in.closed || in.failed {
		in.mu.Unlock()
		return
	}
	name := fmt.Sprintf("injected-%d.js", len(in.scripts))
	in.scripts = append(in.scripts, script{name: name, src: src})
	in.mu.Unlock()

	in.post(func() error {
		_, err := in.vm.RunScript(name, src)
		return err
	})
}

// hostEvent delivers an input event from the presentation layer.
func (in *Instance) hostEvent(ev HostEvent) error {
	in.mu.Lock()
	looped, closed, failed := in.looped, in.closed, in.failed
	in.mu.Unlock()
	if !looped || closed || failed {
		return ErrNotMounted
	}

	in.post(func() error {
		nodes := in.dom.Query(in.dom.Root(), ev.Selector)
		if len(nodes) == 0 {
			return nil
		}
		node := nodes[0]
		if ev.Value != "" {
			in.dom.SetAttr(node, "value", ev.Value)
		}
		el := in.element(node)
		if err := in.dispatch(node, ev.Type, el.obj); err != nil {
			return err
		}
		return el.callHandler("on" + ev.Type)
	})
	return nil
}

func (in *Instance) now() float64 {
	return float64(time.Since(in.started).Microseconds()) / 1000
}
