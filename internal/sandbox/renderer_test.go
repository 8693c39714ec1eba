package sandbox

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GriffinCanCode/simlab/backend/internal/shared/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const canvasMarkup = `<canvas id="c" width="200" height="100"></canvas>`

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r := NewRenderer(Config{ScriptBudget: 500 * time.Millisecond, FrameInterval: 5 * time.Millisecond}, Options{})
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func render(t *testing.T, r *Renderer, markup, script string) Snapshot {
	t.Helper()
	require.NoError(t, r.Render(context.Background(), types.Artifact{Markup: markup, Script: script}))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, r.Settle(ctx))
	return r.Snapshot()
}

func messages(snap Snapshot) []string {
	out := make([]string, 0, len(snap.Console))
	for _, e := range snap.Console {
		out = append(out, e.Message)
	}
	return out
}

func TestRenderDrawsToCanvas(t *testing.T) {
	r := newTestRenderer(t)
	snap := render(t, r, canvasMarkup, `
		const canvas = document.getElementById('c');
		const ctx = canvas.getContext('2d');
		ctx.fillStyle = 'red';
		ctx.fillRect(0, 0, 10, 10);
		ctx.beginPath();
		ctx.arc(50, 50, 5, 0, Math.PI * 2);
		ctx.fill();
		console.log('size', canvas.width, canvas.height);
	`)

	require.Nil(t, snap.Error)
	assert.True(t, snap.Mounted)
	assert.Equal(t, 4, snap.DrawCalls)
	require.NotEmpty(t, snap.RecentDraws)
	assert.Equal(t, "fillRect", snap.RecentDraws[0].Op)
	assert.Equal(t, "c", snap.RecentDraws[0].Canvas)
	assert.Contains(t, messages(snap), "size 200 100")
	assert.Contains(t, snap.HTML, "<canvas")
}

func TestRenderKeepsOneLiveInstance(t *testing.T) {
	r := newTestRenderer(t)

	var previous []*Instance
	for i := 0; i < 5; i++ {
		render(t, r, canvasMarkup, `setInterval(function () {}, 10); requestAnimationFrame(function () {});`)
		previous = append(previous, r.mounted())
	}

	assert.Equal(t, 1, r.LiveInstances())
	for _, in := range previous[:len(previous)-1] {
		assert.False(t, in.live())
		snap := in.snapshot()
		assert.Zero(t, snap.PendingTimers)
		assert.Zero(t, snap.PendingFrames)
		assert.Zero(t, snap.Listeners)
		assert.Zero(t, snap.Scripts)
		assert.Empty(t, snap.HTML)
	}
}

func TestScriptErrorIsContained(t *testing.T) {
	r := newTestRenderer(t)
	snap := render(t, r, canvasMarkup, `setInterval(function () {}, 10); throw new Error('boom');`)

	require.NotNil(t, snap.Error)
	assert.Equal(t, KindScript, snap.Error.Kind)
	assert.Contains(t, snap.Error.Message, "boom")
	assert.Contains(t, snap.HTML, `class="error"`)
	assert.Contains(t, snap.HTML, "Simulation Error")
	assert.NotContains(t, snap.HTML, "<canvas")
	assert.Zero(t, snap.PendingTimers)

	// The renderer keeps working.
	snap = render(t, r, canvasMarkup, `console.log('recovered')`)
	assert.Nil(t, snap.Error)
	assert.Contains(t, messages(snap), "recovered")
}

func TestStructuralFailures(t *testing.T) {
	tests := []struct {
		name    string
		markup  string
		script  string
		message string
	}{
		{"no canvas", `<div>plain</div>`, `console.log('ran')`, "No canvas element"},
		{"empty script", canvasMarkup, "   \n", "script is empty"},
		{"canvas only inside script", `<script>document.write('<canvas>')</script>`, `x()`, "No canvas element"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRenderer(t)
			err := r.Render(context.Background(), types.Artifact{Markup: tt.markup, Script: tt.script})
			var rerr *RuntimeError
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, KindStructure, rerr.Kind)
			assert.Contains(t, rerr.Message, tt.message)

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			require.NoError(t, r.Settle(ctx))
			snap := r.Snapshot()
			require.NotNil(t, snap.Error)
			assert.Equal(t, KindStructure, snap.Error.Kind)
			assert.Contains(t, snap.Error.Message, tt.message)
			assert.Contains(t, snap.HTML, `class="error"`)
			assert.NotContains(t, messages(snap), "ran")
			assert.Equal(t, 1, r.LiveInstances())
		})
	}
}

func TestExecutionBudget(t *testing.T) {
	r := NewRenderer(Config{ScriptBudget: 50 * time.Millisecond}, Options{})
	defer r.Close()

	snap := render(t, r, canvasMarkup, `while (true) {}`)

	require.NotNil(t, snap.Error)
	assert.Equal(t, KindBudget, snap.Error.Kind)
	assert.Contains(t, snap.HTML, "execution budget")
}

func TestTeardownInterruptsRunningScript(t *testing.T) {
	r := NewRenderer(Config{ScriptBudget: time.Minute}, Options{})
	defer r.Close()

	require.NoError(t, r.Render(context.Background(), types.Artifact{Markup: canvasMarkup, Script: `while (true) {}`}))
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		r.Unmount()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("teardown did not interrupt the script")
	}
	assert.Zero(t, r.LiveInstances())
}

func TestHostFacilitiesAbsent(t *testing.T) {
	r := newTestRenderer(t)
	snap := render(t, r, canvasMarkup, `
		console.log(typeof require, typeof process, typeof module, typeof exports, typeof fetch);
		console.log(window === globalThis, typeof window.document);
	`)

	require.Nil(t, snap.Error)
	assert.Equal(t, []string{
		"undefined undefined undefined undefined undefined",
		"true object",
	}, messages(snap))
}

func TestLifecycleEventOrder(t *testing.T) {
	r := newTestRenderer(t)
	snap := render(t, r, canvasMarkup, `
		document.addEventListener('DOMContentLoaded', function () { console.log('dcl', document.readyState); });
		window.addEventListener('load', function () { console.log('load', document.readyState); });
		window.onload = function () { console.log('onload'); };
		console.log('script', document.readyState);
	`)

	assert.Equal(t, []string{"script loading", "dcl interactive", "load complete", "onload"}, messages(snap))
}

func TestTimersAndFrames(t *testing.T) {
	r := newTestRenderer(t)
	render(t, r, canvasMarkup, `
		setTimeout(function (label) { console.log('timeout', label); }, 5, 'a');
		var cancelled = setTimeout(function () { console.log('cancelled'); }, 5);
		clearTimeout(cancelled);
		var ticks = 0;
		var iv = setInterval(function () { if (++ticks === 3) { clearInterval(iv); console.log('ticks', ticks); } }, 1);
		var frames = 0;
		requestAnimationFrame(function step(ts) {
			if (typeof ts !== 'number') throw new Error('missing timestamp');
			if (++frames < 3) { requestAnimationFrame(step); } else { console.log('frames', frames); }
		});
	`)

	assert.Eventually(t, func() bool {
		msgs := messages(r.Snapshot())
		return contains(msgs, "timeout a") && contains(msgs, "ticks 3") && contains(msgs, "frames 3")
	}, 2*time.Second, 10*time.Millisecond)

	snap := r.Snapshot()
	assert.Nil(t, snap.Error)
	assert.NotContains(t, messages(snap), "cancelled")
	assert.Zero(t, snap.PendingTimers)
	assert.Zero(t, snap.PendingFrames)
}

func TestMarkupIsSanitized(t *testing.T) {
	r := newTestRenderer(t)
	snap := render(t, r,
		canvasMarkup+`<script>alert(1)</script><button id="b" onclick="steal()">Go</button><a href="javascript:evil()">x</a>`,
		`document.body.innerHTML += '<img src="x" onerror="steal()"><p>added</p>';`)

	require.Nil(t, snap.Error)
	assert.NotContains(t, snap.HTML, "<script")
	assert.NotContains(t, snap.HTML, "onclick")
	assert.NotContains(t, snap.HTML, "onerror")
	assert.NotContains(t, snap.HTML, "javascript:")
	assert.Contains(t, snap.HTML, "<p>added</p>")
	assert.Contains(t, snap.HTML, `id="b"`)
}

func TestInjectedScriptsAreTracked(t *testing.T) {
	r := newTestRenderer(t)
	render(t, r, canvasMarkup, `
		var s = document.createElement('script');
		s.textContent = "console.log('injected')";
		document.body.appendChild(s);
		var ext = document.createElement('script');
		ext.setAttribute('src', 'https://example.com/x.js');
		document.body.appendChild(ext);
	`)

	assert.Eventually(t, func() bool {
		return contains(messages(r.Snapshot()), "injected")
	}, 2*time.Second, 10*time.Millisecond)

	snap := r.Snapshot()
	assert.Equal(t, 2, snap.Scripts)
	assert.Contains(t, messages(snap), "external script blocked: https://example.com/x.js")

	r.Unmount()
	assert.Equal(t, Snapshot{}, r.Snapshot())
}

func TestDispatchHostEvents(t *testing.T) {
	r := newTestRenderer(t)
	render(t, r, canvasMarkup+`<button id="b">Go</button><input id="speed" type="range" value="1">`, `
		document.getElementById('b').addEventListener('click', function (e) { console.log('clicked', e.target.id); });
		document.querySelector('#speed').oninput = function (e) { console.log('speed', e.target.value); };
	`)

	ctx := context.Background()
	require.NoError(t, r.Dispatch(ctx, HostEvent{Selector: "#b", Type: "click"}))
	require.NoError(t, r.Dispatch(ctx, HostEvent{Selector: "#speed", Type: "input", Value: "7"}))
	require.NoError(t, r.Dispatch(ctx, HostEvent{Selector: "#missing", Type: "click"}))
	require.NoError(t, r.Settle(ctx))

	assert.Equal(t, []string{"clicked b", "speed 7"}, messages(r.Snapshot()))
}

func TestDispatchWithoutInstance(t *testing.T) {
	r := newTestRenderer(t)
	assert.ErrorIs(t, r.Dispatch(context.Background(), HostEvent{Selector: "#b", Type: "click"}), ErrNotMounted)

	render(t, r, `<div></div>`, `x`)
	assert.ErrorIs(t, r.Dispatch(context.Background(), HostEvent{Selector: "div", Type: "click"}), ErrNotMounted)
}

func TestListenersRemovedByIdentity(t *testing.T) {
	r := newTestRenderer(t)
	snap := render(t, r, canvasMarkup, `
		function a() { console.log('a'); }
		function b() { console.log('b'); }
		window.addEventListener('resize', a);
		window.addEventListener('resize', a);
		window.addEventListener('resize', b);
		window.removeEventListener('resize', a);
	`)
	assert.Equal(t, 1, snap.Listeners)
}

func TestConsoleRingIsBounded(t *testing.T) {
	r := NewRenderer(Config{MaxConsoleEntries: 3}, Options{})
	defer r.Close()

	snap := render(t, r, canvasMarkup, `for (var i = 0; i < 10; i++) console.log(i); console.warn({n: 1});`)
	assert.Equal(t, []string{"8", "9", `{"n":1}`}, messages(snap))
	assert.Equal(t, "warn", snap.Console[2].Level)
}

func TestCloseRejectsRender(t *testing.T) {
	r := NewRenderer(DefaultConfig(), Options{})
	render(t, r, canvasMarkup, `setInterval(function () {}, 10)`)

	require.NoError(t, r.Close())
	assert.Zero(t, r.LiveInstances())
	assert.ErrorIs(t, r.Render(context.Background(), types.Artifact{Markup: canvasMarkup, Script: "x"}), ErrClosed)
	require.NoError(t, r.Close())
}

func TestRenderHonorsContext(t *testing.T) {
	r := newTestRenderer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Render(ctx, types.Artifact{Markup: canvasMarkup, Script: "x"}), context.Canceled)
	assert.Zero(t, r.LiveInstances())
}

type fakeRecorder struct {
	mu     sync.Mutex
	mounts int
	errors []string
	live   []int
}

func (f *fakeRecorder) IncSandboxMounts() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mounts++
}

func (f *fakeRecorder) RecordSandboxError(kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, kind)
}

func (f *fakeRecorder) SetSandboxLive(count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live = append(f.live, count)
}

func TestRecorderObservesMounts(t *testing.T) {
	rec := &fakeRecorder{}
	r := NewRenderer(DefaultConfig(), Options{Recorder: rec})
	defer r.Close()

	render(t, r, canvasMarkup, `throw new TypeError('bad')`)
	render(t, r, `<p>no canvas</p>`, `x`)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 2, rec.mounts)
	assert.Equal(t, []string{"script", "structure"}, rec.errors)
	assert.Len(t, rec.live, 3)
}

func TestDocument(t *testing.T) {
	r := newTestRenderer(t)
	_, err := r.Document()
	assert.ErrorIs(t, err, ErrNotMounted)

	render(t, r, canvasMarkup+`<img src="x" onerror="steal()">`, `var s = "</script><script>steal()</script>"; draw();`)

	doc, err := r.Document()
	require.NoError(t, err)
	assert.Contains(t, doc, canvasMarkup)
	assert.NotContains(t, doc, "onerror=")
	assert.Contains(t, doc, `<\/script><script>steal()<\/script>`)
	assert.Contains(t, doc, "window.onerror")
	assert.Contains(t, doc, "DOMContentLoaded")
	assert.Equal(t, 1, strings.Count(doc, "</script>"))
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
