package sandbox

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/GriffinCanCode/simlab/backend/internal/shared/types"
	"go.uber.org/zap"
)

// liveTotal counts live instances across every renderer in the process.
var liveTotal atomic.Int64

// Options configures a Renderer.
type Options struct {
	Logger   *zap.Logger
	Recorder Recorder
}

// Renderer owns at most one mounted instance and replaces it on every
// Render. It is safe for concurrent use.
type Renderer struct {
	cfg Config
	log *zap.Logger
	rec Recorder

	mu      sync.Mutex // serializes teardown and mount
	current *Instance
	closed  bool
	live    atomic.Int64
}

// NewRenderer creates a renderer.
func NewRenderer(cfg Config, opts Options) *Renderer {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Renderer{cfg: cfg.withDefaults(), log: log, rec: opts.Recorder}
}

// Render tears down whatever is mounted, then mounts art. An artifact
// rejected before execution (unparsable markup, no canvas, empty script)
// stays mounted as an error block and is reported as a *RuntimeError of
// KindStructure. Failures while the script runs are contained in the
// instance and show up only in Snapshot.
func (r *Renderer) Render(ctx context.Context, art types.Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	r.teardownLocked()

	in := newInstance(r.cfg, art, r.log.With(zap.String("component", "sandbox")))
	if r.rec != nil {
		in.onFailure = func(e *RuntimeError) { r.rec.RecordSandboxError(string(e.Kind)) }
	}
	r.current = in
	r.track(1)
	if r.rec != nil {
		r.rec.IncSandboxMounts()
	}

	if rerr := in.mount(); rerr != nil {
		return rerr
	}

	r.log.Debug("artifact mounted",
		zap.String("instance_id", in.id.String()),
		zap.Int("artifact_bytes", art.Size()))
	return nil
}

// Unmount tears down the mounted instance, if any.
func (r *Renderer) Unmount() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardownLocked()
}

func (r *Renderer) teardownLocked() {
	if r.current == nil {
		return
	}
	r.current.teardown()
	r.log.Debug("instance torn down", zap.String("instance_id", r.current.id.String()))
	r.current = nil
	r.track(-1)
}

func (r *Renderer) track(delta int64) {
	r.live.Add(delta)
	total := liveTotal.Add(delta)
	if r.rec != nil {
		r.rec.SetSandboxLive(int(total))
	}
}

func (r *Renderer) mounted() *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Settle blocks until the mounted instance has drained tasks queued so far.
func (r *Renderer) Settle(ctx context.Context) error {
	in := r.mounted()
	if in == nil {
		return nil
	}
	return in.settle(ctx)
}

// Snapshot returns the observable state of the mounted instance.
func (r *Renderer) Snapshot() Snapshot {
	in := r.mounted()
	if in == nil {
		return Snapshot{}
	}
	return in.snapshot()
}

// Document returns the isolated browser document for the mounted artifact.
func (r *Renderer) Document() (string, error) {
	in := r.mounted()
	if in == nil {
		return "", ErrNotMounted
	}
	return BuildDocument(in.artifact, in.markup)
}

// Dispatch forwards a host input event into the mounted instance.
func (r *Renderer) Dispatch(ctx context.Context, ev HostEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in := r.mounted()
	if in == nil {
		return ErrNotMounted
	}
	return in.hostEvent(ev)
}

// LiveInstances reports instances of this renderer still holding resources.
func (r *Renderer) LiveInstances() int {
	return int(r.live.Load())
}

// LiveTotal reports live instances across all renderers.
func LiveTotal() int {
	return int(liveTotal.Load())
}

// Close tears down the mounted instance and rejects further renders.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.teardownLocked()
	return nil
}
