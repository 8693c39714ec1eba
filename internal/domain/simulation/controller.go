package simulation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/simlab/backend/internal/domain/generation"
	"github.com/GriffinCanCode/simlab/backend/internal/domain/quota"
	"github.com/GriffinCanCode/simlab/backend/internal/domain/session"
	"github.com/GriffinCanCode/simlab/backend/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/simlab/backend/internal/sandbox"
	"github.com/GriffinCanCode/simlab/backend/internal/shared/types"
	"github.com/GriffinCanCode/simlab/backend/internal/shared/utils"
	"go.uber.org/zap"
)

// ErrNoIdentity is returned by quota accessors without a signed-in user.
var ErrNoIdentity = errors.New("no signed-in identity")

// requestSeq issues request ids for every controller in the process.
var requestSeq atomic.Uint64

func nextRequestID() uint64 { return requestSeq.Add(1) }

// Guard gates privileged calls on a live session.
type Guard interface {
	CurrentIdentity() (types.Identity, bool)
	WithValidSession(ctx context.Context, op func(ctx context.Context, sess session.Session) error) error
}

// Ledger tracks per-identity usage.
type Ledger interface {
	Limit() int64
	Usage(ctx context.Context, identity types.Identity) (quota.Record, error)
	Remaining(ctx context.Context, identity types.Identity) int64
	TryReserve(ctx context.Context, identity types.Identity) bool
	Commit(ctx context.Context, identity types.Identity, requestID uint64, units int64) error
}

// Generator calls the generation service.
type Generator interface {
	Generate(ctx context.Context, req generation.Request, sess session.Session) generation.Outcome
}

// Renderer mounts artifacts.
type Renderer interface {
	Render(ctx context.Context, art types.Artifact) error
	Unmount()
	Close() error
}

// Navigator receives the re-authentication signal.
type Navigator interface {
	Reauthenticate(reason string)
}

// Recorder observes runs.
type Recorder interface {
	RecordRun(outcome string, duration time.Duration)
	IncStaleDrops()
}

// Options configures a Controller.
type Options struct {
	Navigator Navigator
	Recorder  Recorder
	Tracer    *tracing.Tracer
	Logger    *zap.Logger
}

// Controller runs the request cycle for one workspace: gate on the session,
// check quota, generate, commit usage and mount the newest artifact.
type Controller struct {
	guard    Guard
	ledger   Ledger
	gen      Generator
	renderer Renderer
	nav      Navigator
	rec      Recorder
	tracer   *tracing.Tracer
	log      *zap.Logger

	// mountMu orders every transition; the freshness check and render run
	// under it together.
	mountMu sync.Mutex

	mu      sync.Mutex
	state   State
	latest  uint64
	prior   *types.Artifact
	subject types.Subject
	closed  bool
	subs    map[int]func(State)
	nextSub int
}

// NewController wires a controller.
func NewController(guard Guard, ledger Ledger, gen Generator, renderer Renderer, opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		guard:    guard,
		ledger:   ledger,
		gen:      gen,
		renderer: renderer,
		nav:      opts.Navigator,
		rec:      opts.Recorder,
		tracer:   opts.Tracer,
		log:      log.With(zap.String("component", "simulation")),
		state:    State{Phase: PhaseIdle, UpdatedAt: time.Now()},
		subs:     make(map[int]func(State)),
	}
}

// Run generates and mounts a simulation for prompt.
func (c *Controller) Run(ctx context.Context, prompt string, subject types.Subject) State {
	return c.run(ctx, prompt, subject, nil)
}

// RunFollowUp refines the last rendered simulation. It is billed as its own
// request.
func (c *Controller) RunFollowUp(ctx context.Context, prompt string) State {
	c.mu.Lock()
	prior, subject := c.prior, c.subject
	c.mu.Unlock()

	if prior == nil {
		return c.reject(outcomeRejected, State{Phase: PhaseError, Prompt: prompt, FollowUp: true, Message: msgNoPrior})
	}
	return c.run(ctx, prompt, subject, prior)
}

func (c *Controller) run(ctx context.Context, prompt string, subject types.Subject, prior *types.Artifact) State {
	start := time.Now()
	prompt = strings.TrimSpace(prompt)
	base := State{Prompt: prompt, Subject: subject, FollowUp: prior != nil}

	if c.isClosed() {
		return State{Phase: PhaseError, Message: msgClosed}
	}

	if err := utils.ValidatePrompt(prompt); err != nil {
		base.Phase, base.Message = PhaseError, "Invalid prompt: "+err.Error()
		return c.reject(outcomeRejected, base)
	}
	if !subject.Valid() {
		base.Phase, base.Message = PhaseError, fmt.Sprintf("Unsupported subject %q", subject)
		return c.reject(outcomeRejected, base)
	}

	identity, ok := c.guard.CurrentIdentity()
	if !ok {
		c.reauthenticate("no active session")
		base.Phase, base.Message, base.Reauthenticate = PhaseError, msgSignIn, true
		return c.reject(outcomeReauth, base)
	}

	if !c.ledger.TryReserve(ctx, identity) {
		base.Phase, base.Message = PhaseError, c.exhaustedMessage(ctx, identity)
		return c.reject(outcomeRejected, base)
	}

	requestID := nextRequestID()
	base.RequestID = requestID
	loading := base
	loading.Phase = PhaseLoading
	c.begin(requestID, loading)

	log := c.log.With(
		zap.Uint64("request_id", requestID),
		zap.String("identity", identity.String()),
		zap.String("subject", string(subject)))
	log.Info("simulation requested", zap.Bool("follow_up", prior != nil), zap.Int("prompt_chars", len(prompt)))

	span, ctx := c.tracer.Start(ctx, "simulation.run",
		zap.Uint64("request_id", requestID),
		zap.String("subject", string(subject)))

	var outcome generation.Outcome
	err := c.guard.WithValidSession(ctx, func(ctx context.Context, sess session.Session) error {
		outcome = c.gen.Generate(ctx, generation.Request{
			RequestID:     requestID,
			Prompt:        prompt,
			Subject:       subject,
			PriorArtifact: prior,
		}, sess)
		return nil
	})
	if err != nil {
		span.End(err)
		st := base
		st.Phase = PhaseError
		if errors.Is(err, session.ErrSessionInvalid) {
			log.Info("session invalid, requesting re-authentication")
			c.reauthenticate("session expired")
			st.Message, st.Reauthenticate = msgSessionExpiry, true
			return c.finish(requestID, start, outcomeReauth, st)
		}
		st.Message = err.Error()
		return c.finish(requestID, start, outcomeError, st)
	}

	// Usage is charged even when the client went away or the result is stale.
	commitCtx := context.WithoutCancel(ctx)
	units := unitsFor(prompt, outcome)
	if err := c.ledger.Commit(commitCtx, identity, requestID, units); err != nil {
		log.Warn("quota commit failed", zap.Int64("units", units), zap.Error(err))
	}

	st := base
	st.UnitsCharged = units
	st.RawResponse = outcome.RawBody()
	span.Annotate(zap.String("outcome", outcome.Kind()), zap.Int64("units", units))

	switch o := outcome.(type) {
	case *generation.ArtifactOutcome:
		span.End(nil)
		return c.mount(commitCtx, requestID, start, st, o.Artifact)
	case *generation.Clarification:
		span.End(nil)
		st.Phase, st.Suggestion = PhaseSuggestion, o.SuggestedPrompt
		return c.finish(requestID, start, outcomeSuggestion, st)
	case *generation.Failure:
		span.End(o)
		log.Info("generation failed", zap.String("reason", o.Reason.String()), zap.String("message", o.Message))
		st.Phase, st.Message, st.Reason = PhaseError, o.Message, o.Reason.String()
		return c.finish(requestID, start, outcomeError, st)
	default:
		span.End(nil)
		st.Phase, st.Message = PhaseError, "Unexpected generation outcome"
		return c.finish(requestID, start, outcomeError, st)
	}
}

// unitsFor prefers reported usage. Without it an artifact is estimated
// locally and anything else costs nothing.
func unitsFor(prompt string, o generation.Outcome) int64 {
	if u := o.Reported(); u.Reported {
		return u.Units
	}
	if a, ok := o.(*generation.ArtifactOutcome); ok {
		art := a.Artifact
		return quota.Estimate(prompt, art.Markup+art.Script+art.Explanation)
	}
	return 0
}

func (c *Controller) exhaustedMessage(ctx context.Context, identity types.Identity) string {
	rec, err := c.ledger.Usage(ctx, identity)
	if err != nil {
		return "Usage limit could not be verified. Please try again later."
	}
	return fmt.Sprintf("Usage limit reached (%d/%d units). No more simulations can be generated.",
		rec.UnitsConsumed, rec.Limit)
}

func (c *Controller) reauthenticate(reason string) {
	if c.nav != nil {
		c.nav.Reauthenticate(reason)
	}
}

// reject supersedes any in-flight request and lands in st without a network call.
func (c *Controller) reject(outcome string, st State) State {
	c.mountMu.Lock()
	defer c.mountMu.Unlock()
	if c.isClosed() {
		return State{Phase: PhaseError, Message: msgClosed}
	}

	c.mu.Lock()
	c.latest = nextRequestID()
	c.mu.Unlock()
	c.renderer.Unmount()

	if c.rec != nil {
		c.rec.RecordRun(outcome, 0)
	}
	return c.set(st)
}

// begin makes requestID the latest and enters Loading.
func (c *Controller) begin(requestID uint64, st State) {
	c.mountMu.Lock()
	defer c.mountMu.Unlock()

	c.mu.Lock()
	c.latest = requestID
	c.mu.Unlock()
	c.renderer.Unmount()
	c.set(st)
}

// finish applies st unless requestID was superseded.
func (c *Controller) finish(requestID uint64, start time.Time, outcome string, st State) State {
	c.mountMu.Lock()
	defer c.mountMu.Unlock()

	if !c.isLatest(requestID) {
		return c.dropStale(requestID, start)
	}
	if c.rec != nil {
		c.rec.RecordRun(outcome, time.Since(start))
	}
	return c.set(st)
}

// mount renders art if requestID is still the latest.
func (c *Controller) mount(ctx context.Context, requestID uint64, start time.Time, st State, art types.Artifact) State {
	c.mountMu.Lock()
	defer c.mountMu.Unlock()

	if !c.isLatest(requestID) {
		return c.dropStale(requestID, start)
	}

	if err := c.renderer.Render(ctx, art); err != nil {
		reason := err.Error()
		var rejected *sandbox.RuntimeError
		if errors.As(err, &rejected) {
			reason = rejected.Message
		}
		c.log.Warn("render failed", zap.Uint64("request_id", requestID), zap.Error(err))
		st.Phase, st.Message = PhaseError, "Simulation could not be displayed: "+reason
		if c.rec != nil {
			c.rec.RecordRun(outcomeError, time.Since(start))
		}
		return c.set(st)
	}

	c.mu.Lock()
	c.prior = &art
	c.subject = st.Subject
	c.mu.Unlock()

	st.Phase = PhaseReady
	st.Artifact = &art
	if c.rec != nil {
		c.rec.RecordRun(outcomeReady, time.Since(start))
	}
	c.log.Info("simulation ready",
		zap.Uint64("request_id", requestID),
		zap.Int64("units", st.UnitsCharged),
		zap.Duration("elapsed", time.Since(start)))
	return c.set(st)
}

func (c *Controller) dropStale(requestID uint64, start time.Time) State {
	c.log.Debug("dropping superseded result", zap.Uint64("request_id", requestID))
	if c.rec != nil {
		c.rec.IncStaleDrops()
		c.rec.RecordRun(outcomeStale, time.Since(start))
	}
	return c.State()
}

// set stores st and notifies subscribers. Caller holds mountMu.
func (c *Controller) set(st State) State {
	c.mu.Lock()
	st.Version = c.state.Version + 1
	st.UpdatedAt = time.Now()
	c.state = st
	subs := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
	return st
}

func (c *Controller) isLatest(requestID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.latest == requestID
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reset unmounts the simulation, returns to Idle and supersedes in-flight
// requests.
func (c *Controller) Reset() State {
	c.mountMu.Lock()
	defer c.mountMu.Unlock()
	if c.isClosed() {
		return c.State()
	}

	c.mu.Lock()
	c.latest = nextRequestID()
	c.prior = nil
	c.subject = ""
	c.mu.Unlock()

	c.renderer.Unmount()
	return c.set(State{Phase: PhaseIdle})
}

// Quota returns the signed-in identity's usage record.
func (c *Controller) Quota(ctx context.Context) (quota.Record, error) {
	identity, ok := c.guard.CurrentIdentity()
	if !ok {
		return quota.Record{Limit: c.ledger.Limit()}, ErrNoIdentity
	}
	return c.ledger.Usage(ctx, identity)
}

// RemainingQuota returns the units left for the signed-in identity, 0 when
// nobody is signed in.
func (c *Controller) RemainingQuota(ctx context.Context) int64 {
	identity, ok := c.guard.CurrentIdentity()
	if !ok {
		return 0
	}
	return c.ledger.Remaining(ctx, identity)
}

// Subscribe registers fn for state changes. Calls are serialized in
// transition order; fn must not call back into the controller.
func (c *Controller) Subscribe(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.nextSub
	c.nextSub++
	c.subs[key] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, key)
	}
}

// Close tears down the renderer and rejects further runs. In-flight
// requests still commit usage but never mount.
func (c *Controller) Close() error {
	c.mountMu.Lock()
	defer c.mountMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.latest = 0
	c.prior = nil
	c.subs = make(map[int]func(State))
	c.state = State{Phase: PhaseIdle, Version: c.state.Version + 1, UpdatedAt: time.Now()}
	c.mu.Unlock()

	return c.renderer.Close()
}
