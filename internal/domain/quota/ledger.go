package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/GriffinCanCode/simlab/backend/internal/shared/types"
	"go.uber.org/zap"
)

// DefaultLimit is the per-identity unit allowance.
const DefaultLimit int64 = 2000

// charsPerUnit is the local estimate ratio.
const charsPerUnit = 4

var (
	// ErrDuplicateCommit is returned when a request id was already committed.
	ErrDuplicateCommit = errors.New("request already committed")
	// ErrPersist wraps durable store failures. In-memory state is still updated.
	ErrPersist = errors.New("quota persist failed")
)

// Record is a snapshot of one identity's consumption.
type Record struct {
	Identity      types.Identity `json:"identity"`
	UnitsConsumed int64          `json:"units_consumed"`
	Limit         int64          `json:"limit"`
	Requests      int64          `json:"requests"`
	UpdatedAt     time.Time      `json:"updated_at,omitempty"`
}

// Remaining returns the units left, never negative.
func (r Record) Remaining() int64 {
	if r.UnitsConsumed >= r.Limit {
		return 0
	}
	return r.Limit - r.UnitsConsumed
}

// Exhausted reports whether no new request may start.
func (r Record) Exhausted() bool {
	return r.UnitsConsumed >= r.Limit
}

// Store persists consumption. Save must never lower a stored value.
type Store interface {
	Load(ctx context.Context, identity types.Identity) (consumed int64, found bool, err error)
	Save(ctx context.Context, identity types.Identity, consumed int64) error
}

// Recorder observes ledger activity.
type Recorder interface {
	AddQuotaUnits(units int64)
	IncQuotaRejections()
}

// Options configures a Ledger.
type Options struct {
	Limit    int64
	Store    Store
	Logger   *zap.Logger
	Recorder Recorder
}

type entry struct {
	loaded    bool  // persisted value merged in; until then consumed counts only local commits
	consumed  int64
	requests  int64
	updated   time.Time
	committed map[uint64]struct{}
}

// Ledger tracks per-identity consumption against a limit.
type Ledger struct {
	limit    int64
	store    Store
	log      *zap.Logger
	recorder Recorder

	mu      sync.Mutex
	entries map[types.Identity]*entry
}

// NewLedger creates a ledger. Without a Store, state lives only in memory.
func NewLedger(opts Options) *Ledger {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Ledger{
		limit:    opts.Limit,
		store:    opts.Store,
		log:      opts.Logger,
		recorder: opts.Recorder,
		entries:  make(map[types.Identity]*entry),
	}
}

// Limit returns the configured allowance.
func (l *Ledger) Limit() int64 {
	return l.limit
}

// Usage returns a snapshot for identity.
func (l *Ledger) Usage(ctx context.Context, identity types.Identity) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, err := l.load(ctx, identity)
	if err != nil {
		return Record{Identity: identity, Limit: l.limit}, err
	}
	return l.record(identity, e), nil
}

// Remaining returns the units left for identity. Store failures report 0.
func (l *Ledger) Remaining(ctx context.Context, identity types.Identity) int64 {
	rec, err := l.Usage(ctx, identity)
	if err != nil {
		l.log.Warn("quota load failed", zap.String("identity", identity.String()), zap.Error(err))
		return 0
	}
	return rec.Remaining()
}

// TryReserve reports whether a new request may start. It changes nothing and
// does not hold capacity; concurrent reservations may all succeed.
func (l *Ledger) TryReserve(ctx context.Context, identity types.Identity) bool {
	if l.Remaining(ctx, identity) > 0 {
		return true
	}
	if l.recorder != nil {
		l.recorder.IncQuotaRejections()
	}
	return false
}

// Commit adds units for requestID. Negative units count as zero. A request id
// commits at most once per identity.
func (l *Ledger) Commit(ctx context.Context, identity types.Identity, requestID uint64, units int64) error {
	if units < 0 {
		units = 0
	}

	l.mu.Lock()
	e, loadErr := l.load(ctx, identity)
	if loadErr != nil {
		// Commit regardless; the in-flight request already ran. The units are
		// held locally and merged once the store answers.
		l.log.Warn("quota load failed during commit", zap.String("identity", identity.String()), zap.Error(loadErr))
		e = l.entry(identity)
	}
	if _, dup := e.committed[requestID]; dup {
		l.mu.Unlock()
		return fmt.Errorf("%w: identity %s request %d", ErrDuplicateCommit, identity, requestID)
	}
	e.committed[requestID] = struct{}{}
	e.consumed = addUnits(e.consumed, units)
	e.requests++
	e.updated = time.Now()
	consumed := e.consumed
	l.mu.Unlock()

	if l.recorder != nil {
		l.recorder.AddQuotaUnits(units)
	}
	l.log.Debug("quota committed",
		zap.String("identity", identity.String()),
		zap.Uint64("request_id", requestID),
		zap.Int64("units", units),
		zap.Int64("consumed", consumed))

	if loadErr != nil {
		return fmt.Errorf("%w: %v", ErrPersist, loadErr)
	}
	if l.store != nil {
		if err := l.store.Save(ctx, identity, consumed); err != nil {
			return fmt.Errorf("%w: %v", ErrPersist, err)
		}
	}
	return nil
}

// Estimate approximates units locally as one unit per four characters of
// prompt and result combined, rounded up.
func Estimate(prompt, result string) int64 {
	chars := int64(utf8.RuneCountInString(prompt) + utf8.RuneCountInString(result))
	return (chars + charsPerUnit - 1) / charsPerUnit
}

// load returns the entry for identity, reading the store until a read
// succeeds. Units committed before that are added on top of the persisted
// value and written back. Caller holds mu.
func (l *Ledger) load(ctx context.Context, identity types.Identity) (*entry, error) {
	if e, ok := l.entries[identity]; ok && e.loaded {
		return e, nil
	}
	if l.store == nil {
		e := l.entry(identity)
		e.loaded = true
		return e, nil
	}

	persisted, _, err := l.store.Load(ctx, identity)
	if err != nil {
		return nil, err
	}
	e := l.entry(identity)
	e.loaded = true
	if e.consumed == 0 {
		e.consumed = persisted
		return e, nil
	}

	e.consumed = addUnits(persisted, e.consumed)
	if err := l.store.Save(ctx, identity, e.consumed); err != nil {
		// Held in memory; the next commit saves the total again.
		l.log.Warn("quota persist of earlier commits failed", zap.String("identity", identity.String()), zap.Error(err))
	}
	return e, nil
}

// addUnits adds without overflowing.
func addUnits(a, b int64) int64 {
	if b > math.MaxInt64-a {
		return math.MaxInt64
	}
	return a + b
}

// entry returns or creates the in-memory entry. Caller holds mu.
func (l *Ledger) entry(identity types.Identity) *entry {
	e, ok := l.entries[identity]
	if !ok {
		e = &entry{committed: make(map[uint64]struct{})}
		l.entries[identity] = e
	}
	return e
}

func (l *Ledger) record(identity types.Identity, e *entry) Record {
	return Record{
		Identity:      identity,
		UnitsConsumed: e.consumed,
		Limit:         l.limit,
		Requests:      e.requests,
		UpdatedAt:     e.updated,
	}
}
