package sandbox

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned by a renderer after Close.
	ErrClosed = errors.New("sandbox renderer closed")
	// ErrNotMounted is returned when an operation needs a mounted artifact.
	ErrNotMounted = errors.New("no artifact mounted")
)

// Config defines sandbox limits.
type Config struct {
	ScriptBudget      time.Duration // Max wall time of one loop task
	FrameInterval     time.Duration // requestAnimationFrame cadence
	MaxConsoleEntries int           // Console ring size
	MaxDrawCalls      int           // Recent draw calls kept per instance
	MaxCallStackSize  int           // goja call stack limit
	ViewportWidth     int
	ViewportHeight    int
}

// DefaultConfig returns production limits.
func DefaultConfig() Config {
	return Config{
		ScriptBudget:      2 * time.Second,
		FrameInterval:     16 * time.Millisecond,
		MaxConsoleEntries: 200,
		MaxDrawCalls:      256,
		MaxCallStackSize:  1024,
		ViewportWidth:     800,
		ViewportHeight:    600,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ScriptBudget <= 0 {
		c.ScriptBudget = d.ScriptBudget
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = d.FrameInterval
	}
	if c.MaxConsoleEntries <= 0 {
		c.MaxConsoleEntries = d.MaxConsoleEntries
	}
	if c.MaxDrawCalls <= 0 {
		c.MaxDrawCalls = d.MaxDrawCalls
	}
	if c.MaxCallStackSize <= 0 {
		c.MaxCallStackSize = d.MaxCallStackSize
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = d.ViewportWidth
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = d.ViewportHeight
	}
	return c
}

// ErrorKind classifies a contained failure.
type ErrorKind string

const (
	KindStructure ErrorKind = "structure" // artifact rejected before execution
	KindScript    ErrorKind = "script"    // uncaught exception
	KindBudget    ErrorKind = "budget"    // execution budget exceeded
	KindPanic     ErrorKind = "panic"     // host shim failure
)

// RuntimeError is a failure contained inside an instance.
type RuntimeError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

// LogEntry represents console output
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// DrawCall is one recorded canvas operation.
type DrawCall struct {
	Canvas string        `json:"canvas,omitempty"`
	Op     string        `json:"op"`
	Args   []interface{} `json:"args,omitempty"`
}

// Snapshot is the observable state of the mounted instance.
type Snapshot struct {
	InstanceID    string        `json:"instance_id,omitempty"`
	Mounted       bool          `json:"mounted"`
	HTML          string        `json:"html"`
	Console       []LogEntry    `json:"console"`
	DrawCalls     int           `json:"draw_calls"`
	RecentDraws   []DrawCall    `json:"recent_draws,omitempty"`
	PendingTimers int           `json:"pending_timers"`
	PendingFrames int           `json:"pending_frames"`
	Listeners     int           `json:"listeners"`
	Scripts       int           `json:"scripts"`
	Error         *RuntimeError `json:"error,omitempty"`
	MountedAt     time.Time     `json:"mounted_at,omitempty"`
}

// HostEvent is an input event forwarded from the presentation layer.
type HostEvent struct {
	Selector string `json:"selector"`
	Type     string `json:"type"`
	Value    string `json:"value,omitempty"`
}

// Recorder observes sandbox activity.
type Recorder interface {
	IncSandboxMounts()
	RecordSandboxError(kind string)
	SetSandboxLive(count int)
}
