package simulation

import (
	"time"

	"github.com/GriffinCanCode/simlab/backend/internal/shared/types"
)

// Phase is the controller's externally visible state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseLoading    Phase = "loading"
	PhaseReady      Phase = "ready"
	PhaseSuggestion Phase = "suggestion"
	PhaseError      Phase = "error"
)

// State is a snapshot of the controller. Version increases with every
// transition so subscribers can discard out-of-order deliveries.
type State struct {
	Phase          Phase           `json:"phase"`
	RequestID      uint64          `json:"request_id,omitempty"`
	Subject        types.Subject   `json:"subject,omitempty"`
	Prompt         string          `json:"prompt,omitempty"`
	FollowUp       bool            `json:"follow_up,omitempty"`
	Artifact       *types.Artifact `json:"artifact,omitempty"`
	Suggestion     string          `json:"suggestion,omitempty"`
	Message        string          `json:"message,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Reauthenticate bool            `json:"reauthenticate,omitempty"`
	UnitsCharged   int64           `json:"units_charged"`
	RawResponse    string          `json:"raw_response,omitempty"`
	Version        uint64          `json:"version"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Run outcomes reported to the Recorder.
const (
	outcomeReady      = "ready"
	outcomeSuggestion = "suggestion"
	outcomeError      = "error"
	outcomeRejected   = "rejected"
	outcomeReauth     = "reauth"
	outcomeStale      = "stale"
)

// User-facing messages.
const (
	msgSignIn        = "Please sign in to run simulations"
	msgSessionExpiry = "Your session has expired. Please sign in again."
	msgClosed        = "Simulation workspace is closed"
	msgNoPrior       = "Run a simulation before asking a follow-up"
)
