package generation

import (
	"github.com/GriffinCanCode/simlab/backend/internal/shared/types"
)

// Reason classifies a Failure.
type Reason int

const (
	// ReasonProtocol covers transport errors, non-2xx statuses, non-JSON bodies.
	ReasonProtocol Reason = iota + 1
	// ReasonUpstream is an error reported by the service itself.
	ReasonUpstream
	// ReasonMalformed is JSON that matches no known response shape.
	ReasonMalformed
)

func (r Reason) String() string {
	switch r {
	case ReasonProtocol:
		return "protocol_error"
	case ReasonUpstream:
		return "upstream_error"
	case ReasonMalformed:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// Usage is the consumption the service reported, if any.
type Usage struct {
	Units    int64 `json:"units"`
	Reported bool  `json:"reported"`
}

// Request is one generation call.
type Request struct {
	RequestID     uint64
	Prompt        string
	Subject       types.Subject
	PriorArtifact *types.Artifact
}

// Outcome is the sealed result of Generate: *ArtifactOutcome, *Clarification
// or *Failure.
type Outcome interface {
	Kind() string
	Reported() Usage
	RawBody() string
	outcome()
}

// ArtifactOutcome carries a renderable artifact.
type ArtifactOutcome struct {
	Artifact types.Artifact
	Usage    Usage
	Raw      string
}

// Clarification asks the caller to rephrase.
type Clarification struct {
	SuggestedPrompt string
	Usage           Usage
	Raw             string
}

// Failure is any unusable response.
type Failure struct {
	Reason  Reason
	Message string
	Usage   Usage
	Raw     string
}

func (*ArtifactOutcome) Kind() string { return "artifact" }
func (*Clarification) Kind() string   { return "clarification" }
func (*Failure) Kind() string         { return "failure" }

func (o *ArtifactOutcome) Reported() Usage { return o.Usage }
func (o *Clarification) Reported() Usage   { return o.Usage }
func (o *Failure) Reported() Usage         { return o.Usage }

func (o *ArtifactOutcome) RawBody() string { return o.Raw }
func (o *Clarification) RawBody() string   { return o.Raw }
func (o *Failure) RawBody() string         { return o.Raw }

func (*ArtifactOutcome) outcome() {}
func (*Clarification) outcome()   {}
func (*Failure) outcome()         {}

// Error lets a Failure travel as an error.
func (f *Failure) Error() string {
	return f.Reason.String() + ": " + f.Message
}
