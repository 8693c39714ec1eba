package types

import (
	"fmt"
	"strings"
)

// Identity is an opaque user id issued by the credential store
type Identity string

// String returns the raw identity value
func (i Identity) String() string { return string(i) }

// IsZero reports whether no identity is set
func (i Identity) IsZero() bool { return i == "" }

// Subject is the subject area a simulation is generated for
type Subject string

// Supported subjects
const (
	SubjectMathematics     Subject = "Mathematics"
	SubjectPhysics         Subject = "Physics"
	SubjectComputerScience Subject = "Computer Science"
)

// Subjects lists every supported subject in display order
func Subjects() []Subject {
	return []Subject{SubjectMathematics, SubjectPhysics, SubjectComputerScience}
}

// Valid reports whether s is one of the supported subjects
func (s Subject) Valid() bool {
	for _, known := range Subjects() {
		if s == known {
			return true
		}
	}
	return false
}

// ParseSubject resolves a subject name case-insensitively
func ParseSubject(name string) (Subject, error) {
	trimmed := strings.TrimSpace(name)
	for _, known := range Subjects() {
		if strings.EqualFold(trimmed, string(known)) {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown subject %q", name)
}

// Artifact is the generated bundle for one request. Treat as immutable.
type Artifact struct {
	Markup      string `json:"markup"`
	Script      string `json:"script"`
	Explanation string `json:"explanation,omitempty"`
}

// Size returns the generated text volume in bytes
func (a Artifact) Size() int {
	return len(a.Markup) + len(a.Script) + len(a.Explanation)
}
