package model

import (
	"encoding/json"
	"slices"

	"github.com/rotisserie/eris"
)

// QualityFlag tags an item with a record of degraded or inferred data.
type QualityFlag string

const (
	// FlagInsufficientFetch means the fetcher exhausted its attempts without
	// covering every required field.
	FlagInsufficientFetch QualityFlag = "insufficientFetch"
	// FlagEscalatedFetchUsed means the expensive fetch tier was used.
	FlagEscalatedFetchUsed QualityFlag = "escalatedFetchUsed"
	// FlagPermanentFetchFailure means a fetch tier reported a non-retryable error.
	FlagPermanentFetchFailure QualityFlag = "permanentFetchFailure"
	// FlagRetriesExhausted means a transient failure persisted past the retry budget.
	FlagRetriesExhausted QualityFlag = "retriesExhausted"
	// FlagWorkerFailed marks a placeholder recorded for a failed worker call.
	FlagWorkerFailed QualityFlag = "workerFailed"
	// FlagWorkerPanicked marks a placeholder recorded for a worker that panicked.
	FlagWorkerPanicked QualityFlag = "workerPanicked"
	// FlagDeduplicated marks an item that absorbed one or more duplicates.
	FlagDeduplicated QualityFlag = "deduplicated"
	// FlagInferred marks data that was inferred rather than observed.
	FlagInferred QualityFlag = "inferred"
)

var knownFlags = []QualityFlag{
	FlagInsufficientFetch,
	FlagEscalatedFetchUsed,
	FlagPermanentFetchFailure,
	FlagRetriesExhausted,
	FlagWorkerFailed,
	FlagWorkerPanicked,
	FlagDeduplicated,
	FlagInferred,
}

// AllQualityFlags returns every known flag in declaration order.
func AllQualityFlags() []QualityFlag {
	return slices.Clone(knownFlags)
}

// Valid reports whether f is a known flag.
func (f QualityFlag) Valid() bool {
	return slices.Contains(knownFlags, f)
}

// ParseQualityFlag converts a string to a QualityFlag, rejecting unknown tags.
func ParseQualityFlag(s string) (QualityFlag, error) {
	f := QualityFlag(s)
	if !f.Valid() {
		return "", eris.Errorf("model: unknown quality flag %q", s)
	}
	return f, nil
}

// FlagSet is an insertion-ordered set of quality flags. The zero value is
// an empty set ready to use.
type FlagSet struct {
	flags []QualityFlag
}

// NewFlagSet builds a set from flags, dropping duplicates.
func NewFlagSet(flags ...QualityFlag) FlagSet {
	var s FlagSet
	s.Add(flags...)
	return s
}

// Add inserts flags not already present, preserving first-seen order.
func (s *FlagSet) Add(flags ...QualityFlag) {
	for _, f := range flags {
		if !s.Has(f) {
			s.flags = append(s.flags, f)
		}
	}
}

// Has reports whether f is in the set.
func (s FlagSet) Has(f QualityFlag) bool {
	return slices.Contains(s.flags, f)
}

// Len returns the number of flags.
func (s FlagSet) Len() int {
	return len(s.flags)
}

// Slice returns a copy of the flags in insertion order.
func (s FlagSet) Slice() []QualityFlag {
	return slices.Clone(s.flags)
}

// Union returns a new set holding the flags of s followed by those of other.
func (s FlagSet) Union(other FlagSet) FlagSet {
	out := FlagSet{flags: slices.Clone(s.flags)}
	out.Add(other.flags...)
	return out
}

// MarshalJSON encodes the set as an ordered array; an empty set encodes as [].
func (s FlagSet) MarshalJSON() ([]byte, error) {
	if s.flags == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.flags)
}

// UnmarshalJSON decodes an array of flag strings. Unknown flags are an error.
func (s *FlagSet) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return eris.Wrap(err, "model: decode quality flags")
	}
	s.flags = nil
	for _, r := range raw {
		f, err := ParseQualityFlag(r)
		if err != nil {
			return err
		}
		s.Add(f)
	}
	return nil
}
