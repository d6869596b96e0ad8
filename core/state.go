// Package core holds the value types shared by the backend adapters, the memory
// layers and the turn pipeline.
package core

import (
	"fmt"
	"strings"
)

// State entry types.
const (
	StateEmotive   = "emotive"
	StateCognitive = "cognitive"
)

// Intensity bounds accepted for a state entry.
const (
	MinIntensity = 0.1
	MaxIntensity = 1.0
)

// StateEntry is one named-intensity pair of an agent state.
type StateEntry struct {
	Name      string  `json:"name"`
	Intensity float64 `json:"intensity"`
	Type      string  `json:"type,omitempty"`
}

// State is the emotional/cognitive state produced by REFLECT and RESPOND.
type State struct {
	Emotions []StateEntry `json:"emotions"`
}

// DefaultState is the state used when a reply carries no parseable STATE.
// Its entry is untyped, so a fallback state is never Structured.
func DefaultState() State {
	return State{Emotions: []StateEntry{{Name: "Focus", Intensity: 0.6}}}
}

// IsEmpty reports whether the state has no entries at all.
func (s State) IsEmpty() bool {
	return len(s.Emotions) == 0
}

// Structured reports whether at least one entry is typed emotive or cognitive.
// Only structured states are committed to long-term memory.
func (s State) Structured() bool {
	for _, e := range s.Emotions {
		if e.Type == StateEmotive || e.Type == StateCognitive {
			return true
		}
	}
	return false
}

// Emotive returns up to limit emotive entries in order (limit <= 0 means all).
func (s State) Emotive(limit int) []StateEntry {
	return s.filter(StateEmotive, limit)
}

// Cognitive returns up to limit cognitive entries in order (limit <= 0 means all).
func (s State) Cognitive(limit int) []StateEntry {
	return s.filter(StateCognitive, limit)
}

func (s State) filter(kind string, limit int) []StateEntry {
	var out []StateEntry
	for _, e := range s.Emotions {
		if e.Type != kind {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// String renders the state as "Joy 0.70, Focus 0.60".
func (s State) String() string {
	if len(s.Emotions) == 0 {
		return "(none)"
	}
	parts := make([]string, 0, len(s.Emotions))
	for _, e := range s.Emotions {
		parts = append(parts, fmt.Sprintf("%s %.2f", e.Name, e.Intensity))
	}
	return strings.Join(parts, ", ")
}

// ClampIntensity bounds v into [MinIntensity, MaxIntensity].
func ClampIntensity(v float64) float64 {
	if v < MinIntensity {
		return MinIntensity
	}
	if v > MaxIntensity {
		return MaxIntensity
	}
	return v
}
