package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/becomeliminal/halcyon/core"
	"github.com/becomeliminal/halcyon/llm"
	"github.com/becomeliminal/halcyon/memory"
)

// Observer is notified after every completed turn.
// Errors and panics are logged and never fail the turn.
type Observer interface {
	OnTurn(ctx context.Context, ev TurnEvent) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev TurnEvent) error

// OnTurn calls f.
func (f ObserverFunc) OnTurn(ctx context.Context, ev TurnEvent) error {
	return f(ctx, ev)
}

// TurnEvent is the observer view of a completed turn.
type TurnEvent struct {
	TurnID     string        `json:"turn_id"`
	Timestamp  time.Time     `json:"timestamp"`
	Query      string        `json:"query"`
	Reflection string        `json:"reflection"`
	Response   string        `json:"response"`
	State      core.State    `json:"state"`
	Keywords   []string      `json:"keywords"`
	Question   *llm.Question `json:"question,omitempty"`
	Memories   []MemoryRef   `json:"memories"`
	MemoryID   string        `json:"memory_id,omitempty"`
	Committed  bool          `json:"committed"`
}

// MemoryRef is a recalled entry as shown to observers.
type MemoryRef struct {
	ID        string  `json:"id,omitempty"`
	Text      string  `json:"text"`
	Weight    float64 `json:"weight"`
	Source    string  `json:"source"`
	Timestamp string  `json:"timestamp,omitempty"`
}

func memoryRefs(entries []memory.Entry) []MemoryRef {
	refs := make([]MemoryRef, 0, len(entries))
	for _, e := range entries {
		refs = append(refs, MemoryRef{
			ID:        e.ID,
			Text:      e.Text,
			Weight:    e.Weight,
			Source:    string(e.Source),
			Timestamp: e.Timestamp,
		})
	}
	return refs
}

// notify calls every observer in order.
func (e *Engine) notify(ctx context.Context, ev TurnEvent) {
	for i, obs := range e.observers {
		if err := safeNotify(ctx, obs, ev); err != nil {
			e.logger.Warn("observer failed", "observer", i, "turn", ev.TurnID, "err", err)
		}
	}
}

func safeNotify(ctx context.Context, obs Observer, ev TurnEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return obs.OnTurn(ctx, ev)
}
