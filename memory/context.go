package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/becomeliminal/halcyon/core"
)

// Working context defaults.
const (
	DefaultWorkingLimit = 10
	DefaultAnchorLimit  = 7
	AnchorTextLen       = 400
	MaxLinkedTimestamps = 5
	SummaryResponseLen  = 160
)

// WorkingTurn is one completed turn held in the working buffer.
type WorkingTurn struct {
	TurnID     string
	Query      string
	Reflection string
	Response   string
	State      core.State
	Keywords   []string
	Timestamp  time.Time
}

// AnchorEntry is a compact narrative snapshot of a turn.
type AnchorEntry struct {
	Query            string    `json:"query"`
	Reflection       string    `json:"reflection"`
	Response         string    `json:"response"`
	LinkedTimestamps []string  `json:"linked_timestamps"`
	Timestamp        time.Time `json:"timestamp"`
}

// Injection is an operator-supplied memory merged into every recall until
// cleared. Text defaults to "query\nreflection" and Weight to LiveWeight.
type Injection struct {
	Query      string
	Reflection string
	Text       string
	Timestamp  string
	Weight     float64
}

// CandidateSource produces scored long-term candidates for a query.
// EpisodicStore implements it.
type CandidateSource interface {
	Candidates(ctx context.Context, query string, k int) ([]Entry, error)
}

// WorkingContext fuses the short-horizon buffers with long-term recall.
//
// A single mutex guards the working buffer, the anchor window, the recall
// cache and the injection queue. It is never held across a store call.
type WorkingContext struct {
	source       CandidateSource
	workingLimit int
	anchorLimit  int
	logger       *log.Logger
	now          func() time.Time

	mu          sync.Mutex
	working     []WorkingTurn
	anchors     []AnchorEntry
	recallCache []Entry
	injections  []Injection
}

// ContextOption configures a WorkingContext.
type ContextOption func(*WorkingContext)

// WithWorkingLimit bounds the working buffer. Default 10.
func WithWorkingLimit(n int) ContextOption {
	return func(c *WorkingContext) {
		if n > 0 {
			c.workingLimit = n
		}
	}
}

// WithAnchorLimit bounds the anchor window. Default 7.
func WithAnchorLimit(n int) ContextOption {
	return func(c *WorkingContext) {
		if n > 0 {
			c.anchorLimit = n
		}
	}
}

// WithContextLogger sets the logger.
func WithContextLogger(l *log.Logger) ContextOption {
	return func(c *WorkingContext) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithContextClock overrides time.Now.
func WithContextClock(now func() time.Time) ContextOption {
	return func(c *WorkingContext) {
		if now != nil {
			c.now = now
		}
	}
}

// NewWorkingContext creates a working context. source may be nil, in which
// case recall only sees the working buffer and injections.
func NewWorkingContext(source CandidateSource, opts ...ContextOption) *WorkingContext {
	c := &WorkingContext{
		source:       source,
		workingLimit: DefaultWorkingLimit,
		anchorLimit:  DefaultAnchorLimit,
		logger:       log.Default().WithPrefix("context"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddTurn pushes a turn onto the working buffer, evicting the oldest
// beyond the working limit.
func (c *WorkingContext) AddTurn(turn WorkingTurn) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = c.now()
	}

	c.mu.Lock()
	c.pushTurnLocked(turn)
	n := len(c.working)
	c.mu.Unlock()

	c.logger.Debug("turn added", "tracked", n)
}

// CommitTurn records a finished turn in one step under a single lock: the
// turn joins the working buffer, its anchor joins the narrative window and
// the recall cache is cleared. Readers never observe a partial update.
func (c *WorkingContext) CommitTurn(turn WorkingTurn, recalled []Entry) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = c.now()
	}
	entry := newAnchorEntry(turn, recalled)

	c.mu.Lock()
	c.pushTurnLocked(turn)
	c.pushAnchorLocked(entry)
	c.recallCache = nil
	tracked, anchors := len(c.working), len(c.anchors)
	c.mu.Unlock()

	c.logger.Debug("turn committed to context", "tracked", tracked, "anchors", anchors)
}

func (c *WorkingContext) pushTurnLocked(turn WorkingTurn) {
	c.working = append(c.working, turn)
	if over := len(c.working) - c.workingLimit; over > 0 {
		c.working = append([]WorkingTurn(nil), c.working[over:]...)
	}
}

func (c *WorkingContext) pushAnchorLocked(entry AnchorEntry) {
	c.anchors = append(c.anchors, entry)
	if over := len(c.anchors) - c.anchorLimit; over > 0 {
		c.anchors = append([]AnchorEntry(nil), c.anchors[over:]...)
	}
}

// Recent returns the last n turns, oldest first. n <= 0 returns all.
func (c *WorkingContext) Recent(n int) []WorkingTurn {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := 0
	if n > 0 && n < len(c.working) {
		start = len(c.working) - n
	}
	return append([]WorkingTurn(nil), c.working[start:]...)
}

// Focus returns the latest turn.
func (c *WorkingContext) Focus() (WorkingTurn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.working) == 0 {
		return WorkingTurn{}, false
	}
	return c.working[len(c.working)-1], true
}

// AnchorFrame renders the last n turns as a User/Halcyon transcript.
func (c *WorkingContext) AnchorFrame(n int) string {
	turns := c.Recent(n)
	parts := make([]string, 0, len(turns))
	for _, t := range turns {
		parts = append(parts, fmt.Sprintf("User: %s\nHalcyon: %s", t.Query, t.Response))
	}
	return strings.Join(parts, "\n\n")
}

// Recall fuses long-term candidates with the working buffer and the
// injection queue and returns the top k entries. A failing store degrades
// to working-buffer context only. The store-only subset is kept as the
// turn's recall cache until ClearRecallCache.
func (c *WorkingContext) Recall(ctx context.Context, query string, k int) []Entry {
	if k <= 0 {
		k = DefaultRecallK
	}

	var stored []Entry
	if c.source != nil {
		var err error
		stored, err = c.source.Candidates(ctx, query, k)
		if err != nil {
			c.logger.Warn("long-term recall failed, using working context only", "err", err)
			stored = nil
		}
	}

	c.mu.Lock()
	live := make([]Entry, 0, len(c.working))
	for _, t := range c.working {
		live = append(live, Entry{
			ID:        t.TurnID,
			Text:      fmt.Sprintf("[Recent] %s → %s", t.Query, t.Response),
			Weight:    LiveWeight,
			Decay:     1.0,
			Timestamp: t.Timestamp.Format(time.RFC3339Nano),
			Source:    SourceWorking,
		})
	}
	manual := make([]Entry, 0, len(c.injections))
	for _, inj := range c.injections {
		manual = append(manual, Entry{
			Text:      inj.Text,
			Weight:    inj.Weight,
			Decay:     1.0,
			Timestamp: inj.Timestamp,
			Source:    SourceManual,
		})
	}
	c.recallCache = append([]Entry(nil), stored...)
	c.mu.Unlock()

	merged := Merge(stored, live, manual, k)
	c.logger.Info("recall merged", "entries", len(merged), "store", len(stored), "live", len(live), "manual", len(manual))
	return merged
}

// RecallCache returns the store-only entries of the last recall.
func (c *WorkingContext) RecallCache() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.recallCache...)
}

// ClearRecallCache discards the ephemeral recall cache. Injections stay.
func (c *WorkingContext) ClearRecallCache() {
	c.mu.Lock()
	c.recallCache = nil
	c.mu.Unlock()
}

// UpdateAnchor appends a truncated narrative entry linking up to five
// timestamps of the recalled entries.
func (c *WorkingContext) UpdateAnchor(turn WorkingTurn, recalled []Entry) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = c.now()
	}
	entry := newAnchorEntry(turn, recalled)

	c.mu.Lock()
	c.pushAnchorLocked(entry)
	n := len(c.anchors)
	c.mu.Unlock()

	c.logger.Debug("anchor updated", "entries", n)
}

func newAnchorEntry(turn WorkingTurn, recalled []Entry) AnchorEntry {
	linked := make([]string, 0, MaxLinkedTimestamps)
	for _, e := range recalled {
		if len(linked) == MaxLinkedTimestamps {
			break
		}
		if e.Timestamp != "" {
			linked = append(linked, e.Timestamp)
		}
	}
	return AnchorEntry{
		Query:            truncate(turn.Query, AnchorTextLen),
		Reflection:       truncate(turn.Reflection, AnchorTextLen),
		Response:         truncate(turn.Response, AnchorTextLen),
		LinkedTimestamps: linked,
		Timestamp:        turn.Timestamp,
	}
}

// Anchors returns a copy of the anchor window, oldest first.
func (c *WorkingContext) Anchors() []AnchorEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]AnchorEntry(nil), c.anchors...)
}

// Summarize renders the anchor window as numbered "query → response" lines.
func (c *WorkingContext) Summarize() string {
	anchors := c.Anchors()
	if len(anchors) == 0 {
		return "(no narrative yet)"
	}
	lines := make([]string, 0, len(anchors))
	for i, a := range anchors {
		resp := truncate(strings.ReplaceAll(a.Response, "\n", " "), SummaryResponseLen)
		lines = append(lines, fmt.Sprintf("%d. %s → %s", i+1, a.Query, resp))
	}
	return strings.Join(lines, "\n")
}

// Inject appends operator memories to the injection queue.
func (c *WorkingContext) Inject(items ...Injection) {
	c.mu.Lock()
	for _, inj := range items {
		if inj.Text == "" {
			inj.Text = strings.TrimSpace(inj.Query + "\n" + inj.Reflection)
		}
		if inj.Weight <= 0 {
			inj.Weight = LiveWeight
		}
		c.injections = append(c.injections, inj)
	}
	n := len(c.injections)
	c.mu.Unlock()

	c.logger.Info("manual memories injected", "added", len(items), "total", n)
}

// Injections returns a copy of the injection queue.
func (c *WorkingContext) Injections() []Injection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Injection(nil), c.injections...)
}

// ClearInjections empties the injection queue and returns how many were dropped.
func (c *WorkingContext) ClearInjections() int {
	c.mu.Lock()
	n := len(c.injections)
	c.injections = nil
	c.mu.Unlock()
	return n
}

// LoadAnchors restores the anchor window, keeping the newest entries.
func (c *WorkingContext) LoadAnchors(ctx context.Context, store AnchorStore) error {
	entries, err := store.LoadAnchors(ctx)
	if err != nil {
		return fmt.Errorf("load anchors: %w", err)
	}

	c.mu.Lock()
	if over := len(entries) - c.anchorLimit; over > 0 {
		entries = entries[over:]
	}
	c.anchors = append([]AnchorEntry(nil), entries...)
	c.mu.Unlock()

	c.logger.Info("anchors loaded", "entries", len(entries))
	return nil
}

// SaveAnchors persists the anchor window.
func (c *WorkingContext) SaveAnchors(ctx context.Context, store AnchorStore) error {
	anchors := c.Anchors()
	if err := store.SaveAnchors(ctx, anchors); err != nil {
		return fmt.Errorf("save anchors: %w", err)
	}
	c.logger.Info("anchors saved", "entries", len(anchors))
	return nil
}
