package memory

import (
	"math"
	"sort"
	"strings"
	"time"
)

// Ranking constants.
const (
	DefaultRecallK   = 25
	LiveWeight       = 1.5
	DecayHorizonDays = 7.0
	DecayFloor       = 0.1
	RehearsalBoost   = 1.05
)

// Source identifies where a ranked entry came from.
type Source string

const (
	SourceEpisodic Source = "episodic"
	SourceWorking  Source = "working"
	SourceManual   Source = "manual"
)

// Candidate is a raw store hit for one vector space, before ranking.
type Candidate struct {
	Hit
	Space string
}

// Entry is a weighted text entry in a recall result.
type Entry struct {
	ID             string
	Text           string
	Weight         float64
	Distance       float64
	Decay          float64
	AgeDays        float64
	Timestamp      string
	Source         Source
	Space          string
	RehearsalCount int
}

// Decay is the linear 7-day recency fade, floored at 0.1.
func Decay(ageDays float64) float64 {
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Max(DecayFloor, 1-ageDays/DecayHorizonDays)
}

// Distance converts a cosine similarity into a distance clamped at zero.
func Distance(similarity float64) float64 {
	return math.Max(0, 1-similarity)
}

// Weight is manual * (1.5 - distance) * decay.
func Weight(manual, distance, decay float64) float64 {
	return manual * (1.5 - distance) * decay
}

// ScoreCandidate weights a store hit at time now. The returned decay carries
// the rehearsal boost and the rehearsal count is incremented; neither is
// written back to the store.
func ScoreCandidate(c Candidate, now time.Time) Entry {
	ts := c.Payload[KeyTimestamp]
	age := 0.0
	decay := 1.0
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		age = math.Max(0, now.Sub(t).Hours()/24)
		decay = Decay(age)
	}
	dist := Distance(c.Similarity)

	return Entry{
		ID:             c.ID,
		Text:           c.Document,
		Weight:         Weight(manualWeight(c.Payload), dist, decay),
		Distance:       dist,
		Decay:          math.Min(1.0, decay*RehearsalBoost),
		AgeDays:        age,
		Timestamp:      ts,
		Source:         SourceEpisodic,
		Space:          c.Space,
		RehearsalCount: rehearsalCount(c.Payload) + 1,
	}
}

// Dedupe merges entries with the same trimmed text, keeping the higher
// weight. First-seen order is preserved.
func Dedupe(entries []Entry) []Entry {
	index := make(map[string]int, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		key := strings.TrimSpace(e.Text)
		if i, ok := index[key]; ok {
			if e.Weight > out[i].Weight {
				out[i] = e
			}
			continue
		}
		index[key] = len(out)
		out = append(out, e)
	}
	return out
}

// Rank sorts entries by weight descending (stable) and truncates to k.
// k <= 0 means DefaultRecallK.
func Rank(entries []Entry, k int) []Entry {
	if k <= 0 {
		k = DefaultRecallK
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Weight > out[j].Weight
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// Merge pools store and live entries, dedupes them, appends the manual
// entries without deduplication and ranks the result.
func Merge(store, live, manual []Entry, k int) []Entry {
	pool := make([]Entry, 0, len(store)+len(live))
	pool = append(pool, live...)
	pool = append(pool, store...)
	pool = Dedupe(pool)
	pool = append(pool, manual...)
	return Rank(pool, k)
}
