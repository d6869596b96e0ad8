package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/becomeliminal/halcyon/core"
)

// MemoryTypeDualPerspective is the memory_type of a turn record: the user's
// query and the agent's reflection and response fused into one text.
const MemoryTypeDualPerspective = "dual_perspective"

// Payload limits.
const (
	MaxStatePairs      = 3
	MaxKeywords        = 10
	ResponsePreviewLen = 256
)

// Payload keys written by the EpisodicStore.
const (
	KeyTimestamp       = "timestamp"
	KeyMemoryType      = "memory_type"
	KeyManualWeight    = "manual_weight"
	KeyRehearsalCount  = "rehearsal_count"
	KeyQuery           = "query"
	KeyReflection      = "reflection"
	KeyResponsePreview = "response_preview"
	KeyTurnID          = "turn_id"
	KeySummary         = "summary"
)

// MemoryRecord is a committed long-term memory.
// It is immutable apart from ManualWeight (operator pin) and the display-only
// RehearsalCount.
type MemoryRecord struct {
	ID              string
	FusedText       string
	Query           string
	Reflection      string
	ResponsePreview string
	TurnID          string
	MemoryType      string
	Timestamp       time.Time
	ManualWeight    float64
	RehearsalCount  int
	State           core.State
	Keywords        []string
	Vectors         map[string][]float32
}

// FuseText builds the canonical text a record is addressed by.
func FuseText(query, reflection, response string) string {
	return fmt.Sprintf("USER QUERY:\n%s\n\nREFLECTION:\n%s\n\nFINAL RESPONSE:\n%s",
		strings.TrimSpace(query), strings.TrimSpace(reflection), strings.TrimSpace(response))
}

// ContentID returns the content-addressed id of a fused text.
func ContentID(fused string) string {
	sum := sha256.Sum256([]byte(fused))
	return hex.EncodeToString(sum[:])
}

// Payload serializes the record metadata into string key/values.
func (r *MemoryRecord) Payload() map[string]string {
	p := map[string]string{
		KeyTimestamp:       r.Timestamp.Format(time.RFC3339Nano),
		KeyMemoryType:      r.MemoryType,
		KeyManualWeight:    strconv.FormatFloat(r.ManualWeight, 'f', -1, 64),
		KeyRehearsalCount:  strconv.Itoa(r.RehearsalCount),
		KeyQuery:           r.Query,
		KeyReflection:      r.Reflection,
		KeyResponsePreview: r.ResponsePreview,
	}
	if r.TurnID != "" {
		p[KeyTurnID] = r.TurnID
		p[KeySummary] = "Fusion of query + reflection @ " + r.TurnID
	}

	for i, e := range r.State.Emotive(MaxStatePairs) {
		p[fmt.Sprintf("emo_%d_name", i+1)] = e.Name
		p[fmt.Sprintf("emo_%d_intensity", i+1)] = strconv.FormatFloat(e.Intensity, 'f', -1, 64)
	}
	for i, e := range r.State.Cognitive(MaxStatePairs) {
		p[fmt.Sprintf("cog_%d_name", i+1)] = e.Name
		p[fmt.Sprintf("cog_%d_intensity", i+1)] = strconv.FormatFloat(e.Intensity, 'f', -1, 64)
	}
	for i, kw := range r.Keywords {
		if i == MaxKeywords {
			break
		}
		p[fmt.Sprintf("keyword_%d", i+1)] = kw
	}
	return p
}

// recordFromHit rebuilds a MemoryRecord from a stored hit. Unparseable
// numeric fields fall back to their defaults.
func recordFromHit(h Hit) *MemoryRecord {
	p := h.Payload
	rec := &MemoryRecord{
		ID:              h.ID,
		FusedText:       h.Document,
		Query:           p[KeyQuery],
		Reflection:      p[KeyReflection],
		ResponsePreview: p[KeyResponsePreview],
		TurnID:          p[KeyTurnID],
		MemoryType:      p[KeyMemoryType],
		ManualWeight:    manualWeight(p),
		RehearsalCount:  rehearsalCount(p),
		Vectors:         h.Vectors,
	}
	rec.Timestamp, _ = time.Parse(time.RFC3339Nano, p[KeyTimestamp])

	for _, kind := range []struct{ prefix, typ string }{{"emo", core.StateEmotive}, {"cog", core.StateCognitive}} {
		for i := 1; i <= MaxStatePairs; i++ {
			name := p[fmt.Sprintf("%s_%d_name", kind.prefix, i)]
			if name == "" {
				break
			}
			intensity, _ := strconv.ParseFloat(p[fmt.Sprintf("%s_%d_intensity", kind.prefix, i)], 64)
			rec.State.Emotions = append(rec.State.Emotions, core.StateEntry{Name: name, Intensity: intensity, Type: kind.typ})
		}
	}
	for i := 1; i <= MaxKeywords; i++ {
		kw, ok := p[fmt.Sprintf("keyword_%d", i)]
		if !ok {
			break
		}
		rec.Keywords = append(rec.Keywords, kw)
	}
	return rec
}

func manualWeight(p map[string]string) float64 {
	w, err := strconv.ParseFloat(p[KeyManualWeight], 64)
	if err != nil || w <= 0 {
		return 1.0
	}
	return w
}

func rehearsalCount(p map[string]string) int {
	n, err := strconv.Atoi(p[KeyRehearsalCount])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
