package memory_test

import (
	"context"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/halcyon/core"
	"github.com/becomeliminal/halcyon/memory"
	"github.com/becomeliminal/halcyon/memory/embedder/hash"
	"github.com/becomeliminal/halcyon/memory/store/chromem"
)

// countingEmbedder counts Embed calls on top of the hash embedder.
type countingEmbedder struct {
	*hash.Embedder
	calls int32
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.Embedder.Embed(ctx, text)
}

func (c *countingEmbedder) Calls() int {
	return int(atomic.LoadInt32(&c.calls))
}

var fixedNow = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts ...memory.StoreOption) (*memory.EpisodicStore, *chromem.Store, *countingEmbedder) {
	t.Helper()

	vs, err := chromem.New(chromem.WithLogger(log.New(io.Discard)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = vs.Close() })

	emb := &countingEmbedder{Embedder: hash.New(32)}
	base := []memory.StoreOption{
		memory.WithCommitInterval(0),
		memory.WithStoreLogger(log.New(io.Discard)),
		memory.WithStoreClock(func() time.Time { return fixedNow }),
	}
	return memory.NewEpisodicStore(vs, emb, append(base, opts...)...), vs, emb
}

func joyState() core.State {
	return core.State{Emotions: []core.StateEntry{
		{Name: "Joy", Intensity: 0.7, Type: core.StateEmotive},
		{Name: "Planning", Intensity: 0.4, Type: core.StateCognitive},
	}}
}

func TestCommit_Idempotent(t *testing.T) {
	ctx := context.Background()
	store, vs, emb := newTestStore(t)

	in := memory.CommitInput{Query: "hello", Reflection: "feeling good", Response: "Hi there!", State: joyState()}

	first, err := store.Commit(ctx, in)
	require.NoError(t, err)
	assert.True(t, first.Created)
	embedded := emb.Calls()

	second, err := store.Commit(ctx, in)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.ID, second.ID)

	assert.Equal(t, 1, vs.Count())
	assert.Equal(t, embedded, emb.Calls(), "duplicate commit must not embed")
}

func TestCommit_IDIsContentAddressed(t *testing.T) {
	store, _, _ := newTestStore(t)

	res, err := store.Commit(context.Background(), memory.CommitInput{
		Query: "  hello ", Reflection: "feeling good", Response: "Hi there!", State: joyState(),
	})
	require.NoError(t, err)

	fused := memory.FuseText("hello", "feeling good", "Hi there!")
	assert.Equal(t, memory.ContentID(fused), res.ID)
	assert.Len(t, res.ID, 64)
}

func TestCommit_Payload(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	keywords := strings.Split("a,b,c,d,e,f,g,h,i,j,k,l", ",")
	res, err := store.Commit(ctx, memory.CommitInput{
		Query:      "hello",
		Reflection: "feeling good",
		Response:   strings.Repeat("r", 300),
		State:      joyState(),
		Keywords:   keywords,
		TurnID:     "turn-1",
	})
	require.NoError(t, err)

	rec, err := store.Get(ctx, res.ID)
	require.NoError(t, err)

	assert.Contains(t, rec.FusedText, "USER QUERY:\nhello")
	assert.Contains(t, rec.FusedText, "REFLECTION:\nfeeling good")
	assert.Contains(t, rec.FusedText, "FINAL RESPONSE:\n")
	assert.Equal(t, 1.0, rec.ManualWeight)
	assert.Equal(t, 0, rec.RehearsalCount)
	assert.Equal(t, memory.MemoryTypeDualPerspective, rec.MemoryType)
	assert.Equal(t, "turn-1", rec.TurnID)
	assert.True(t, fixedNow.Equal(rec.Timestamp))
	assert.Len(t, rec.ResponsePreview, memory.ResponsePreviewLen)
	assert.Equal(t, keywords[:memory.MaxKeywords], rec.Keywords)
	assert.Equal(t, joyState(), rec.State)
}

func TestCommit_StatePairsCapped(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	var state core.State
	for _, name := range []string{"Joy", "Awe", "Calm", "Hope"} {
		state.Emotions = append(state.Emotions, core.StateEntry{Name: name, Intensity: 0.5, Type: core.StateEmotive})
	}
	res, err := store.Commit(ctx, memory.CommitInput{Query: "q", Reflection: "r", Response: "s", State: state})
	require.NoError(t, err)

	rec, err := store.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Len(t, rec.State.Emotions, memory.MaxStatePairs)
}

func TestAdjustWeight_Floor(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	res, err := store.Commit(ctx, memory.CommitInput{Query: "q", Reflection: "r", Response: "s", State: joyState()})
	require.NoError(t, err)

	require.NoError(t, store.AdjustWeight(ctx, res.ID, 0.3))
	rec, err := store.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rec.ManualWeight)

	require.NoError(t, store.AdjustWeight(ctx, res.ID, 2.5))
	rec, err = store.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 2.5, rec.ManualWeight)
	assert.Equal(t, "q", rec.Query, "pin must keep the rest of the payload")
}

func TestAdjustWeight_UnknownID(t *testing.T) {
	store, _, _ := newTestStore(t)

	err := store.AdjustWeight(context.Background(), "deadbeef", 2)
	assert.ErrorIs(t, err, memory.ErrNotFound)

	_, err = store.Get(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestCandidates_ExactMatch(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	res, err := store.Commit(ctx, memory.CommitInput{Query: "hello", Reflection: "feeling good", Response: "Hi there!", State: joyState()})
	require.NoError(t, err)
	_, err = store.Commit(ctx, memory.CommitInput{Query: "bye", Reflection: "sad", Response: "See you", State: joyState()})
	require.NoError(t, err)

	entries, err := store.Candidates(ctx, memory.FuseText("hello", "feeling good", "Hi there!"), 5)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	ranked := memory.Rank(entries, 5)
	assert.Equal(t, res.ID, ranked[0].ID)
	assert.InDelta(t, 1.5, ranked[0].Weight, 1e-3)
	assert.Equal(t, 1, ranked[0].RehearsalCount)

	rec, err := store.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.RehearsalCount, "rehearsal is display only")
}

func TestCandidates_EmptyStore(t *testing.T) {
	store, _, _ := newTestStore(t)

	entries, err := store.Candidates(context.Background(), "anything", 25)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDualVector_WritesBothSpaces(t *testing.T) {
	ctx := context.Background()
	store, vs, emb := newTestStore(t, memory.WithStrategy(memory.DualVector{}))

	res, err := store.Commit(ctx, memory.CommitInput{Query: "hello", Reflection: "feeling good", Response: "Hi there!", State: joyState()})
	require.NoError(t, err)
	assert.Equal(t, 2, emb.Calls())

	hits, err := vs.Retrieve(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Vectors, memory.SpaceContent)
	assert.Contains(t, hits[0].Vectors, memory.SpaceEmotional)

	// one hit per space, pooled into one entry
	entries, err := store.Candidates(ctx, memory.FuseText("hello", "feeling good", "Hi there!"), 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, memory.SpaceContent, entries[0].Space)

	// pinning keeps the emotional vector
	require.NoError(t, store.AdjustWeight(ctx, res.ID, 3))
	hits, err = vs.Retrieve(ctx, res.ID)
	require.NoError(t, err)
	assert.Contains(t, hits[0].Vectors, memory.SpaceEmotional)
}

func TestCommit_Cooldown(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t, memory.WithCommitInterval(50*time.Millisecond))

	start := time.Now()
	for _, q := range []string{"one", "two", "three"} {
		_, err := store.Commit(ctx, memory.CommitInput{Query: q, Reflection: "r", Response: "s", State: joyState()})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestCommit_CooldownRespectsContext(t *testing.T) {
	store, _, _ := newTestStore(t, memory.WithCommitInterval(time.Hour))

	_, err := store.Commit(context.Background(), memory.CommitInput{Query: "one", Reflection: "r", Response: "s", State: joyState()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = store.Commit(ctx, memory.CommitInput{Query: "two", Reflection: "r", Response: "s", State: joyState()})
	assert.Error(t, err)
}

func TestList_NewestFirst(t *testing.T) {
	ctx := context.Background()
	var tick int
	clock := func() time.Time {
		tick++
		return fixedNow.Add(time.Duration(tick) * time.Minute)
	}
	store, _, _ := newTestStore(t, memory.WithStoreClock(clock))

	for _, q := range []string{"first", "second", "third"} {
		_, err := store.Commit(ctx, memory.CommitInput{Query: q, Reflection: "r", Response: "s", State: joyState()})
		require.NoError(t, err)
	}

	all, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "third", all[0].Query)
	assert.Equal(t, "first", all[2].Query)
	assert.Equal(t, "Joy", all[0].State.Emotions[0].Name)

	two, err := store.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	assert.Equal(t, "second", two[1].Query)
}

func TestList_EmptyStore(t *testing.T) {
	store, _, _ := newTestStore(t)

	records, err := store.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}
