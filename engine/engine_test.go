package engine_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/halcyon/core"
	"github.com/becomeliminal/halcyon/engine"
	"github.com/becomeliminal/halcyon/llm"
	"github.com/becomeliminal/halcyon/memory"
	"github.com/becomeliminal/halcyon/memory/embedder/hash"
	"github.com/becomeliminal/halcyon/memory/store/chromem"
)

const joyReflect = `STATE:
{"emotions": [{"name": "Joy", "intensity": 0.7, "type": "emotive"}]}

REFLECTION:
feeling good

KEYWORDS:
joy, greeting`

// scriptedChat replays replies in order and records the prompts it saw.
type scriptedChat struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	prompts []string
}

func (s *scriptedChat) Chat(ctx context.Context, messages []llm.Message, temperature float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := len(s.prompts)
	s.prompts = append(s.prompts, messages[len(messages)-1].Content)
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i >= len(s.replies) {
		return "", errors.New("no scripted reply")
	}
	return s.replies[i], nil
}

func (s *scriptedChat) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

type harness struct {
	engine *engine.Engine
	store  *memory.EpisodicStore
	vs     *chromem.Store
	wc     *memory.WorkingContext
	chat   *scriptedChat
}

func quiet() *log.Logger {
	return log.New(io.Discard)
}

func newHarness(t *testing.T, chat *scriptedChat, opts ...engine.Option) *harness {
	t.Helper()

	vs, err := chromem.New(chromem.WithLogger(quiet()))
	require.NoError(t, err)

	store := memory.NewEpisodicStore(vs, hash.New(32),
		memory.WithCommitInterval(0),
		memory.WithStoreLogger(quiet()),
	)
	wc := memory.NewWorkingContext(store, memory.WithContextLogger(quiet()))

	base := []engine.Option{engine.WithLogger(quiet())}
	e := engine.New(chat, store, wc, append(base, opts...)...)
	return &harness{engine: e, store: store, vs: vs, wc: wc, chat: chat}
}

func TestRun_EndToEnd(t *testing.T) {
	ctx := context.Background()
	chat := &scriptedChat{replies: []string{joyReflect, "Hi there!"}}
	h := newHarness(t, chat)

	out, err := h.engine.Run(ctx, &engine.Input{Query: "hello"})
	require.NoError(t, err)

	require.Equal(t, engine.OutputComplete, out.Type, "error: %v", out.Error)
	assert.Equal(t, "Hi there!", out.Text)
	assert.Equal(t, "feeling good", out.Reflection)
	assert.Equal(t, []string{"joy", "greeting"}, out.Keywords)
	assert.True(t, out.Committed)
	assert.NoError(t, out.CommitErr)
	assert.NotEmpty(t, out.TurnID)

	// exactly one record with all three labelled sections
	assert.Equal(t, 1, h.vs.Count())
	rec, err := h.store.Get(ctx, out.MemoryID)
	require.NoError(t, err)
	assert.Contains(t, rec.FusedText, "USER QUERY:\nhello")
	assert.Contains(t, rec.FusedText, "REFLECTION:\nfeeling good")
	assert.Contains(t, rec.FusedText, "FINAL RESPONSE:\nHi there!")
	assert.Equal(t, "Joy", rec.State.Emotions[0].Name)

	assert.Len(t, h.wc.Recent(0), 1)
	assert.Empty(t, h.wc.RecallCache())
	assert.Len(t, h.wc.Anchors(), 1)
}

func TestRun_PromptsCarryContext(t *testing.T) {
	ctx := context.Background()
	chat := &scriptedChat{replies: []string{joyReflect, "Hi there!", joyReflect, "Again!"}}
	h := newHarness(t, chat)

	_, err := h.engine.Run(ctx, &engine.Input{Query: "hello", TurnID: "t1"})
	require.NoError(t, err)
	_, err = h.engine.Run(ctx, &engine.Input{Query: "hello again", TurnID: "t2"})
	require.NoError(t, err)

	require.Equal(t, 4, chat.calls())
	assert.Contains(t, chat.prompts[0], "Turn: t1")
	assert.Contains(t, chat.prompts[0], "User: hello")

	respond := chat.prompts[3]
	assert.Contains(t, respond, "User: hello\nHalcyon: Hi there!")
	assert.Contains(t, respond, "- [Recent] hello → Hi there!")
	assert.Contains(t, respond, `"name": "Joy"`)
	assert.Contains(t, respond, "User query: hello again")
}

func TestRun_AbortWhenReflectHasNoState(t *testing.T) {
	ctx := context.Background()
	chat := &scriptedChat{replies: []string{"I would rather not say."}}
	h := newHarness(t, chat)

	out, err := h.engine.Run(ctx, &engine.Input{Query: "hello"})
	require.NoError(t, err)

	assert.Equal(t, engine.OutputAborted, out.Type)
	assert.Equal(t, engine.PhaseReflect, out.Phase)
	assert.ErrorIs(t, out.Error, engine.ErrReflectFailed)
	assert.Equal(t, 1, chat.calls(), "RESPOND must not run")
	assert.Equal(t, 0, h.vs.Count())
	assert.Empty(t, h.wc.Recent(0))
	assert.Empty(t, h.wc.Anchors())
}

func TestRun_AbortWhenReflectionEmpty(t *testing.T) {
	chat := &scriptedChat{replies: []string{`STATE: {"emo_1_name": "Joy", "emo_1_intensity": 0.7}` + "\nREFLECTION:\n"}}
	h := newHarness(t, chat)

	out, err := h.engine.Run(context.Background(), &engine.Input{Query: "hello"})
	require.NoError(t, err)
	assert.Equal(t, engine.OutputAborted, out.Type)
	assert.Empty(t, h.wc.Recent(0))
}

func TestRun_AbortOnReflectBackendError(t *testing.T) {
	backendErr := &llm.StatusError{StatusCode: 503}
	chat := &scriptedChat{errs: []error{backendErr}}
	h := newHarness(t, chat)

	out, err := h.engine.Run(context.Background(), &engine.Input{Query: "hello"})
	require.NoError(t, err)

	assert.Equal(t, engine.OutputAborted, out.Type)
	assert.ErrorIs(t, out.Error, engine.ErrReflectFailed)

	var statusErr *llm.StatusError
	assert.ErrorAs(t, out.Error, &statusErr)
}

func TestRun_AbortOnEmptyQuery(t *testing.T) {
	chat := &scriptedChat{}
	h := newHarness(t, chat)

	out, err := h.engine.Run(context.Background(), &engine.Input{Query: "   "})
	require.NoError(t, err)
	assert.Equal(t, engine.OutputAborted, out.Type)
	assert.Equal(t, 0, chat.calls())
}

func TestRun_NilInput(t *testing.T) {
	h := newHarness(t, &scriptedChat{})
	_, err := h.engine.Run(context.Background(), nil)
	assert.Error(t, err)
}

func TestRun_RespondErrorLeavesBuffersUntouched(t *testing.T) {
	chat := &scriptedChat{
		replies: []string{joyReflect},
		errs:    []error{nil, errors.New("connection reset")},
	}
	h := newHarness(t, chat)

	out, err := h.engine.Run(context.Background(), &engine.Input{Query: "hello"})
	require.NoError(t, err)

	assert.Equal(t, engine.OutputError, out.Type)
	assert.Equal(t, engine.PhaseRespond, out.Phase)
	require.Error(t, out.Error)
	assert.Empty(t, out.Text)
	assert.Equal(t, 0, h.vs.Count())
	assert.Empty(t, h.wc.Recent(0))
	assert.Empty(t, h.wc.Anchors())
	assert.Empty(t, h.wc.RecallCache())
}

func TestRun_FallbackStateSkipsCommit(t *testing.T) {
	chat := &scriptedChat{replies: []string{
		"STATE: {emo_1_name: Joy\nREFLECTION: hard to say\nKEYWORDS: unsure",
		"RESPONSE: Hello.",
	}}
	h := newHarness(t, chat)

	out, err := h.engine.Run(context.Background(), &engine.Input{Query: "hello"})
	require.NoError(t, err)

	assert.Equal(t, engine.OutputComplete, out.Type)
	assert.Equal(t, core.DefaultState(), out.State)
	assert.False(t, out.Committed)
	assert.Empty(t, out.MemoryID)
	assert.Equal(t, 0, h.vs.Count())
	assert.Len(t, h.wc.Recent(0), 1, "buffers are still updated")
	assert.Len(t, h.wc.Anchors(), 1)
}

func TestRun_RefinedStateSupersedes(t *testing.T) {
	ctx := context.Background()
	chat := &scriptedChat{replies: []string{
		joyReflect,
		`STATE: {"emo_1_name": "Calm", "emo_1_intensity": 0.5, "cog_1_name": "Planning", "cog_1_intensity": 0.4}
REFLECTION: settling down
KEYWORDS: calm
RESPONSE: Let's plan.
QUESTIONS: {"question": "What is first?", "reason": "to start"}`,
	}}
	h := newHarness(t, chat)

	out, err := h.engine.Run(ctx, &engine.Input{Query: "help me plan"})
	require.NoError(t, err)

	assert.Equal(t, "Let's plan.", out.Text)
	assert.Equal(t, "settling down", out.Reflection)
	assert.Equal(t, []string{"calm"}, out.Keywords)
	require.NotNil(t, out.Question)
	assert.Equal(t, "What is first?", out.Question.Question)

	rec, err := h.store.Get(ctx, out.MemoryID)
	require.NoError(t, err)
	require.Len(t, rec.State.Emotions, 2)
	assert.Equal(t, "Calm", rec.State.Emotions[0].Name)
	assert.Equal(t, "Planning", rec.State.Emotions[1].Name)
	assert.Equal(t, []string{"calm"}, rec.Keywords)
}

func TestRun_RespondFallbackStateKeepsReflectState(t *testing.T) {
	chat := &scriptedChat{replies: []string{joyReflect, "STATE: {broken\nRESPONSE: ok"}}
	h := newHarness(t, chat)

	out, err := h.engine.Run(context.Background(), &engine.Input{Query: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "Joy", out.State.Emotions[0].Name)
	assert.True(t, out.Committed)
}

func TestRun_DuplicateTurnIsNotCommittedTwice(t *testing.T) {
	ctx := context.Background()
	chat := &scriptedChat{replies: []string{joyReflect, "Hi there!", joyReflect, "Hi there!"}}
	h := newHarness(t, chat)

	first, err := h.engine.Run(ctx, &engine.Input{Query: "hello"})
	require.NoError(t, err)
	second, err := h.engine.Run(ctx, &engine.Input{Query: "hello"})
	require.NoError(t, err)

	assert.True(t, first.Committed)
	assert.False(t, second.Committed)
	assert.Equal(t, first.MemoryID, second.MemoryID)
	assert.Equal(t, 1, h.vs.Count())
	assert.Len(t, h.wc.Recent(0), 2)
}

type failingCommitter struct{}

func (failingCommitter) Commit(ctx context.Context, in memory.CommitInput) (memory.CommitResult, error) {
	return memory.CommitResult{}, errors.New("disk full")
}

func TestRun_CommitErrorIsSurfaced(t *testing.T) {
	chat := &scriptedChat{replies: []string{joyReflect, "Hi there!"}}
	wc := memory.NewWorkingContext(nil, memory.WithContextLogger(quiet()))
	e := engine.New(chat, failingCommitter{}, wc, engine.WithLogger(quiet()))

	out, err := e.Run(context.Background(), &engine.Input{Query: "hello"})
	require.NoError(t, err)

	assert.Equal(t, engine.OutputComplete, out.Type)
	assert.EqualError(t, out.CommitErr, "disk full")
	assert.False(t, out.Committed)
	assert.Len(t, wc.Recent(0), 1)
}

func TestRun_ObserversNeverFailTheTurn(t *testing.T) {
	var got []engine.TurnEvent
	failing := engine.ObserverFunc(func(ctx context.Context, ev engine.TurnEvent) error {
		return errors.New("ui offline")
	})
	panicking := engine.ObserverFunc(func(ctx context.Context, ev engine.TurnEvent) error {
		panic("boom")
	})
	recording := engine.ObserverFunc(func(ctx context.Context, ev engine.TurnEvent) error {
		got = append(got, ev)
		return nil
	})

	chat := &scriptedChat{replies: []string{joyReflect, "Hi there!"}}
	h := newHarness(t, chat,
		engine.WithObserver(failing),
		engine.WithObserver(panicking),
		engine.WithObserver(recording),
	)

	out, err := h.engine.Run(context.Background(), &engine.Input{Query: "hello", TurnID: "t-obs"})
	require.NoError(t, err)
	assert.Equal(t, engine.OutputComplete, out.Type)

	require.Len(t, got, 1)
	ev := got[0]
	assert.Equal(t, "t-obs", ev.TurnID)
	assert.Equal(t, "hello", ev.Query)
	assert.Equal(t, "Hi there!", ev.Response)
	assert.Equal(t, out.MemoryID, ev.MemoryID)
	assert.True(t, ev.Committed)
}

func TestRun_ObserverNotCalledOnAbort(t *testing.T) {
	called := false
	chat := &scriptedChat{replies: []string{"nothing structured"}}
	h := newHarness(t, chat, engine.WithObserver(engine.ObserverFunc(func(ctx context.Context, ev engine.TurnEvent) error {
		called = true
		return nil
	})))

	_, err := h.engine.Run(context.Background(), &engine.Input{Query: "hello"})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestRun_UsesClockAndTemperatures(t *testing.T) {
	var temps []float64
	var mu sync.Mutex
	replies := []string{joyReflect, "Hi there!"}
	chat := llm.ChatFunc(func(ctx context.Context, messages []llm.Message, temperature float64) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		temps = append(temps, temperature)
		assert.Equal(t, llm.RoleSystem, messages[0].Role)
		assert.True(t, strings.HasPrefix(messages[0].Content, "custom"))
		return replies[len(temps)-1], nil
	})

	fixed := time.Date(2026, 7, 4, 18, 0, 0, 0, time.UTC)
	wc := memory.NewWorkingContext(nil, memory.WithContextLogger(quiet()))
	e := engine.New(chat, nil, wc,
		engine.WithLogger(quiet()),
		engine.WithClock(func() time.Time { return fixed }),
		engine.WithTemperatures(0.2, 0.9),
		engine.WithSystemPrompt("custom system"),
	)

	out, err := e.Run(context.Background(), &engine.Input{Query: "hello"})
	require.NoError(t, err)
	assert.Equal(t, engine.OutputComplete, out.Type)
	assert.Equal(t, []float64{0.2, 0.9}, temps)
	assert.True(t, fixed.Equal(wc.Recent(0)[0].Timestamp))
	assert.False(t, out.Committed)
}
