// Package engine runs the per-turn pipeline REFLECT → RECALL → RESPOND → COMMIT.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/becomeliminal/halcyon/core"
	"github.com/becomeliminal/halcyon/llm"
	"github.com/becomeliminal/halcyon/memory"
)

// Defaults.
const (
	DefaultReflectTemperature = 0.6
	DefaultRespondTemperature = 0.7
	DefaultRecentTurns        = 7
)

// ErrReflectFailed aborts a turn whose REFLECT phase produced no usable
// state or reflection.
var ErrReflectFailed = errors.New("reflect phase failed")

// Committer writes a finished turn to long-term memory.
// memory.EpisodicStore implements it.
type Committer interface {
	Commit(ctx context.Context, in memory.CommitInput) (memory.CommitResult, error)
}

// Engine runs turns against a chat backend, a working context and a
// long-term store.
type Engine struct {
	chat         llm.ChatClient
	store        Committer
	wc           *memory.WorkingContext
	observers    []Observer
	logger       *log.Logger
	systemPrompt string
	reflectTemp  float64
	respondTemp  float64
	recallK      int
	recentTurns  int
	now          func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithObserver adds an observer notified after each completed turn.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRecallK sets how many entries RECALL returns. Default 25.
func WithRecallK(k int) Option {
	return func(e *Engine) {
		if k > 0 {
			e.recallK = k
		}
	}
}

// WithSystemPrompt replaces DefaultSystemPrompt.
func WithSystemPrompt(p string) Option {
	return func(e *Engine) {
		if p != "" {
			e.systemPrompt = p
		}
	}
}

// WithTemperatures sets the REFLECT and RESPOND sampling temperatures.
func WithTemperatures(reflect, respond float64) Option {
	return func(e *Engine) {
		e.reflectTemp = reflect
		e.respondTemp = respond
	}
}

// WithRecentTurns sets how many working turns frame the RESPOND prompt.
func WithRecentTurns(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.recentTurns = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an engine. store may be nil, in which case turns only update
// the working context.
func New(chat llm.ChatClient, store Committer, wc *memory.WorkingContext, opts ...Option) *Engine {
	e := &Engine{
		chat:         chat,
		store:        store,
		wc:           wc,
		logger:       log.Default().WithPrefix("engine"),
		systemPrompt: DefaultSystemPrompt,
		reflectTemp:  DefaultReflectTemperature,
		respondTemp:  DefaultRespondTemperature,
		recallK:      memory.DefaultRecallK,
		recentTurns:  DefaultRecentTurns,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Context returns the engine's working context.
func (e *Engine) Context() *memory.WorkingContext {
	return e.wc
}

// Input is one user turn.
type Input struct {
	// Query is the user's message.
	Query string

	// TurnID identifies the turn. Generated when empty.
	TurnID string
}

// Phase names a pipeline phase.
type Phase string

const (
	PhaseReflect Phase = "REFLECT"
	PhaseRecall  Phase = "RECALL"
	PhaseRespond Phase = "RESPOND"
	PhaseCommit  Phase = "COMMIT"
)

// OutputType indicates how a turn ended.
type OutputType int

const (
	// OutputComplete indicates the turn ran all four phases.
	OutputComplete OutputType = iota

	// OutputAborted indicates REFLECT failed; nothing was buffered or committed.
	OutputAborted

	// OutputError indicates RESPOND failed; nothing was buffered or committed.
	OutputError
)

func (t OutputType) String() string {
	switch t {
	case OutputComplete:
		return "complete"
	case OutputAborted:
		return "aborted"
	case OutputError:
		return "error"
	}
	return fmt.Sprintf("OutputType(%d)", int(t))
}

// Output is the result of a turn.
type Output struct {
	// Type indicates how the turn ended.
	Type OutputType

	// Phase is the last phase reached.
	Phase Phase

	TurnID string

	// Text is the response shown to the user.
	Text string

	// Reflection, State and Keywords are the final values, after any
	// refinement carried by the RESPOND reply.
	Reflection string
	State      core.State
	Keywords   []string

	// Question is the optional question the agent wants to ask back.
	Question *llm.Question

	// Recalled is the ranked context the response was generated with.
	Recalled []memory.Entry

	// MemoryID is the content-addressed id of the turn when a durable
	// commit was attempted. Committed is false for duplicates.
	MemoryID  string
	Committed bool

	// CommitErr is set when the durable commit failed. The turn still completes.
	CommitErr error

	// Error is set when Type is OutputAborted or OutputError.
	Error error
}

// Run executes one turn. Pipeline failures are reported through
// Output.Type; the error return is reserved for invalid input.
func (e *Engine) Run(ctx context.Context, input *Input) (*Output, error) {
	if input == nil {
		return nil, errors.New("engine: nil input")
	}

	turnID := input.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}
	query := strings.TrimSpace(input.Query)
	ts := e.now()
	logger := e.logger.With("turn", turnID)

	logger.Info("turn started", "query", query)

	// === PHASE 1: REFLECT ===
	reflected, err := e.reflect(ctx, query, turnID, ts)
	if err != nil {
		logger.Warn("reflection failed, halting turn", "err", err)
		return &Output{Type: OutputAborted, Phase: PhaseReflect, TurnID: turnID, Error: err}, nil
	}
	state := reflected.State
	reflection := reflected.Reflection
	keywords := reflected.Keywords

	// === PHASE 2: RECALL ===
	recalled := e.wc.Recall(ctx, query, e.recallK)

	// === PHASE 3: RESPOND ===
	frame := e.wc.AnchorFrame(e.recentTurns)
	raw, err := e.chat.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: e.systemPrompt},
		{Role: llm.RoleUser, Content: respondPrompt(query, frame, recalled, state, reflection)},
	}, e.respondTemp)
	if err != nil {
		// The recall cache is per-turn scratch; the buffers stay untouched.
		e.wc.ClearRecallCache()
		logger.Error("response failed", "err", err)
		return &Output{
			Type:       OutputError,
			Phase:      PhaseRespond,
			TurnID:     turnID,
			Reflection: reflection,
			State:      state,
			Keywords:   keywords,
			Recalled:   recalled,
			Error:      fmt.Errorf("respond: %w", err),
		}, nil
	}

	reply := llm.ParseReply(raw)
	text := reply.Response
	if text == "" {
		text = strings.TrimSpace(raw)
	}
	if reply.StateFound && !reply.StateFallback {
		state = reply.State
	}
	if reply.Reflection != "" {
		reflection = reply.Reflection
	}
	if len(reply.Keywords) > 0 {
		keywords = reply.Keywords
	}

	// === PHASE 4: COMMIT ===
	out := &Output{
		Type:       OutputComplete,
		Phase:      PhaseCommit,
		TurnID:     turnID,
		Text:       text,
		Reflection: reflection,
		State:      state,
		Keywords:   keywords,
		Question:   reply.Question,
		Recalled:   recalled,
	}

	turn := memory.WorkingTurn{
		TurnID:     turnID,
		Query:      query,
		Reflection: reflection,
		Response:   text,
		State:      state,
		Keywords:   keywords,
		Timestamp:  ts,
	}
	e.wc.CommitTurn(turn, recalled)

	switch {
	case !state.Structured():
		logger.Warn("no structured state, skipping long-term commit")
	case e.store == nil:
		logger.Debug("no long-term store configured")
	default:
		res, err := e.store.Commit(ctx, memory.CommitInput{
			Query:      query,
			Reflection: reflection,
			Response:   text,
			State:      state,
			Keywords:   keywords,
			TurnID:     turnID,
		})
		out.MemoryID = res.ID
		if err != nil {
			logger.Error("long-term commit failed", "err", err)
			out.CommitErr = err
		} else {
			out.Committed = res.Created
		}
	}

	e.notify(ctx, TurnEvent{
		TurnID:     turnID,
		Timestamp:  ts,
		Query:      query,
		Reflection: reflection,
		Response:   text,
		State:      state,
		Keywords:   keywords,
		Question:   reply.Question,
		Memories:   memoryRefs(recalled),
		MemoryID:   out.MemoryID,
		Committed:  out.Committed,
	})

	logger.Info("turn completed", "recalled", len(recalled), "committed", out.Committed)
	return out, nil
}

// reflect asks for the initial state and reflection. A backend error, a
// reply without a STATE section or an empty REFLECTION fails the phase.
// A malformed STATE body falls back to the default state.
func (e *Engine) reflect(ctx context.Context, query, turnID string, ts time.Time) (llm.Reply, error) {
	if query == "" {
		return llm.Reply{}, fmt.Errorf("%w: empty query", ErrReflectFailed)
	}

	raw, err := e.chat.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: e.systemPrompt},
		{Role: llm.RoleUser, Content: reflectPrompt(query, turnID, ts)},
	}, e.reflectTemp)
	if err != nil {
		return llm.Reply{}, fmt.Errorf("%w: %w", ErrReflectFailed, err)
	}

	reply := llm.ParseReply(raw)
	if !reply.StateFound {
		return llm.Reply{}, fmt.Errorf("%w: no STATE section", ErrReflectFailed)
	}
	if strings.TrimSpace(reply.Reflection) == "" {
		return llm.Reply{}, fmt.Errorf("%w: empty REFLECTION", ErrReflectFailed)
	}
	if reply.StateFallback {
		e.logger.Warn("malformed STATE, using default state", "turn", turnID)
	}
	return reply, nil
}
