package main

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/halcyon/config"
	"github.com/becomeliminal/halcyon/llm"
	"github.com/becomeliminal/halcyon/memory"
	"github.com/becomeliminal/halcyon/memory/embedder/hash"
)

const joyReflect = `STATE:
{"emotions": [{"name": "Joy", "intensity": 0.7, "type": "emotive"}]}

REFLECTION:
feeling good

KEYWORDS:
joy, greeting`

// alternatingChat answers REFLECT calls with joyReflect and RESPOND calls with reply.
func alternatingChat(reply string) llm.ChatFunc {
	var mu sync.Mutex
	n := 0
	return func(ctx context.Context, messages []llm.Message, temperature float64) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n%2 == 1 {
			return joyReflect, nil
		}
		return reply, nil
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = ""
	cfg.Store.CommitInterval = 0
	cfg.Context.AnchorPath = filepath.Join(t.TempDir(), "anchor.json")
	return cfg
}

func newTestRuntime(t *testing.T, cfg config.Config, chat llm.ChatClient) *runtime {
	t.Helper()
	rt, err := newRuntime(context.Background(), cfg, log.New(io.Discard), backends{chat: chat, embedder: hash.New(32)})
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt
}

func runRepl(t *testing.T, rt *runtime, input string) string {
	t.Helper()
	var out strings.Builder
	require.NoError(t, repl(context.Background(), rt, strings.NewReader(input), &out))
	return out.String()
}

func TestRepl_TurnAndCommands(t *testing.T) {
	rt := newTestRuntime(t, testConfig(t), alternatingChat("Hi there!"))

	out := runRepl(t, rt, strings.Join([]string{
		"hello",
		"/narrative",
		"/inject remember the lake",
		"/clear-injections",
		"/exit",
		"never reached",
	}, "\n")+"\n")

	assert.Contains(t, out, "halcyon> Hi there!")
	assert.Contains(t, out, "1. hello → Hi there!")
	assert.Contains(t, out, "injected (1 queued)")
	assert.Contains(t, out, "cleared 1 injected memories")
	assert.Contains(t, out, "goodbye.")

	assert.Equal(t, 1, rt.vectors.Count())
	assert.Len(t, rt.wc.Recent(0), 1)
	assert.Empty(t, rt.wc.Injections())
}

func TestRepl_EOFEndsSession(t *testing.T) {
	rt := newTestRuntime(t, testConfig(t), alternatingChat("ok"))

	out := runRepl(t, rt, "\n\n")
	assert.Contains(t, out, "halcyon is listening")
	assert.Equal(t, 0, rt.vectors.Count())
}

func TestRepl_ReflectFailureIsReported(t *testing.T) {
	chat := llm.ChatFunc(func(ctx context.Context, messages []llm.Message, temperature float64) (string, error) {
		return "", errors.New("backend down")
	})
	rt := newTestRuntime(t, testConfig(t), chat)

	out := runRepl(t, rt, "hello\n")
	assert.Contains(t, out, "could not reflect on that")
	assert.Equal(t, 0, rt.vectors.Count())
	assert.Empty(t, rt.wc.Recent(0))
}

func TestRepl_Pin(t *testing.T) {
	rt := newTestRuntime(t, testConfig(t), alternatingChat("Hi there!"))
	id := memory.ContentID(memory.FuseText("hello", "feeling good", "Hi there!"))

	out := runRepl(t, rt, strings.Join([]string{
		"hello",
		"/pin " + id + " 3",
		"/pin " + id,
		"/pin " + id + " heavy",
		"/pin deadbeef 2",
	}, "\n")+"\n")

	assert.Contains(t, out, "pinned "+id)
	assert.Contains(t, out, "usage: /pin <id> <weight>")
	assert.Contains(t, out, `invalid weight "heavy"`)
	assert.Contains(t, out, "pin failed")

	rec, err := rt.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3.0, rec.ManualWeight)
}

func TestRepl_UnknownCommand(t *testing.T) {
	rt := newTestRuntime(t, testConfig(t), alternatingChat("ok"))

	out := runRepl(t, rt, "/dance\n")
	assert.Contains(t, out, "unknown command /dance")
	assert.Contains(t, out, "/clear-injections")
}

func TestRuntime_AnchorsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	first := newTestRuntime(t, cfg, alternatingChat("Hi there!"))
	runRepl(t, first, "hello\n")
	require.NoError(t, first.saveAnchors(ctx))

	second := newTestRuntime(t, cfg, nil)
	require.NoError(t, second.loadAnchors(ctx))
	assert.Equal(t, "1. hello → Hi there!", second.wc.Summarize())
	assert.Nil(t, second.engine)
}

func TestRuntime_SQLiteAnchors(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Context.AnchorBackend = "sqlite"
	cfg.Context.AnchorPath = filepath.Join(t.TempDir(), "anchors.db")

	first := newTestRuntime(t, cfg, alternatingChat("Hi there!"))
	runRepl(t, first, "hello\n")
	require.NoError(t, first.saveAnchors(ctx))
	first.Close()

	second := newTestRuntime(t, cfg, nil)
	require.NoError(t, second.loadAnchors(ctx))
	require.Len(t, second.wc.Anchors(), 1)
	assert.Equal(t, "hello", second.wc.Anchors()[0].Query)
}

func TestRuntime_NoAnchorBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Context.AnchorBackend = "none"
	rt := newTestRuntime(t, cfg, nil)

	assert.NoError(t, rt.loadAnchors(context.Background()))
	assert.NoError(t, rt.saveAnchors(context.Background()))
}

func TestRuntime_UnknownMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Mode = "triple"

	_, err := newRuntime(context.Background(), cfg, log.New(io.Discard), backends{embedder: hash.New(32)})
	assert.ErrorContains(t, err, "unknown store mode")
}

func TestDefaultBackends(t *testing.T) {
	cfg := config.Default()

	b, err := defaultBackends(cfg, false)
	require.NoError(t, err)
	assert.Nil(t, b.chat)
	assert.Equal(t, 768, b.embedder.Dimensions())

	b, err = defaultBackends(cfg, true)
	require.NoError(t, err)
	assert.IsType(t, &llm.OpenAIChat{}, b.chat)

	cfg.Chat.Provider = "anthropic"
	cfg.Chat.APIKey = "test-key"
	b, err = defaultBackends(cfg, true)
	require.NoError(t, err)
	assert.IsType(t, &llm.AnthropicChat{}, b.chat)

	cfg.Chat.Provider = "carrier-pigeon"
	_, err = defaultBackends(cfg, true)
	assert.Error(t, err)
}

func TestSetLogLevel(t *testing.T) {
	l := log.New(io.Discard)
	for level, want := range map[string]log.Level{
		"debug": log.DebugLevel,
		"WARN":  log.WarnLevel,
		"error": log.ErrorLevel,
		"info":  log.InfoLevel,
		"":      log.InfoLevel,
	} {
		setLogLevel(l, level)
		assert.Equal(t, want, l.GetLevel(), level)
	}
}
