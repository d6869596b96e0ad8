package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/charmbracelet/log"

	"github.com/becomeliminal/halcyon/config"
	"github.com/becomeliminal/halcyon/engine"
	"github.com/becomeliminal/halcyon/llm"
	"github.com/becomeliminal/halcyon/memory"
	"github.com/becomeliminal/halcyon/memory/anchors"
	"github.com/becomeliminal/halcyon/memory/embedder/resilient"
	"github.com/becomeliminal/halcyon/memory/store/chromem"
	"github.com/becomeliminal/halcyon/server"
)

// backends are the external collaborators of a runtime.
type backends struct {
	chat     llm.ChatClient // nil for commands that never chat
	embedder memory.Embedder
}

// runtime holds every wired component of a session.
type runtime struct {
	cfg      config.Config
	logger   *log.Logger
	vectors  *chromem.Store
	embedder *resilient.Embedder
	store    *memory.EpisodicStore
	wc       *memory.WorkingContext
	anchors  memory.AnchorStore
	engine   *engine.Engine
	feed     *server.Feed
	closers  []func() error
	closed   sync.Once
}

func defaultBackends(cfg config.Config, withChat bool) (backends, error) {
	b := backends{
		embedder: llm.NewOpenAIEmbedder(llm.OpenAIConfig{
			APIKey:     cfg.Embedding.APIKey,
			Model:      cfg.Embedding.Model,
			BaseURL:    cfg.Embedding.BaseURL,
			Dimensions: cfg.Embedding.Dimensions,
		}),
	}
	if !withChat {
		return b, nil
	}

	switch cfg.Chat.Provider {
	case "anthropic":
		client := anthropic.NewClient(option.WithAPIKey(cfg.Chat.APIKey), option.WithMaxRetries(0))
		model := cfg.Chat.Model
		if model == config.Default().Chat.Model {
			// the default names a local model; let the client pick a Claude one
			model = ""
		}
		b.chat = llm.NewAnthropicChat(&client, llm.AnthropicConfig{Model: model, MaxTokens: cfg.Chat.MaxTokens})
	case "openai":
		b.chat = llm.NewOpenAIChat(llm.OpenAIConfig{
			APIKey:  cfg.Chat.APIKey,
			Model:   cfg.Chat.Model,
			BaseURL: cfg.Chat.BaseURL,
		})
	default:
		return b, fmt.Errorf("unknown chat provider %q", cfg.Chat.Provider)
	}
	return b, nil
}

func newRuntime(ctx context.Context, cfg config.Config, logger *log.Logger, b backends) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	var err error
	if cfg.Store.Path == "" {
		rt.vectors, err = chromem.New(chromem.WithLogger(logger.WithPrefix("chromem")))
	} else {
		rt.vectors, err = chromem.NewPersistent(config.ExpandPath(cfg.Store.Path), false, chromem.WithLogger(logger.WithPrefix("chromem")))
	}
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.vectors.Close)

	rt.embedder, err = resilient.New(b.embedder,
		resilient.WithCacheEntries(cfg.Embedding.CacheEntries),
		resilient.WithLogger(logger.WithPrefix("embedder")),
	)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, func() error { rt.embedder.Close(); return nil })

	strategy, ok := memory.StrategyByName(cfg.Store.Mode)
	if !ok {
		rt.Close()
		return nil, fmt.Errorf("unknown store mode %q", cfg.Store.Mode)
	}
	rt.store = memory.NewEpisodicStore(rt.vectors, rt.embedder,
		memory.WithStrategy(strategy),
		memory.WithCommitInterval(cfg.Store.CommitInterval),
		memory.WithStoreLogger(logger.WithPrefix("episodic")),
	)

	rt.wc = memory.NewWorkingContext(rt.store,
		memory.WithWorkingLimit(cfg.Context.WorkingLimit),
		memory.WithAnchorLimit(cfg.Context.AnchorLimit),
		memory.WithContextLogger(logger.WithPrefix("context")),
	)

	switch cfg.Context.AnchorBackend {
	case "file":
		rt.anchors = anchors.NewFileStore(config.ExpandPath(cfg.Context.AnchorPath))
	case "sqlite":
		st, err := anchors.OpenSQLite(ctx, config.ExpandPath(cfg.Context.AnchorPath), logger.WithPrefix("anchors"))
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.anchors = st
		rt.closers = append(rt.closers, st.Close)
	}

	if b.chat != nil {
		opts := []engine.Option{
			engine.WithLogger(logger.WithPrefix("engine")),
			engine.WithRecallK(cfg.Context.RecallK),
			engine.WithRecentTurns(cfg.Context.RecentTurns),
			engine.WithTemperatures(cfg.Chat.ReflectTemperature, cfg.Chat.RespondTemperature),
		}
		rt.feed = server.NewFeed(server.WithLogger(logger.WithPrefix("feed")))
		opts = append(opts, engine.WithObserver(rt.feed))
		rt.engine = engine.New(b.chat, rt.store, rt.wc, opts...)
	}
	return rt, nil
}

// loadAnchors restores the narrative window if an anchor backend is configured.
func (rt *runtime) loadAnchors(ctx context.Context) error {
	if rt.anchors == nil {
		return nil
	}
	return rt.wc.LoadAnchors(ctx, rt.anchors)
}

// saveAnchors persists the narrative window if an anchor backend is configured.
func (rt *runtime) saveAnchors(ctx context.Context) error {
	if rt.anchors == nil {
		return nil
	}
	return rt.wc.SaveAnchors(ctx, rt.anchors)
}

// Close releases resources in reverse order. It is safe to call twice.
func (rt *runtime) Close() {
	rt.closed.Do(func() {
		if rt.feed != nil {
			rt.feed.Close()
		}
		for i := len(rt.closers) - 1; i >= 0; i-- {
			if err := rt.closers[i](); err != nil {
				rt.logger.Warn("close failed", "err", err)
			}
		}
	})
}
