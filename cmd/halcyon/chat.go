package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/halcyon/engine"
	"github.com/becomeliminal/halcyon/memory"
	"github.com/becomeliminal/halcyon/server"
)

var serveFeed bool

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b, err := defaultBackends(cfg, true)
		if err != nil {
			return err
		}
		rt, err := newRuntime(ctx, cfg, logger, b)
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.loadAnchors(ctx); err != nil {
			logger.Warn("could not load anchors", "err", err)
		}

		if serveFeed {
			srv := &http.Server{Addr: cfg.Feed.Addr, Handler: server.Mux(rt.feed)}
			go func() {
				logger.Info("serving turn feed", "addr", cfg.Feed.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("feed server failed", "err", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		replErr := repl(ctx, rt, cmd.InOrStdin(), cmd.OutOrStdout())

		// ctx may already be cancelled by a signal
		if err := rt.saveAnchors(context.Background()); err != nil {
			logger.Error("could not save anchors", "err", err)
		}
		return replErr
	},
}

func init() {
	chatCmd.Flags().BoolVar(&serveFeed, "feed", false, "Serve the websocket turn feed on feed.addr")
}

const helpText = `commands:
  /pin <id> <weight>   raise the manual weight of a stored memory
  /inject <text>       queue a manual memory for recall
  /clear-injections    drop all queued manual memories
  /narrative           show the anchor window
  /exit                save anchors and quit`

// repl reads queries line by line and runs each through the engine.
// It returns nil on /exit, EOF or context cancellation.
func repl(ctx context.Context, rt *runtime, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	fmt.Fprintln(out, "halcyon is listening. /help for commands.")
	for {
		fmt.Fprint(out, "\nyou> ")

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimSpace(l)
		}

		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if done := command(ctx, rt, line, out); done {
				return nil
			}
			continue
		}

		output, err := rt.engine.Run(ctx, &engine.Input{Query: line})
		if err != nil {
			return err
		}
		render(out, rt, output)
	}
}

// command handles one slash command. It reports whether the session should end.
func command(ctx context.Context, rt *runtime, line string, out io.Writer) bool {
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "/exit", "/quit":
		fmt.Fprintln(out, "goodbye.")
		return true

	case "/help":
		fmt.Fprintln(out, helpText)

	case "/pin":
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			fmt.Fprintln(out, "usage: /pin <id> <weight>")
			return false
		}
		if err := pin(ctx, rt.store, fields[0], fields[1]); err != nil {
			fmt.Fprintf(out, "pin failed: %v\n", err)
			return false
		}
		fmt.Fprintf(out, "pinned %s\n", fields[0])

	case "/inject":
		if rest == "" {
			fmt.Fprintln(out, "usage: /inject <text>")
			return false
		}
		rt.wc.Inject(memory.Injection{Text: rest, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)})
		fmt.Fprintf(out, "injected (%d queued)\n", len(rt.wc.Injections()))

	case "/clear-injections":
		fmt.Fprintf(out, "cleared %d injected memories\n", rt.wc.ClearInjections())

	case "/narrative":
		fmt.Fprintln(out, rt.wc.Summarize())

	default:
		fmt.Fprintf(out, "unknown command %s\n%s\n", name, helpText)
	}
	return false
}

func render(out io.Writer, rt *runtime, o *engine.Output) {
	switch o.Type {
	case engine.OutputAborted:
		fmt.Fprintf(out, "(could not reflect on that: %v)\n", o.Error)
		return
	case engine.OutputError:
		fmt.Fprintf(out, "(could not respond: %v)\n", o.Error)
		return
	}

	fmt.Fprintf(out, "halcyon> %s\n", o.Text)
	if o.Question != nil && o.Question.Question != "" {
		fmt.Fprintf(out, "halcyon wonders> %s\n", o.Question.Question)
	}
	if o.CommitErr != nil {
		rt.logger.Warn("turn not saved", "err", o.CommitErr)
	}
}

// pin parses weight and adjusts the manual weight of a stored memory.
func pin(ctx context.Context, store *memory.EpisodicStore, id, weight string) error {
	w, err := strconv.ParseFloat(weight, 64)
	if err != nil {
		return fmt.Errorf("invalid weight %q", weight)
	}
	return store.AdjustWeight(ctx, id, w)
}
