package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/halcyon/memory"
)

var recallK int

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Rank stored memories against a query without running a turn",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		b, err := defaultBackends(cfg, false)
		if err != nil {
			return err
		}
		rt, err := newRuntime(ctx, cfg, logger, b)
		if err != nil {
			return err
		}
		defer rt.Close()

		k := recallK
		if k <= 0 {
			k = cfg.Context.RecallK
		}
		return recall(ctx, cmd.OutOrStdout(), rt.store, strings.Join(args, " "), k)
	},
}

func init() {
	recallCmd.Flags().IntVarP(&recallK, "k", "k", 0, "Number of memories to return (default context.recall_k)")
}

func recall(ctx context.Context, out io.Writer, store *memory.EpisodicStore, query string, k int) error {
	entries, err := store.Candidates(ctx, query, k)
	if err != nil {
		return err
	}
	entries = memory.Rank(entries, k)
	if len(entries) == 0 {
		fmt.Fprintln(out, "no memories recalled.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%.3f  %-7s %s  %s\n", e.Weight, e.Space, e.ID, firstLine(e.Text))
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const width = 80
	if r := []rune(s); len(r) > width {
		s = string(r[:width]) + "..."
	}
	return s
}
