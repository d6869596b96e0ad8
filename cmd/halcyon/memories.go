package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/halcyon/memory"
)

var (
	memoriesLimit int
	memoriesJSON  bool
)

var memoriesCmd = &cobra.Command{
	Use:   "memories",
	Short: "List stored memories with their state and keywords",
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

		return listMemories(ctx, cmd.OutOrStdout(), rt.store, memoriesLimit, memoriesJSON)
	},
}

func init() {
	memoriesCmd.Flags().IntVarP(&memoriesLimit, "limit", "n", 20, "Maximum records to print, 0 for all")
	memoriesCmd.Flags().BoolVar(&memoriesJSON, "json", false, "Print records as JSON")
}

type memoryView struct {
	ID           string   `json:"id"`
	Timestamp    string   `json:"timestamp"`
	Query        string   `json:"query"`
	Response     string   `json:"response_preview"`
	ManualWeight float64  `json:"manual_weight"`
	Rehearsals   int      `json:"rehearsal_count"`
	State        []string `json:"state"`
	Keywords     []string `json:"keywords"`
}

func listMemories(ctx context.Context, out io.Writer, store *memory.EpisodicStore, limit int, asJSON bool) error {
	records, err := store.List(ctx, limit)
	if err != nil {
		return err
	}

	views := make([]memoryView, 0, len(records))
	for _, r := range records {
		v := memoryView{
			ID:           r.ID,
			Timestamp:    r.Timestamp.Format(time.RFC3339),
			Query:        r.Query,
			Response:     r.ResponsePreview,
			ManualWeight: r.ManualWeight,
			Rehearsals:   r.RehearsalCount,
			State:        []string{},
			Keywords:     r.Keywords,
		}
		for _, s := range r.State.Emotions {
			v.State = append(v.State, fmt.Sprintf("%s(%.2f)", s.Name, s.Intensity))
		}
		if v.Keywords == nil {
			v.Keywords = []string{}
		}
		views = append(views, v)
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}
	if len(views) == 0 {
		fmt.Fprintln(out, "no memories stored.")
		return nil
	}
	for _, v := range views {
		fmt.Fprintf(out, "%s  %s  weight=%.2f rehearsed=%d\n", v.ID, v.Timestamp, v.ManualWeight, v.Rehearsals)
		fmt.Fprintf(out, "  you: %s\n", firstLine(v.Query))
		fmt.Fprintf(out, "  state: %s\n", strings.Join(v.State, ", "))
		fmt.Fprintf(out, "  keywords: %s\n", strings.Join(v.Keywords, ", "))
	}
	return nil
}
