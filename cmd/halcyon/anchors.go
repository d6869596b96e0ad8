package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var anchorsJSON bool

var anchorsCmd = &cobra.Command{
	Use:   "anchors",
	Short: "Print the persisted narrative window",
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

		if err := rt.loadAnchors(ctx); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if anchorsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(rt.wc.Anchors())
		}
		fmt.Fprintln(out, rt.wc.Summarize())
		return nil
	},
}

func init() {
	anchorsCmd.Flags().BoolVar(&anchorsJSON, "json", false, "Print anchors as JSON")
}
