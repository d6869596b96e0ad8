package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pinCmd = &cobra.Command{
	Use:   "pin <id> <weight>",
	Short: "Raise the manual weight of a stored memory",
	Long:  "Sets manual_weight to max(1.0, weight) on the memory with the given id.",
	Args:  cobra.ExactArgs(2),
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

		if err := pin(ctx, rt.store, args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pinned %s\n", args[0])
		return nil
	},
}
