package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"shotbridge.dev/internal/bus"
)

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <log-path>",
		Short: "print every record in an append log in sequence order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := bus.Replay(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, rec := range records {
				if err := enc.Encode(rec); err != nil {
					return fmt.Errorf("replay: encode record seq %d: %w", rec.Seq, err)
				}
			}
			return nil
		},
	}
	return cmd
}
