package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"shotbridge.dev/internal/transport/ble"
)

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list paired devices and their last-known health",
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter, err := ble.Open()
			if err != nil {
				return err
			}
			reg, err := newRegistry(adapter)
			if err != nil {
				return err
			}
			defer reg.Close()

			for _, d := range reg.List() {
				fmt.Printf("%-18s %-6s target=%-10s label=%-12s connected=%v last_seen=%s\n",
					d.Address, d.Kind, d.TargetID, d.Label, d.Status.Connected, d.Status.LastSeenWall)
			}
			return nil
		},
	}
	return cmd
}
