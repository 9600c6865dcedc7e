package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"shotbridge.dev/internal/transport/ble"
)

func newDiscoverCmd() *cobra.Command {
	var seconds int
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "scan for nearby timers and sensors",
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter, err := ble.Open()
			if err != nil {
				return fmt.Errorf("open adapter: %w", err)
			}

			reg, err := newRegistry(adapter)
			if err != nil {
				return err
			}
			defer reg.Close()

			found, err := reg.Discover(context.Background(), seconds)
			if err != nil {
				return err
			}
			for _, d := range found {
				fmt.Printf("%-18s %-6s rssi=%-4d %s\n", d.Address, d.Kind, d.RSSI, d.Name)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&seconds, "seconds", 10, "scan duration in seconds (1-60)")
	return cmd
}
