package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"shotbridge.dev/internal/session"
	"shotbridge.dev/internal/transport/ble"
)

func newPairCmd() *cobra.Command {
	var kindHint string
	cmd := &cobra.Command{
		Use:   "pair <address>",
		Short: "probe-connect a device and remember it as paired",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := args[0]
			kind := ble.Kind(kindHint)
			service, write, notify := ble.ServiceUUIDs(kind)
			if service == "" {
				return fmt.Errorf("unknown or unsupported --kind %q", kindHint)
			}

			adapter, err := ble.Open()
			if err != nil {
				return err
			}
			reg, err := newRegistry(adapter)
			if err != nil {
				return err
			}
			defer reg.Close()

			target := session.Target{Address: addr, ServiceUUID: service, WriteUUID: write, NotifyUUID: notify}
			if !reg.Pair(context.Background(), addr, kind, target) {
				return fmt.Errorf("pair probe failed for %s", addr)
			}
			fmt.Printf("paired %s as %s\n", addr, kind)
			return nil
		},
	}
	cmd.Flags().StringVar(&kindHint, "kind", "", "device kind: timer-a, timer-b, or sensor-accel")
	cmd.MarkFlagRequired("kind")
	return cmd
}
