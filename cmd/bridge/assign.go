package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"shotbridge.dev/internal/transport/ble"
)

func newAssignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign <address> <target-id>",
		Short: "bind a paired device to a scoring target; pass an empty target-id to unassign",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, targetID := args[0], args[1]

			adapter, err := ble.Open()
			if err != nil {
				return err
			}
			reg, err := newRegistry(adapter)
			if err != nil {
				return err
			}
			defer reg.Close()

			var ok bool
			if targetID == "" {
				ok = reg.Unassign(addr)
			} else {
				ok = reg.Assign(addr, targetID)
			}
			if !ok {
				return fmt.Errorf("device %s is not paired", addr)
			}
			fmt.Printf("ok\n")
			return nil
		},
	}
	return cmd
}
