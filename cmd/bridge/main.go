// Command bridge runs the shot-timing and impact-detection bridge:
// discovers and pairs BLE timers and sensors, decodes their frames,
// correlates shots with impacts, and publishes the result on an
// append-logged event bus.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "bridge",
		Short: "shot-timing and impact-detection bridge",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to bridge.yaml (optional)")

	root.AddCommand(
		newServeCmd(),
		newDiscoverCmd(),
		newPairCmd(),
		newAssignCmd(),
		newListCmd(),
		newReplayCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
