// Command opsgraph-listen connects to the ticket socket, prints every event
// it receives as a JSON line and can inject test events.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	profilePath string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:           "opsgraph-listen",
	Short:         "Listen to and publish OpsGraph realtime events",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&profilePath, "profile", "p", "", "YAML profile with connection settings")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log connection details to stderr")

	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(publishCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
