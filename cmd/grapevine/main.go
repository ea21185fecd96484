package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "grapevine",
	Short: "Grapevine - embeddable Matrix homeserver core",
	Long: `Grapevine is the write and read path of a Matrix homeserver:
event admission, authorization, state resolution, persistence and a
sync-oriented room view, delivered as a single binary around an
embedded store.

Transport adapters (client API, federation API) plug in around it.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Grapevine version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Grapevine version %s\nCommit: %s\nBuilt: %s\n",
			Version, Commit, BuildTime)
	},
}
