// snoopwire - an intercepting HTTP/HTTPS proxy for test harnesses.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "snoopwire",
	Short: "Intercepting HTTP/HTTPS proxy for inspecting test traffic",
	Long: `snoopwire runs a local man-in-the-middle proxy that records the
HTTP, HTTPS and WebSocket traffic of clients pointed at it. Captured
requests and responses are stored decoded and can be scoped, mutated
or short-circuited with interceptors when embedding the proxy as a
library.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("snoopwire %s (commit %s, built %s)\n", Version, Commit, BuildDate)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
