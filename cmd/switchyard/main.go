// Switchyard is a policy-gated agent orchestration core.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "switchyard",
	Short: "Switchyard: intent routing, approvals, and cost-governed model escalation.",
	Long: `Switchyard routes inbound events through a static intent table, parks
dangerous or low-confidence actions in a human approval queue, and runs the
rest up a cost-governed model escalation ladder. Every decision lands in an
append-only, replayable audit log.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, replayCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
