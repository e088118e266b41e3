package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"switchyard/internal/audit"
)

var replayPath string

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Reconstruct approval and escalation state from an audit log",
	RunE:  runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayPath, "log", "", "path to the audit log (default: the configured data dir)")
	_ = replayCmd.MarkFlagRequired("log")
}

func runReplay(_ *cobra.Command, _ []string) error {
	f, err := os.Open(replayPath)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	entries, err := audit.Read(f)
	if err != nil {
		return fmt.Errorf("reading audit log: %w", err)
	}
	st := audit.Replay(entries)

	fmt.Printf("%d entries", len(entries))
	if len(entries) > 0 {
		fmt.Printf(" (seq %d..%d)", entries[0].Seq, entries[len(entries)-1].Seq)
	}
	fmt.Println()

	fmt.Printf("\napprovals (%d):\n", len(st.Approvals))
	for _, id := range sortedKeys(st.Approvals) {
		line := fmt.Sprintf("  %s  %s", id, st.Approvals[id])
		if by := st.ApprovedBy[id]; by != "" {
			line += "  by " + by
		}
		fmt.Println(line)
	}

	fmt.Printf("\ntasks with escalation attempts (%d):\n", len(st.Attempts))
	for _, id := range sortedKeys(st.Attempts) {
		fmt.Printf("  %s\n", id)
		for i, a := range st.Attempts[id] {
			fmt.Printf("    %d. tier=%s outcome=%s reason=%s\n", i+1, a.Tier, a.Outcome, a.Reason)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
