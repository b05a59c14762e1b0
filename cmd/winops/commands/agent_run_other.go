//go:build !windows

package commands

import "github.com/spf13/cobra"

func runAgentRun(_ *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()
	return serveAgent(ctx)
}
