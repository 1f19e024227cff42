package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/hudp/pkg/version"
)

func main() {
	ctx := makeBaseLogger(context.Background())
	if err := rootCommand().ExecuteContext(ctx); err != nil {
		dlog.Errorf(ctx, "quit: %v", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hudp",
		Short: "Hybrid UDP transport demo tools",
		Long: `hudp multiplexes a reliable and an unreliable channel over one UDP socket.
The send and recv commands run the demo sender and receiver applications;
run drives both in a single process over loopback and reports per-channel
metrics.`,
		Version:       version.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnv(cmd.Context())
			if err != nil {
				return fmt.Errorf("environment: %w", err)
			}
			cmd.SetContext(withEnv(cmd.Context(), env))
			return nil
		},
	}
	rootCmd.AddCommand(sendCommand(), recvCommand(), runCommand())
	return rootCmd
}
