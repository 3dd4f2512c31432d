package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type rootFlags struct {
	config  string
	verbose bool
}

func newRootCmd() *cobra.Command {
	var flags rootFlags
	cmd := &cobra.Command{
		Use:           "fishbot",
		Short:         "Virtual Fisher selfbot: fishing loop and command explorer",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd.Context(), flags)
		},
	}
	cmd.PersistentFlags().StringVarP(&flags.config, "config", "c", "conf/fishbot.yaml", "path to the YAML config")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Connect to the gateway and run the bot until interrupted",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runBot(cmd.Context(), flags)
			},
		},
		&cobra.Command{
			Use:   "discover",
			Short: "Discover the game's commands once and print the registry as YAML",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runDiscover(cmd.Context(), flags, cmd.OutOrStdout())
			},
		},
	)
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fishbot:", err)
		os.Exit(1)
	}
}
