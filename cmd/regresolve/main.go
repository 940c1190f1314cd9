// Command regresolve batch-resolves product names into registration
// codes by querying the registry search API, and writes one delimited
// row per input name.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "regresolve",
		Short:         "Resolve product names to registration codes",
		Long:          "regresolve reads product names from a file, resolves each to its registration code through the registry search API, and writes one delimited row per name. Failed resolutions yield an empty code, never a missing row.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newRunCmd(),
		newVersionCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the regresolve version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version)
		},
	}
}
