// Package cmd implements the topk-server command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is the current version
const Version = "0.1.0"

// NewRootCmd builds the command tree
func NewRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "topk-server",
		Short: "TCP service reporting the most frequent words of web pages",
		Long: `topk-server accepts one URL per TCP connection, fetches the page and
replies with its K most frequent words as a JSON object.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(newServeCmd(&cfgFile))
	root.AddCommand(newClientCmd(&cfgFile))
	return root
}

// Execute runs the root command and exits non-zero on failure
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
