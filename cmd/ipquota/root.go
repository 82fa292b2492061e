package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/ipquota/pkg/cli"
)

var (
	// Global flags
	cfgFile  string
	envFiles []string
	verbose  bool
	output   string
)

var rootCmd = &cobra.Command{
	Use:   "ipquota",
	Short: "ipquota - per-IP usage quota service",
	Long: `ipquota limits how many times each client IP address may use a costly
operation within a sliding window (3 uses per 24 hours by default).

Counts live in a shared Redis cache. When the cache is unreachable the
service falls back to a durable store, and fails open if that fails too.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits with a code derived from the error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files loaded before the config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "output format: text, json, csv")
}

// printResult writes data to the command's stdout in the --output format.
func printResult(cmd *cobra.Command, data any) error {
	format, err := cli.ParseOutputFormat(output)
	if err != nil {
		return err
	}
	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), data)
}
