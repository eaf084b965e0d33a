package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "devcast",
	Short: "devcast - turn your dev activity into posts",
	Long: `devcast watches your commits, file saves and agent progress, drafts social
posts from them in batches, and posts them to X, Reddit, Discord or email.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr    string
	configPath string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7467", "API server address")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.devcast/config.yaml)")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(draftCmd)
	rootCmd.AddCommand(creditsCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(connectCmd, disconnectCmd, accountsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
