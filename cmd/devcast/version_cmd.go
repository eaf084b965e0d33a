package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/fentz26/devcast/internal/config"
	"github.com/fentz26/devcast/internal/update"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of devcast",
	RunE:  runVersion,
}

var (
	checkUpdate bool
	forceCheck  bool
)

func init() {
	versionCmd.Flags().BoolVar(&checkUpdate, "check", false, "Check GitHub for a newer release")
	versionCmd.Flags().BoolVar(&forceCheck, "force", false, "Ignore the cached release check")
}

func runVersion(cmd *cobra.Command, args []string) error {
	fmt.Printf("devcast version %s\n", update.Version)
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go version: %s\n", runtime.Version())

	if health, err := CheckHealth(); err == nil {
		fmt.Printf("  Daemon: %s (running)\n", health.Version)
	}

	if !checkUpdate {
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := update.NewChecker(cfg.DataDir).Check(ctx, forceCheck)
	if err != nil {
		return err
	}
	if !res.HasUpdate {
		fmt.Printf("\n✓ Up to date (latest %s)\n", res.Latest)
		return nil
	}
	fmt.Printf("\nA new version is available: %s → %s\n", res.Current, res.Latest)
	if res.DownloadURL != "" {
		fmt.Printf("  Download: %s\n", res.DownloadURL)
	} else if res.ReleaseURL != "" {
		fmt.Printf("  Release:  %s\n", res.ReleaseURL)
	}
	return nil
}
