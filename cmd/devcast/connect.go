package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/fentz26/devcast/internal/auth"
	"github.com/fentz26/devcast/internal/config"
	"github.com/fentz26/devcast/internal/models"
	"github.com/spf13/cobra"
)

var connectCmd = &cobra.Command{
	Use:   "connect [platform]",
	Short: "Connect a platform account",
	Long: `Connects a platform account. Without --token the hosted connect page opens in
your browser and hands the tokens back to devcast. A running daemon picks up
the new token automatically.`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect [platform]",
	Short: "Forget a platform account",
	Args:  cobra.ExactArgs(1),
	RunE:  runDisconnect,
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List connected platform accounts",
	RunE:  runAccounts,
}

var (
	connectToken     string
	connectRefresh   string
	connectUsername  string
	connectExpiresIn time.Duration
)

func init() {
	connectCmd.Flags().StringVar(&connectToken, "token", "", "Access token (skips the browser flow)")
	connectCmd.Flags().StringVar(&connectRefresh, "refresh-token", "", "Refresh token")
	connectCmd.Flags().StringVar(&connectUsername, "username", "", "Account name to display")
	connectCmd.Flags().DurationVar(&connectExpiresIn, "expires-in", 0, "Access token lifetime (0 means it does not expire)")
}

func tokenManager() (*auth.Manager, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return auth.NewManager(cfg.DataDir, cfg.OAuthClients())
}

func runConnect(cmd *cobra.Command, args []string) error {
	p, err := parsePlatform(args[0])
	if err != nil {
		return err
	}
	m, err := tokenManager()
	if err != nil {
		return err
	}

	if connectToken != "" {
		tok := auth.Token{
			AccessToken:  connectToken,
			RefreshToken: connectRefresh,
			Username:     connectUsername,
		}
		if connectExpiresIn > 0 {
			tok.Expiry = time.Now().Add(connectExpiresIn)
		}
		if err := m.Connect(p, tok); err != nil {
			return err
		}
		fmt.Printf("✓ Connected %s\n", p.DisplayName())
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Printf("Opening browser to connect %s...\n", p.DisplayName())
	tok, err := m.ConnectInteractive(ctx, p)
	if err != nil {
		return err
	}
	if tok.Username != "" {
		fmt.Printf("✓ Connected %s as %s\n", p.DisplayName(), tok.Username)
	} else {
		fmt.Printf("✓ Connected %s\n", p.DisplayName())
	}
	return nil
}

func runDisconnect(cmd *cobra.Command, args []string) error {
	p, err := parsePlatform(args[0])
	if err != nil {
		return err
	}
	m, err := tokenManager()
	if err != nil {
		return err
	}
	if err := m.Disconnect(p); err != nil {
		return err
	}
	fmt.Printf("Disconnected %s\n", p.DisplayName())
	return nil
}

func runAccounts(cmd *cobra.Command, args []string) error {
	m, err := tokenManager()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PLATFORM\tSTATUS\tACCOUNT")
	for _, p := range models.AllPlatforms {
		status := "not connected"
		if m.Connected(p) {
			status = "connected"
		}
		if p == models.PlatformEmail {
			status = "smtp (config)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.DisplayName(), status, m.Username(p))
	}
	w.Flush()
	return nil
}
