// Package auth stores platform access tokens and keeps them fresh.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/fentz26/devcast/internal/models"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/oauth2"
)

const (
	// DefaultCallbackPort is the first port tried for the local callback server.
	DefaultCallbackPort = 17890
	// ConnectTimeout is the maximum time to wait for the browser connect flow.
	ConnectTimeout = 5 * time.Minute
	// RefreshBuffer is how long before expiry a token is refreshed.
	RefreshBuffer = 5 * time.Minute
	// DefaultConnectURL is the hosted page that runs the OAuth exchange and
	// hands tokens back to the local callback server.
	DefaultConnectURL = "https://devcast.app/connect/"
)

// ErrNotConnected is returned when no usable token exists for a platform.
var ErrNotConnected = errors.New("platform not connected")

// Token is a stored platform credential.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Username     string    `json:"username,omitempty"`
}

// OAuthClient is the refresh configuration for one platform.
type OAuthClient struct {
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`
	TokenURL     string `mapstructure:"token_url" yaml:"token_url"`
}

type tokenFile struct {
	Platforms map[models.Platform]*Token `json:"platforms"`
	UpdatedAt int64                      `json:"updated_at"`
}

// Manager owns the token file.
type Manager struct {
	configDir  string
	connectURL string
	oauth      map[models.Platform]*oauth2.Config
	tokens     map[models.Platform]*Token
	now        func() time.Time
	mu         sync.RWMutex
}

// NewManager creates a manager backed by configDir/tokens.json. An empty
// configDir means ~/.config/devcast.
func NewManager(configDir string, clients map[models.Platform]OAuthClient) (*Manager, error) {
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config", "devcast")
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	m := &Manager{
		configDir:  configDir,
		connectURL: DefaultConnectURL,
		oauth:      make(map[models.Platform]*oauth2.Config),
		tokens:     make(map[models.Platform]*Token),
		now:        time.Now,
	}
	for p, c := range clients {
		if c.TokenURL == "" || c.ClientID == "" {
			continue
		}
		m.oauth[p] = &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: c.TokenURL, AuthStyle: oauth2.AuthStyleInHeader},
		}
	}

	if err := m.loadTokens(); err != nil && !os.IsNotExist(err) {
		log.Printf("auth: ignoring unreadable token file: %v", err)
	}
	return m, nil
}

// AccessToken returns a token for platform, refreshing it first when it
// expires within RefreshBuffer.
func (m *Manager) AccessToken(ctx context.Context, platform models.Platform) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok := m.tokens[platform]
	if tok == nil || tok.AccessToken == "" {
		return "", fmt.Errorf("%w: %s", ErrNotConnected, platform)
	}
	now := m.now()
	if tok.Expiry.IsZero() || now.Before(tok.Expiry.Add(-RefreshBuffer)) {
		return tok.AccessToken, nil
	}

	expired := !now.Before(tok.Expiry)
	cfg := m.oauth[platform]
	if cfg == nil || tok.RefreshToken == "" {
		if expired {
			return "", fmt.Errorf("%w: %s session expired", ErrNotConnected, platform)
		}
		return tok.AccessToken, nil
	}

	fresh, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	if err != nil {
		if expired {
			return "", fmt.Errorf("%w: %s token refresh failed: %v", ErrNotConnected, platform, err)
		}
		log.Printf("auth: refresh for %s failed, using current token: %v", platform, err)
		return tok.AccessToken, nil
	}

	updated := &Token{
		AccessToken:  fresh.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       fresh.Expiry,
		Username:     tok.Username,
	}
	if fresh.RefreshToken != "" {
		updated.RefreshToken = fresh.RefreshToken
	}
	m.tokens[platform] = updated
	if err := m.saveTokensLocked(); err != nil {
		log.Printf("auth: failed to save refreshed token for %s: %v", platform, err)
	}
	return updated.AccessToken, nil
}

// Connected reports whether a token is stored for platform.
func (m *Manager) Connected(platform models.Platform) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok := m.tokens[platform]
	return tok != nil && tok.AccessToken != ""
}

// Username returns the account name stored with a platform token.
func (m *Manager) Username(platform models.Platform) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tok := m.tokens[platform]; tok != nil {
		return tok.Username
	}
	return ""
}

// Connect stores a token for platform.
func (m *Manager) Connect(platform models.Platform, tok Token) error {
	if !platform.Valid() {
		return fmt.Errorf("unknown platform %q", platform)
	}
	if tok.AccessToken == "" {
		return fmt.Errorf("access token is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[platform] = &tok
	return m.saveTokensLocked()
}

// Disconnect removes the token for platform.
func (m *Manager) Disconnect(platform models.Platform) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, platform)
	return m.saveTokensLocked()
}

// ConnectInteractive opens the hosted connect page in a browser and waits
// for it to post the platform's tokens back to a local callback server.
func (m *Manager) ConnectInteractive(ctx context.Context, platform models.Platform) (*Token, error) {
	port, err := findAvailablePort(DefaultCallbackPort)
	if err != nil {
		return nil, fmt.Errorf("failed to find available port: %w", err)
	}
	state, err := generateState()
	if err != nil {
		return nil, err
	}

	resultCh := make(chan callbackResult, 1)
	server, err := startCallbackServer(port, state, resultCh)
	if err != nil {
		return nil, fmt.Errorf("failed to start callback server: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	q := url.Values{}
	q.Set("platform", string(platform))
	q.Set("port", fmt.Sprint(port))
	q.Set("state", state)
	connectURL := m.connectURL + "?" + q.Encode()

	if err := openBrowser(connectURL); err != nil {
		return nil, fmt.Errorf("failed to open browser: %w\nPlease open this URL manually: %s", err, connectURL)
	}

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, result.err
		}
		if err := m.Connect(platform, result.token); err != nil {
			return nil, fmt.Errorf("failed to save token: %w", err)
		}
		return &result.token, nil
	case <-time.After(ConnectTimeout):
		return nil, fmt.Errorf("connect timed out after %v", ConnectTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) tokensPath() string {
	return filepath.Join(m.configDir, "tokens.json")
}

func (m *Manager) loadTokens() error {
	data, err := os.ReadFile(m.tokensPath())
	if err != nil {
		return err
	}
	var f tokenFile
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	tokens := make(map[models.Platform]*Token, len(f.Platforms))
	for p, tok := range f.Platforms {
		if p.Valid() && tok != nil {
			tokens[p] = tok
		}
	}
	m.mu.Lock()
	m.tokens = tokens
	m.mu.Unlock()
	return nil
}

// Reload re-reads the token file so connects and disconnects made by another
// process take effect. A missing file clears all tokens.
func (m *Manager) Reload() error {
	err := m.loadTokens()
	if os.IsNotExist(err) {
		m.mu.Lock()
		m.tokens = make(map[models.Platform]*Token)
		m.mu.Unlock()
		return nil
	}
	return err
}

// Watch reloads the token file whenever it changes, until ctx is cancelled.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(m.configDir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != "tokens.json" || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := m.Reload(); err != nil {
				log.Printf("auth: reload tokens: %v", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("auth: token watcher: %v", err)
		}
	}
}

func (m *Manager) saveTokensLocked() error {
	data, err := json.MarshalIndent(tokenFile{Platforms: m.tokens, UpdatedAt: m.now().Unix()}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.tokensPath(), data, 0600)
}

type callbackResult struct {
	token Token
	err   error
}

// callbackData is what the hosted connect page posts back.
type callbackData struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	Username     string `json:"username"`
	State        string `json:"state"`
}

// startCallbackServer starts a local HTTP server that receives tokens from
// the hosted connect page.
func startCallbackServer(port int, expectedState string, resultCh chan<- callbackResult) (*http.Server, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var data callbackData
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			deliver(resultCh, callbackResult{err: fmt.Errorf("invalid callback data: %w", err)})
			return
		}
		if data.State != expectedState {
			http.Error(w, "invalid state", http.StatusBadRequest)
			deliver(resultCh, callbackResult{err: fmt.Errorf("state mismatch: possible CSRF attack")})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

		tok := Token{
			AccessToken:  data.AccessToken,
			RefreshToken: data.RefreshToken,
			Username:     data.Username,
		}
		if data.ExpiresAt > 0 {
			tok.Expiry = time.Unix(data.ExpiresAt, 0)
		}
		deliver(resultCh, callbackResult{token: tok})
	})

	server := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: mux,
	}
	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return nil, err
	}

	go func() {
		if err := server.Serve(listener); err != http.ErrServerClosed {
			deliver(resultCh, callbackResult{err: fmt.Errorf("callback server error: %w", err)})
		}
	}()

	return server, nil
}

// deliver sends without blocking; only the first result counts.
func deliver(ch chan<- callbackResult, r callbackResult) {
	select {
	case ch <- r:
	default:
	}
}

func findAvailablePort(startPort int) (int, error) {
	for port := startPort; port < startPort+100; port++ {
		listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			listener.Close()
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available port found in range %d-%d", startPort, startPort+100)
}

func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func openBrowser(target string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", target)
	case "darwin":
		cmd = exec.Command("open", target)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", target)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	return cmd.Start()
}
