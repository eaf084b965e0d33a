// Package config loads devcast configuration from defaults, a YAML file and
// DEVCAST_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/devcast/internal/auth"
	"github.com/fentz26/devcast/internal/batch"
	"github.com/fentz26/devcast/internal/models"
	"github.com/fentz26/devcast/internal/platforms"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g. DEVCAST_API_ADDR.
const EnvPrefix = "DEVCAST"

// Config is the full daemon configuration.
type Config struct {
	UserID     string                      `mapstructure:"user_id" yaml:"user_id"`
	DataDir    string                      `mapstructure:"data_dir" yaml:"data_dir"`
	API        APIConfig                   `mapstructure:"api" yaml:"api"`
	Generation GenerationConfig            `mapstructure:"generation" yaml:"generation"`
	Batch      batch.Config                `mapstructure:"batch" yaml:"batch"`
	Ledger     LedgerConfig                `mapstructure:"ledger" yaml:"ledger"`
	Redis      RedisConfig                 `mapstructure:"redis" yaml:"redis"`
	Platforms  platforms.Config            `mapstructure:"platforms" yaml:"platforms"`
	OAuth      map[string]auth.OAuthClient `mapstructure:"oauth" yaml:"oauth,omitempty"`
	Watcher    WatcherConfig               `mapstructure:"watcher" yaml:"watcher"`
}

// APIConfig configures the local HTTP API.
type APIConfig struct {
	Addr        string   `mapstructure:"addr" yaml:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// GenerationConfig configures the model used for drafts.
type GenerationConfig struct {
	APIKey   string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL  string `mapstructure:"base_url" yaml:"base_url"`
	Model    string `mapstructure:"model" yaml:"model"`
	Platform string `mapstructure:"platform" yaml:"platform"`
	Tone     string `mapstructure:"tone" yaml:"tone"`
	// Hosted marks APIKey as a devcast hosted-generation key. Drafts generated
	// with it cost credits; a user's own key and the placeholder are free.
	Hosted bool `mapstructure:"hosted" yaml:"hosted"`
}

// LedgerConfig configures the credit ledger backend.
type LedgerConfig struct {
	WelcomeBonus int64 `mapstructure:"welcome_bonus" yaml:"welcome_bonus"`
	// PostgresURL selects the shared Postgres ledger instead of local SQLite.
	PostgresURL string `mapstructure:"postgres_url" yaml:"postgres_url"`
}

// RedisConfig configures cross-device balance notifications.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// WatcherConfig configures the built-in event sources.
type WatcherConfig struct {
	Paths        []string      `mapstructure:"paths" yaml:"paths"`
	Extensions   []string      `mapstructure:"extensions" yaml:"extensions"`
	Debounce     time.Duration `mapstructure:"debounce" yaml:"debounce"`
	GitRepo      string        `mapstructure:"git_repo" yaml:"git_repo"`
	GitPollEvery time.Duration `mapstructure:"git_poll_every" yaml:"git_poll_every"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		UserID:  "local",
		DataDir: filepath.Join(home, ".devcast"),
		API: APIConfig{
			Addr:        "127.0.0.1:7467",
			CORSOrigins: []string{"http://localhost:*", "app://devcast"},
		},
		Generation: GenerationConfig{
			Platform: string(models.PlatformX),
		},
		Batch:     batch.DefaultConfig(),
		Ledger:    LedgerConfig{WelcomeBonus: 10},
		Platforms: platforms.DefaultConfig(),
		Watcher: WatcherConfig{
			Extensions:   []string{".go", ".ts", ".tsx", ".js", ".py", ".rs", ".md"},
			Debounce:     2 * time.Second,
			GitPollEvery: 30 * time.Second,
		},
	}
}

// DefaultPath returns ~/.devcast/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".devcast", "config.yaml")
}

// Load reads configuration. An empty path means DefaultPath; a missing file
// is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("user_id", d.UserID)
	v.SetDefault("data_dir", d.DataDir)

	v.SetDefault("api.addr", d.API.Addr)
	v.SetDefault("api.cors_origins", d.API.CORSOrigins)

	v.SetDefault("generation.api_key", "")
	v.SetDefault("generation.base_url", "")
	v.SetDefault("generation.model", "")
	v.SetDefault("generation.platform", d.Generation.Platform)
	v.SetDefault("generation.tone", "")
	v.SetDefault("generation.hosted", false)

	v.SetDefault("batch.window", d.Batch.Window)
	v.SetDefault("batch.max_size", d.Batch.MaxSize)
	v.SetDefault("batch.timeout", d.Batch.Timeout)

	v.SetDefault("ledger.welcome_bonus", d.Ledger.WelcomeBonus)
	v.SetDefault("ledger.postgres_url", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("platforms.x_base_url", d.Platforms.XBaseURL)
	v.SetDefault("platforms.reddit_base_url", d.Platforms.RedditBaseURL)
	v.SetDefault("platforms.reddit_subreddit", "")
	v.SetDefault("platforms.discord_base_url", d.Platforms.DiscordBaseURL)
	v.SetDefault("platforms.discord_channel", "")
	v.SetDefault("platforms.discord_guild", "")
	v.SetDefault("platforms.user_agent", d.Platforms.UserAgent)
	v.SetDefault("platforms.smtp.host", "")
	v.SetDefault("platforms.smtp.port", d.Platforms.SMTP.Port)
	v.SetDefault("platforms.smtp.username", "")
	v.SetDefault("platforms.smtp.password", "")
	v.SetDefault("platforms.smtp.from", "")
	v.SetDefault("platforms.smtp.to", []string{})

	v.SetDefault("watcher.paths", []string{})
	v.SetDefault("watcher.extensions", d.Watcher.Extensions)
	v.SetDefault("watcher.debounce", d.Watcher.Debounce)
	v.SetDefault("watcher.git_repo", "")
	v.SetDefault("watcher.git_poll_every", d.Watcher.GitPollEvery)
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("user_id must not be empty")
	}
	if !models.Platform(c.Generation.Platform).Valid() {
		return fmt.Errorf("generation.platform %q is not one of x, reddit, discord, email", c.Generation.Platform)
	}
	if c.Batch.MaxSize < 1 {
		return fmt.Errorf("batch.max_size must be at least 1")
	}
	if c.Batch.Window <= 0 || c.Batch.Timeout <= 0 {
		return fmt.Errorf("batch.window and batch.timeout must be positive")
	}
	if c.Ledger.WelcomeBonus < 0 {
		return fmt.Errorf("ledger.welcome_bonus must not be negative")
	}
	return nil
}

// TargetPlatform returns the platform drafts are written for.
func (c *Config) TargetPlatform() models.Platform {
	return models.Platform(c.Generation.Platform)
}

// ChargesForGeneration reports whether drafts are generated on a hosted key
// and so cost credits. Without any key the placeholder generator runs, which
// is never charged.
func (c *Config) ChargesForGeneration() bool {
	return c.Generation.Hosted && c.Generation.APIKey != ""
}

// OAuthClients returns the refresh configuration keyed by platform.
func (c *Config) OAuthClients() map[models.Platform]auth.OAuthClient {
	out := make(map[models.Platform]auth.OAuthClient, len(c.OAuth))
	for name, client := range c.OAuth {
		if p := models.Platform(name); p.Valid() {
			out[p] = client
		}
	}
	return out
}

// DBPath returns the SQLite database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "devcast.db")
}

// WriteDefault writes the default configuration to path as YAML. It refuses
// to overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

const redacted = "********"

// Redacted returns a copy of c with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}
	out.Generation.APIKey = mask(c.Generation.APIKey)
	out.Redis.Password = mask(c.Redis.Password)
	out.Platforms.SMTP.Password = mask(c.Platforms.SMTP.Password)
	if c.Ledger.PostgresURL != "" {
		out.Ledger.PostgresURL = redactURL(c.Ledger.PostgresURL)
	}
	if len(c.OAuth) > 0 {
		out.OAuth = make(map[string]auth.OAuthClient, len(c.OAuth))
		for name, client := range c.OAuth {
			client.ClientSecret = mask(client.ClientSecret)
			out.OAuth[name] = client
		}
	}
	return &out
}

// redactURL masks the password in a connection URL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return redacted
	}
	return u.Redacted()
}

// YAML encodes c as it would appear in the config file.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
