// Package platforms implements the network calls for each posting destination.
package platforms

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fentz26/devcast/internal/models"
)

// ErrUnsupported is returned for actions a platform does not offer.
var ErrUnsupported = errors.New("action not supported on this platform")

// Post is the content to publish.
type Post struct {
	Title   string
	Content string
}

// FeedbackOptions narrows a feedback fetch.
type FeedbackOptions struct {
	Limit int
	Since time.Time
}

// Client performs the external actions for one platform. token is the
// platform access token; platforms that need none ignore it.
type Client interface {
	Platform() models.Platform
	Post(ctx context.Context, token string, p Post) (*models.PostResult, error)
	FetchFeedback(ctx context.Context, token string, opts FeedbackOptions) ([]models.FeedbackItem, error)
	ImportHistory(ctx context.Context, token string, limit int) ([]models.HistoryItem, error)
}

// Config holds endpoints and per-platform settings.
type Config struct {
	XBaseURL        string     `mapstructure:"x_base_url" yaml:"x_base_url"`
	RedditBaseURL   string     `mapstructure:"reddit_base_url" yaml:"reddit_base_url"`
	RedditSubreddit string     `mapstructure:"reddit_subreddit" yaml:"reddit_subreddit"`
	DiscordBaseURL  string     `mapstructure:"discord_base_url" yaml:"discord_base_url"`
	DiscordChannel  string     `mapstructure:"discord_channel" yaml:"discord_channel"`
	DiscordGuild    string     `mapstructure:"discord_guild" yaml:"discord_guild"`
	SMTP            SMTPConfig `mapstructure:"smtp" yaml:"smtp"`
	UserAgent       string     `mapstructure:"user_agent" yaml:"user_agent"`
}

// SMTPConfig configures the email channel.
type SMTPConfig struct {
	Host     string   `mapstructure:"host" yaml:"host"`
	Port     int      `mapstructure:"port" yaml:"port"`
	Username string   `mapstructure:"username" yaml:"username"`
	Password string   `mapstructure:"password" yaml:"password"`
	From     string   `mapstructure:"from" yaml:"from"`
	To       []string `mapstructure:"to" yaml:"to"`
}

// DefaultConfig returns the public API endpoints.
func DefaultConfig() Config {
	return Config{
		XBaseURL:       "https://api.x.com",
		RedditBaseURL:  "https://oauth.reddit.com",
		DiscordBaseURL: "https://discord.com/api/v10",
		SMTP:           SMTPConfig{Port: 587},
		UserAgent:      "devcast/1.0",
	}
}

// Registry resolves a Client for each platform.
type Registry struct {
	x       *XClient
	reddit  *RedditClient
	discord *DiscordClient
	email   *EmailClient
}

// NewRegistry builds clients for every platform from cfg.
func NewRegistry(cfg Config, httpClient *http.Client) *Registry {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	def := DefaultConfig()
	if cfg.XBaseURL == "" {
		cfg.XBaseURL = def.XBaseURL
	}
	if cfg.RedditBaseURL == "" {
		cfg.RedditBaseURL = def.RedditBaseURL
	}
	if cfg.DiscordBaseURL == "" {
		cfg.DiscordBaseURL = def.DiscordBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	return &Registry{
		x:       &XClient{api: newAPI(models.PlatformX, cfg.XBaseURL, cfg.UserAgent, "Bearer ", httpClient)},
		reddit:  &RedditClient{api: newAPI(models.PlatformReddit, cfg.RedditBaseURL, cfg.UserAgent, "Bearer ", httpClient), subreddit: cfg.RedditSubreddit},
		discord: &DiscordClient{api: newAPI(models.PlatformDiscord, cfg.DiscordBaseURL, cfg.UserAgent, "Bot ", httpClient), channel: cfg.DiscordChannel, guild: cfg.DiscordGuild},
		email:   NewEmailClient(cfg.SMTP),
	}
}

// Client returns the client for p.
func (r *Registry) Client(p models.Platform) (Client, error) {
	switch p {
	case models.PlatformX:
		return r.x, nil
	case models.PlatformReddit:
		return r.reddit, nil
	case models.PlatformDiscord:
		return r.discord, nil
	case models.PlatformEmail:
		return r.email, nil
	}
	return nil, fmt.Errorf("unknown platform %q", p)
}

// SplitThread splits content into thread parts on blank lines.
func SplitThread(content string) []string {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	var parts []string
	for _, block := range strings.Split(normalized, "\n\n") {
		if s := strings.TrimSpace(block); s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}
