package platforms

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/devcast/internal/models"
)

// discordLimit is the maximum message length Discord accepts.
const discordLimit = 2000

// DiscordClient posts to a channel through a bot token.
type DiscordClient struct {
	api     *api
	channel string
	guild   string
}

func (c *DiscordClient) Platform() models.Platform { return models.PlatformDiscord }

type discordMessage struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Author    struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Bot      bool   `json:"bot"`
	} `json:"author"`
	Reactions []struct {
		Count int `json:"count"`
	} `json:"reactions"`
}

func (c *DiscordClient) messageURL(id string) string {
	guild := c.guild
	if guild == "" {
		guild = "@me"
	}
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", guild, c.channel, id)
}

func (c *DiscordClient) requireChannel() error {
	if c.channel == "" {
		return fmt.Errorf("discord channel is not configured (platforms.discord_channel)")
	}
	return nil
}

// Post sends one message to the configured channel.
func (c *DiscordClient) Post(ctx context.Context, token string, p Post) (*models.PostResult, error) {
	if err := c.requireChannel(); err != nil {
		return nil, err
	}
	content := strings.TrimSpace(p.Content)
	if t := strings.TrimSpace(p.Title); t != "" {
		content = "**" + t + "**\n\n" + content
	}
	if r := []rune(content); len(r) > discordLimit {
		content = string(r[:discordLimit-1]) + "…"
	}

	var msg discordMessage
	if err := c.api.postJSON(ctx, token, "/channels/"+c.channel+"/messages", map[string]string{"content": content}, &msg); err != nil {
		return nil, err
	}
	return &models.PostResult{
		Platform: models.PlatformDiscord,
		IDs:      []string{msg.ID},
		URL:      c.messageURL(msg.ID),
	}, nil
}

func (c *DiscordClient) recent(ctx context.Context, token string, limit int) ([]discordMessage, error) {
	if err := c.requireChannel(); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(clamp(limit, 1, 100)))
	var msgs []discordMessage
	if err := c.api.getJSON(ctx, token, "/channels/"+c.channel+"/messages", q, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// FetchFeedback returns recent messages in the channel from people other
// than the bot.
func (c *DiscordClient) FetchFeedback(ctx context.Context, token string, opts FeedbackOptions) ([]models.FeedbackItem, error) {
	msgs, err := c.recent(ctx, token, opts.Limit)
	if err != nil {
		return nil, err
	}
	var items []models.FeedbackItem
	for _, m := range msgs {
		if m.Author.Bot {
			continue
		}
		if !opts.Since.IsZero() && m.Timestamp.Before(opts.Since) {
			continue
		}
		score := 0
		for _, r := range m.Reactions {
			score += r.Count
		}
		items = append(items, models.FeedbackItem{
			ID:        m.ID,
			Platform:  models.PlatformDiscord,
			Author:    m.Author.Username,
			Body:      m.Content,
			URL:       c.messageURL(m.ID),
			Score:     score,
			CreatedAt: m.Timestamp,
		})
	}
	return items, nil
}

// ImportHistory returns the bot's own recent messages in the channel.
func (c *DiscordClient) ImportHistory(ctx context.Context, token string, limit int) ([]models.HistoryItem, error) {
	msgs, err := c.recent(ctx, token, limit)
	if err != nil {
		return nil, err
	}
	var items []models.HistoryItem
	for _, m := range msgs {
		if !m.Author.Bot {
			continue
		}
		items = append(items, models.HistoryItem{
			ID:        m.ID,
			Platform:  models.PlatformDiscord,
			Content:   m.Content,
			URL:       c.messageURL(m.ID),
			CreatedAt: m.Timestamp,
		})
	}
	return items, nil
}
