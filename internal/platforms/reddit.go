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

// RedditClient talks to the Reddit OAuth API.
type RedditClient struct {
	api       *api
	subreddit string
}

func (c *RedditClient) Platform() models.Platform { return models.PlatformReddit }

type redditListing struct {
	Data struct {
		Children []struct {
			Data redditThing `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditThing struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Author     string  `json:"author"`
	Title      string  `json:"title"`
	Body       string  `json:"body"`
	Selftext   string  `json:"selftext"`
	Permalink  string  `json:"permalink"`
	Context    string  `json:"context"`
	Score      int     `json:"score"`
	CreatedUTC float64 `json:"created_utc"`
}

func (t redditThing) createdAt() time.Time {
	return time.Unix(int64(t.CreatedUTC), 0).UTC()
}

func (t redditThing) link() string {
	path := t.Permalink
	if path == "" {
		path = t.Context
	}
	if path == "" {
		return ""
	}
	return "https://www.reddit.com" + path
}

// Post submits a self post. Posts go to the configured subreddit, or the
// user's profile when none is set.
func (c *RedditClient) Post(ctx context.Context, token string, p Post) (*models.PostResult, error) {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = firstLine(p.Content)
	}
	sr := c.subreddit
	if sr == "" {
		name, err := c.username(ctx, token)
		if err != nil {
			return nil, err
		}
		sr = "u_" + name
	}

	form := url.Values{}
	form.Set("api_type", "json")
	form.Set("kind", "self")
	form.Set("sr", sr)
	form.Set("title", title)
	form.Set("text", p.Content)

	var resp struct {
		JSON struct {
			Errors [][]interface{} `json:"errors"`
			Data   struct {
				ID   string `json:"id"`
				Name string `json:"name"`
				URL  string `json:"url"`
			} `json:"data"`
		} `json:"json"`
	}
	if err := c.api.postForm(ctx, token, "/api/submit", form, &resp); err != nil {
		return nil, err
	}
	if len(resp.JSON.Errors) > 0 {
		return nil, &APIError{Platform: models.PlatformReddit, Status: 200, Message: fmt.Sprintf("%v", resp.JSON.Errors[0])}
	}
	return &models.PostResult{
		Platform: models.PlatformReddit,
		IDs:      []string{resp.JSON.Data.Name},
		URL:      resp.JSON.Data.URL,
	}, nil
}

func (c *RedditClient) username(ctx context.Context, token string) (string, error) {
	var me struct {
		Name string `json:"name"`
	}
	if err := c.api.getJSON(ctx, token, "/api/v1/me", nil, &me); err != nil {
		return "", err
	}
	if me.Name == "" {
		return "", fmt.Errorf("reddit did not return a username")
	}
	return me.Name, nil
}

// FetchFeedback returns comment replies from the inbox.
func (c *RedditClient) FetchFeedback(ctx context.Context, token string, opts FeedbackOptions) ([]models.FeedbackItem, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(clamp(opts.Limit, 1, 100)))
	var listing redditListing
	if err := c.api.getJSON(ctx, token, "/message/inbox", q, &listing); err != nil {
		return nil, err
	}

	var items []models.FeedbackItem
	for _, child := range listing.Data.Children {
		t := child.Data
		if !opts.Since.IsZero() && t.createdAt().Before(opts.Since) {
			continue
		}
		items = append(items, models.FeedbackItem{
			ID:        t.Name,
			Platform:  models.PlatformReddit,
			Author:    t.Author,
			Body:      t.Body,
			URL:       t.link(),
			Score:     t.Score,
			CreatedAt: t.createdAt(),
		})
	}
	return items, nil
}

// ImportHistory returns the user's submitted posts.
func (c *RedditClient) ImportHistory(ctx context.Context, token string, limit int) ([]models.HistoryItem, error) {
	name, err := c.username(ctx, token)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(clamp(limit, 1, 100)))
	var listing redditListing
	if err := c.api.getJSON(ctx, token, "/user/"+url.PathEscape(name)+"/submitted", q, &listing); err != nil {
		return nil, err
	}

	items := make([]models.HistoryItem, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		t := child.Data
		items = append(items, models.HistoryItem{
			ID:        t.Name,
			Platform:  models.PlatformReddit,
			Title:     t.Title,
			Content:   t.Selftext,
			URL:       t.link(),
			CreatedAt: t.createdAt(),
		})
	}
	return items, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	if r := []rune(line); len(r) > 300 {
		line = string(r[:300])
	}
	return line
}
