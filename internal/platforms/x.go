package platforms

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/fentz26/devcast/internal/models"
)

// XClient talks to the X API v2.
type XClient struct {
	api *api
}

func (c *XClient) Platform() models.Platform { return models.PlatformX }

type xTweet struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	AuthorID  string    `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
	Metrics   struct {
		LikeCount int `json:"like_count"`
	} `json:"public_metrics"`
}

// Post publishes content as one tweet, or as a reply chain when the content
// has more than one blank-line separated part.
func (c *XClient) Post(ctx context.Context, token string, p Post) (*models.PostResult, error) {
	parts := SplitThread(p.Content)
	if len(parts) == 0 {
		return nil, fmt.Errorf("nothing to post")
	}

	result := &models.PostResult{Platform: models.PlatformX}
	replyTo := ""
	for i, text := range parts {
		body := map[string]interface{}{"text": text}
		if replyTo != "" {
			body["reply"] = map[string]string{"in_reply_to_tweet_id": replyTo}
		}
		var resp struct {
			Data xTweet `json:"data"`
		}
		if err := c.api.postJSON(ctx, token, "/2/tweets", body, &resp); err != nil {
			if i > 0 {
				result.URL = "https://x.com/i/web/status/" + result.IDs[0]
				return nil, &PartialPostError{Result: result, Total: len(parts), Err: err}
			}
			return nil, err
		}
		result.IDs = append(result.IDs, resp.Data.ID)
		replyTo = resp.Data.ID
	}
	result.URL = "https://x.com/i/web/status/" + result.IDs[0]
	return result, nil
}

func (c *XClient) me(ctx context.Context, token string) (string, error) {
	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.api.getJSON(ctx, token, "/2/users/me", nil, &resp); err != nil {
		return "", err
	}
	return resp.Data.ID, nil
}

func (c *XClient) timeline(ctx context.Context, token, kind string, limit int, since time.Time) ([]xTweet, error) {
	id, err := c.me(ctx, token)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("max_results", strconv.Itoa(clamp(limit, 5, 100)))
	q.Set("tweet.fields", "created_at,author_id,public_metrics")
	if !since.IsZero() {
		q.Set("start_time", since.UTC().Format(time.RFC3339))
	}
	var resp struct {
		Data []xTweet `json:"data"`
	}
	if err := c.api.getJSON(ctx, token, "/2/users/"+id+"/"+kind, q, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// FetchFeedback returns recent mentions.
func (c *XClient) FetchFeedback(ctx context.Context, token string, opts FeedbackOptions) ([]models.FeedbackItem, error) {
	tweets, err := c.timeline(ctx, token, "mentions", opts.Limit, opts.Since)
	if err != nil {
		return nil, err
	}
	items := make([]models.FeedbackItem, 0, len(tweets))
	for _, t := range tweets {
		items = append(items, models.FeedbackItem{
			ID:        t.ID,
			Platform:  models.PlatformX,
			Author:    t.AuthorID,
			Body:      t.Text,
			URL:       "https://x.com/i/web/status/" + t.ID,
			Score:     t.Metrics.LikeCount,
			CreatedAt: t.CreatedAt,
		})
	}
	return items, nil
}

// ImportHistory returns the user's own recent tweets.
func (c *XClient) ImportHistory(ctx context.Context, token string, limit int) ([]models.HistoryItem, error) {
	tweets, err := c.timeline(ctx, token, "tweets", limit, time.Time{})
	if err != nil {
		return nil, err
	}
	items := make([]models.HistoryItem, 0, len(tweets))
	for _, t := range tweets {
		items = append(items, models.HistoryItem{
			ID:        t.ID,
			Platform:  models.PlatformX,
			Content:   t.Text,
			URL:       "https://x.com/i/web/status/" + t.ID,
			CreatedAt: t.CreatedAt,
		})
	}
	return items, nil
}

func clamp(v, lo, hi int) int {
	if v <= 0 {
		return hi / 4
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
