package platforms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/devcast/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, h http.Handler, cfg Config) *Registry {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg.XBaseURL = srv.URL
	cfg.RedditBaseURL = srv.URL
	cfg.DiscordBaseURL = srv.URL
	return NewRegistry(cfg, srv.Client())
}

func TestSplitThread(t *testing.T) {
	assert.Equal(t, []string{"one"}, SplitThread("one"))
	assert.Equal(t, []string{"one\ntwo"}, SplitThread("one\ntwo"))
	assert.Equal(t, []string{"first", "second", "third"}, SplitThread("first\n\nsecond\r\n\r\nthird\n\n\n"))
	assert.Empty(t, SplitThread("  \n\n "))
}

func TestRegistryCoversEveryPlatform(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	for _, p := range models.AllPlatforms {
		c, err := r.Client(p)
		require.NoError(t, err)
		assert.Equal(t, p, c.Platform())
	}
	_, err := r.Client("myspace")
	assert.Error(t, err)
}

func TestXPost_ThreadRepliesInOrder(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]interface{}
	n := 0
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2/tweets", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		bodies = append(bodies, body)
		n++
		id := fmt.Sprintf("t%d", n)
		mu.Unlock()
		fmt.Fprintf(w, `{"data":{"id":%q,"text":"x"}}`, id)
	})
	r := newTestRegistry(t, h, Config{})
	c, _ := r.Client(models.PlatformX)

	res, err := c.Post(context.Background(), "tok", Post{Content: "part one\n\npart two\n\npart three"})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2", "t3"}, res.IDs)
	assert.Equal(t, "https://x.com/i/web/status/t1", res.URL)

	require.Len(t, bodies, 3)
	assert.Nil(t, bodies[0]["reply"])
	assert.Equal(t, "part two", bodies[1]["text"])
	assert.Equal(t, map[string]interface{}{"in_reply_to_tweet_id": "t1"}, bodies[1]["reply"])
	assert.Equal(t, map[string]interface{}{"in_reply_to_tweet_id": "t2"}, bodies[2]["reply"])
}

func TestXPost_SinglePart(t *testing.T) {
	calls := 0
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"data":{"id":"99"}}`))
	})
	c, _ := newTestRegistry(t, h, Config{}).Client(models.PlatformX)

	res, err := c.Post(context.Background(), "tok", Post{Content: "just one line\nand another"})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"99"}, res.IDs)
}

func TestXPost_RateLimited(t *testing.T) {
	reset := time.Now().Add(15 * time.Minute).Unix()
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-rate-limit-reset", fmt.Sprint(reset))
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"title":"Too Many Requests"}`))
	})
	c, _ := newTestRegistry(t, h, Config{}).Client(models.PlatformX)

	_, err := c.Post(context.Background(), "tok", Post{Content: "hello"})
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, models.PlatformX, rl.Platform)
	assert.Equal(t, reset, rl.ResetAt.Unix())
	assert.Contains(t, rl.Error(), "resets at")
}

func TestXPost_ServerError(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"detail":"Something broke"}`))
	})
	c, _ := newTestRegistry(t, h, Config{}).Client(models.PlatformX)

	_, err := c.Post(context.Background(), "tok", Post{Content: "hello"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 500, apiErr.Status)
	assert.Equal(t, "Something broke", apiErr.Message)
}

func TestXFetchFeedback(t *testing.T) {
	h := http.NewServeMux()
	h.HandleFunc("/2/users/me", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"id":"42"}}`))
	})
	h.HandleFunc("/2/users/42/mentions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "10", r.URL.Query().Get("max_results"))
		w.Write([]byte(`{"data":[{"id":"m1","text":"nice work","author_id":"7","created_at":"2024-05-01T10:00:00.000Z","public_metrics":{"like_count":3}}]}`))
	})
	c, _ := newTestRegistry(t, h, Config{}).Client(models.PlatformX)

	items, err := c.FetchFeedback(context.Background(), "tok", FeedbackOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "nice work", items[0].Body)
	assert.Equal(t, 3, items[0].Score)
	assert.Equal(t, 2024, items[0].CreatedAt.Year())
}

func TestRedditPost(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/submit", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "golang", r.PostForm.Get("sr"))
		assert.Equal(t, "Parser rewrite", r.PostForm.Get("title"))
		assert.Equal(t, "self", r.PostForm.Get("kind"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Write([]byte(`{"json":{"errors":[],"data":{"id":"abc","name":"t3_abc","url":"https://www.reddit.com/r/golang/comments/abc/"}}}`))
	})
	c, _ := newTestRegistry(t, h, Config{RedditSubreddit: "golang"}).Client(models.PlatformReddit)

	res, err := c.Post(context.Background(), "tok", Post{Title: "Parser rewrite", Content: "It is faster."})
	require.NoError(t, err)
	assert.Equal(t, []string{"t3_abc"}, res.IDs)
	assert.Contains(t, res.URL, "/r/golang/")
}

func TestRedditPost_SubmitErrors(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"json":{"errors":[["SUBREDDIT_NOTALLOWED","not allowed","sr"]]}}`))
	})
	c, _ := newTestRegistry(t, h, Config{RedditSubreddit: "golang"}).Client(models.PlatformReddit)

	_, err := c.Post(context.Background(), "tok", Post{Content: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SUBREDDIT_NOTALLOWED")
}

func TestRedditRateLimitRelativeReset(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-reset", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	reg := newTestRegistry(t, h, Config{})
	fixed := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	reg.reddit.api.now = func() time.Time { return fixed }

	_, err := reg.reddit.FetchFeedback(context.Background(), "tok", FeedbackOptions{})
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, fixed.Add(2*time.Minute), rl.ResetAt)
}

func TestRedditImportHistory(t *testing.T) {
	h := http.NewServeMux()
	h.HandleFunc("/api/v1/me", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"gopher"}`))
	})
	h.HandleFunc("/user/gopher/submitted", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"children":[{"data":{"name":"t3_1","title":"Hello","selftext":"body","permalink":"/r/go/comments/1/","created_utc":1714557600}}]}}`))
	})
	c, _ := newTestRegistry(t, h, Config{}).Client(models.PlatformReddit)

	items, err := c.ImportHistory(context.Background(), "tok", 5)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Hello", items[0].Title)
	assert.Equal(t, "https://www.reddit.com/r/go/comments/1/", items[0].URL)
}

func TestDiscordPost(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/channels/555/messages", r.URL.Path)
		assert.Equal(t, "Bot bot-token", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "**Release**\n\nv1 is out", body["content"])
		w.Write([]byte(`{"id":"m1","channel_id":"555"}`))
	})
	c, _ := newTestRegistry(t, h, Config{DiscordChannel: "555", DiscordGuild: "1"}).Client(models.PlatformDiscord)

	res, err := c.Post(context.Background(), "bot-token", Post{Title: "Release", Content: "v1 is out"})
	require.NoError(t, err)
	assert.Equal(t, "https://discord.com/channels/1/555/m1", res.URL)
}

func TestDiscordRetryAfter(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1.5")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	reg := newTestRegistry(t, h, Config{DiscordChannel: "555"})
	fixed := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	reg.discord.api.now = func() time.Time { return fixed }

	_, err := reg.discord.Post(context.Background(), "tok", Post{Content: "hi"})
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, fixed.Add(1500*time.Millisecond), rl.ResetAt)
}

func TestDiscordFeedbackSkipsBots(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"id":"1","content":"our post","author":{"username":"devcast","bot":true}},
			{"id":"2","content":"cool!","author":{"username":"sam"},"reactions":[{"count":2},{"count":1}]}
		]`))
	})
	reg := newTestRegistry(t, h, Config{DiscordChannel: "555"})

	items, err := reg.discord.FetchFeedback(context.Background(), "tok", FeedbackOptions{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "sam", items[0].Author)
	assert.Equal(t, 3, items[0].Score)

	history, err := reg.discord.ImportHistory(context.Background(), "tok", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "our post", history[0].Content)
}

func TestDiscordRequiresChannel(t *testing.T) {
	reg := NewRegistry(Config{}, nil)
	_, err := reg.discord.Post(context.Background(), "tok", Post{Content: "hi"})
	assert.Error(t, err)
}

func TestEmailPost(t *testing.T) {
	c := NewEmailClient(SMTPConfig{Host: "smtp.example.com", From: "me@example.com", To: []string{"list@example.com"}, Username: "me", Password: "pw"})

	var gotAddr string
	var gotMsg string
	c.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotMsg = string(msg)
		assert.NotNil(t, a)
		assert.Equal(t, []string{"list@example.com"}, to)
		return nil
	}

	res, err := c.Post(context.Background(), "", Post{Title: "Weekly\nupdate", Content: "Shipped things"})
	require.NoError(t, err)
	assert.Equal(t, models.PlatformEmail, res.Platform)
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Contains(t, gotMsg, "Subject: Weekly update\r\n")
	assert.True(t, strings.HasSuffix(gotMsg, "Shipped things\r\n"))
}

func TestEmailUnconfiguredAndUnsupported(t *testing.T) {
	c := NewEmailClient(SMTPConfig{})
	_, err := c.Post(context.Background(), "", Post{Content: "x"})
	assert.Error(t, err)

	_, err = c.FetchFeedback(context.Background(), "", FeedbackOptions{})
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = c.ImportHistory(context.Background(), "", 1)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestResetTime(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	h := http.Header{}
	assert.True(t, resetTime(h, now).IsZero())

	h = http.Header{}
	h.Set("Retry-After", "Mon, 01 Jan 2024 00:05:00 GMT")
	assert.Equal(t, now.Add(5*time.Minute), resetTime(h, now).UTC())
}

func TestXPost_PartialThread(t *testing.T) {
	n := 0
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n++
		if n == 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, `{"data":{"id":"t%d"}}`, n)
	})
	c, _ := newTestRegistry(t, h, Config{}).Client(models.PlatformX)

	res, err := c.Post(context.Background(), "tok", Post{Content: "one\n\ntwo\n\nthree"})
	assert.Nil(t, res)
	var partial *PartialPostError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, []string{"t1"}, partial.Result.IDs)
	assert.Equal(t, 3, partial.Total)

	var apiErr *APIError
	assert.True(t, errors.As(err, &apiErr))
}
