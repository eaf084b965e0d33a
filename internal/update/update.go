// Package update reports the build version and checks GitHub for newer releases.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const (
	// GitHubRepo is the repository to check for releases.
	GitHubRepo = "fentz26/devcast"
	// DefaultAPIURL is the GitHub API base.
	DefaultAPIURL = "https://api.github.com"
	// CheckInterval is the minimum time between network checks.
	CheckInterval = 24 * time.Hour
)

// Version is set at build time via -ldflags.
var Version = "0.1.0-dev"

// Release is the subset of a GitHub release we read.
type Release struct {
	TagName string  `json:"tag_name"`
	HTMLURL string  `json:"html_url"`
	Assets  []Asset `json:"assets"`
}

// Asset is a downloadable release file.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// Cache stores the last check so we hit GitHub at most once a day.
type Cache struct {
	LastCheck     int64  `json:"last_check"`
	LatestVersion string `json:"latest_version"`
	ReleaseURL    string `json:"release_url"`
	DownloadURL   string `json:"download_url"`
}

// Result is the outcome of a check.
type Result struct {
	Current     string
	Latest      string
	ReleaseURL  string
	DownloadURL string
	HasUpdate   bool
	Cached      bool
}

// Checker checks for releases and caches the answer under dir.
type Checker struct {
	dir     string
	apiURL  string
	client  *http.Client
	now     func() time.Time
	current string
}

// NewChecker creates a checker that caches under dir.
func NewChecker(dir string) *Checker {
	return &Checker{
		dir:     dir,
		apiURL:  DefaultAPIURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		now:     time.Now,
		current: Version,
	}
}

// Check returns the latest release, using the cache unless force is set or
// the cache is older than CheckInterval.
func (c *Checker) Check(ctx context.Context, force bool) (*Result, error) {
	if !force {
		if cache, err := c.loadCache(); err == nil && c.now().Sub(time.Unix(cache.LastCheck, 0)) < CheckInterval {
			return c.result(cache, true), nil
		}
	}

	rel, err := c.latest(ctx)
	if err != nil {
		return nil, err
	}

	cache := &Cache{
		LastCheck:     c.now().Unix(),
		LatestVersion: strings.TrimPrefix(rel.TagName, "v"),
		ReleaseURL:    rel.HTMLURL,
		DownloadURL:   findAssetURL(rel.Assets, runtime.GOOS, runtime.GOARCH),
	}
	_ = c.saveCache(cache)
	return c.result(cache, false), nil
}

func (c *Checker) result(cache *Cache, cached bool) *Result {
	current := strings.TrimPrefix(c.current, "v")
	return &Result{
		Current:     current,
		Latest:      cache.LatestVersion,
		ReleaseURL:  cache.ReleaseURL,
		DownloadURL: cache.DownloadURL,
		HasUpdate:   Newer(cache.LatestVersion, current),
		Cached:      cached,
	}
}

func (c *Checker) latest(ctx context.Context) (*Release, error) {
	url := fmt.Sprintf("%s/repos/%s/releases?per_page=5", c.apiURL, GitHubRepo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to check for updates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API returned status %d", resp.StatusCode)
	}

	var releases []Release
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("failed to parse release info: %w", err)
	}
	if len(releases) == 0 {
		return nil, fmt.Errorf("no releases found")
	}
	return &releases[0], nil
}

func (c *Checker) cachePath() string {
	return filepath.Join(c.dir, "update_cache.json")
}

func (c *Checker) loadCache() (*Cache, error) {
	data, err := os.ReadFile(c.cachePath())
	if err != nil {
		return nil, err
	}
	var cache Cache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, err
	}
	return &cache, nil
}

func (c *Checker) saveCache(cache *Cache) error {
	if err := os.MkdirAll(c.dir, 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.cachePath(), data, 0600)
}

// Newer reports whether latest is a higher dotted version than current.
// Development builds never report an update.
func Newer(latest, current string) bool {
	if latest == "" || current == "dev" || strings.HasSuffix(current, "-dev") {
		return false
	}
	l, c := versionParts(latest), versionParts(current)
	for i := 0; i < 3; i++ {
		if l[i] != c[i] {
			return l[i] > c[i]
		}
	}
	return false
}

func versionParts(v string) [3]int {
	var out [3]int
	v, _, _ = strings.Cut(strings.TrimPrefix(v, "v"), "-")
	for i, p := range strings.SplitN(v, ".", 3) {
		n, _ := strconv.Atoi(p)
		out[i] = n
	}
	return out
}

// findAssetURL picks the release asset built for goos/goarch.
func findAssetURL(assets []Asset, goos, goarch string) string {
	archAliases := map[string][]string{
		"amd64": {"amd64", "x86_64", "x64"},
		"arm64": {"arm64", "aarch64"},
	}
	aliases, ok := archAliases[goarch]
	if !ok {
		aliases = []string{goarch}
	}

	for _, asset := range assets {
		name := strings.ToLower(asset.Name)
		if !strings.Contains(name, goos) {
			continue
		}
		for _, alias := range aliases {
			if strings.Contains(name, alias) {
				return asset.BrowserDownloadURL
			}
		}
	}
	return ""
}
