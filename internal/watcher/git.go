package watcher

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fentz26/devcast/internal/connectors"
	"github.com/fentz26/devcast/internal/models"
)

// maxCommitsPerPoll bounds how many new commits one poll reports.
const maxCommitsPerPoll = 20

const (
	fieldSep  = "\x1f"
	recordSep = "\x1e"
)

// GitPoller emits a version-control-commit event for each commit that lands
// on HEAD while it runs. Commits that exist when it starts are not reported.
type GitPoller struct {
	conn  connectors.Connector
	sink  Sink
	every time.Duration
	head  string
}

// NewGitPoller creates a poller that reads the repository through conn.
func NewGitPoller(conn connectors.Connector, sink Sink, every time.Duration) *GitPoller {
	if every <= 0 {
		every = 30 * time.Second
	}
	return &GitPoller{conn: conn, sink: sink, every: every}
}

// Run polls until ctx is cancelled.
func (p *GitPoller) Run(ctx context.Context) error {
	p.poll(ctx)

	ticker := time.NewTicker(p.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

type commit struct {
	hash    string
	subject string
	body    string
}

// poll compares HEAD against the last seen commit and reports what is new,
// oldest first.
func (p *GitPoller) poll(ctx context.Context) {
	head, err := p.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		log.Printf("watcher: %v", err)
		return
	}
	head = strings.TrimSpace(head)
	if head == "" || head == p.head {
		return
	}
	if p.head == "" {
		p.head = head
		return
	}

	commits, err := p.commitsSince(ctx, p.head)
	if err != nil {
		// History was rewritten; report only the new tip.
		commits, err = p.commitsSince(ctx, "")
		if err != nil {
			log.Printf("watcher: %v", err)
			return
		}
	}
	p.head = head

	for i := len(commits) - 1; i >= 0; i-- {
		c := commits[i]
		diff, err := p.git(ctx, "show", "--format=", "--stat", "--patch", "-U2", c.hash)
		if err != nil {
			log.Printf("watcher: %v", err)
		}
		text := c.subject
		if c.body != "" {
			text += "\n\n" + c.body
		}
		deliver(ctx, p.sink, models.InputEvent{
			ID:          "commit:" + c.hash,
			Source:      models.SourceCommit,
			Context:     text,
			CodeSnippet: clip(diff),
			Timestamp:   time.Now().UnixMilli(),
		})
	}
}

// commitsSince lists commits after base, newest first. An empty base lists
// only HEAD.
func (p *GitPoller) commitsSince(ctx context.Context, base string) ([]commit, error) {
	args := []string{"log", fmt.Sprintf("-n%d", maxCommitsPerPoll), "--format=%H" + fieldSep + "%s" + fieldSep + "%b" + recordSep}
	if base == "" {
		args[1] = "-n1"
	} else {
		args = append(args, base+"..HEAD")
	}
	out, err := p.git(ctx, args...)
	if err != nil {
		return nil, err
	}
	return parseLog(out), nil
}

func parseLog(out string) []commit {
	var commits []commit
	for _, rec := range strings.Split(out, recordSep) {
		rec = strings.TrimSpace(rec)
		if rec == "" {
			continue
		}
		parts := strings.SplitN(rec, fieldSep, 3)
		c := commit{hash: parts[0]}
		if len(parts) > 1 {
			c.subject = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			c.body = strings.TrimSpace(parts[2])
		}
		commits = append(commits, c)
	}
	return commits
}

func (p *GitPoller) git(ctx context.Context, args ...string) (string, error) {
	res, err := p.conn.Execute(ctx, "git", args)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", fmt.Errorf("git %s exited %d: %s", args[0], res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}
