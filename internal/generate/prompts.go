package generate

import (
	"fmt"
	"strings"

	"github.com/fentz26/devcast/internal/models"
)

// Delimiter separates per-event drafts in a merged generation response.
const Delimiter = "---DRAFT---"

// maxSnippet bounds the code excerpt included per event in a merged prompt.
const maxSnippet = 500

const systemPrompt = "You write short, honest build-in-public posts for software developers. " +
	"Never invent features that are not in the provided context. No hashtags unless asked."

// Item is one event to write about.
type Item struct {
	Event    models.InputEvent
	Platform models.Platform
	Tone     string
}

// SchemaFor returns the output schema for a platform.
func SchemaFor(p models.Platform) Schema {
	switch p {
	case models.PlatformReddit:
		return Schema{Name: "reddit_post", RequireTitle: true}
	case models.PlatformEmail:
		return Schema{Name: "email", RequireTitle: true}
	case models.PlatformX:
		return Schema{Name: "x_post"}
	case models.PlatformDiscord:
		return Schema{Name: "discord_message"}
	}
	return Schema{Name: "draft"}
}

func platformGuidelines(p models.Platform) string {
	switch p {
	case models.PlatformX:
		return "Write for X. Keep each post under 280 characters. If it needs more room, write a thread and separate posts with a blank line."
	case models.PlatformReddit:
		return "Write a Reddit post with a descriptive title and a body in markdown. Be specific and avoid marketing tone."
	case models.PlatformDiscord:
		return "Write a casual Discord message for a developer community channel. Markdown is fine. Under 1500 characters."
	case models.PlatformEmail:
		return "Write a short update email with a subject line as the title and a plain-text body."
	}
	return "Write a short social media post."
}

func toneLine(tone string) string {
	if strings.TrimSpace(tone) == "" {
		return ""
	}
	return "Tone: " + strings.TrimSpace(tone) + "\n"
}

// BuildPrompt builds the prompt for a single event.
func BuildPrompt(it Item) string {
	var b strings.Builder
	b.WriteString(platformGuidelines(it.Platform))
	b.WriteString("\n")
	b.WriteString(toneLine(it.Tone))
	fmt.Fprintf(&b, "\nWhat happened (%s):\n%s\n", it.Event.Source, strings.TrimSpace(it.Event.Context))
	if it.Event.CodeSnippet != "" {
		fmt.Fprintf(&b, "\nRelevant code:\n```\n%s\n```\n", it.Event.CodeSnippet)
	}
	return b.String()
}

// BuildBatchPrompt merges several events into one prompt asking for one
// draft per event, separated by Delimiter. Platform and tone are taken from
// the first item; a batch shares one destination.
func BuildBatchPrompt(items []Item) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(platformGuidelines(items[0].Platform))
	b.WriteString("\n")
	b.WriteString(toneLine(items[0].Tone))
	fmt.Fprintf(&b, "\nBelow are %d separate development events. Write exactly one post per event, in the same order. ", len(items))
	fmt.Fprintf(&b, "Put the line %s between consecutive posts and nowhere else. Return all posts in the content field.\n", Delimiter)
	if SchemaFor(items[0].Platform).RequireTitle {
		b.WriteString("Start each post with a line of the form \"Title: <title>\".\n")
	}

	for i, it := range items {
		fmt.Fprintf(&b, "\n[Event %d] [%s]\n%s\n", i+1, it.Event.Source.Tag(), strings.TrimSpace(it.Event.Context))
		if it.Event.CodeSnippet != "" {
			fmt.Fprintf(&b, "Code excerpt:\n```\n%s\n```\n", truncate(it.Event.CodeSnippet, maxSnippet))
		}
	}
	return b.String()
}

// SplitBatchOutput splits a merged response into n drafts, one per request
// position. Positions the model left empty or did not return reuse the last
// non-empty segment rather than failing. A delimiter before the first draft
// is ignored.
func SplitBatchOutput(content string, n int) []string {
	if n <= 0 {
		return nil
	}
	parts := strings.Split(content, Delimiter)
	if len(parts) > 1 && strings.TrimSpace(parts[0]) == "" {
		parts = parts[1:]
	}

	segments := make([]string, len(parts))
	fallback := ""
	for i, part := range parts {
		segments[i] = strings.TrimSpace(part)
		if segments[i] != "" {
			fallback = segments[i]
		}
	}

	out := make([]string, n)
	for i := range out {
		if i < len(segments) && segments[i] != "" {
			out[i] = segments[i]
		} else {
			out[i] = fallback
		}
	}
	return out
}

// SplitTitle separates a leading "Title:" line from a merged segment.
func SplitTitle(segment string) (title, body string) {
	first, rest, found := strings.Cut(segment, "\n")
	if !found {
		return "", segment
	}
	trimmed := strings.TrimSpace(first)
	if len(trimmed) > len("title:") && strings.EqualFold(trimmed[:len("title:")], "title:") {
		return strings.TrimSpace(trimmed[len("title:"):]), strings.TrimSpace(rest)
	}
	return "", segment
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "\n... (truncated)"
}
