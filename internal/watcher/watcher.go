// Package watcher turns local developer activity into input events: saved
// source files and new git commits.
package watcher

import (
	"context"
	"log"
	"unicode/utf8"

	"github.com/fentz26/devcast/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// maxSnippetBytes caps how much of a file or diff is attached to an event.
const maxSnippetBytes = 4096

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "devcast_watcher_events_total",
	Help: "Events emitted by local watchers, labeled by source and outcome",
}, []string{"source", "outcome"})

// Sink receives events. The orchestrator is the production sink.
type Sink interface {
	HandleEvent(ctx context.Context, event models.InputEvent) (id string, accepted bool, err error)
}

func deliver(ctx context.Context, sink Sink, ev models.InputEvent) {
	_, accepted, err := sink.HandleEvent(ctx, ev)
	switch {
	case err != nil:
		eventsTotal.WithLabelValues(string(ev.Source), "error").Inc()
	case !accepted:
		eventsTotal.WithLabelValues(string(ev.Source), "duplicate").Inc()
	default:
		eventsTotal.WithLabelValues(string(ev.Source), "accepted").Inc()
	}
	if err != nil {
		log.Printf("watcher: event %s rejected: %v", ev.ID, err)
	}
}

func clip(s string) string {
	if len(s) <= maxSnippetBytes {
		return s
	}
	n := maxSnippetBytes
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
