// Package orchestrator turns input events into drafts and drafts into posts.
//
// It deduplicates events by ID, charges for hosted generation, hands events
// to the batch queue and keeps the session's draft feed. Drafts live in
// memory only.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fentz26/devcast/internal/batch"
	"github.com/fentz26/devcast/internal/gate"
	"github.com/fentz26/devcast/internal/models"
	"github.com/fentz26/devcast/internal/platforms"
	"github.com/google/uuid"
)

var (
	ErrDraftNotFound  = errors.New("draft not found")
	ErrAlreadyPosted  = errors.New("draft already posted")
	ErrErrorDraft     = errors.New("cannot post a failed draft")
	ErrPostInProgress = errors.New("draft is already being posted")
	ErrInvalidSource  = errors.New("invalid event source")
	ErrInvalidContext = errors.New("event context is required")
)

// GenerationFailedMessage is the content of a draft whose generation failed.
// The cause is logged, not shown.
const GenerationFailedMessage = "Generation failed. Check the daemon log for details."

// Queue accepts events for generation.
type Queue interface {
	Enqueue(event models.InputEvent, platform models.Platform, tone string) <-chan batch.Result
}

// Gate charges and refunds generation.
type Gate interface {
	RequireGeneration(ctx context.Context, ownKey bool, description string) (gate.Decision, error)
	RefundCredits(ctx context.Context, amount int64, description string) error
}

// Poster publishes drafts.
type Poster interface {
	Post(ctx context.Context, platform models.Platform, title, content string) (*models.PostResult, error)
}

// Config selects where drafts are aimed.
type Config struct {
	Platform models.Platform
	Tone     string
	// OwnKey is true when the user supplied their own model API key, which
	// makes generation free.
	OwnKey bool
}

// Orchestrator owns the draft feed.
type Orchestrator struct {
	queue  Queue
	gate   Gate
	poster Poster
	cfg    Config

	mu        sync.Mutex
	seen      map[string]struct{}
	posting   map[string]struct{}
	drafts    []*models.Draft
	current   string
	nextID    int
	listeners map[int]func(models.Draft)

	pending sync.WaitGroup
}

// New creates an orchestrator.
func New(q Queue, g Gate, p Poster, cfg Config) *Orchestrator {
	if cfg.Platform == "" {
		cfg.Platform = models.PlatformX
	}
	return &Orchestrator{
		queue:     q,
		gate:      g,
		poster:    p,
		cfg:       cfg,
		seen:      make(map[string]struct{}),
		posting:   make(map[string]struct{}),
		listeners: make(map[int]func(models.Draft)),
	}
}

// HandleEvent submits event for generation unless an event with the same ID
// was already handled this session. It returns the event ID and whether the
// event was accepted. The draft appears in the feed when generation settles.
func (o *Orchestrator) HandleEvent(ctx context.Context, event models.InputEvent) (string, bool, error) {
	if !event.Source.Valid() {
		return "", false, fmt.Errorf("%w: %q", ErrInvalidSource, event.Source)
	}
	if event.Context == "" {
		return "", false, ErrInvalidContext
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	o.mu.Lock()
	if _, dup := o.seen[event.ID]; dup {
		o.mu.Unlock()
		return event.ID, false, nil
	}
	o.seen[event.ID] = struct{}{}
	o.mu.Unlock()

	d, err := o.gate.RequireGeneration(ctx, o.cfg.OwnKey, "Generate draft")
	if err != nil {
		log.Printf("orchestrator: generation charge for event %s failed: %v", event.ID, err)
		o.addError(event, GenerationFailedMessage)
		return event.ID, true, nil
	}
	if !d.Allowed {
		o.addError(event, d.Error)
		return event.ID, true, nil
	}

	results := o.queue.Enqueue(event, o.cfg.Platform, o.cfg.Tone)
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		o.settle(event, d.Amount, <-results)
	}()
	return event.ID, true, nil
}

func (o *Orchestrator) settle(event models.InputEvent, charged int64, r batch.Result) {
	if r.Err != nil {
		log.Printf("orchestrator: generation for event %s failed: %v", event.ID, r.Err)
		if charged > 0 {
			// The request context may be gone by now.
			if err := o.gate.RefundCredits(context.Background(), charged, "Refund: draft generation failed"); err != nil {
				log.Printf("orchestrator: generation refund failed: %v", err)
			}
		}
		o.addError(event, GenerationFailedMessage)
		return
	}

	o.add(&models.Draft{
		ID:        uuid.New().String(),
		EventID:   event.ID,
		Timestamp: time.Now().UTC(),
		Platform:  o.cfg.Platform,
		Title:     r.Output.Title,
		Content:   r.Output.Content,
	})
}

func (o *Orchestrator) addError(event models.InputEvent, msg string) {
	o.add(&models.Draft{
		ID:        uuid.New().String(),
		EventID:   event.ID,
		Timestamp: time.Now().UTC(),
		Platform:  o.cfg.Platform,
		Content:   msg,
		Error:     true,
	})
}

func (o *Orchestrator) add(d *models.Draft) {
	o.mu.Lock()
	o.drafts = append([]*models.Draft{d}, o.drafts...)
	o.current = d.ID
	snapshot := *d
	o.mu.Unlock()

	o.notify(snapshot)
}

// Post publishes a draft. An empty platform posts to the draft's own platform.
func (o *Orchestrator) Post(ctx context.Context, draftID string, platform models.Platform) (*models.PostResult, error) {
	o.mu.Lock()
	d := o.find(draftID)
	if d == nil {
		o.mu.Unlock()
		return nil, ErrDraftNotFound
	}
	if d.Error {
		o.mu.Unlock()
		return nil, ErrErrorDraft
	}
	if d.Posted {
		o.mu.Unlock()
		return nil, ErrAlreadyPosted
	}
	if _, busy := o.posting[draftID]; busy {
		o.mu.Unlock()
		return nil, ErrPostInProgress
	}
	o.posting[draftID] = struct{}{}
	if platform == "" {
		platform = d.Platform
	}
	title, content := d.Title, d.Content
	o.mu.Unlock()

	res, err := o.poster.Post(ctx, platform, title, content)

	var partial *platforms.PartialPostError
	isPartial := errors.As(err, &partial)

	o.mu.Lock()
	delete(o.posting, draftID)
	if err != nil && !isPartial {
		o.mu.Unlock()
		return nil, err
	}
	d.Posted = true
	if isPartial {
		d.Partial = true
		if partial.Result != nil {
			d.PostURL = partial.Result.URL
		}
	} else {
		d.PostURL = res.URL
	}
	snapshot := *d
	o.mu.Unlock()

	o.notify(snapshot)
	if isPartial {
		return nil, err
	}
	return res, nil
}

// Drafts returns the feed, newest first.
func (o *Orchestrator) Drafts() []models.Draft {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.Draft, len(o.drafts))
	for i, d := range o.drafts {
		out[i] = *d
	}
	return out
}

// Draft returns one draft by ID.
func (o *Orchestrator) Draft(id string) (models.Draft, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if d := o.find(id); d != nil {
		return *d, true
	}
	return models.Draft{}, false
}

// Current returns the selected draft.
func (o *Orchestrator) Current() (models.Draft, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if d := o.find(o.current); d != nil {
		return *d, true
	}
	return models.Draft{}, false
}

// Select makes id the current draft.
func (o *Orchestrator) Select(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.find(id) == nil {
		return ErrDraftNotFound
	}
	o.current = id
	return nil
}

// OnChange registers fn to be called with every new or updated draft.
func (o *Orchestrator) OnChange(fn func(models.Draft)) (unsubscribe func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.listeners, id)
	}
}

// Wait blocks until every accepted event has settled into a draft.
func (o *Orchestrator) Wait() {
	o.pending.Wait()
}

func (o *Orchestrator) find(id string) *models.Draft {
	for _, d := range o.drafts {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (o *Orchestrator) notify(d models.Draft) {
	o.mu.Lock()
	fns := make([]func(models.Draft), 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(d)
	}
}
