// Package batch coalesces bursts of input events into as few generation
// calls as possible.
//
// A Queue buffers requests in arrival order. Every Enqueue restarts a
// debounce timer; when the timer fires, or as soon as the buffer reaches
// MaxSize, the buffered requests are flushed as one batch. At most one
// generation call is outstanding at a time. Requests that arrive during a
// flush start their own cycle once it completes.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fentz26/devcast/internal/generate"
	"github.com/fentz26/devcast/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrClosed            = errors.New("batch queue closed")
	ErrGenerationTimeout = errors.New("generation timed out")
)

var (
	flushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devcast_batch_flushes_total",
		Help: "Batch flushes, labeled by what triggered them",
	}, []string{"reason"})

	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "devcast_batch_size",
		Help:    "Number of requests per flushed batch",
		Buckets: []float64{1, 2, 3, 4, 5, 8, 13},
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devcast_batch_queue_depth",
		Help: "Requests buffered and not yet flushed",
	})
)

// Config controls batching.
type Config struct {
	Window  time.Duration `json:"window" yaml:"window" mapstructure:"window"`
	MaxSize int           `json:"max_size" yaml:"max_size" mapstructure:"max_size"`
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

// DefaultConfig returns the default batching configuration.
func DefaultConfig() Config {
	return Config{
		Window:  3 * time.Second,
		MaxSize: 5,
		Timeout: 60 * time.Second,
	}
}

// Result is the outcome of one queued request.
type Result struct {
	Output generate.Output
	Err    error
}

type request struct {
	item   generate.Item
	result chan Result
}

// Queue is a debouncing, size-capped, single-flight batch queue.
type Queue struct {
	gen generate.Generator
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	buf        []*request
	timer      *time.Timer
	timerSeq   uint64
	processing bool
	closed     bool
}

// New creates a queue that sends batches to gen. Zero fields in cfg take
// their defaults.
func New(gen generate.Generator, cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		gen:    gen,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue adds an event to the buffer. It never blocks. The returned channel
// receives exactly one Result once the event's batch has been processed.
func (q *Queue) Enqueue(event models.InputEvent, platform models.Platform, tone string) <-chan Result {
	r := &request{
		item:   generate.Item{Event: event, Platform: platform, Tone: tone},
		result: make(chan Result, 1),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		r.result <- Result{Err: ErrClosed}
		return r.result
	}

	q.buf = append(q.buf, r)
	queueDepth.Set(float64(len(q.buf)))

	if q.processing {
		// Picked up when the in-flight batch completes.
		return r.result
	}
	if len(q.buf) >= q.cfg.MaxSize {
		q.stopTimerLocked()
		q.flushLocked("size")
		return r.result
	}
	q.startTimerLocked()
	return r.result
}

// Len returns the number of buffered requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Processing reports whether a generation call is in flight.
func (q *Queue) Processing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Close rejects buffered requests with ErrClosed and cancels any in-flight
// generation call. Later Enqueue calls are rejected immediately.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.stopTimerLocked()
	pending := q.buf
	q.buf = nil
	queueDepth.Set(0)
	q.mu.Unlock()

	q.cancel()
	for _, r := range pending {
		r.result <- Result{Err: ErrClosed}
	}
}

// startTimerLocked (re)starts the debounce timer. A timer that already fired
// but has not yet taken the lock sees a stale sequence number and does nothing.
func (q *Queue) startTimerLocked() {
	q.stopTimerLocked()
	seq := q.timerSeq
	q.timer = time.AfterFunc(q.cfg.Window, func() { q.onTimer(seq) })
}

func (q *Queue) stopTimerLocked() {
	q.timerSeq++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *Queue) onTimer(seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if seq != q.timerSeq || q.closed || q.processing || len(q.buf) == 0 {
		return
	}
	q.timer = nil
	q.flushLocked("window")
}

// flushLocked takes up to MaxSize requests off the buffer and processes them
// in the background. The caller must hold q.mu and must have checked that
// nothing is in flight.
func (q *Queue) flushLocked(reason string) {
	n := len(q.buf)
	if n > q.cfg.MaxSize {
		n = q.cfg.MaxSize
	}
	batch := make([]*request, n)
	copy(batch, q.buf[:n])
	q.buf = q.buf[n:]
	if len(q.buf) == 0 {
		q.buf = nil
	}
	queueDepth.Set(float64(len(q.buf)))

	q.processing = true
	flushesTotal.WithLabelValues(reason).Inc()
	batchSize.Observe(float64(n))

	go q.process(batch)
}

func (q *Queue) process(batch []*request) {
	results := q.run(batch)
	for i, r := range batch {
		r.result <- results[i]
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.processing = false
	if q.closed || len(q.buf) == 0 {
		return
	}
	if len(q.buf) >= q.cfg.MaxSize {
		q.flushLocked("size")
		return
	}
	q.startTimerLocked()
}

type reply struct {
	out generate.Output
	err error
}

// run performs one generation call for batch and fans the response out.
func (q *Queue) run(batch []*request) []Result {
	results := make([]Result, len(batch))

	items := make([]generate.Item, len(batch))
	for i, r := range batch {
		items[i] = r.item
	}

	var prompt string
	var schema generate.Schema
	if len(items) == 1 {
		prompt = generate.BuildPrompt(items[0])
		schema = generate.SchemaFor(items[0].Platform)
	} else {
		prompt = generate.BuildBatchPrompt(items)
		schema = generate.Schema{Name: "draft_batch"}
	}

	ctx, cancel := context.WithTimeout(q.ctx, q.cfg.Timeout)
	defer cancel()

	// Buffered so a generator that ignores ctx cannot leak this goroutine's send.
	done := make(chan reply, 1)
	go func() {
		out, err := q.gen.Generate(ctx, prompt, schema)
		done <- reply{out: out, err: err}
	}()

	var rep reply
	select {
	case rep = <-done:
	case <-ctx.Done():
		rep = reply{err: ctx.Err()}
	}

	if rep.err != nil {
		err := q.classify(rep.err)
		log.Printf("batch: generation failed for %d request(s): %v", len(batch), err)
		for i := range results {
			results[i] = Result{Err: err}
		}
		return results
	}

	if len(items) == 1 {
		results[0] = Result{Output: rep.out}
		return results
	}

	for i, segment := range generate.SplitBatchOutput(rep.out.Content, len(items)) {
		title, content := generate.SplitTitle(segment)
		results[i] = Result{Output: generate.Output{Title: title, Content: content}}
	}
	return results
}

func (q *Queue) classify(err error) error {
	switch {
	case q.ctx.Err() != nil:
		return ErrClosed
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w after %s", ErrGenerationTimeout, q.cfg.Timeout)
	}
	return err
}
