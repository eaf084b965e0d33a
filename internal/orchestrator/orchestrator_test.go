package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fentz26/devcast/internal/batch"
	"github.com/fentz26/devcast/internal/executor"
	"github.com/fentz26/devcast/internal/gate"
	"github.com/fentz26/devcast/internal/generate"
	"github.com/fentz26/devcast/internal/ledger"
	"github.com/fentz26/devcast/internal/models"
	"github.com/fentz26/devcast/internal/platforms"
	"github.com/fentz26/devcast/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQueue settles every request immediately with result.
type fakeQueue struct {
	mu     sync.Mutex
	events []models.InputEvent
	result batch.Result
}

func (f *fakeQueue) Enqueue(ev models.InputEvent, p models.Platform, tone string) <-chan batch.Result {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	ch := make(chan batch.Result, 1)
	ch <- f.result
	return ch
}

func (f *fakeQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakePoster struct {
	calls int
	err   error
}

func (f *fakePoster) Post(ctx context.Context, p models.Platform, title, content string) (*models.PostResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.PostResult{Platform: p, IDs: []string{"1"}, URL: "https://example.com/1"}, nil
}

func newLedgerGate(t *testing.T, balance int64) (*ledger.Ledger, *gate.Gate) {
	s, err := store.New(filepath.Join(t.TempDir(), "devcast.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	l := ledger.New(s, nil, balance)
	_, err = l.EnsureAccount(context.Background(), "user-1")
	require.NoError(t, err)
	return l, gate.New(l, "user-1", nil)
}

func commit(id, ctx string) models.InputEvent {
	return models.InputEvent{ID: id, Source: models.SourceCommit, Context: ctx, Timestamp: time.Now().UnixMilli()}
}

func TestHandleEvent_CreatesCurrentDraft(t *testing.T) {
	_, g := newLedgerGate(t, 5)
	q := &fakeQueue{result: batch.Result{Output: generate.Output{Content: "New parser shipped"}}}
	o := New(q, g, &fakePoster{}, Config{Platform: models.PlatformX, OwnKey: true})

	id, accepted, err := o.HandleEvent(context.Background(), commit("e1", "rewrote parser"))
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, "e1", id)
	o.Wait()

	cur, ok := o.Current()
	require.True(t, ok)
	assert.Equal(t, "New parser shipped", cur.Content)
	assert.Equal(t, "e1", cur.EventID)
	assert.False(t, cur.Posted)
	assert.False(t, cur.Error)
}

func TestHandleEvent_DeduplicatesByID(t *testing.T) {
	_, g := newLedgerGate(t, 5)
	q := &fakeQueue{result: batch.Result{Output: generate.Output{Content: "x"}}}
	o := New(q, g, &fakePoster{}, Config{OwnKey: true})

	ts := time.Now().UnixMilli()
	a := models.InputEvent{ID: "same", Source: models.SourceCommit, Context: "a", Timestamp: ts}
	_, accepted, _ := o.HandleEvent(context.Background(), a)
	assert.True(t, accepted)
	_, accepted, _ = o.HandleEvent(context.Background(), a)
	assert.False(t, accepted)

	// A different event with the same timestamp is not a duplicate.
	b := models.InputEvent{ID: "other", Source: models.SourceFileWatcher, Context: "b", Timestamp: ts}
	_, accepted, _ = o.HandleEvent(context.Background(), b)
	assert.True(t, accepted)

	o.Wait()
	assert.Equal(t, 2, q.count())
	assert.Len(t, o.Drafts(), 2)
}

func TestHandleEvent_AssignsMissingID(t *testing.T) {
	_, g := newLedgerGate(t, 5)
	q := &fakeQueue{result: batch.Result{Output: generate.Output{Content: "x"}}}
	o := New(q, g, &fakePoster{}, Config{OwnKey: true})

	id, accepted, err := o.HandleEvent(context.Background(), models.InputEvent{Source: models.SourceAgentProgress, Context: "agent done"})
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.NotEmpty(t, id)
	o.Wait()
}

func TestHandleEvent_Validation(t *testing.T) {
	_, g := newLedgerGate(t, 5)
	o := New(&fakeQueue{}, g, &fakePoster{}, Config{})

	_, _, err := o.HandleEvent(context.Background(), models.InputEvent{Source: "keyboard", Context: "x"})
	assert.ErrorIs(t, err, ErrInvalidSource)
	_, _, err = o.HandleEvent(context.Background(), models.InputEvent{Source: models.SourceCommit})
	assert.ErrorIs(t, err, ErrInvalidContext)
}

func TestHandleEvent_HostedGenerationCharges(t *testing.T) {
	l, g := newLedgerGate(t, 3)
	q := &fakeQueue{result: batch.Result{Output: generate.Output{Content: "x"}}}
	o := New(q, g, &fakePoster{}, Config{})

	o.HandleEvent(context.Background(), commit("e1", "a"))
	o.Wait()
	assert.Equal(t, int64(2), l.Balance(context.Background(), "user-1"))
}

func TestHandleEvent_GenerationFailureRefundsAndShowsError(t *testing.T) {
	l, g := newLedgerGate(t, 3)
	q := &fakeQueue{result: batch.Result{Err: errors.New("model overloaded")}}
	o := New(q, g, &fakePoster{}, Config{})

	o.HandleEvent(context.Background(), commit("e1", "a"))
	o.Wait()

	cur, ok := o.Current()
	require.True(t, ok)
	assert.True(t, cur.Error)
	assert.Equal(t, GenerationFailedMessage, cur.Content)
	assert.NotContains(t, cur.Content, "model overloaded")
	assert.Equal(t, int64(3), l.Balance(context.Background(), "user-1"))
}

type brokenGate struct{}

func (brokenGate) RequireGeneration(ctx context.Context, ownKey bool, description string) (gate.Decision, error) {
	return gate.Decision{}, errors.New("deduct credits: sql: database is closed")
}

func (brokenGate) RefundCredits(ctx context.Context, amount int64, description string) error {
	return nil
}

func TestHandleEvent_ChargeErrorHidesDetail(t *testing.T) {
	q := &fakeQueue{}
	o := New(q, brokenGate{}, &fakePoster{}, Config{})

	_, accepted, err := o.HandleEvent(context.Background(), commit("e1", "a"))
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Zero(t, q.count())

	cur, ok := o.Current()
	require.True(t, ok)
	assert.True(t, cur.Error)
	assert.Equal(t, GenerationFailedMessage, cur.Content)
	assert.NotContains(t, cur.Content, "sql")
}

func TestHandleEvent_DeniedGenerationNeverQueues(t *testing.T) {
	_, g := newLedgerGate(t, 0)
	q := &fakeQueue{}
	o := New(q, g, &fakePoster{}, Config{})

	_, accepted, err := o.HandleEvent(context.Background(), commit("e1", "a"))
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Zero(t, q.count())

	cur, ok := o.Current()
	require.True(t, ok)
	assert.True(t, cur.Error)
	assert.Contains(t, cur.Content, "Not enough credits")
}

func TestPost_MarksPosted(t *testing.T) {
	_, g := newLedgerGate(t, 5)
	q := &fakeQueue{result: batch.Result{Output: generate.Output{Content: "x"}}}
	p := &fakePoster{}
	o := New(q, g, p, Config{OwnKey: true})

	var changes []models.Draft
	var mu sync.Mutex
	o.OnChange(func(d models.Draft) {
		mu.Lock()
		changes = append(changes, d)
		mu.Unlock()
	})

	o.HandleEvent(context.Background(), commit("e1", "a"))
	o.Wait()
	cur, _ := o.Current()

	res, err := o.Post(context.Background(), cur.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/1", res.URL)

	d, ok := o.Draft(cur.ID)
	require.True(t, ok)
	assert.True(t, d.Posted)
	assert.Equal(t, res.URL, d.PostURL)

	_, err = o.Post(context.Background(), cur.ID, "")
	assert.ErrorIs(t, err, ErrAlreadyPosted)
	assert.Equal(t, 1, p.calls)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 2)
	assert.False(t, changes[0].Posted)
	assert.True(t, changes[1].Posted)
}

func TestPost_RejectsErrorAndMissingDrafts(t *testing.T) {
	_, g := newLedgerGate(t, 5)
	q := &fakeQueue{result: batch.Result{Err: errors.New("boom")}}
	o := New(q, g, &fakePoster{}, Config{OwnKey: true})

	o.HandleEvent(context.Background(), commit("e1", "a"))
	o.Wait()
	cur, _ := o.Current()

	_, err := o.Post(context.Background(), cur.ID, "")
	assert.ErrorIs(t, err, ErrErrorDraft)
	_, err = o.Post(context.Background(), "nope", "")
	assert.ErrorIs(t, err, ErrDraftNotFound)
}

func TestSelect(t *testing.T) {
	_, g := newLedgerGate(t, 5)
	q := &fakeQueue{result: batch.Result{Output: generate.Output{Content: "x"}}}
	o := New(q, g, &fakePoster{}, Config{OwnKey: true})

	o.HandleEvent(context.Background(), commit("e1", "a"))
	o.Wait()
	o.HandleEvent(context.Background(), commit("e2", "b"))
	o.Wait()

	drafts := o.Drafts()
	require.Len(t, drafts, 2)
	assert.Equal(t, "e2", drafts[0].EventID)

	require.NoError(t, o.Select(drafts[1].ID))
	cur, _ := o.Current()
	assert.Equal(t, "e1", cur.EventID)
	assert.ErrorIs(t, o.Select("missing"), ErrDraftNotFound)
}

// A failed paid post is refunded and the draft stays unposted.
func TestPostFailureEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	l, g := newLedgerGate(t, 5)
	reg := platforms.NewRegistry(platforms.Config{XBaseURL: srv.URL}, srv.Client())
	exec := executor.New(g, tokens{}, reg, nil)
	q := &fakeQueue{result: batch.Result{Output: generate.Output{Content: "x"}}}
	o := New(q, g, exec, Config{Platform: models.PlatformX, OwnKey: true})

	o.HandleEvent(context.Background(), commit("e1", "a"))
	o.Wait()
	cur, _ := o.Current()

	_, err := o.Post(context.Background(), cur.ID, "")
	require.Error(t, err)

	d, _ := o.Draft(cur.ID)
	assert.False(t, d.Posted)
	assert.Equal(t, int64(5), l.Balance(context.Background(), "user-1"))
}

// A thread that stopped partway stays charged, so the draft is marked posted
// and a retry cannot publish the same parts again.
func TestPostPartialThreadCannotRepost(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"data":{"id":"111"}}`))
	}))
	defer srv.Close()

	l, g := newLedgerGate(t, 5)
	reg := platforms.NewRegistry(platforms.Config{XBaseURL: srv.URL}, srv.Client())
	exec := executor.New(g, tokens{}, reg, nil)
	q := &fakeQueue{result: batch.Result{Output: generate.Output{Content: "part one\n\npart two"}}}
	o := New(q, g, exec, Config{Platform: models.PlatformX, OwnKey: true})

	var changes []models.Draft
	var mu sync.Mutex
	o.OnChange(func(d models.Draft) {
		mu.Lock()
		changes = append(changes, d)
		mu.Unlock()
	})

	o.HandleEvent(context.Background(), commit("e1", "a"))
	o.Wait()
	cur, _ := o.Current()

	_, err := o.Post(context.Background(), cur.ID, "")
	var partial *platforms.PartialPostError
	require.True(t, errors.As(err, &partial))

	d, _ := o.Draft(cur.ID)
	assert.True(t, d.Posted)
	assert.True(t, d.Partial)
	assert.Equal(t, "https://x.com/i/web/status/111", d.PostURL)
	assert.Equal(t, int64(4), l.Balance(context.Background(), "user-1"))

	_, err = o.Post(context.Background(), cur.ID, "")
	assert.ErrorIs(t, err, ErrAlreadyPosted)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, changes)
	assert.True(t, changes[len(changes)-1].Partial)
}

type tokens struct{}

func (tokens) AccessToken(ctx context.Context, p models.Platform) (string, error) {
	return "tok", nil
}
