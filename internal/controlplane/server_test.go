package controlplane

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/devcast/internal/audit"
	"github.com/fentz26/devcast/internal/batch"
	"github.com/fentz26/devcast/internal/executor"
	"github.com/fentz26/devcast/internal/gate"
	"github.com/fentz26/devcast/internal/generate"
	"github.com/fentz26/devcast/internal/ledger"
	"github.com/fentz26/devcast/internal/models"
	"github.com/fentz26/devcast/internal/orchestrator"
	"github.com/fentz26/devcast/internal/platforms"
	"github.com/fentz26/devcast/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokens struct{}

func (tokens) AccessToken(ctx context.Context, p models.Platform) (string, error) {
	return "tok", nil
}

type testEnv struct {
	server *Server
	store  *store.Store
	orch   *orchestrator.Orchestrator
	ledger *ledger.Ledger
}

// newTestEnv wires the full pipeline against a placeholder generator and a
// fake X API that accepts every tweet.
func newTestEnv(t *testing.T, welcome int64) *testEnv {
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	xapi := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"id":"1700","text":"ok"}}`))
	}))
	t.Cleanup(xapi.Close)

	rec := audit.NewRecorder(st)
	l := ledger.New(st, nil, welcome)
	_, err = l.EnsureAccount(context.Background(), "local")
	require.NoError(t, err)
	g := gate.New(l, "local", rec)

	q := batch.New(generate.Placeholder{}, batch.Config{Window: 10 * time.Millisecond, MaxSize: 5, Timeout: time.Second})
	t.Cleanup(q.Close)

	reg := platforms.NewRegistry(platforms.Config{XBaseURL: xapi.URL}, xapi.Client())
	exec := executor.New(g, tokens{}, reg, rec)
	orch := orchestrator.New(q, g, exec, orchestrator.Config{Platform: models.PlatformX, OwnKey: true})

	svc := NewService(Deps{
		Orchestrator: orch,
		Executor:     exec,
		Ledger:       l,
		Gate:         g,
		Queue:        q,
		DB:           st,
		Audit:        st,
		Recorder:     rec,
	})
	return &testEnv{
		server: NewServer(svc, Options{Addr: "127.0.0.1:0", Version: "test"}),
		store:  st,
		orch:   orch,
		ledger: l,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(v))
}

func TestHealthEndpoint_OK(t *testing.T) {
	env := newTestEnv(t, 10)

	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var health HealthResponse
	decodeBody(t, w, &health)
	assert.True(t, health.OK)
	assert.Equal(t, "ok", health.DB)
	assert.Equal(t, "test", health.Version)
	assert.NotEmpty(t, health.Time)
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, 10)

	w := env.do(t, http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthEndpoint_DBError(t *testing.T) {
	env := newTestEnv(t, 10)
	env.store.Close()

	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var health HealthResponse
	decodeBody(t, w, &health)
	assert.False(t, health.OK)
	assert.NotEqual(t, "ok", health.DB)
}

func TestSubmitEvent_AcceptsAndDeduplicates(t *testing.T) {
	env := newTestEnv(t, 10)
	ev := map[string]interface{}{"id": "c1", "source": "version-control-commit", "context": "fix flaky test"}

	w := env.do(t, http.MethodPost, "/events", ev)
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp eventResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "c1", resp.ID)
	assert.True(t, resp.Accepted)

	w = env.do(t, http.MethodPost, "/events", ev)
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &resp)
	assert.False(t, resp.Accepted)

	env.orch.Wait()
	w = env.do(t, http.MethodGet, "/drafts", nil)
	var drafts []models.Draft
	decodeBody(t, w, &drafts)
	require.Len(t, drafts, 1)
	assert.Contains(t, drafts[0].Content, "[placeholder]")
}

func TestSubmitEvent_Validation(t *testing.T) {
	env := newTestEnv(t, 10)

	w := env.do(t, http.MethodPost, "/events", map[string]string{"source": "keyboard", "context": "x"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp ErrorResponse
	decodeBody(t, w, &resp)
	assert.Contains(t, resp.Details, "Source")

	w = env.do(t, http.MethodPost, "/events", map[string]string{"source": "file-watcher"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDraftPostFlow(t *testing.T) {
	env := newTestEnv(t, 10)

	env.do(t, http.MethodPost, "/events", map[string]string{"id": "a1", "source": "agent-progress", "context": "agent finished"})
	env.orch.Wait()

	w := env.do(t, http.MethodGet, "/drafts/current", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cur models.Draft
	decodeBody(t, w, &cur)

	w = env.do(t, http.MethodPost, "/drafts/"+cur.ID+"/post", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res models.PostResult
	decodeBody(t, w, &res)
	assert.Equal(t, "https://x.com/i/web/status/1700", res.URL)
	assert.Equal(t, int64(9), env.ledger.Balance(context.Background(), "local"))

	w = env.do(t, http.MethodPost, "/drafts/"+cur.ID+"/post", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/drafts/missing/post", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/drafts/"+cur.ID+"/post", map[string]string{"platform": "myspace"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDraftPost_NoCredits(t *testing.T) {
	env := newTestEnv(t, 0)

	env.do(t, http.MethodPost, "/events", map[string]string{"id": "a1", "source": "agent-progress", "context": "agent finished"})
	env.orch.Wait()
	cur, ok := env.orch.Current()
	require.True(t, ok)

	w := env.do(t, http.MethodPost, "/drafts/"+cur.ID+"/post", nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	var resp ErrorResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "credits_needed", resp.Code)
	assert.Equal(t, int64(1), resp.Amount)
}

func TestCurrentDraft_Empty(t *testing.T) {
	env := newTestEnv(t, 10)

	w := env.do(t, http.MethodGet, "/drafts/current", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSelectDraft(t *testing.T) {
	env := newTestEnv(t, 10)

	env.do(t, http.MethodPost, "/events", map[string]string{"id": "a1", "source": "agent-progress", "context": "one"})
	env.orch.Wait()
	env.do(t, http.MethodPost, "/events", map[string]string{"id": "a2", "source": "agent-progress", "context": "two"})
	env.orch.Wait()

	drafts := env.orch.Drafts()
	require.Len(t, drafts, 2)

	w := env.do(t, http.MethodPost, "/drafts/"+drafts[1].ID+"/select", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cur, _ := env.orch.Current()
	assert.Equal(t, "a1", cur.EventID)

	w = env.do(t, http.MethodPost, "/drafts/nope/select", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCredits_BalancePurchaseHistory(t *testing.T) {
	env := newTestEnv(t, 10)

	w := env.do(t, http.MethodGet, "/credits", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var b Balance
	decodeBody(t, w, &b)
	assert.Equal(t, int64(10), b.Balance)

	purchase := map[string]interface{}{"amount": 5, "source_ref": "cs_123"}
	w = env.do(t, http.MethodPost, "/credits/purchase", purchase)
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &b)
	assert.Equal(t, int64(15), b.Balance)

	// The same payment session is credited once.
	w = env.do(t, http.MethodPost, "/credits/purchase", purchase)
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &b)
	assert.Equal(t, int64(15), b.Balance)

	w = env.do(t, http.MethodGet, "/credits/transactions?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var txs []models.CreditTransaction
	decodeBody(t, w, &txs)
	require.Len(t, txs, 2)
	assert.Equal(t, models.TransactionPurchase, txs[0].Type)
	assert.Equal(t, models.TransactionBonus, txs[1].Type)

	w = env.do(t, http.MethodGet, "/audit?action=credits.purchase", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var records []models.AuditRecord
	decodeBody(t, w, &records)
	assert.Len(t, records, 2)
}

func TestCredits_PurchaseValidation(t *testing.T) {
	env := newTestEnv(t, 10)

	w := env.do(t, http.MethodPost, "/credits/purchase", map[string]int{"amount": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, http.MethodPost, "/credits/purchase", map[string]int{"amount": -3})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPlatformActions_Errors(t *testing.T) {
	env := newTestEnv(t, 10)

	w := env.do(t, http.MethodPost, "/feedback/myspace", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/feedback/email", nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var resp ErrorResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "unsupported", resp.Code)

	w = env.do(t, http.MethodPost, "/history/email/import", map[string]int{"limit": 5})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = env.do(t, http.MethodPost, "/history/x/import", map[string]int{"limit": 500})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueueStatus(t *testing.T) {
	env := newTestEnv(t, 10)

	w := env.do(t, http.MethodGet, "/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var qs QueueStatus
	decodeBody(t, w, &qs)
	assert.Zero(t, qs.Pending)
	assert.False(t, qs.Processing)
}

func TestSignals_StreamsBalance(t *testing.T) {
	env := newTestEnv(t, 10)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/signals", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	next := func() (string, string) {
		var event, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && event != "":
				return event, data
			}
		}
	}

	event, data := next()
	assert.Equal(t, "balance", event)
	assert.JSONEq(t, `{"balance":10}`, data)

	_, err = env.ledger.Add(context.Background(), "local", 3, "test", "")
	require.NoError(t, err)
	event, data = next()
	assert.Equal(t, "balance", event)
	assert.JSONEq(t, `{"balance":13}`, data)
}

func TestSignals_EndOnShutdown(t *testing.T) {
	env := newTestEnv(t, 10)
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/signals")
	require.NoError(t, err)
	defer resp.Body.Close()

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, resp.Body)
		done <- err
	}()

	require.NoError(t, env.server.Shutdown(context.Background()))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("signal stream still open after shutdown")
	}
}
