package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fentz26/devcast/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	heartbeatEvery   = 15 * time.Second
)

// Options configures the HTTP server.
type Options struct {
	Addr        string
	CORSOrigins []string
	Version     string
}

// Server provides the HTTP API for devcast.
type Server struct {
	service  *Service
	opts     Options
	validate *validator.Validate
	router   chi.Router
	server   *http.Server

	// done ends open /signals streams on shutdown.
	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{
		service:  service,
		opts:     opts,
		validate: validator.New(),
		done:     make(chan struct{}),
	}
	s.router = s.routes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/events", s.handleSubmitEvent)

	r.Route("/drafts", func(r chi.Router) {
		r.Get("/", s.handleListDrafts)
		r.Get("/current", s.handleCurrentDraft)
		r.Post("/{id}/post", s.handlePostDraft)
		r.Post("/{id}/select", s.handleSelectDraft)
	})

	r.Route("/credits", func(r chi.Router) {
		r.Get("/", s.handleBalance)
		r.Post("/purchase", s.handlePurchase)
		r.Get("/transactions", s.handleTransactions)
	})

	r.Post("/feedback/{platform}", s.handleFetchFeedback)
	r.Post("/history/{platform}/import", s.handleImportHistory)

	r.Get("/queue", s.handleQueue)
	r.Get("/audit", s.handleAudit)
	r.Get("/signals", s.handleSignals)

	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		// No WriteTimeout: /signals streams for the life of the client.
	}

	log.Printf("Starting devcast daemon on %s", s.opts.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// decode reads an optional JSON body into v and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json", Code: "invalid_request"})
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeValidationError(w, err)
		return false
	}
	return true
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

// --- Health ---

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: s.opts.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := s.service.Ping(r.Context()); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// --- Events ---

type eventRequest struct {
	ID          string `json:"id" validate:"omitempty,max=200"`
	Source      string `json:"source" validate:"required,oneof=agent-progress version-control-commit file-watcher"`
	Context     string `json:"context" validate:"required"`
	CodeSnippet string `json:"code_snippet"`
	Timestamp   int64  `json:"timestamp" validate:"gte=0"`
}

type eventResponse struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
}

func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !s.decode(w, r, &req) {
		return
	}

	id, accepted, err := s.service.SubmitEvent(r.Context(), models.InputEvent{
		ID:          req.ID,
		Source:      models.EventSource(req.Source),
		Context:     req.Context,
		CodeSnippet: req.CodeSnippet,
		Timestamp:   req.Timestamp,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusAccepted
	if !accepted {
		status = http.StatusOK
	}
	writeJSON(w, status, eventResponse{ID: id, Accepted: accepted})
}

// --- Drafts ---

func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Drafts())
}

func (s *Server) handleCurrentDraft(w http.ResponseWriter, r *http.Request) {
	d, err := s.service.CurrentDraft()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type postRequest struct {
	Platform string `json:"platform" validate:"omitempty,oneof=x reddit discord email"`
}

func (s *Server) handlePostDraft(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.service.PostDraft(r.Context(), chi.URLParam(r, "id"), models.Platform(req.Platform))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSelectDraft(w http.ResponseWriter, r *http.Request) {
	d, err := s.service.SelectDraft(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.QueueStatus())
}

// --- Credits ---

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	b, err := s.service.Balance(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type purchaseRequest struct {
	Amount    int64  `json:"amount" validate:"required,gt=0,lte=100000"`
	SourceRef string `json:"source_ref" validate:"omitempty,max=200"`
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if !s.decode(w, r, &req) {
		return
	}

	b, err := s.service.Purchase(r.Context(), req.Amount, req.SourceRef)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.service.Transactions(r.Context(), limitParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if txs == nil {
		txs = []models.CreditTransaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	records, err := s.service.AuditTrail(r.URL.Query().Get("action"), limitParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []models.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// --- Platform actions ---

type feedbackRequest struct {
	Limit int       `json:"limit" validate:"gte=0,lte=100"`
	Since time.Time `json:"since"`
}

func (s *Server) handleFetchFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !s.decode(w, r, &req) {
		return
	}

	platform := models.Platform(chi.URLParam(r, "platform"))
	items, err := s.service.FetchFeedback(r.Context(), platform, req.Limit, req.Since)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []models.FeedbackItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

type importRequest struct {
	Limit int `json:"limit" validate:"gte=0,lte=100"`
}

func (s *Server) handleImportHistory(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !s.decode(w, r, &req) {
		return
	}

	platform := models.Platform(chi.URLParam(r, "platform"))
	items, err := s.service.ImportHistory(r.Context(), platform, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []models.HistoryItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

// --- Signals ---

// handleSignals streams balance, credits-needed and draft updates as
// server-sent events. Slow clients drop signals rather than block producers.
func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	signals := make(chan Signal, 32)
	unsubscribe := s.service.Subscribe(r.Context(), func(sig Signal) {
		select {
		case signals <- sig:
		default:
		}
	})
	defer unsubscribe()

	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case sig := <-signals:
			data, err := json.Marshal(sig.Data)
			if err != nil {
				log.Printf("controlplane: encode %s signal: %v", sig.Event, err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", sig.Event, data)
			flusher.Flush()
		}
	}
}
