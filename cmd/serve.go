package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/medleads/clinic-scout/internal/exclusion"
	"github.com/medleads/clinic-scout/internal/model"
	"github.com/medleads/clinic-scout/internal/settings"
	"github.com/medleads/clinic-scout/internal/store"
)

var servePort int

// scrapeRunner is the slice of the pipeline the HTTP layer needs.
type scrapeRunner interface {
	Run(ctx context.Context, req model.RunRequest, rules exclusion.RuleSet, events chan<- model.ProgressEvent) (*model.RunSummary, error)
	Active() bool
}

// apiServer wires HTTP handlers to the pipeline, settings and run store.
type apiServer struct {
	pipe     scrapeRunner
	settings *settings.Store
	runs     store.Store

	// runMu serializes scrape runs: one browser fleet at a time.
	runMu sync.Mutex
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long:  "Serves scrape runs as Server-Sent Event streams plus settings and run-history endpoints.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		api := &apiServer{
			pipe:     env.Pipeline,
			settings: env.Settings,
			runs:     env.Store,
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: api.routes(cfg.Server.CORSOrigins),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func (s *apiServer) routes(corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Post("/scrape", s.handleScrape)

		r.Get("/settings", s.handleGetSettings)
		r.Get("/settings/suffix", s.handleGetSuffix)
		r.Put("/settings/suffix", s.handlePutSuffix)
		r.Put("/settings/rules", s.handlePutRules)
		r.Get("/settings/keywords", s.handleGetKeywords)
		r.Put("/settings/keywords", s.handlePutKeywords)
		r.Post("/settings/keywords", s.handleAddKeyword)
		r.Delete("/settings/keywords", s.handleRemoveKeyword)

		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
	})

	return r
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *apiServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.pipe.Active() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "busy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleScrape runs the pipeline and streams progress events over SSE.
// The stream ends with a run_complete event carrying the full summary,
// or an error event when the run aborted before completing.
func (s *apiServer) handleScrape(w http.ResponseWriter, r *http.Request) {
	var req model.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(req.CleanRegions()) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "at least one region is required"})
		return
	}

	if !s.runMu.TryLock() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "a run is already in progress"})
		return
	}
	defer s.runMu.Unlock()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	snap := s.settings.Snapshot()
	if req.SearchSuffix == "" {
		req.SearchSuffix = snap.SearchSuffix
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan model.ProgressEvent, 64)
	errCh := make(chan error, 1)
	go func() {
		_, err := s.pipe.Run(r.Context(), req, snap.Rules, events)
		close(events)
		errCh <- err
	}()

	for ev := range events {
		writeSSE(w, flusher, ev)
	}

	if err := <-errCh; err != nil {
		writeSSE(w, flusher, model.ProgressEvent{
			Type:      model.EventError,
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
	}
}

func (s *apiServer) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	snap := s.settings.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"search_suffix": snap.SearchSuffix,
		"exclusion":     snap.Rules,
	})
}

func (s *apiServer) handleGetSuffix(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"suffix": s.settings.Snapshot().SearchSuffix})
}

func (s *apiServer) handlePutSuffix(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Suffix string `json:"suffix"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.settings.SetSuffix(req.Suffix); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"suffix": s.settings.Snapshot().SearchSuffix})
}

func (s *apiServer) handlePutRules(w http.ResponseWriter, r *http.Request) {
	var rules exclusion.RuleSet
	if err := json.NewDecoder(r.Body).Decode(&rules); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.settings.SetRules(rules); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.settings.Snapshot().Rules)
}

func (s *apiServer) handleGetKeywords(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"keywords": s.settings.Snapshot().Rules.Keywords})
}

// handlePutKeywords replaces the whole keyword list, keeping the other
// rules as they are.
func (s *apiServer) handlePutKeywords(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Keywords []string `json:"keywords"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	rules := s.settings.Snapshot().Rules
	rules.Keywords = req.Keywords
	if err := s.settings.SetRules(rules); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keywords": s.settings.Snapshot().Rules.Keywords})
}

func (s *apiServer) handleAddKeyword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Keyword string `json:"keyword"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.settings.AddKeyword(req.Keyword); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keywords": s.settings.Snapshot().Rules.Keywords})
}

func (s *apiServer) handleRemoveKeyword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Keyword string `json:"keyword"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.settings.RemoveKeyword(req.Keyword); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keywords": s.settings.Snapshot().Rules.Keywords})
}

func (s *apiServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		Status: model.RunStatus(r.URL.Query().Get("status")),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		_, _ = fmt.Sscanf(limit, "%d", &filter.Limit)
	}

	runs, err := s.runs.ListRuns(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *apiServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev model.ProgressEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		zap.L().Error("marshal progress event", zap.Error(err))
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	flusher.Flush()
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
