// Package server exposes the Converso practice loop over HTTP and WebSocket.
//
// Each WebSocket connection at /ws gets its own practice controller; the
// browser relays its speech engines over the same connection. A small JSON
// API covers everything that does not need the live session: the topic
// catalogue, user settings, pronunciation assessment, and the graded-turn
// history.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/davrien/converso/internal/coach"
	"github.com/davrien/converso/internal/config"
	"github.com/davrien/converso/internal/health"
	"github.com/davrien/converso/internal/history"
	"github.com/davrien/converso/internal/observe"
	"github.com/davrien/converso/internal/practice"
	"github.com/davrien/converso/internal/pronounce"
	"github.com/davrien/converso/internal/settings"
	"github.com/davrien/converso/pkg/provider/capture"
	"github.com/davrien/converso/pkg/provider/synthesis"
	"github.com/davrien/converso/pkg/types"
)

// shutdownTimeout bounds graceful HTTP shutdown once the run context ends.
const shutdownTimeout = 10 * time.Second

// HistoryStore is the graded-turn persistence surface the server uses:
// recording from the live session and the three /api/history lookups.
type HistoryStore interface {
	RecordTurn(ctx context.Context, learnerID, topicID, utterance, feedback string, scores types.Scores) error
	Recent(ctx context.Context, learnerID string, limit int) ([]history.Entry, error)
	Similar(ctx context.Context, learnerID, utterance string, topK int) ([]history.SimilarEntry, error)
	Progress(ctx context.Context, learnerID string, since time.Time) (history.ProgressSummary, error)
}

// Compile-time check that the PostgreSQL store satisfies HistoryStore.
var _ HistoryStore = (*history.Store)(nil)

// Deps carries the shared subsystems every session uses. Coach and
// Credentials are required; the rest are optional.
type Deps struct {
	// Coach grades utterances and produces tutor replies.
	Coach *coach.Client

	// Credentials gates remote coach calls.
	Credentials practice.CredentialSource

	// Settings is the per-user settings store, served under /api/settings.
	Settings *settings.FileStore

	// History persists graded turns. Nil disables persistence and the
	// /api/history endpoints.
	History HistoryStore

	// Metrics records session and turn instrumentation. Nil disables it.
	Metrics *observe.Metrics

	// Checkers feed the /readyz readiness probe.
	Checkers []health.Checker

	// Capture, when set, transcribes server-side from binary audio frames
	// instead of relaying through the browser's speech engine.
	Capture capture.Engine

	// SynthesisFactory, when set, builds a server-rendering synthesis engine
	// around a session's audio sink instead of relaying through the browser.
	SynthesisFactory func(synthesis.AudioSink) (synthesis.Engine, error)
}

// Server is the Converso HTTP front end.
type Server struct {
	cfg      *config.Config
	deps     Deps
	assessor *pronounce.Assessor
	httpSrv  *http.Server
}

// New creates a Server. The handler is built lazily by [Server.Handler].
func New(cfg *config.Config, deps Deps) *Server {
	return &Server{
		cfg:      cfg,
		deps:     deps,
		assessor: pronounce.New(),
	}
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	health.New(s.deps.Checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("GET /api/topics", s.handleTopics)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSettings)
	mux.HandleFunc("POST /api/pronounce", s.handlePronounce)
	mux.HandleFunc("GET /api/history/recent", s.handleHistoryRecent)
	mux.HandleFunc("GET /api/history/similar", s.handleHistorySimilar)
	mux.HandleFunc("GET /api/history/progress", s.handleHistoryProgress)

	if s.deps.Metrics != nil {
		return observe.Middleware(s.deps.Metrics)(mux)
	}
	return mux
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := s.cfg.Server.TLS; tls != nil {
			slog.Info("listening", "addr", addr, "tls", true)
			err = s.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			slog.Info("listening", "addr", addr)
			err = s.httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// handleWS upgrades the connection and runs a practice session on it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "err", err)
		return
	}

	sess, err := newSession(s, conn)
	if err != nil {
		slog.Error("session setup failed", "err", err)
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}
	sess.run(r.Context())
	conn.Close(websocket.StatusNormalClosure, "session ended")
}

// ── JSON API ──

func (s *Server) handleTopics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, coach.Topics())
}

// settingsDocument is the API shape of the user settings.
type settingsDocument struct {
	APIKeySet  bool    `json:"apiKeySet"`
	APIKey     string  `json:"apiKey,omitempty"`
	Language   string  `json:"language"`
	Voice      string  `json:"voice"`
	SpeechRate float64 `json:"speechRate"`
}

// handleGetSettings returns the stored settings. The credential itself is
// never echoed back, only whether one is set.
func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	st := s.deps.Settings
	if st == nil {
		http.Error(w, "settings store not configured", http.StatusNotFound)
		return
	}
	_, keySet := st.APIKey()
	writeJSON(w, http.StatusOK, settingsDocument{
		APIKeySet:  keySet,
		Language:   st.Language(s.cfg.Practice.Language),
		Voice:      st.Voice(),
		SpeechRate: st.SpeechRate(s.cfg.Practice.SpeechRate),
	})
}

// handlePutSettings updates the stored settings. Absent fields keep their
// current value; an apiKey of whitespace clears the credential.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Settings
	if st == nil {
		http.Error(w, "settings store not configured", http.StatusNotFound)
		return
	}

	var doc struct {
		APIKey     *string  `json:"apiKey"`
		Language   *string  `json:"language"`
		Voice      *string  `json:"voice"`
		SpeechRate *float64 `json:"speechRate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, "malformed settings document", http.StatusBadRequest)
		return
	}

	apply := []struct {
		set func() error
		ok  bool
	}{
		{func() error { return st.SetAPIKey(*doc.APIKey) }, doc.APIKey != nil},
		{func() error { return st.SetLanguage(*doc.Language) }, doc.Language != nil},
		{func() error { return st.SetVoice(*doc.Voice) }, doc.Voice != nil},
		{func() error { return st.SetSpeechRate(*doc.SpeechRate) }, doc.SpeechRate != nil},
	}
	for _, a := range apply {
		if !a.ok {
			continue
		}
		if err := a.set(); err != nil {
			slog.Error("persist settings", "err", err)
			http.Error(w, "failed to persist settings", http.StatusInternalServerError)
			return
		}
	}

	s.handleGetSettings(w, r)
}

// handlePronounce compares a heard transcript against an expected phrase.
func (s *Server) handlePronounce(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Expected string `json:"expected"`
		Heard    string `json:"heard"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	if req.Expected == "" {
		http.Error(w, "expected phrase is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.assessor.Assess(req.Expected, req.Heard))
}

func (s *Server) handleHistoryRecent(w http.ResponseWriter, r *http.Request) {
	store, learner, ok := s.historyParams(w, r)
	if !ok {
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := store.Recent(r.Context(), learner, limit)
	if err != nil {
		slog.Error("history recent", "err", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleHistorySimilar recalls the learner's past utterances closest to the
// query utterance, most similar first. The UI shows them next to fresh
// feedback so recurring mistakes stand out.
func (s *Server) handleHistorySimilar(w http.ResponseWriter, r *http.Request) {
	store, learner, ok := s.historyParams(w, r)
	if !ok {
		return
	}
	utterance := r.URL.Query().Get("utterance")
	if utterance == "" {
		http.Error(w, "utterance query parameter is required", http.StatusBadRequest)
		return
	}
	topK := 5
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		topK = n
	}

	entries, err := store.Similar(r.Context(), learner, utterance, topK)
	if err != nil {
		slog.Error("history similar", "err", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHistoryProgress(w http.ResponseWriter, r *http.Request) {
	store, learner, ok := s.historyParams(w, r)
	if !ok {
		return
	}
	since := time.Now().AddDate(0, 0, -30)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "since must be RFC 3339", http.StatusBadRequest)
			return
		}
		since = t
	}

	summary, err := store.Progress(r.Context(), learner, since)
	if err != nil {
		slog.Error("history progress", "err", err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// historyParams resolves the store and learner query parameter shared by the
// history endpoints, writing the error response itself when either is
// missing.
func (s *Server) historyParams(w http.ResponseWriter, r *http.Request) (HistoryStore, string, bool) {
	store := s.deps.History
	if store == nil {
		http.Error(w, "history store not configured", http.StatusNotFound)
		return nil, "", false
	}
	learner := r.URL.Query().Get("learner")
	if learner == "" {
		http.Error(w, "learner query parameter is required", http.StatusBadRequest)
		return nil, "", false
	}
	return store, learner, true
}

// settingsSpeechRate resolves the synthesis rate: stored setting first, then
// the configured default.
func (s *Server) settingsSpeechRate() float64 {
	if s.deps.Settings != nil {
		return s.deps.Settings.SpeechRate(s.cfg.Practice.SpeechRate)
	}
	return s.cfg.Practice.SpeechRate
}

// settingsVoice resolves the synthesis voice the same way.
func (s *Server) settingsVoice() string {
	if s.deps.Settings != nil {
		if v := s.deps.Settings.Voice(); v != "" {
			return v
		}
	}
	return s.cfg.Practice.Voice
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}
