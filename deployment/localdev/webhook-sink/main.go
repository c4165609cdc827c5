// webhook-sink is a local development receiver for kube-memory webhook notifications.
// It logs every envelope and serves the most recent ones on GET /events.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/miradorstack/kube-memory/internal/notify"
	"github.com/miradorstack/kube-memory/internal/utils"
)

type sink struct {
	logger *slog.Logger
	token  string
	keep   int

	mu     sync.Mutex
	events []notify.Envelope
}

func newSink(logger *slog.Logger, token string, keep int) *sink {
	if keep <= 0 {
		keep = 100
	}
	return &sink{logger: logger, token: token, keep: keep}
}

func (s *sink) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/hooks/kube-memory", s.receive)
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.mu.Lock()
		out := append([]notify.Envelope(nil), s.events...)
		s.mu.Unlock()
		writeJSON(w, map[string]any{"events": out})
	})
	return logRequests(s.logger, mux)
}

func (s *sink) receive(w http.ResponseWriter, r *http.Request) {
	if !enforcePost(w, r) {
		return
	}
	if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var env notify.Envelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&env); err != nil {
		http.Error(w, "invalid envelope", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.events = append(s.events, env)
	if len(s.events) > s.keep {
		s.events = s.events[len(s.events)-s.keep:]
	}
	s.mu.Unlock()

	s.logger.Info("notification received",
		slog.String("type", env.Type),
		slog.String("incident_id", env.Data.IncidentID),
		slog.String("namespace", env.Data.Namespace),
		slog.String("pod", env.Data.PodName))
	w.WriteHeader(http.StatusAccepted)
}

func main() {
	addr := flag.String("addr", ":8080", "Listen address")
	keep := flag.Int("keep", 100, "Number of envelopes kept for GET /events")
	flag.Parse()

	logger := utils.NewLogger("info", false).With(slog.String("component", "webhook-sink"))
	s := newSink(logger, os.Getenv("WEBHOOK_SINK_TOKEN"), *keep)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("listening", slog.String("address", *addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode error", slog.Any("error", err))
	}
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Debug("request", slog.String("method", r.Method), slog.String("path", r.URL.Path),
			slog.Int("status", rw.status), slog.Duration("duration", time.Since(start)))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
