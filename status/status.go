// Package status serves the local observability endpoints: a liveness
// probe and a per-site snapshot summary.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/watchguard/config"
	"github.com/hazyhaar/watchguard/shield"
	"github.com/hazyhaar/watchguard/snapshot"
)

// SiteStatus summarizes one monitored site.
type SiteStatus struct {
	Name          string `json:"name"`
	URL           string `json:"url"`
	FetchMode     string `json:"fetch_mode"`
	Snapshots     int    `json:"snapshots"`
	LastHash      string `json:"last_hash,omitempty"`
	LastTitle     string `json:"last_title,omitempty"`
	LastFetchedAt string `json:"last_fetched_at,omitempty"`
}

// Overview is the /status response body.
type Overview struct {
	GeneratedAt string       `json:"generated_at"`
	Sites       []SiteStatus `json:"sites"`
}

// Server exposes the status endpoints over HTTP.
type Server struct {
	store  *snapshot.Store
	sites  []config.Site
	logger *slog.Logger
	http   *http.Server
}

func NewServer(addr string, store *snapshot.Store, sites []config.Site, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{store: store, sites: sites, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
	r.Use(shield.RequestLogger)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	overview, err := s.Overview(r.Context())
	if err != nil {
		s.logger.Error("status query failed", "error", err)
		http.Error(w, `{"error":"status query failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(overview)
}

// Overview builds the per-site summary from the snapshot store.
func (s *Server) Overview(ctx context.Context) (*Overview, error) {
	out := &Overview{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Sites:       make([]SiteStatus, 0, len(s.sites)),
	}
	for i := range s.sites {
		site := &s.sites[i]
		st := SiteStatus{Name: site.Name, URL: site.URL, FetchMode: site.FetchMode}

		n, err := s.store.Count(ctx, site.URL)
		if err != nil {
			return nil, err
		}
		st.Snapshots = n

		if n > 0 {
			last, err := s.store.Latest(ctx, site.URL)
			if err != nil {
				return nil, err
			}
			if last != nil {
				st.LastHash = shortHash(last.ContentHash)
				st.LastTitle = last.Title
				st.LastFetchedAt = last.FetchedAt.UTC().Format(time.RFC3339)
			}
		}
		out.Sites = append(out.Sites, st)
	}
	return out, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
