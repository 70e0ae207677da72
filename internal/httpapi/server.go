// Package httpapi exposes a read-only view of indexed series.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"holder-indexer/internal/config"
	"holder-indexer/internal/storage"
)

// Reader is the storage the API serves from.
type Reader interface {
	Ping(ctx context.Context) error
	LatestSnapshot(ctx context.Context, series string) (storage.DailySnapshot, bool, error)
	ListSnapshotsBetween(ctx context.Context, series string, from, to time.Time) ([]storage.DailySnapshot, error)
	CountHolders(ctx context.Context, series string) (int64, error)
}

// Server serves the ops API.
type Server struct {
	reader Reader
	series map[string]string
	logger zerolog.Logger
	srv    *http.Server
}

type snapshotJSON struct {
	Day    string `json:"day"`
	Amount string `json:"amount"`
}

// New builds a server for the configured series. addr may be empty when only
// Handler is used.
func New(addr string, reader Reader, series []config.SeriesConfig, logger zerolog.Logger) *Server {
	s := &Server{
		reader: reader,
		series: make(map[string]string, len(series)),
		logger: logger.With().Str("component", "httpapi").Logger(),
	}
	for _, sc := range series {
		s.series[sc.Name] = sc.Kind
	}
	s.srv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.HandleFunc("/v1/series", s.listSeries).Methods(http.MethodGet)
	r.HandleFunc("/v1/series/{series}/snapshots", s.snapshots).Methods(http.MethodGet)
	r.HandleFunc("/v1/series/{series}/holders/count", s.holderCount).Methods(http.MethodGet)
	return r
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("http api listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.reader.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listSeries(w http.ResponseWriter, r *http.Request) {
	type item struct {
		Name      string `json:"name"`
		Kind      string `json:"kind"`
		LatestDay string `json:"latest_day,omitempty"`
	}
	out := make([]item, 0, len(s.series))
	for name, kind := range s.series {
		it := item{Name: name, Kind: kind}
		latest, ok, err := s.reader.LatestSnapshot(r.Context(), name)
		if err != nil {
			s.logger.Error().Err(err).Str("series", name).Msg("latest snapshot lookup failed")
			writeError(w, http.StatusInternalServerError, "storage error")
			return
		}
		if ok {
			it.LatestDay = latest.Day.Format(config.DateLayout)
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (s *Server) snapshots(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["series"]
	if _, ok := s.series[name]; !ok {
		writeError(w, http.StatusNotFound, "unknown series")
		return
	}

	to := time.Now().UTC().Add(24 * time.Hour)
	from := time.Unix(0, 0).UTC()
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(config.DateLayout, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be YYYY-MM-DD")
			return
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(config.DateLayout, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be YYYY-MM-DD")
			return
		}
		to = t
	}
	if !from.Before(to) {
		writeError(w, http.StatusBadRequest, "from must be before to")
		return
	}

	snaps, err := s.reader.ListSnapshotsBetween(r.Context(), name, from, to)
	if err != nil {
		s.logger.Error().Err(err).Str("series", name).Msg("list snapshots failed")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	out := make([]snapshotJSON, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, snapshotJSON{Day: snap.Day.Format(config.DateLayout), Amount: snap.Amount.String()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"series": name, "data": out})
}

func (s *Server) holderCount(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["series"]
	kind, ok := s.series[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown series")
		return
	}
	if kind != config.KindHolders {
		writeError(w, http.StatusBadRequest, "series does not track holders")
		return
	}
	n, err := s.reader.CountHolders(r.Context(), name)
	if err != nil {
		s.logger.Error().Err(err).Str("series", name).Msg("count holders failed")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"series": name, "holders": n})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
