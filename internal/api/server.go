// Package api exposes the query service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/84hero/escrow-indexer/pkg/ledger"
	"github.com/84hero/escrow-indexer/pkg/metrics"
	"github.com/84hero/escrow-indexer/pkg/query"
	"github.com/ethereum/go-ethereum/log"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Config struct {
	Listen       string        `mapstructure:"listen"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type Server struct {
	svc      *query.Service
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	router   http.Handler
}

// New builds the router. gatherer may be nil, in which case /metrics is not served.
func New(svc *query.Service, m *metrics.Metrics, gatherer prometheus.Gatherer) *Server {
	if m == nil {
		m = metrics.Nop()
	}
	s := &Server{svc: svc, metrics: m, gatherer: gatherer}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.health)
	r.Get("/status", s.status)
	r.Route("/escrows", func(r chi.Router) {
		r.Get("/", s.listEscrows)
		r.Get("/{id}", s.getEscrow)
		r.Get("/{id}/events", s.escrowEvents)
	})
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// observe logs each request and counts it by route pattern and status code.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		log.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "status", status, "elapsed", time.Since(start), "request_id", chimw.GetReqID(r.Context()))
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) getEscrow(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) escrowEvents(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (s *Server) listEscrows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := parsePage(q.Get("first"), q.Get("after"), q.Get("last"), q.Get("before"))
	if err != nil {
		writeError(w, err)
		return
	}
	f := query.Filter{
		Buyer:  q.Get("buyer"),
		Seller: q.Get("seller"),
		Status: q.Get("status"),
	}
	res, err := s.svc.List(r.Context(), f, page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func parsePage(first, after, last, before string) (ledger.Page, error) {
	p := ledger.Page{After: after, Before: before}
	var err error
	if first != "" {
		if p.First, err = strconv.Atoi(first); err != nil {
			return p, fmt.Errorf("%w: first must be an integer", query.ErrInvalidFilter)
		}
	}
	if last != "" {
		if p.Last, err = strconv.Atoi(last); err != nil {
			return p, fmt.Errorf("%w: last must be an integer", query.ErrInvalidFilter)
		}
	}
	return p, nil
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, query.ErrInvalidFilter):
		writeJSON(w, http.StatusBadRequest, errorBody{err.Error()})
	case errors.Is(err, query.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{"escrow not found"})
	default:
		log.Error("Query failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{"internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Failed to write response", "err", err)
	}
}

// Serve runs an HTTP server until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, cfg Config, h http.Handler) error {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           h,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Query API listening", "addr", cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
