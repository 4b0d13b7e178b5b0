// Package admin serves the observability surface: health, readiness,
// Prometheus metrics, and a read-only view of the lease table.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gosling/internal/lease"
)

type Server struct {
	addr       string
	logger     *log.Logger
	store      *lease.Store
	dhcpReady  *atomic.Bool
	middleware func(http.Handler) http.Handler
}

func NewServer(addr string, store *lease.Store, dhcpReady *atomic.Bool, mw func(http.Handler) http.Handler, logger *log.Logger) (*Server, error) {
	if store == nil {
		return nil, errors.New("lease store is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	if mw == nil {
		mw = func(next http.Handler) http.Handler { return next }
	}
	if err := prometheus.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goslingd_leases",
		Help: "Entries in the lease table, static assignments included.",
	}, func() float64 { return float64(store.Len()) })); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, fmt.Errorf("register lease gauge: %w", err)
		}
	}
	return &Server{addr: addr, logger: logger, store: store, dhcpReady: dhcpReady, middleware: mw}, nil
}

// Run serves the admin endpoint until ctx is cancelled.
func (s *Server) Run(ctx context.Context, ready *atomic.Bool) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.middleware(s.routes()),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("ERROR admin shutdown: %v", err)
		}
	}()

	s.logger.Printf("INFO admin listening on %s", s.addr)
	ready.Store(true)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin listen on %s: %w", s.addr, err)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.dhcpReady.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "dhcp listener not ready", http.StatusServiceUnavailable)
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/v1/leases", s.handleLeases)

	return r
}

type leaseEntry struct {
	IP     string    `json:"ip"`
	MAC    string    `json:"mac"`
	Expiry time.Time `json:"expiry"`
}

func (s *Server) handleLeases(w http.ResponseWriter, r *http.Request) {
	infos := s.store.Snapshot()
	sort.Slice(infos, func(i, j int) bool { return infos[i].IP.Less(infos[j].IP) })

	entries := make([]leaseEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, leaseEntry{
			IP:     info.IP.String(),
			MAC:    info.MAC.String(),
			Expiry: info.Expiry.UTC(),
		})
	}
	respondJSON(w, http.StatusOK, entries)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
