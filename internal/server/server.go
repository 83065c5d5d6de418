package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"lendmirror/internal/live"
	"lendmirror/internal/observability"
	"lendmirror/internal/store"
)

// QueryStore is the read surface the API serves from.
type QueryStore interface {
	GetAccount(ctx context.Context, addr common.Address) (store.Account, error)
	ListAccountAssets(ctx context.Context, account common.Address) ([]store.AccountAsset, error)
	ListAssets(ctx context.Context, supportedOnly bool) ([]store.Asset, error)
	GetTransaction(ctx context.Context, hash common.Hash) (store.Transaction, error)
	ListTransactions(ctx context.Context, f store.TxFilter) ([]store.Transaction, error)
}

// RiskView exposes the liquidatable set and a forced recomputation.
type RiskView interface {
	Current() []common.Address
	LastHeight() uint64
	Run(ctx context.Context) error
}

// TrackerView reports the live listener's state.
type TrackerView interface {
	Status() live.Status
}

// WSAttacher upgrades requests into hub subscribers.
type WSAttacher interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Server is the HTTP/JSON query surface plus the websocket attach point,
// health probes and Prometheus metrics.
type Server struct {
	store   QueryStore
	risk    RiskView
	tracker TrackerView
	hub     WSAttacher
	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger
	httpSrv *http.Server
}

func New(addr string, qs QueryStore, risk RiskView, tracker TrackerView, hub WSAttacher,
	health *observability.HealthChecker, metrics *observability.Metrics) *Server {

	s := &Server{
		store:   qs,
		risk:    risk,
		tracker: tracker,
		hub:     hub,
		health:  health,
		metrics: metrics,
		log:     observability.NewLogger("server"),
	}

	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/accounts/{address}", s.instrument("account", s.handleGetAccount)).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{address}/balances", s.instrument("balances", s.handleGetBalances)).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{address}/transactions", s.instrument("account_txs", s.handleAccountTransactions)).Methods(http.MethodGet)
	v1.HandleFunc("/assets", s.instrument("assets", s.handleListAssets)).Methods(http.MethodGet)
	v1.HandleFunc("/transactions", s.instrument("txs", s.handleListTransactions)).Methods(http.MethodGet)
	v1.HandleFunc("/transactions/{hash}", s.instrument("tx", s.handleGetTransaction)).Methods(http.MethodGet)
	v1.HandleFunc("/liquidatable", s.instrument("liquidatable", s.handleLiquidatable)).Methods(http.MethodGet)
	v1.HandleFunc("/liquidatable/recheck", s.instrument("recheck", s.handleRecheck)).Methods(http.MethodPost)
	v1.HandleFunc("/status", s.instrument("status", s.handleStatus)).Methods(http.MethodGet)
	v1.HandleFunc("/ws", s.hub.ServeWS).Methods(http.MethodGet)

	r.HandleFunc("/healthz", health.LivenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", health.ReadinessHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.httpSrv.Addr).Msg("http server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// instrument wraps a handler with request counting and latency observation.
func (s *Server) instrument(endpoint string, h func(http.ResponseWriter, *http.Request) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status := h(w, r)
		s.metrics.APIRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
		s.metrics.APIDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}
