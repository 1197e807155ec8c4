package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"LendLedger/internal/ledger"
	"LendLedger/internal/observability"
	"LendLedger/internal/query"
)

// Server is the HTTP surface: the read-only query API plus the probe and
// Prometheus endpoints. It never mutates state.
type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func New(addr string, qs *query.QueryService, health *observability.HealthChecker, metrics *observability.Metrics, log zerolog.Logger) *Server {
	log = log.With().Str("component", "http").Logger()
	return &Server{
		http: &http.Server{
			Addr:         addr,
			Handler:      NewRouter(qs, health, metrics, log),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log: log,
	}
}

// NewRouter builds the route tree. Split out from New so tests can mount it
// on an httptest server.
func NewRouter(qs *query.QueryService, health *observability.HealthChecker, metrics *observability.Metrics, log zerolog.Logger) http.Handler {
	a := &api{qs: qs, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(requestLogger(log))

	r.Get("/healthz", health.LivenessHandler)
	r.Get("/readyz", health.ReadinessHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(queryMetrics(metrics))
		r.Get("/markets", a.markets)
		r.Get("/markets/{id}", a.market)
		r.Get("/markets/{id}/positions", a.marketPositions)
		r.Get("/markets/{id}/accruals", a.accruals)
		r.Get("/positions/{marketID}/{borrower}", a.position)
		r.Get("/oracles/{address}/prices", a.prices)
		r.Get("/risk/classifications", a.classifications)
		r.Get("/checkpoint", a.checkpoint)
		r.Get("/state/digest", a.digest)
	})

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("http shutdown incomplete")
		}
	}()

	s.log.Info().Str("addr", s.http.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- handlers ---

type api struct {
	qs  *query.QueryService
	log zerolog.Logger
}

func (a *api) markets(w http.ResponseWriter, r *http.Request) {
	markets, err := a.qs.GetMarkets(r.Context())
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	if markets == nil {
		markets = []query.MarketResponse{}
	}
	writeJSON(w, http.StatusOK, markets)
}

func (a *api) market(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}

	m, err := a.qs.GetMarket(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *api) marketPositions(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}

	positions, err := a.qs.GetMarketPositions(r.Context(), id)
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	if positions == nil {
		positions = []query.PositionResponse{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (a *api) accruals(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}
	limit, before, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	history, err := a.qs.GetAccrualHistory(r.Context(), id, limit, before)
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	if history == nil {
		history = []query.AccrualResponse{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (a *api) position(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "marketID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}
	borrower, err := parseAddress(chi.URLParam(r, "borrower"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid borrower address")
		return
	}

	p, err := a.qs.GetPosition(r.Context(), id, borrower)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *api) prices(w http.ResponseWriter, r *http.Request) {
	oracle, err := parseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid oracle address")
		return
	}
	limit, before, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	history, err := a.qs.GetPriceHistory(r.Context(), oracle, limit, before)
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	if history == nil {
		history = []query.PriceResponse{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (a *api) classifications(w http.ResponseWriter, r *http.Request) {
	limit, before, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var marketID *common.Hash
	if s := r.URL.Query().Get("market_id"); s != "" {
		id, err := parseHash(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid market_id")
			return
		}
		marketID = &id
	}
	var borrower *common.Address
	if s := r.URL.Query().Get("borrower"); s != "" {
		addr, err := parseAddress(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid borrower")
			return
		}
		borrower = &addr
	}
	severity := r.URL.Query().Get("severity")

	history, err := a.qs.GetClassificationHistory(r.Context(), marketID, borrower, severity, limit, before)
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	if history == nil {
		history = []query.ClassificationResponse{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (a *api) checkpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := a.qs.GetCheckpoint(r.Context())
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (a *api) digest(w http.ResponseWriter, r *http.Request) {
	d, err := a.qs.StateDigest(r.Context())
	if err != nil {
		a.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *api) internalError(w http.ResponseWriter, r *http.Request, err error) {
	a.log.Error().Err(err).Str("path", r.URL.Path).Msg("query failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

// --- request parsing ---

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("hash must be %d bytes, got %d", common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func parsePagination(r *http.Request) (int, *uint64, error) {
	var limit int
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return 0, nil, fmt.Errorf("invalid limit %q", s)
		}
		limit = n
	}
	var before *uint64
	if s := r.URL.Query().Get("before_block"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, nil, fmt.Errorf("invalid before_block %q", s)
		}
		before = &n
	}
	return limit, before, nil
}

// --- responses ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// --- middleware ---

// queryMetrics records per-endpoint request metrics. The label is the chi
// route pattern, not the raw path, so cardinality stays bounded.
func queryMetrics(m *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			endpoint := chi.RouteContext(r.Context()).RoutePattern()
			if endpoint == "" {
				endpoint = "unmatched"
			}
			status := strconv.Itoa(wrapped.status)
			m.QueryRequests.WithLabelValues(endpoint, status).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			if wrapped.status >= http.StatusInternalServerError {
				m.QueryErrors.WithLabelValues(endpoint, status).Inc()
			}
		})
	}
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.status).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}

// statusWriter captures the response status for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
