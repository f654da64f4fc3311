// Package api exposes the ledger, metering and dividend operations over
// HTTP.
//
// Holder routes take the caller's identity from the X-Holder-Id header,
// which an upstream gateway has already authenticated. Acquisition speaks
// x402: a request without X-PAYMENT gets 402 and the payment requirements
// for every network the token accepts; a paid request gets the mint result
// and an X-PAYMENT-RESPONSE header.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/bitfsorg/path402-go/dividend"
	"github.com/bitfsorg/path402-go/ledger"
	"github.com/bitfsorg/path402-go/metrics"
)

// HeaderHolderID carries the authenticated holder identity.
const HeaderHolderID = "X-Holder-Id"

// MaxBodySize bounds request bodies.
const MaxBodySize = 1 << 20

// Server serves the HTTP API.
type Server struct {
	ledger    *ledger.Ledger
	dividends *dividend.Engine
	metrics   *metrics.Metrics
	logger    *zap.Logger
	timeout   time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics serves m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTimeout bounds each request. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// New creates a Server. dividends may be nil, which disables the dividend
// routes.
func New(l *ledger.Ledger, dividends *dividend.Engine, opts ...Option) *Server {
	s := &Server{
		ledger:    l,
		dividends: dividends,
		logger:    zap.NewNop(),
		timeout:   60 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	if s.timeout > 0 {
		r.Use(middleware.Timeout(s.timeout))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/tokens", func(r chi.Router) {
			r.Get("/", s.listTokens)
			r.Post("/", s.createToken)
			r.Route("/{tokenID}", func(r chi.Router) {
				r.Get("/", s.getToken)
				r.Get("/quote", s.quote)
				r.Get("/holders", s.listHolders)

				r.Group(func(r chi.Router) {
					r.Use(requireHolder)
					r.Post("/acquire", s.acquire)
					r.Post("/consume", s.consume)
					r.Get("/access", s.checkAccess)
					r.Get("/position", s.position)
					r.Get("/history", s.history)
					r.Post("/stake", s.stake)
					r.Post("/unstake", s.unstake)
					r.Put("/payout-destination", s.setPayoutDestination)
				})

				if s.dividends != nil {
					r.Get("/distributions", s.listDistributions)
					r.Post("/distributions", s.distribute)
				}
			})
		})

		r.With(requireHolder).Get("/portfolio", s.portfolio)

		if s.dividends != nil {
			r.Route("/distributions/{distributionID}", func(r chi.Router) {
				r.Get("/claims", s.listClaims)
				r.Post("/process", s.processDistribution)
			})
			r.Route("/dividends", func(r chi.Router) {
				r.Use(requireHolder)
				r.Get("/pending", s.pendingDividends)
				r.Post("/claim", s.claimDividends)
			})
		}
	})
	return r
}

// logRequests logs one line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		}()
		next.ServeHTTP(ww, r)
	})
}

type holderKey struct{}

// requireHolder rejects requests without a valid X-Holder-Id.
func requireHolder(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderHolderID)
		if id == "" {
			writeError(w, ErrHolderRequired)
			return
		}
		if err := ledger.CheckHolderID(id); err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), holderKey{}, id)))
	})
}

func holderFrom(ctx context.Context) string {
	id, _ := ctx.Value(holderKey{}).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, body := classify(err)
	writeJSON(w, status, errorBody{Error: body})
}

// fail writes err and logs it when it is not the caller's fault.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("code", body.Code),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: body})
}

// decode reads a JSON body into v. An empty body leaves v unchanged.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", ErrBadBody, err)
	}
	return nil
}
