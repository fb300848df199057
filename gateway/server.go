// Package gateway exposes the order engine over HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"courierchain/gateway/middleware"
	"courierchain/observability/logging"
	"courierchain/orders"
)

const maxBodyBytes = 1 << 20

// Orders is the engine surface served by the gateway.
type Orders interface {
	CreateOrder(ctx context.Context, p orders.CreateParams) (*orders.Result, error)
	SelectContract(ctx context.Context, agentID, orderID string) (*orders.Result, error)
	AcceptDelivery(ctx context.Context, orderID, agentID string) (*orders.Result, error)
	ConfirmPickup(ctx context.Context, orderID, storeOwnerID string) (*orders.Result, error)
	ConfirmDelivery(ctx context.Context, orderID, agentID string) (*orders.Result, error)
	CancelOrder(ctx context.Context, orderID, userID string) (*orders.Result, error)
	Get(ctx context.Context, orderID string) (*orders.Result, error)
	ByUser(ctx context.Context, userID string) ([]*orders.Order, error)
	ByStore(ctx context.Context, storeID string) ([]*orders.Order, error)
	ByStatus(ctx context.Context, status orders.Status) ([]*orders.Order, error)
	Recent(ctx context.Context, limit int) ([]*orders.Order, error)
	AvailableContracts(ctx context.Context, agentID string) ([]orders.ContractListing, error)
	AgentContracts(ctx context.Context, agentID string) ([]*orders.Order, error)
	ContractState(ctx context.Context, orderID string) (*orders.ContractReport, error)
}

var _ Orders = (*orders.Engine)(nil)

type Config struct {
	Orders        Orders
	Logger        *slog.Logger
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	// RequestTimeout bounds a single API call, ledger round trips included.
	RequestTimeout time.Duration
	// Ready reports whether dependencies are reachable; nil means always ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	orders  Orders
	logger  *slog.Logger
	limiter *middleware.RateLimiter
	obs     *middleware.Observability
	cors    middleware.CORSConfig
	timeout time.Duration
	ready   func(ctx context.Context) error
}

func New(cfg Config) (*Server, error) {
	if cfg.Orders == nil {
		return nil, errors.New("gateway: orders service required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
	return &Server{
		orders:  cfg.Orders,
		logger:  cfg.Logger.With(slog.String("component", "gateway")),
		limiter: cfg.RateLimiter,
		obs:     cfg.Observability,
		cors:    cfg.CORS,
		timeout: cfg.RequestTimeout,
		ready:   cfg.Ready,
	}, nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(s.cors))

	r.Get("/healthz", s.handleHealth)
	if s.obs != nil {
		r.Handle("/metrics", s.obs.MetricsHandler())
	}

	r.Group(func(api chi.Router) {
		if s.limiter != nil {
			api.Use(s.limiter.Middleware("api"))
		}
		if s.obs != nil {
			api.Use(s.obs.Middleware("api"))
		}
		api.Post("/api", s.handleAPI)
		api.Get("/orders/{id}", s.handleGetOrder)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", logging.ErrorField(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	res, err := s.orders.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, "getOrder", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: res})
}

type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

type errorBody struct {
	Success bool   `json:"success"`
	Kind    string `json:"kind"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`

	// ContractID lets a client resume a creation whose contract already exists.
	ContractID string `json:"contractId,omitempty"`
	Retryable  bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeError(w http.ResponseWriter, service string, err error) {
	body := errorBody{Kind: string(orders.KindStorage), Message: logging.ScrubText(err.Error())}
	status := http.StatusInternalServerError
	var oerr *orders.Error
	if errors.As(err, &oerr) {
		body.Kind = string(oerr.Kind)
		body.Field = oerr.Field
		body.ContractID = oerr.ContractID
		body.Retryable = oerr.Retryable()
		status = statusFor(oerr)
	}
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "api call failed",
		slog.String("service", service),
		slog.String("kind", body.Kind),
		logging.ErrorField(err),
	)
	writeJSON(w, status, body)
}

func statusFor(err *orders.Error) int {
	switch err.Kind {
	case orders.KindValidation:
		if err.Field == "order" {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case orders.KindConsistency, orders.KindNotEffective:
		return http.StatusConflict
	case orders.KindLedgerTimeout:
		return http.StatusGatewayTimeout
	case orders.KindLedgerCall, orders.KindWallet:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}
