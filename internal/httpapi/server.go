// Package httpapi wires the chi router, middleware, and handlers that
// expose the gateway/ledger/orderbook/instrument components over HTTP,
// grounded on raphalbongso-wager-marketplace's Server/Router pattern
// (chi + middleware + JWT auth groups) generalized to this exchange's
// routes (spec §6, supplemented in SPEC_FULL.md §6).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rubxchange/internal/apierr"
	"rubxchange/internal/auth"
	"rubxchange/internal/gateway"
	"rubxchange/internal/instrument"
	"rubxchange/internal/ledger"
	"rubxchange/internal/models"
	"rubxchange/internal/orderbook"
	"rubxchange/internal/orderstore"
	"rubxchange/internal/tradelog"
)

// Server exposes the exchange over HTTP.
type Server struct {
	gw          *gateway.Gateway
	auth        *auth.Service
	ledger      *ledger.Ledger
	orders      *orderstore.Store
	books       *orderbook.Registry
	instruments *instrument.Store
	trades      *tradelog.Log
	log         zerolog.Logger
}

// New constructs a Server over its collaborators.
func New(
	gw *gateway.Gateway,
	a *auth.Service,
	l *ledger.Ledger,
	orders *orderstore.Store,
	books *orderbook.Registry,
	instruments *instrument.Store,
	trades *tradelog.Log,
	log zerolog.Logger,
) *Server {
	return &Server{
		gw:          gw,
		auth:        a,
		ledger:      l,
		orders:      orders,
		books:       books,
		instruments: instruments,
		trades:      trades,
		log:         log.With().Str("component", "httpapi").Logger(),
	}
}

// Router builds the complete route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(zerologMiddleware(s.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/register", s.handleRegister)

		r.Route("/public", func(r chi.Router) {
			r.Get("/instrument", s.handleListInstruments)
			r.Get("/orderbook/{ticker}", s.handleOrderBook)
			r.Get("/trades/{ticker}", s.handleTrades)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/order", s.handleCreateOrder)
			r.Delete("/order/{id}", s.handleCancelOrder)
			r.Get("/order/{id}", s.handleGetOrder)
			r.Get("/orders", s.handleListOrders)
			r.Get("/balance", s.handleBalance)

			r.Group(func(r chi.Router) {
				r.Use(s.adminOnly)
				r.Post("/admin/instrument", s.handleCreateInstrument)
				r.Delete("/admin/instrument/{ticker}", s.handleDeleteInstrument)
				r.Post("/admin/balance/deposit", s.handleDeposit)
				r.Post("/admin/balance/withdraw", s.handleWithdraw)
			})
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── auth ──────────────────────────────────────────────

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	u, token, err := s.auth.Register(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user_id": u.ID, "token": token})
}

type ctxKey string

const ctxPrincipal ctxKey = "principal"

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "TOKEN "
		if !strings.HasPrefix(header, prefix) {
			writeErr(w, apierr.New(apierr.KindUnauthorized, "missing or malformed Authorization header"))
			return
		}
		token := strings.TrimPrefix(header, prefix)

		p, err := s.auth.Verify(r.Context(), token)
		if err != nil {
			writeErr(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFrom(r.Context())
		if !ok || p.Role != models.RoleAdmin {
			writeErr(w, apierr.New(apierr.KindForbidden, "admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── orders ────────────────────────────────────────────

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())

	var req models.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apierr.New(apierr.KindValidation, "invalid JSON body"))
		return
	}
	req.Ticker = strings.ToUpper(req.Ticker)

	order, err := s.gw.CreateOrder(r.Context(), p.UserID, req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.CreateOrderResponse{Success: true, OrderID: order.ID})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, apierr.New(apierr.KindValidation, "invalid order id"))
		return
	}
	if err := s.gw.CancelOrder(r.Context(), p.UserID, id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, apierr.New(apierr.KindValidation, "invalid order id"))
		return
	}
	o, err := s.orders.Get(r.Context(), nil, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if o.UserID != p.UserID && p.Role != models.RoleAdmin {
		writeErr(w, apierr.New(apierr.KindForbidden, "order does not belong to caller"))
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	list, err := s.orders.ListByUser(r.Context(), p.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ── balances ──────────────────────────────────────────

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	balances, err := s.ledger.All(r.Context(), p.UserID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.adjustBalance(w, r, s.ledger.CreditStandalone)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.adjustBalance(w, r, s.ledger.DebitStandalone)
}

// adjustBalance decodes a DepositWithdrawRequest and applies adjust,
// shared by the admin deposit/withdraw endpoints (SPEC_FULL.md §6).
func (s *Server) adjustBalance(w http.ResponseWriter, r *http.Request, adjust func(context.Context, uuid.UUID, string, int64) error) {
	var req models.DepositWithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apierr.New(apierr.KindValidation, "invalid JSON body"))
		return
	}
	if req.Amount <= 0 {
		writeErr(w, apierr.New(apierr.KindValidation, "amount must be positive"))
		return
	}
	req.Ticker = strings.ToUpper(req.Ticker)
	if err := adjust(r.Context(), req.UserID, req.Ticker, req.Amount); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErr(w, apierr.New(apierr.KindValidation, "invalid limit parameter"))
			return
		}
		limit = n
	}
	list, err := s.trades.ByTicker(r.Context(), ticker, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))
	depth := 10
	if v := r.URL.Query().Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeErr(w, apierr.New(apierr.KindValidation, "invalid depth parameter (must be 1-100)"))
			return
		}
		depth = n
	}
	bids, asks := s.books.Book(ticker).Levels(depth)
	writeJSON(w, http.StatusOK, models.OrderBookResponse{BidLevels: bids, AskLevels: asks})
}

// ── instruments (admin) ──────────────────────────────

func (s *Server) handleListInstruments(w http.ResponseWriter, r *http.Request) {
	list, err := s.instruments.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateInstrument(w http.ResponseWriter, r *http.Request) {
	var in models.Instrument
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeErr(w, apierr.New(apierr.KindValidation, "invalid JSON body"))
		return
	}
	in.Ticker = strings.ToUpper(in.Ticker)
	if len(in.Ticker) < 2 || len(in.Ticker) > 10 {
		writeErr(w, apierr.New(apierr.KindValidation, "ticker must be 2-10 characters"))
		return
	}
	if err := s.instruments.Create(r.Context(), in); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, in)
}

func (s *Server) handleDeleteInstrument(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))
	if err := s.instruments.Delete(r.Context(), ticker); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ── helpers ───────────────────────────────────────────

func withPrincipal(ctx context.Context, p *auth.Principal) context.Context {
	return context.WithValue(ctx, ctxPrincipal, p)
}

func principalFrom(ctx context.Context) (*auth.Principal, bool) {
	p, ok := ctx.Value(ctxPrincipal).(*auth.Principal)
	return p, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, apierr.HTTPStatus(err), map[string]string{"error": err.Error()})
}
