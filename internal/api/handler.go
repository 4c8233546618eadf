// Package api exposes the registry, the ledgers and the oracle over HTTP.
//
// Read endpoints are open. Every mutating endpoint requires the
// X-Caller-Address header and is rate limited per caller; authorization of
// that caller is done by the registry and ledger themselves.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/tradegen/vte-engine/internal/apperrors"
	"github.com/tradegen/vte-engine/internal/event"
	"github.com/tradegen/vte-engine/internal/feed"
	"github.com/tradegen/vte-engine/internal/journal"
	"github.com/tradegen/vte-engine/internal/metrics"
	"github.com/tradegen/vte-engine/internal/model"
	"github.com/tradegen/vte-engine/internal/oracle"
	"github.com/tradegen/vte-engine/internal/registry"
)

// EventLister reads back journaled events.
type EventLister interface {
	List(ctx context.Context, f journal.Filter) ([]event.Event, error)
}

type Options struct {
	Registry *registry.Registry
	Feeds    *feed.Directory
	Oracle   *oracle.Oracle

	// Journal and Hub are optional.
	Journal EventLister
	Hub     *WSHub

	// QPS and Burst bound mutating requests per caller. QPS <= 0 disables.
	QPS   float64
	Burst int
}

// Handler serves the HTTP API.
type Handler struct {
	reg     *registry.Registry
	feeds   *feed.Directory
	oracle  *oracle.Oracle
	journal EventLister
	hub     *WSHub
	limiter *callerLimiter
}

func NewHandler(opts Options) *Handler {
	return &Handler{
		reg:     opts.Registry,
		feeds:   opts.Feeds,
		oracle:  opts.Oracle,
		journal: opts.Journal,
		hub:     opts.Hub,
		limiter: newCallerLimiter(opts.QPS, opts.Burst),
	}
}

// Routes builds the router with its middleware stack.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if h.hub != nil {
			r.Get("/ws", h.hub.HandleWS)
		}

		r.Get("/settings", h.GetSettings)
		r.Get("/prices/{symbol}", h.GetPrice)
		r.Get("/events", h.ListEvents)

		r.Get("/environments", h.ListEnvironments)
		r.Get("/environments/lookup", h.LookupEnvironment)
		r.Get("/environments/{index}", h.GetEnvironment)
		r.Get("/environments/{index}/positions", h.ListPositions)
		r.Get("/environments/{index}/positions/{symbol}", h.GetPosition)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(requireCaller)
			r.Use(h.limiter.middleware)

			r.Post("/environments", h.CreateEnvironment)
			r.Post("/environments/{index}/orders", h.PlaceOrder)
			r.Delete("/environments/{index}/positions/{symbol}", h.ClosePosition)
			r.Put("/environments/{index}/data-feed", h.SetDataFeed)
			r.Put("/environments/{index}/name", h.UpdateName)

			r.Put("/feeds/{feed}", h.RegisterFeed)

			r.Route("/admin", func(r chi.Router) {
				r.Put("/operator", h.SetOperator)
				r.Put("/registrar", h.SetRegistrar)
				r.Put("/max-vte-per-user", h.IncreaseMaxVTEsPerUser)
				r.Put("/max-positions", h.IncreaseMaxPositions)
				r.Put("/max-leverage-factor", h.IncreaseMaxLeverageFactor)
				r.Put("/max-usage-fee", h.UpdateMaxUsageFee)
				r.Put("/name-cooldown", h.UpdateNameCooldown)
			})
		})
	})
	return r
}

// --- Request/Response types ---

// CreateEnvironmentRequest is the JSON body for POST /environments.
type CreateEnvironmentRequest struct {
	UsageFee decimal.Decimal `json:"usage_fee"`
	Name     string          `json:"name"`
}

// OrderRequest is the JSON body for POST /environments/{index}/orders.
type OrderRequest struct {
	Symbol         string          `json:"symbol"`
	IsLong         bool            `json:"is_long"`
	LeverageFactor decimal.Decimal `json:"leverage_factor"`
}

type DataFeedRequest struct {
	DataFeed string `json:"data_feed"`
}

type NameRequest struct {
	Name string `json:"name"`
}

type FeedRequest struct {
	Provider string `json:"provider"`
}

type AddressRequest struct {
	Address string `json:"address"`
}

// ValueRequest carries a numeric parameter as a decimal string.
type ValueRequest struct {
	Value string `json:"value"`
}

// EnvironmentResponse joins the catalog record with the ledger's state.
type EnvironmentResponse struct {
	Environment model.Environment   `json:"environment"`
	Ledger      model.LedgerSummary `json:"ledger"`
}

type PriceResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Source string          `json:"source"`
}

// --- HTTP Handlers ---

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"service":      "vte-engine",
		"environments": h.reg.NumberOfVTEs(),
	})
}

// GetSettings handles GET /api/v1/settings
func (h *Handler) GetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.Settings())
}

// ListEnvironments handles GET /api/v1/environments
func (h *Handler) ListEnvironments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.Environments())
}

// LookupEnvironment handles GET /api/v1/environments/lookup?index=&address=
// A non-zero index takes priority; unknown environments yield zero values.
func (h *Handler) LookupEnvironment(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var index uint64
	if raw := q.Get("index"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, apperrors.New(apperrors.KindInvalidArgument, "invalid index", err))
			return
		}
		index = n
	}
	addr, err := model.ParseAddress(q.Get("address"))
	if err != nil {
		writeError(w, apperrors.New(apperrors.KindInvalidArgument, "invalid address", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"owner":     h.reg.GetOwner(index, addr),
		"data_feed": h.reg.GetVTEDataFeed(index, addr),
		"name":      h.reg.GetVTEName(index, addr),
	})
}

// GetEnvironment handles GET /api/v1/environments/{index}
func (h *Handler) GetEnvironment(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}
	env, err := h.reg.Environment(index, common.Address{})
	if err != nil {
		writeError(w, err)
		return
	}
	l, err := h.reg.Ledger(index, common.Address{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EnvironmentResponse{Environment: env, Ledger: l.Summary()})
}

// ListPositions handles GET /api/v1/environments/{index}/positions
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}
	l, err := h.reg.Ledger(index, common.Address{})
	if err != nil {
		writeError(w, err)
		return
	}
	summary := l.Summary()
	writeJSON(w, http.StatusOK, map[string]any{
		"number_of_positions":        summary.NumberOfPositions,
		"cumulative_leverage_factor": summary.CumulativeLeverageFactor,
		"positions":                  summary.Positions,
	})
}

// GetPosition handles GET /api/v1/environments/{index}/positions/{symbol}
// Unknown symbols return the absent position.
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}
	l, err := h.reg.Ledger(index, common.Address{})
	if err != nil {
		writeError(w, err)
		return
	}
	sym, err := pathSymbol(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l.Position(sym))
}

// CreateEnvironment handles POST /api/v1/environments
func (h *Handler) CreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var req CreateEnvironmentRequest
	if !decode(w, r, &req) {
		return
	}
	env, err := h.reg.CreateVirtualTradingEnvironment(r.Context(), callerFrom(r.Context()), req.UsageFee, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, env)
}

// PlaceOrder handles POST /api/v1/environments/{index}/orders
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req OrderRequest
	if !decode(w, r, &req) {
		return
	}
	l, err := h.reg.Ledger(index, common.Address{})
	if err != nil {
		writeError(w, err)
		return
	}
	pos, err := l.PlaceOrder(r.Context(), callerFrom(r.Context()), req.Symbol, req.IsLong, req.LeverageFactor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// ClosePosition handles DELETE /api/v1/environments/{index}/positions/{symbol}
func (h *Handler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}
	l, err := h.reg.Ledger(index, common.Address{})
	if err != nil {
		writeError(w, err)
		return
	}
	sym, err := pathSymbol(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := l.ClosePosition(r.Context(), callerFrom(r.Context()), sym); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l.Position(sym))
}

// SetDataFeed handles PUT /api/v1/environments/{index}/data-feed
func (h *Handler) SetDataFeed(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req DataFeedRequest
	if !decode(w, r, &req) {
		return
	}
	feedAddr, ok := parseAddress(w, "data_feed", req.DataFeed)
	if !ok {
		return
	}
	if err := h.reg.SetDataFeed(r.Context(), callerFrom(r.Context()), index, feedAddr); err != nil {
		writeError(w, err)
		return
	}
	h.writeEnvironment(w, index)
}

// UpdateName handles PUT /api/v1/environments/{index}/name
func (h *Handler) UpdateName(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req NameRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.reg.UpdateName(r.Context(), callerFrom(r.Context()), index, common.Address{}, req.Name); err != nil {
		writeError(w, err)
		return
	}
	h.writeEnvironment(w, index)
}

// RegisterFeed handles PUT /api/v1/feeds/{feed}
func (h *Handler) RegisterFeed(w http.ResponseWriter, r *http.Request) {
	feedAddr, ok := parseAddress(w, "feed", chi.URLParam(r, "feed"))
	if !ok {
		return
	}
	var req FeedRequest
	if !decode(w, r, &req) {
		return
	}
	provider, ok := parseAddress(w, "provider", req.Provider)
	if !ok {
		return
	}
	if err := h.feeds.Register(callerFrom(r.Context()), feedAddr, provider); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"feed": feedAddr, "provider": provider})
}

// GetPrice handles GET /api/v1/prices/{symbol}
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	sym, err := pathSymbol(r)
	if err != nil {
		writeError(w, err)
		return
	}
	price, err := h.oracle.GetLatestPrice(r.Context(), sym)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PriceResponse{
		Symbol: sym,
		Price:  price,
		Source: h.oracle.DataSource(),
	})
}

// ListEvents handles GET /api/v1/events?kind=&ledger=&limit=
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, apperrors.Newf(apperrors.KindNotFound, "event journal is disabled"))
		return
	}
	q := r.URL.Query()
	f := journal.Filter{Kind: event.Kind(q.Get("kind")), Ledger: q.Get("ledger")}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, apperrors.Newf(apperrors.KindInvalidArgument, "invalid limit %q", raw))
			return
		}
		f.Limit = n
	}
	if f.Ledger != "" {
		addr, ok := parseAddress(w, "ledger", f.Ledger)
		if !ok {
			return
		}
		f.Ledger = addr.Hex()
	}

	events, err := h.journal.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Admin handlers ---

func (h *Handler) SetOperator(w http.ResponseWriter, r *http.Request) {
	h.setAddress(w, r, h.reg.SetOperator)
}

func (h *Handler) SetRegistrar(w http.ResponseWriter, r *http.Request) {
	h.setAddress(w, r, h.reg.SetRegistrar)
}

func (h *Handler) IncreaseMaxVTEsPerUser(w http.ResponseWriter, r *http.Request) {
	h.setUint(w, r, h.reg.IncreaseMaxVTEsPerUser)
}

func (h *Handler) IncreaseMaxPositions(w http.ResponseWriter, r *http.Request) {
	h.setUint(w, r, h.reg.IncreaseMaximumNumberOfPositions)
}

func (h *Handler) IncreaseMaxLeverageFactor(w http.ResponseWriter, r *http.Request) {
	h.setDecimal(w, r, h.reg.IncreaseMaximumLeverageFactor)
}

func (h *Handler) UpdateMaxUsageFee(w http.ResponseWriter, r *http.Request) {
	h.setDecimal(w, r, h.reg.UpdateMaxUsageFee)
}

func (h *Handler) UpdateNameCooldown(w http.ResponseWriter, r *http.Request) {
	h.setUint(w, r, h.reg.UpdateMinimumTimeBetweenNameUpdates)
}

func (h *Handler) setAddress(w http.ResponseWriter, r *http.Request, apply func(context.Context, common.Address, common.Address) error) {
	var req AddressRequest
	if !decode(w, r, &req) {
		return
	}
	addr, ok := parseAddress(w, "address", req.Address)
	if !ok {
		return
	}
	h.applySetting(w, apply(r.Context(), callerFrom(r.Context()), addr))
}

func (h *Handler) setUint(w http.ResponseWriter, r *http.Request, apply func(context.Context, common.Address, uint64) error) {
	var req ValueRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := strconv.ParseUint(strings.TrimSpace(req.Value), 10, 64)
	if err != nil {
		writeError(w, apperrors.New(apperrors.KindInvalidArgument, "value must be a non-negative integer", err))
		return
	}
	h.applySetting(w, apply(r.Context(), callerFrom(r.Context()), n))
}

func (h *Handler) setDecimal(w http.ResponseWriter, r *http.Request, apply func(context.Context, common.Address, decimal.Decimal) error) {
	var req ValueRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := model.ParseAmount(req.Value)
	if err != nil {
		writeError(w, apperrors.New(apperrors.KindInvalidArgument, "invalid value", err))
		return
	}
	h.applySetting(w, apply(r.Context(), callerFrom(r.Context()), d))
}

func (h *Handler) applySetting(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.reg.Settings())
}

// --- helpers ---

func (h *Handler) writeEnvironment(w http.ResponseWriter, index uint64) {
	env, err := h.reg.Environment(index, common.Address{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func pathIndex(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "index")
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || n == 0 {
		return 0, apperrors.Newf(apperrors.KindInvalidArgument, "invalid environment index %q", raw)
	}
	return n, nil
}

// pathSymbol returns the {symbol} segment decoded but otherwise untouched.
// chi matches against RawPath when it is set, leaving params escaped.
func pathSymbol(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "symbol")
	if r.URL.RawPath == "" {
		return raw, nil
	}
	sym, err := url.PathUnescape(raw)
	if err != nil {
		return "", apperrors.New(apperrors.KindInvalidArgument, "invalid symbol", err)
	}
	return sym, nil
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, apperrors.New(apperrors.KindInvalidArgument, "invalid request body", err))
		return false
	}
	return true
}

func parseAddress(w http.ResponseWriter, field, raw string) (common.Address, bool) {
	addr, err := model.ParseAddress(raw)
	if err != nil {
		writeError(w, apperrors.New(apperrors.KindInvalidArgument, "invalid "+field, err))
		return common.Address{}, false
	}
	return addr, true
}
