package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradegen/vte-engine/internal/apperrors"
	"github.com/tradegen/vte-engine/internal/event"
	"github.com/tradegen/vte-engine/internal/factory"
	"github.com/tradegen/vte-engine/internal/feed"
	"github.com/tradegen/vte-engine/internal/journal"
	"github.com/tradegen/vte-engine/internal/model"
	"github.com/tradegen/vte-engine/internal/oracle"
	"github.com/tradegen/vte-engine/internal/registry"
	"github.com/tradegen/vte-engine/internal/store"
)

var (
	registryAddr = common.HexToAddress("0x0000000000000000000000000000000000001000")
	ownerAddr    = common.HexToAddress("0x00000000000000000000000000000000000010aa")
	factoryAddr  = common.HexToAddress("0x0000000000000000000000000000000000002000")
	oracleAddr   = common.HexToAddress("0x0000000000000000000000000000000000003000")
	defaultFeed  = common.HexToAddress("0x0000000000000000000000000000000000004000")
	aliceAddr    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bobAddr      = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

type testServer struct {
	handler *Handler
	routes  http.Handler
	reg     *registry.Registry
	feeds   *feed.Directory
	hub     *WSHub
}

func newTestServer(t *testing.T, qps float64, burst int) *testServer {
	t.Helper()

	j, err := journal.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	hub := NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	events := event.Fanout{j, hub}
	st := store.NewMemoryStore()
	feeds := feed.NewDirectory()

	fac := factory.New(factory.Config{
		Address: factoryAddr,
		Owner:   ownerAddr,
		Oracle:  oracleAddr,
		Store:   st,
		Events:  events,
	})
	reg := registry.New(registry.Options{
		Address:         registryAddr,
		Owner:           ownerAddr,
		DefaultDataFeed: defaultFeed,
		Factory:         fac,
		Feeds:           feeds,
		Store:           st,
		Events:          events,
	})
	require.NoError(t, fac.InitializeContract(ownerAddr, reg))
	require.NoError(t, reg.Restore(context.Background()))

	orc := oracle.New(oracleAddr, ownerAddr, oracle.NewStaticSource(map[string]decimal.Decimal{
		"BTC": decimal.NewFromInt(65000),
	}))

	h := NewHandler(Options{
		Registry: reg,
		Feeds:    feeds,
		Oracle:   orc,
		Journal:  j,
		Hub:      hub,
		QPS:      qps,
		Burst:    burst,
	})
	return &testServer{handler: h, routes: h.Routes(), reg: reg, feeds: feeds, hub: hub}
}

func (s *testServer) do(t *testing.T, method, path string, caller common.Address, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != (common.Address{}) {
		req.Header.Set(CallerHeader, caller.Hex())
	}
	rec := httptest.NewRecorder()
	s.routes.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) createEnv(t *testing.T, caller common.Address, name string) model.Environment {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/environments", caller, map[string]string{"usage_fee": "10", "name": name})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var env model.Environment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) apperrors.Kind {
	t.Helper()
	return decodeBody[errorBody](t, rec).Code
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, 0, 0)

	rec := s.do(t, http.MethodGet, "/health", common.Address{}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestMutations_RequireCaller(t *testing.T) {
	s := newTestServer(t, 0, 0)

	rec := s.do(t, http.MethodPost, "/api/v1/environments", common.Address{}, map[string]string{"usage_fee": "1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, apperrors.KindUnauthorized, errorCode(t, rec))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/environments", strings.NewReader(`{}`))
	req.Header.Set(CallerHeader, "not-an-address")
	bad := httptest.NewRecorder()
	s.routes.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
	assert.Equal(t, apperrors.KindInvalidArgument, errorCode(t, bad))
}

func TestCreateEnvironment_BindsDefaults(t *testing.T) {
	s := newTestServer(t, 0, 0)

	env := s.createEnv(t, aliceAddr, "alpha")
	assert.Equal(t, uint64(1), env.Index)
	assert.Equal(t, aliceAddr, env.Owner)
	assert.Equal(t, defaultFeed, env.DataFeed)
	assert.Equal(t, "alpha", env.Name)

	rec := s.do(t, http.MethodGet, "/api/v1/environments/1", common.Address{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[EnvironmentResponse](t, rec)
	assert.Equal(t, env.Address, resp.Ledger.Address)
	assert.Equal(t, registryAddr, resp.Ledger.Registry)
	assert.Equal(t, oracleAddr, resp.Ledger.Oracle)
	assert.Equal(t, "alpha", resp.Ledger.Name)
}

func TestCreateEnvironment_FeeAndQuota(t *testing.T) {
	s := newTestServer(t, 0, 0)

	rec := s.do(t, http.MethodPost, "/api/v1/environments", aliceAddr, map[string]string{"usage_fee": "1000.5"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperrors.KindFeeTooHigh, errorCode(t, rec))

	s.createEnv(t, aliceAddr, "one")
	s.createEnv(t, aliceAddr, "two")
	rec = s.do(t, http.MethodPost, "/api/v1/environments", aliceAddr, map[string]string{"usage_fee": "1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperrors.KindQuotaExceeded, errorCode(t, rec))
}

func TestOrders_NetAndClose(t *testing.T) {
	s := newTestServer(t, 0, 0)
	s.createEnv(t, aliceAddr, "desk")

	rec := s.do(t, http.MethodPost, "/api/v1/environments/1/orders", aliceAddr,
		map[string]any{"symbol": "BTC", "is_long": true, "leverage_factor": "5"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pos := decodeBody[model.Position](t, rec)
	assert.Equal(t, "BTC", pos.Symbol)
	assert.True(t, pos.IsLong)
	assert.True(t, pos.LeverageFactor.Equal(decimal.NewFromInt(5)))

	rec = s.do(t, http.MethodPost, "/api/v1/environments/1/orders", aliceAddr,
		map[string]any{"symbol": "BTC", "is_long": false, "leverage_factor": "8"})
	require.Equal(t, http.StatusOK, rec.Code)
	pos = decodeBody[model.Position](t, rec)
	assert.False(t, pos.IsLong)
	assert.True(t, pos.LeverageFactor.Equal(decimal.NewFromInt(3)))

	rec = s.do(t, http.MethodGet, "/api/v1/environments/1/positions", common.Address{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		NumberOfPositions        uint64           `json:"number_of_positions"`
		CumulativeLeverageFactor decimal.Decimal  `json:"cumulative_leverage_factor"`
		Positions                []model.Position `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, uint64(1), list.NumberOfPositions)
	assert.True(t, list.CumulativeLeverageFactor.Equal(decimal.NewFromInt(3)))
	require.Len(t, list.Positions, 1)

	rec = s.do(t, http.MethodDelete, "/api/v1/environments/1/positions/BTC", aliceAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	closed := decodeBody[model.Position](t, rec)
	assert.True(t, closed.LeverageFactor.IsZero())
	assert.False(t, closed.IsLong)

	rec = s.do(t, http.MethodDelete, "/api/v1/environments/1/positions/BTC", aliceAddr, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.KindPositionNotFound, errorCode(t, rec))
}

func TestOrders_Rejections(t *testing.T) {
	s := newTestServer(t, 0, 0)
	s.createEnv(t, aliceAddr, "desk")

	rec := s.do(t, http.MethodPost, "/api/v1/environments/1/orders", bobAddr,
		map[string]any{"symbol": "BTC", "is_long": true, "leverage_factor": "1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, apperrors.KindUnauthorized, errorCode(t, rec))

	rec = s.do(t, http.MethodPost, "/api/v1/environments/1/orders", aliceAddr,
		map[string]any{"symbol": "BTC", "is_long": true, "leverage_factor": "21"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperrors.KindLeverageCapExceeded, errorCode(t, rec))

	rec = s.do(t, http.MethodPost, "/api/v1/environments/1/orders", aliceAddr,
		map[string]any{"symbol": "BTC", "is_long": true, "leverage_factor": "0"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/environments/9/orders", aliceAddr,
		map[string]any{"symbol": "BTC", "is_long": true, "leverage_factor": "1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/environments/abc/orders", aliceAddr,
		map[string]any{"symbol": "BTC", "is_long": true, "leverage_factor": "1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/environments/1/orders", strings.NewReader(`{`))
	req.Header.Set(CallerHeader, aliceAddr.Hex())
	bad := httptest.NewRecorder()
	s.routes.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestOrders_SymbolsAreExactKeys(t *testing.T) {
	s := newTestServer(t, 0, 0)
	s.createEnv(t, aliceAddr, "desk")

	for _, order := range []map[string]any{
		{"symbol": "btc", "is_long": true, "leverage_factor": "1"},
		{"symbol": "BTC", "is_long": false, "leverage_factor": "1"},
	} {
		rec := s.do(t, http.MethodPost, "/api/v1/environments/1/orders", aliceAddr, order)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := s.do(t, http.MethodGet, "/api/v1/environments/1/positions/btc", common.Address{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	lower := decodeBody[model.Position](t, rec)
	assert.True(t, lower.IsLong)
	assert.True(t, lower.LeverageFactor.Equal(decimal.NewFromInt(1)))

	rec = s.do(t, http.MethodGet, "/api/v1/environments/1", common.Address{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decodeBody[EnvironmentResponse](t, rec).Ledger
	assert.Equal(t, uint64(2), summary.NumberOfPositions)
	assert.True(t, summary.CumulativeLeverageFactor.Equal(decimal.NewFromInt(2)))

	rec = s.do(t, http.MethodDelete, "/api/v1/environments/1/positions/never%20opened%21", aliceAddr, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.KindPositionNotFound, errorCode(t, rec))
}

func TestGetPosition_UnknownSymbolIsAbsent(t *testing.T) {
	s := newTestServer(t, 0, 0)
	s.createEnv(t, aliceAddr, "desk")

	rec := s.do(t, http.MethodGet, "/api/v1/environments/1/positions/DOGE", common.Address{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pos := decodeBody[model.Position](t, rec)
	assert.False(t, pos.IsOpen())
}

func TestLookupEnvironment(t *testing.T) {
	s := newTestServer(t, 0, 0)
	env := s.createEnv(t, aliceAddr, "alpha")

	rec := s.do(t, http.MethodGet, "/api/v1/environments/lookup?address="+env.Address.Hex(), common.Address{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "alpha", got["name"])
	assert.True(t, strings.EqualFold(aliceAddr.Hex(), got["owner"]))

	rec = s.do(t, http.MethodGet, "/api/v1/environments/lookup?index=7", common.Address{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got = decodeBody[map[string]string](t, rec)
	assert.Equal(t, "", got["name"])
	assert.True(t, strings.EqualFold((common.Address{}).Hex(), got["owner"]))
}

func TestSetDataFeed_RequiresProviderMatch(t *testing.T) {
	s := newTestServer(t, 0, 0)
	env := s.createEnv(t, aliceAddr, "desk")
	feedAddr := common.HexToAddress("0x0000000000000000000000000000000000004242")

	rec := s.do(t, http.MethodPut, "/api/v1/environments/1/data-feed", ownerAddr, DataFeedRequest{DataFeed: feedAddr.Hex()})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, apperrors.KindUnauthorizedFeed, errorCode(t, rec))

	rec = s.do(t, http.MethodPut, "/api/v1/feeds/"+feedAddr.Hex(), bobAddr, FeedRequest{Provider: env.Address.Hex()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPut, "/api/v1/environments/1/data-feed", aliceAddr, DataFeedRequest{DataFeed: feedAddr.Hex()})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, apperrors.KindUnauthorized, errorCode(t, rec))

	rec = s.do(t, http.MethodPut, "/api/v1/environments/1/data-feed", ownerAddr, DataFeedRequest{DataFeed: feedAddr.Hex()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, feedAddr, decodeBody[model.Environment](t, rec).DataFeed)
}

func TestUpdateName_Cooldown(t *testing.T) {
	s := newTestServer(t, 0, 0)
	s.createEnv(t, aliceAddr, "old")

	rec := s.do(t, http.MethodPut, "/api/v1/environments/1/name", bobAddr, NameRequest{Name: "stolen"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/v1/environments/1/name", aliceAddr, NameRequest{Name: "new"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "new", decodeBody[model.Environment](t, rec).Name)

	rec = s.do(t, http.MethodPut, "/api/v1/environments/1/name", aliceAddr, NameRequest{Name: "newer"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperrors.KindNameUpdateTooSoon, errorCode(t, rec))
}

func TestAdmin_RoleGatingAndSettings(t *testing.T) {
	s := newTestServer(t, 0, 0)

	rec := s.do(t, http.MethodPut, "/api/v1/admin/max-positions", aliceAddr, ValueRequest{Value: "6"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/v1/admin/max-positions", ownerAddr, ValueRequest{Value: "6"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, uint64(6), decodeBody[model.Settings](t, rec).MaximumNumberOfPositions)

	rec = s.do(t, http.MethodPut, "/api/v1/admin/max-positions", ownerAddr, ValueRequest{Value: "6"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apperrors.KindLimitNotIncreasing, errorCode(t, rec))

	rec = s.do(t, http.MethodPut, "/api/v1/admin/max-positions", ownerAddr, ValueRequest{Value: "-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/v1/admin/operator", ownerAddr, AddressRequest{Address: bobAddr.Hex()})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/v1/admin/max-usage-fee", bobAddr, ValueRequest{Value: "12.5"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/v1/settings", common.Address{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	settings := decodeBody[model.Settings](t, rec)
	assert.Equal(t, bobAddr, settings.Operator)
	assert.True(t, settings.MaxUsageFee.Equal(decimal.RequireFromString("12.5")))
}

func TestGetPrice(t *testing.T) {
	s := newTestServer(t, 0, 0)

	rec := s.do(t, http.MethodGet, "/api/v1/prices/BTC", common.Address{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[PriceResponse](t, rec)
	assert.Equal(t, "BTC", resp.Symbol)
	assert.True(t, resp.Price.Equal(decimal.NewFromInt(65000)))
	assert.Equal(t, "static", resp.Source)

	// Lower case is a different symbol, quoted at the fallback.
	rec = s.do(t, http.MethodGet, "/api/v1/prices/btc", common.Address{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decodeBody[PriceResponse](t, rec)
	assert.Equal(t, "btc", resp.Symbol)
	assert.True(t, resp.Price.Equal(decimal.NewFromInt(1)))

	rec = s.do(t, http.MethodGet, "/api/v1/prices/"+strings.Repeat("X", 65), common.Address{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListEvents(t *testing.T) {
	s := newTestServer(t, 0, 0)
	env := s.createEnv(t, aliceAddr, "desk")
	rec := s.do(t, http.MethodPost, "/api/v1/environments/1/orders", aliceAddr,
		map[string]any{"symbol": "ETH", "is_long": true, "leverage_factor": "2"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/events?kind=order_placed&ledger="+env.Address.Hex(), common.Address{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeBody[[]event.Event](t, rec)
	require.Len(t, events, 1)
	assert.Equal(t, "ETH", events[0].Symbol)

	rec = s.do(t, http.MethodGet, "/api/v1/events?limit=x", common.Address{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimit_PerCaller(t *testing.T) {
	s := newTestServer(t, 0.001, 1)

	rec := s.do(t, http.MethodPut, "/api/v1/admin/max-positions", ownerAddr, ValueRequest{Value: "6"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/v1/admin/max-positions", ownerAddr, ValueRequest{Value: "7"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, apperrors.KindRateLimited, errorCode(t, rec))

	// Another caller has its own bucket.
	rec = s.do(t, http.MethodPost, "/api/v1/environments", aliceAddr, map[string]string{"usage_fee": "1"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestWebSocket_BroadcastsEvents(t *testing.T) {
	s := newTestServer(t, 0, 0)
	srv := httptest.NewServer(s.routes)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	s.createEnv(t, aliceAddr, "live")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var e event.Event
	require.NoError(t, json.Unmarshal(msg, &e))
	assert.Equal(t, event.KindEnvironmentCreated, e.Kind)
	assert.Equal(t, uint64(1), e.Index)
}
