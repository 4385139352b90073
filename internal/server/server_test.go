package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictarena/internal/account"
	"github.com/alanyoungcy/predictarena/internal/cache/memory"
	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/metrics"
	"github.com/alanyoungcy/predictarena/internal/numeric"
	"github.com/alanyoungcy/predictarena/internal/round"
	"github.com/alanyoungcy/predictarena/internal/server/handler"
	"github.com/alanyoungcy/predictarena/internal/server/middleware"
	"github.com/alanyoungcy/predictarena/internal/server/ws"
	"github.com/alanyoungcy/predictarena/internal/settlement"
	"github.com/alanyoungcy/predictarena/internal/stake"
	"github.com/alanyoungcy/predictarena/internal/store/sqlite"
)

const adminKey = "s3cret"

type fakePrice struct {
	mu    sync.Mutex
	price numeric.Decimal
	ok    bool
	stale bool
}

func (p *fakePrice) Price() (numeric.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.price, p.ok
}

func (p *fakePrice) IsStale() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stale
}

func (p *fakePrice) UpdatedAt() time.Time { return time.Now() }

type switchGateway struct {
	mu  sync.Mutex
	err error
}

func (g *switchGateway) fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

func (g *switchGateway) RecordStake(context.Context, domain.StakeInstruction) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

func (g *switchGateway) RecordResolution(context.Context, domain.ResolutionInstruction) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

type testAPI struct {
	srv     *httptest.Server
	bus     *memory.Bus
	hub     *ws.Hub
	price   *fakePrice
	gateway *switchGateway
}

func newTestAPI(t *testing.T, cfg Config) *testAPI {
	t.Helper()
	st, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := memory.NewBus(16)
	mt := metrics.New()
	price := &fakePrice{price: numeric.FromInt(100), ok: true}
	gw := &switchGateway{}

	rounds := round.NewManager(st.Rounds(), st.Stakes(), round.Config{}, logger, round.WithSignalBus(bus), round.WithMetrics(mt))
	stakes := stake.NewEngine(st, st.Rounds(), gw, logger, stake.WithSignalBus(bus), stake.WithMetrics(mt))
	settle := settlement.NewEngine(st, gw, logger, settlement.WithSignalBus(bus), settlement.WithMetrics(mt))
	accounts := account.NewService(st.Participants(), st.Stakes(), logger)

	hub := ws.NewHub(bus, nil, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = hub.Run(ctx); close(done) }()

	if cfg.AdminAPIKey == "" {
		cfg.AdminAPIKey = adminKey
	}
	s := NewServer(cfg, Handlers{
		Health:       handler.NewHealthHandler(map[string]handler.Pinger{"store": st}, logger),
		Price:        handler.NewPriceHandler(price, "BTCUSDT"),
		Rounds:       handler.NewRoundHandler(rounds, settle, price, 24*time.Hour, logger),
		Stakes:       handler.NewStakeHandler(stakes, logger),
		Participants: handler.NewParticipantHandler(accounts, logger),
		Audit:        handler.NewAuditHandler(st.Audit(), logger),
		Metrics:      mt.Handler(),
	}, hub, middleware.NewLocalLimiter(), logger)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return &testAPI{srv: srv, bus: bus, hub: hub, price: price, gateway: gw}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, admin bool) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(t, err)
	if admin {
		req.Header.Set("Authorization", "Bearer "+adminKey)
	}
	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func (a *testAPI) register(t *testing.T, addr, balance string) string {
	t.Helper()
	code, body := a.do(t, http.MethodPost, "/api/participants", map[string]string{"address": addr, "balance": balance}, true)
	require.Equal(t, http.StatusCreated, code, body)
	return body["id"].(string)
}

func (a *testAPI) startBinary(t *testing.T) string {
	t.Helper()
	code, body := a.do(t, http.MethodPost, "/api/rounds", map[string]string{"mode": "binary", "duration": "1h"}, true)
	require.Equal(t, http.StatusCreated, code, body)
	return body["id"].(string)
}

func TestHealthAndPrice(t *testing.T) {
	api := newTestAPI(t, Config{})

	code, body := api.do(t, http.MethodGet, "/api/health", nil, false)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	code, body = api.do(t, http.MethodGet, "/api/price", nil, false)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "100.00000000", body["price"])
	assert.Equal(t, false, body["stale"])
}

func TestAdminRoutesRequireKey(t *testing.T) {
	api := newTestAPI(t, Config{})

	code, _ := api.do(t, http.MethodPost, "/api/rounds", map[string]string{"mode": "BINARY", "duration": "1m"}, false)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = api.do(t, http.MethodPost, "/api/participants", map[string]string{"address": "0xabc"}, false)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestBinaryRoundOverHTTP(t *testing.T) {
	api := newTestAPI(t, Config{})
	alice := api.register(t, "0xa11ce", "100")
	bob := api.register(t, "0xb0b", "100")
	carol := api.register(t, "0xca201", "100")
	roundID := api.startBinary(t)

	for _, s := range []struct{ who, side, amount string }{
		{alice, "UP", "10.33"},
		{bob, "UP", "10.33"},
		{carol, "DOWN", "10.34"},
	} {
		code, body := api.do(t, http.MethodPost, "/api/stakes",
			map[string]string{"participant_id": s.who, "round_id": roundID, "side": s.side, "amount": s.amount}, false)
		require.Equal(t, http.StatusCreated, code, body)
	}

	code, body := api.do(t, http.MethodGet, "/api/rounds/"+roundID+"/stakes", nil, false)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["stakes"], 3)

	code, body = api.do(t, http.MethodPost, "/api/rounds/"+roundID+"/lock", nil, true)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "locked", body["result"])

	code, body = api.do(t, http.MethodPost, "/api/rounds/"+roundID+"/resolve", map[string]string{"final_price": "105"}, true)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "31.00000000", body["total_payout"])

	code, body = api.do(t, http.MethodGet, "/api/participants/"+alice, nil, false)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "105.17000000", body["balance"])

	code, body = api.do(t, http.MethodPost, "/api/rounds/"+roundID+"/resolve", map[string]string{"final_price": "105"}, true)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "round_already_resolved", body["code"])

	code, body = api.do(t, http.MethodGet, "/api/participants/"+carol+"/stakes", nil, false)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["stakes"], 1)
}

func TestAuditTrail(t *testing.T) {
	api := newTestAPI(t, Config{})
	alice := api.register(t, "0xa11ce", "100")
	roundID := api.startBinary(t)
	code, body := api.do(t, http.MethodPost, "/api/stakes",
		map[string]string{"participant_id": alice, "round_id": roundID, "side": "UP", "amount": "5"}, false)
	require.Equal(t, http.StatusCreated, code, body)
	code, body = api.do(t, http.MethodPost, "/api/rounds/"+roundID+"/resolve", map[string]string{"final_price": "105"}, true)
	require.Equal(t, http.StatusOK, code, body)

	code, _ = api.do(t, http.MethodGet, "/api/audit", nil, false)
	assert.Equal(t, http.StatusUnauthorized, code)

	req, err := http.NewRequest(http.MethodGet, api.srv.URL+"/api/audit?round_id="+roundID, nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", adminKey)
	resp, err := api.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []domain.AuditEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 2)
	assert.Equal(t, string(domain.EventRoundResolved), entries[0].Event)
	assert.Equal(t, string(domain.EventStakePlaced), entries[1].Event)
}

func TestStakeErrorMapping(t *testing.T) {
	api := newTestAPI(t, Config{})
	alice := api.register(t, "0xa11ce", "5")
	roundID := api.startBinary(t)

	stakeReq := func(side, amount, round string) map[string]string {
		return map[string]string{"participant_id": alice, "round_id": round, "side": side, "amount": amount}
	}
	tests := []struct {
		name string
		body map[string]string
		code int
		err  string
	}{
		{"insufficient", stakeReq("UP", "6", roundID), http.StatusUnprocessableEntity, "insufficient_balance"},
		{"bad side", stakeReq("SIDEWAYS", "1", roundID), http.StatusBadRequest, "missing_side_or_range"},
		{"zero amount", stakeReq("UP", "0", roundID), http.StatusBadRequest, "invalid_amount"},
		{"huge exponent", stakeReq("UP", "1e50000000", roundID), http.StatusBadRequest, "invalid_decimal"},
		{"too many decimals", stakeReq("UP", "0.123456789", roundID), http.StatusBadRequest, "invalid_decimal"},
		{"unknown round", stakeReq("UP", "1", "nope"), http.StatusNotFound, "round_not_found"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, body := api.do(t, http.MethodPost, "/api/stakes", tc.body, false)
			assert.Equal(t, tc.code, code, body)
			assert.Equal(t, tc.err, body["code"])
		})
	}

	code, _ := api.do(t, http.MethodPost, "/api/stakes", stakeReq("UP", "1", roundID), false)
	require.Equal(t, http.StatusCreated, code)
	code, body := api.do(t, http.MethodPost, "/api/stakes", stakeReq("DOWN", "1", roundID), false)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "duplicate_prediction", body["code"])
}

func TestGatewayFailureMapsTo502(t *testing.T) {
	api := newTestAPI(t, Config{})
	alice := api.register(t, "0xa11ce", "5")
	roundID := api.startBinary(t)

	api.gateway.fail(errors.New("rpc down"))
	code, body := api.do(t, http.MethodPost, "/api/stakes",
		map[string]string{"participant_id": alice, "round_id": roundID, "side": "UP", "amount": "1"}, false)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "settlement_call_failed", body["code"])

	_, body = api.do(t, http.MethodGet, "/api/participants/"+alice, nil, false)
	assert.Equal(t, "5.00000000", body["balance"])
}

func TestStartRoundNeedsPrice(t *testing.T) {
	api := newTestAPI(t, Config{})
	api.price.mu.Lock()
	api.price.stale = true
	api.price.mu.Unlock()

	code, body := api.do(t, http.MethodPost, "/api/rounds", map[string]string{"mode": "BINARY", "duration": "1m"}, true)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "oracle_unavailable", body["code"])

	code, body = api.do(t, http.MethodPost, "/api/rounds", map[string]any{"mode": "BINARY", "duration": "1m", "start_price": "100"}, true)
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "ACTIVE", body["status"])

	code, body = api.do(t, http.MethodPost, "/api/rounds", map[string]any{"mode": "BINARY", "duration": "1m", "start_price": "100"}, true)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "active_round_exists", body["code"])

	code, _ = api.do(t, http.MethodPost, "/api/rounds", map[string]any{"mode": "BINARY", "duration": "48h", "start_price": "100"}, true)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = api.do(t, http.MethodPost, "/api/rounds", map[string]any{"mode": "DICE", "duration": "1m"}, true)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_mode", body["code"])
}

func TestCancelRefunds(t *testing.T) {
	api := newTestAPI(t, Config{})
	alice := api.register(t, "0xa11ce", "5")
	roundID := api.startBinary(t)

	code, _ := api.do(t, http.MethodPost, "/api/stakes",
		map[string]string{"participant_id": alice, "round_id": roundID, "side": "UP", "amount": "2"}, false)
	require.Equal(t, http.StatusCreated, code)

	code, body := api.do(t, http.MethodPost, "/api/rounds/"+roundID+"/cancel", nil, true)
	require.Equal(t, http.StatusOK, code, body)

	_, body = api.do(t, http.MethodGet, "/api/participants/"+alice, nil, false)
	assert.Equal(t, "5.00000000", body["balance"])

	code, body = api.do(t, http.MethodGet, "/api/rounds?status=CANCELLED", nil, false)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["rounds"], 1)
}

func TestNotFound(t *testing.T) {
	api := newTestAPI(t, Config{})

	code, body := api.do(t, http.MethodGet, "/api/rounds/missing", nil, false)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "round_not_found", body["code"])

	code, body = api.do(t, http.MethodGet, "/api/participants/missing", nil, false)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "participant_not_found", body["code"])

	code, _ = api.do(t, http.MethodGet, "/api/rounds?limit=abc", nil, false)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRateLimit(t *testing.T) {
	api := newTestAPI(t, Config{RateLimit: 2, RateLimitWindow: time.Minute})

	for range 2 {
		code, _ := api.do(t, http.MethodGet, "/api/price", nil, false)
		require.Equal(t, http.StatusOK, code)
	}
	code, body := api.do(t, http.MethodGet, "/api/price", nil, false)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate limit exceeded", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t, Config{})
	api.startBinary(t)

	resp, err := api.srv.Client().Get(api.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `arena_rounds_started_total{mode="BINARY"} 1`)
}

func TestWebsocketStreamsEvents(t *testing.T) {
	api := newTestAPI(t, Config{})

	url := "ws" + strings.TrimPrefix(api.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return api.hub.ClientCount() == 1 && api.bus.Subscribers(domain.ChannelRounds) == 1
	}, 2*time.Second, 10*time.Millisecond)

	roundID := api.startBinary(t)

	var env struct {
		Channel string       `json:"channel"`
		Data    domain.Event `json:"data"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, domain.ChannelRounds, env.Channel)
	assert.Equal(t, domain.EventRoundStarted, env.Data.Type)
	require.NotNil(t, env.Data.Round)
	assert.Equal(t, roundID, env.Data.Round.ID)
}
