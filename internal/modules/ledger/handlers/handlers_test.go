package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradebook/internal/database"
	"github.com/aristath/tradebook/internal/domain"
	"github.com/aristath/tradebook/internal/modules/ledger"
	"github.com/aristath/tradebook/internal/modules/lots"
)

type handlerFixture struct {
	engine *ledger.Engine
	router *chi.Mux
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// One pool connection, or each pooled conn would see its own empty
	// in-memory database.
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, database.ApplySchema(conn))

	dir := t.TempDir()
	log := zerolog.New(nil).Level(zerolog.Disabled)
	id := domain.Identity4{
		EntityCode:       "ACME",
		JurisdictionCode: "US",
		BrokerCode:       "ALPACA",
		BotID:            "BOT1",
	}

	audit := ledger.NewAuditLog(filepath.Join(dir, "ledger_audit.jsonl"), conn, id, log)
	lotsEng := lots.NewEngine(conn, audit, log)
	engine := ledger.NewEngine(conn, lotsEng, nil, audit, ledger.DefaultPolicy(), id, log)

	handler := NewHandler(engine, log)
	router := chi.NewRouter()
	router.Route("/api", handler.RegisterRoutes)

	return &handlerFixture{engine: engine, router: router}
}

func (fx *handlerFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	return rec
}

func (fx *handlerFixture) post(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var envelope struct {
		Data     map[string]interface{} `json:"data"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NotEmpty(t, envelope.Metadata["timestamp"])
	return envelope.Data
}

func recentTS() time.Time {
	return time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)
}

func seedTrade(t *testing.T, fx *handlerFixture, tradeID, symbol string) {
	t.Helper()
	require.NoError(t, fx.engine.PostBuy(ledger.TradeParams{
		Timestamp: recentTS(),
		TradeID:   tradeID,
		GroupID:   "G-" + tradeID,
		Symbol:    symbol,
		Quantity:  decimal.NewFromInt(10),
		Price:     decimal.NewFromInt(50),
	}))
}

func TestHandleGetBalances(t *testing.T) {
	fx := newHandlerFixture(t)
	require.NoError(t, fx.engine.PostDeposit(ledger.CashParams{
		Timestamp:  recentTS(),
		ActivityID: "A-DEP-1",
		Amount:     decimal.NewFromInt(1000),
	}))

	rec := fx.get(t, "/api/balances")
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	assert.EqualValues(t, 2, data["count"])
	assert.Contains(t, rec.Body.String(), ledger.AccountCash)
	assert.Contains(t, rec.Body.String(), ledger.AccountTransfers)
}

func TestHandleGetBalancesAsOf(t *testing.T) {
	fx := newHandlerFixture(t)
	require.NoError(t, fx.engine.PostDeposit(ledger.CashParams{
		Timestamp:  recentTS(),
		ActivityID: "A-DEP-2",
		Amount:     decimal.NewFromInt(1000),
	}))

	// A point in time before the deposit sees an empty book.
	rec := fx.get(t, "/api/balances?as_of=2020-01-01T00:00:00Z")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.EqualValues(t, 0, data["count"])

	rec = fx.get(t, "/api/balances?as_of=not-a-timestamp")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetGroups(t *testing.T) {
	fx := newHandlerFixture(t)
	seedTrade(t, fx, "T-G1", "AAPL")
	seedTrade(t, fx, "T-G2", "MSFT")

	rec := fx.get(t, "/api/ledger/groups")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.EqualValues(t, 2, data["count"])

	rec = fx.get(t, "/api/ledger/groups?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	data = decodeData(t, rec)
	assert.EqualValues(t, 1, data["count"])

	groups, ok := data["groups"].([]interface{})
	require.True(t, ok)
	first, ok := groups[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "G-T-G1", first["group_id"])
	assert.Equal(t, "AAPL", first["symbol"])
	assert.Equal(t, false, first["collapsed"])
}

func TestHandleGetGroupLegs(t *testing.T) {
	fx := newHandlerFixture(t)
	seedTrade(t, fx, "T-L1", "IBM")

	rec := fx.get(t, "/api/ledger/groups/G-T-L1/legs")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, "G-T-L1", data["group_id"])
	assert.EqualValues(t, 2, data["count"])

	rec = fx.get(t, "/api/ledger/groups/G-MISSING/legs")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSetGroupCollapsed(t *testing.T) {
	fx := newHandlerFixture(t)
	seedTrade(t, fx, "T-C1", "NVDA")

	rec := fx.post(t, "/api/ledger/groups/G-T-C1/collapsed", `{"collapsed": true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	collapsed, err := fx.engine.GroupCollapsed("G-T-C1")
	require.NoError(t, err)
	assert.True(t, collapsed)

	rec = fx.post(t, "/api/ledger/groups/G-T-C1/collapsed", `{"collapsed": false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	collapsed, err = fx.engine.GroupCollapsed("G-T-C1")
	require.NoError(t, err)
	assert.False(t, collapsed)

	rec = fx.post(t, "/api/ledger/groups/G-T-C1/collapsed", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetLegsFilters(t *testing.T) {
	fx := newHandlerFixture(t)
	seedTrade(t, fx, "T-F1", "AAPL")
	seedTrade(t, fx, "T-F2", "MSFT")

	rec := fx.get(t, "/api/ledger/legs?symbol=AAPL")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.EqualValues(t, 2, data["count"])

	rec = fx.get(t, "/api/ledger/legs?account="+ledger.AccountCash)
	require.Equal(t, http.StatusOK, rec.Code)
	data = decodeData(t, rec)
	assert.EqualValues(t, 2, data["count"])

	rec = fx.get(t, "/api/ledger/legs?from=not-a-timestamp")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
