package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"position-relay/host"
	"position-relay/infrastructure/monitor"
	"position-relay/sim"
)

func newTestServer(t *testing.T, health HealthFunc) (*httptest.Server, *host.Board, *sim.Broker) {
	t.Helper()
	board := host.NewBoard(nil)
	broker := sim.NewBroker([]sim.SymbolConfig{{
		Symbol: "ESZ5",
		Bid:    decimal.RequireFromString("4999.75"),
		Ask:    decimal.RequireFromString("5000.25"),
	}}, nil)
	mon := monitor.New(monitor.DefaultConfig())
	mon.SetClientsConnected("12050", 2)
	srv := NewServer(Options{
		Role:    "primary",
		Board:   board,
		Broker:  broker,
		Monitor: mon,
		Health:  health,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = broker.Close()
	})
	return ts, board, broker
}

func TestStatusReturnsBoard(t *testing.T) {
	ts, board, _ := newTestServer(t, nil)
	board.ShowStatus("primary/es", "Port: 12050 NumClients: 1")

	resp, err := http.Get(ts.URL + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "primary", body.Role)
	assert.True(t, body.Healthy)
	require.Len(t, body.Statuses, 1)
	assert.Equal(t, "Port: 12050 NumClients: 1", body.Statuses[0].Text)
}

func TestHealthReportsFailure(t *testing.T) {
	ts, _, _ := newTestServer(t, func() error { return errors.New("relay down") })

	resp, err := http.Get(ts.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "relay down", body["error"])
}

func TestPaperPositionRoundTrip(t *testing.T) {
	ts, _, broker := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/api/v1/paper/ESZ5/position", "application/json", strings.NewReader(`{"position":"-3"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	pos, err := broker.Position(context.Background(), "ESZ5")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(-3)))

	resp, err = http.Get(ts.URL + "/api/v1/paper/ESZ5")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body PaperResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "-3", body.Position)
	assert.Equal(t, "4999.75", body.Bid)
	assert.Empty(t, body.Orders)
}

func TestPaperQuoteUpdate(t *testing.T) {
	ts, _, broker := newTestServer(t, nil)

	resp, err := http.Post(ts.URL+"/api/v1/paper/ESZ5/quote", "application/json", strings.NewReader(`{"bid":"10","ask":"11"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	q, err := broker.Quote(context.Background(), "ESZ5")
	require.NoError(t, err)
	assert.True(t, q.Bid.Equal(decimal.NewFromInt(10)))
	assert.True(t, q.Ask.Equal(decimal.NewFromInt(11)))
}

func TestPaperUnknownSymbol(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/v1/paper/NQZ5")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/v1/paper/ESZ5/position", "application/json", strings.NewReader(`{"position":`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsExposed(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `relay_position_clients_connected{port="12050"} 2`)
}

func TestStatusStreamSnapshotThenUpdates(t *testing.T) {
	ts, board, _ := newTestServer(t, nil)
	board.ShowStatus("primary/es", "Port: 12050 NumClients: 0")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/status"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var first struct {
		Type string        `json:"type"`
		Data []host.Status `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "snapshot", first.Type)
	require.Len(t, first.Data, 1)

	// 快照发出后订阅已建立
	board.ShowStatus("primary/es", "Port: 12050 NumClients: 1")
	var next struct {
		Type string      `json:"type"`
		Data host.Status `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, "status", next.Type)
	assert.Equal(t, "Port: 12050 NumClients: 1", next.Data.Text)
}

func TestCORSPreflight(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/status", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
