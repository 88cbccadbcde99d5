// Package httpapi 状态看板：REST 查询、websocket 推送、纸面交易控制与 /metrics。
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"

	"position-relay/host"
	"position-relay/infrastructure/logger"
	"position-relay/infrastructure/monitor"
	"position-relay/order"
	"position-relay/sim"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 来源限制由 CORS 层处理
	CheckOrigin: func(*http.Request) bool { return true },
}

// HealthFunc 返回整体健康状态。
type HealthFunc func() error

// Options 可选依赖；为空的部分对应路由返回 404。
type Options struct {
	Role           string
	Board          *host.Board
	Broker         *sim.Broker
	Monitor        *monitor.Monitor
	Health         HealthFunc
	AllowedOrigins []string
	Log            *logger.Logger
}

// Server HTTP 路由。
type Server struct {
	opts   Options
	router *mux.Router
	log    *logger.Logger
}

func NewServer(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = logger.NewNop()
	}
	s := &Server{
		opts:   opts,
		router: mux.NewRouter(),
		log:    log.Named("http"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	if s.opts.Broker != nil {
		api.HandleFunc("/paper/{symbol}", s.handlePaperGet).Methods(http.MethodGet)
		api.HandleFunc("/paper/{symbol}/position", s.handlePaperPosition).Methods(http.MethodPost)
		api.HandleFunc("/paper/{symbol}/quote", s.handlePaperQuote).Methods(http.MethodPost)
	}
	if s.opts.Board != nil {
		s.router.HandleFunc("/ws/status", s.handleStatusStream)
	}
	if s.opts.Monitor != nil {
		s.router.Handle("/metrics", s.opts.Monitor.Handler()).Methods(http.MethodGet)
	}
}

// Handler 带 CORS 的根 handler。
func (s *Server) Handler() http.Handler {
	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// StatusResponse /api/v1/status 响应。
type StatusResponse struct {
	Role     string        `json:"role"`
	Healthy  bool          `json:"healthy"`
	Error    string        `json:"error,omitempty"`
	Statuses []host.Status `json:"statuses"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Role: s.opts.Role, Healthy: true, Statuses: []host.Status{}}
	if s.opts.Board != nil {
		resp.Statuses = s.opts.Board.Snapshot()
	}
	if err := s.health(); err != nil {
		resp.Healthy = false
		resp.Error = err.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.health(); err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) health() error {
	if s.opts.Health == nil {
		return nil
	}
	return s.opts.Health()
}

// PaperResponse 纸面合约状态。
type PaperResponse struct {
	Symbol        string         `json:"symbol"`
	Position      string         `json:"position"`
	WorkingOrders int            `json:"working_orders"`
	AvgCost       string         `json:"avg_cost"`
	UnrealizedPnL string         `json:"unrealized_pnl"`
	Bid           string         `json:"bid"`
	Ask           string         `json:"ask"`
	Orders        []orderPayload `json:"orders"`
}

type orderPayload struct {
	ID       string    `json:"id"`
	Side     string    `json:"side"`
	Type     string    `json:"type"`
	Price    string    `json:"price,omitempty"`
	Quantity string    `json:"quantity"`
	Status   string    `json:"status"`
	Error    string    `json:"error,omitempty"`
	Created  time.Time `json:"created_at"`
}

func toOrderPayload(o order.Order) orderPayload {
	p := orderPayload{
		ID:       o.ID,
		Side:     o.Side,
		Type:     string(o.Type),
		Quantity: o.Quantity.String(),
		Status:   string(o.Status),
		Error:    o.LastError,
		Created:  o.CreatedAt,
	}
	if !o.Price.IsZero() {
		p.Price = o.Price.String()
	}
	return p
}

func (s *Server) handlePaperGet(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	pos, err := s.opts.Broker.Position(r.Context(), symbol)
	if err != nil {
		respondBrokerError(w, err)
		return
	}
	q, err := s.opts.Broker.Quote(r.Context(), symbol)
	if err != nil {
		respondBrokerError(w, err)
		return
	}
	_, cost, pnl, err := s.opts.Broker.Valuation(symbol)
	if err != nil {
		respondBrokerError(w, err)
		return
	}
	orders := s.opts.Broker.Orders(symbol)
	resp := PaperResponse{
		Symbol:        symbol,
		Position:      pos.Quantity.String(),
		WorkingOrders: pos.WorkingOrders,
		AvgCost:       cost.String(),
		UnrealizedPnL: pnl.String(),
		Bid:           q.Bid.String(),
		Ask:           q.Ask.String(),
		Orders:        make([]orderPayload, 0, len(orders)),
	}
	for _, o := range orders {
		resp.Orders = append(resp.Orders, toOrderPayload(o))
	}
	respondJSON(w, http.StatusOK, resp)
}

type positionRequest struct {
	Position decimal.Decimal `json:"position"`
}

func (s *Server) handlePaperPosition(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.opts.Broker.SetPosition(symbol, req.Position); err != nil {
		respondBrokerError(w, err)
		return
	}
	s.log.LogOrder("paper_position_set", map[string]interface{}{"symbol": symbol, "position": req.Position.String()})
	respondJSON(w, http.StatusOK, map[string]string{"symbol": symbol, "position": req.Position.String()})
}

type quoteRequest struct {
	Bid decimal.Decimal `json:"bid"`
	Ask decimal.Decimal `json:"ask"`
}

func (s *Server) handlePaperQuote(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.opts.Broker.SetQuote(symbol, req.Bid, req.Ask); err != nil {
		respondBrokerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"symbol": symbol, "bid": req.Bid.String(), "ask": req.Ask.String()})
}

// wsMessage websocket 推送格式。
type wsMessage struct {
	Type string      `json:"type"` // snapshot / status
	Data interface{} `json:"data"`
}

// handleStatusStream 先推送一次全量快照，之后推送每次状态变化。
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.LogError(err, map[string]interface{}{"action": "ws_upgrade"})
		return
	}
	defer conn.Close()

	sub := s.opts.Board.Subscribe(64)
	defer s.opts.Board.Unsubscribe(sub)

	// 读协程只处理 pong 与关闭
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeWS(conn, wsMessage{Type: "snapshot", Data: s.opts.Board.Snapshot()}); err != nil {
		return
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case st, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeWS(conn, wsMessage{Type: "status", Data: st}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeWS(conn *websocket.Conn, msg wsMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(msg)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func respondBrokerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sim.ErrUnknownSymbol):
		respondError(w, http.StatusNotFound, err)
	default:
		respondError(w, http.StatusBadRequest, err)
	}
}
