// Package sim 提供纸面交易平台：维护仓位、盘口与未完成订单，
// 让主/从实例在没有真实交易终端时也能端到端运行。
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"position-relay/infrastructure/logger"
	"position-relay/inventory"
	"position-relay/order"
	"position-relay/reconcile"
	"position-relay/risk"
)

var (
	// ErrRejected 订单被纸面平台拒绝。
	ErrRejected = errors.New("sim: order rejected")
	// ErrUnknownSymbol 未配置的合约。
	ErrUnknownSymbol = errors.New("sim: unknown symbol")
)

// SymbolConfig 单个合约的初始状态与限制。
type SymbolConfig struct {
	Symbol      string
	Bid         decimal.Decimal
	Ask         decimal.Decimal
	Position    decimal.Decimal
	Constraints order.SymbolConstraints
}

// DefaultOrderHistory 每个合约保留的已结束订单数。
const DefaultOrderHistory = 256

type instrument struct {
	cfg     SymbolConfig
	bid     decimal.Decimal
	ask     decimal.Decimal
	tracker inventory.Tracker
	orders  map[string]*order.Order
	// 已结束订单 ID，按结束先后排列
	finished []string
}

// retire 记录一个已结束订单，超出上限时丢弃最早的。
func (inst *instrument) retire(id string, limit int) {
	inst.finished = append(inst.finished, id)
	for len(inst.finished) > limit {
		delete(inst.orders, inst.finished[0])
		inst.finished = inst.finished[1:]
	}
}

// Option 可选项。
type Option func(*Broker)

// WithFillDelay 订单提交后延迟成交，期间订单处于 working 状态。
func WithFillDelay(d time.Duration) Option {
	return func(b *Broker) { b.fillDelay = d }
}

// WithOrderHistory 设置每个合约保留的已结束订单数。
func WithOrderHistory(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.history = n
		}
	}
}

// WithClock 注入时钟。
func WithClock(c risk.Clock) Option {
	return func(b *Broker) {
		if c != nil {
			b.clock = c
		}
	}
}

// Broker 纸面交易平台，实现 reconcile.Platform。
type Broker struct {
	mu          sync.Mutex
	instruments map[string]*instrument
	fillDelay   time.Duration
	clock       risk.Clock
	log         *logger.Logger
	timers      map[string]*time.Timer
	history     int
	closed      bool
	onFill      func(order.Order)
}

func NewBroker(symbols []SymbolConfig, log *logger.Logger, opts ...Option) *Broker {
	if log == nil {
		log = logger.NewNop()
	}
	b := &Broker{
		instruments: make(map[string]*instrument),
		clock:       risk.NowUTC,
		log:         log.Named("sim"),
		timers:      make(map[string]*time.Timer),
		history:     DefaultOrderHistory,
	}
	for _, opt := range opts {
		opt(b)
	}
	for _, sc := range symbols {
		b.AddSymbol(sc)
	}
	return b
}

// AddSymbol 新增或覆盖一个合约。
func (b *Broker) AddSymbol(sc SymbolConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst := &instrument{
		cfg:    sc,
		bid:    sc.Bid,
		ask:    sc.Ask,
		orders: make(map[string]*order.Order),
	}
	inst.tracker.Set(sc.Position, mid(sc.Bid, sc.Ask))
	b.instruments[sc.Symbol] = inst
}

// OnFill 注册成交回调（在锁外调用）。
func (b *Broker) OnFill(fn func(order.Order)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFill = fn
}

// Position 当前仓位与未完成订单数。
func (b *Broker) Position(_ context.Context, symbol string) (reconcile.PositionSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, err := b.lookup(symbol)
	if err != nil {
		return reconcile.PositionSnapshot{}, err
	}
	working := 0
	for _, o := range inst.orders {
		if o.Status.Working() {
			working++
		}
	}
	return reconcile.PositionSnapshot{Quantity: inst.tracker.NetExposure(), WorkingOrders: working}, nil
}

// Quote 当前买一/卖一。
func (b *Broker) Quote(_ context.Context, symbol string) (reconcile.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, err := b.lookup(symbol)
	if err != nil {
		return reconcile.Quote{}, err
	}
	return reconcile.Quote{Bid: inst.bid, Ask: inst.ask}, nil
}

// Submit 校验并接受订单，返回接受数量。无成交延迟时立即成交。
func (b *Broker) Submit(_ context.Context, intent reconcile.OrderIntent) (decimal.Decimal, error) {
	b.mu.Lock()
	inst, err := b.lookup(intent.Symbol)
	if err != nil {
		b.mu.Unlock()
		return decimal.Zero, err
	}
	if b.closed {
		b.mu.Unlock()
		return decimal.Zero, fmt.Errorf("%w: broker closed", ErrRejected)
	}

	now := b.clock.Now()
	o := &order.Order{
		ID:        uuid.NewString(),
		Symbol:    intent.Symbol,
		Side:      string(intent.Side),
		Type:      order.TypeMarket,
		Quantity:  intent.Quantity,
		Status:    order.StatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if intent.Price != nil {
		o.Type = order.TypeLimit
		o.Price = *intent.Price
	}

	if intent.Quantity.Sign() <= 0 {
		err = fmt.Errorf("%w: non-positive quantity %s", ErrRejected, intent.Quantity)
	} else if cerr := inst.cfg.Constraints.Validate(o.Price, o.Quantity); cerr != nil {
		err = fmt.Errorf("%w: %v", ErrRejected, cerr)
	}
	if err != nil {
		_ = o.Transition(order.StatusRejected, now)
		o.LastError = err.Error()
		inst.orders[o.ID] = o
		inst.retire(o.ID, b.history)
		b.mu.Unlock()
		b.log.LogOrder("rejected", map[string]interface{}{"id": o.ID, "symbol": o.Symbol, "error": err.Error()})
		return decimal.Zero, err
	}

	inst.orders[o.ID] = o
	b.log.LogOrder("accepted", map[string]interface{}{
		"id":     o.ID,
		"symbol": o.Symbol,
		"side":   o.Side,
		"qty":    o.Quantity.String(),
		"type":   string(o.Type),
	})

	if b.fillDelay <= 0 {
		filled, cb := b.fillLocked(inst, o)
		b.mu.Unlock()
		if cb != nil {
			cb(filled)
		}
		return intent.Quantity, nil
	}

	id := o.ID
	b.timers[id] = time.AfterFunc(b.fillDelay, func() { b.fill(intent.Symbol, id) })
	b.mu.Unlock()
	return intent.Quantity, nil
}

func (b *Broker) fill(symbol, id string) {
	b.mu.Lock()
	delete(b.timers, id)
	inst, ok := b.instruments[symbol]
	if !ok || b.closed {
		b.mu.Unlock()
		return
	}
	o, ok := inst.orders[id]
	if !ok || !o.Status.Working() {
		b.mu.Unlock()
		return
	}
	filled, cb := b.fillLocked(inst, o)
	b.mu.Unlock()
	if cb != nil {
		cb(filled)
	}
}

// fillLocked 按限价或对手价全部成交。
func (b *Broker) fillLocked(inst *instrument, o *order.Order) (order.Order, func(order.Order)) {
	price := o.Price
	if o.Type == order.TypeMarket {
		price = inst.ask
		if o.Side == string(reconcile.SideSell) {
			price = inst.bid
		}
	}
	qty := o.Remaining()
	if err := o.Transition(order.StatusFilled, b.clock.Now()); err != nil {
		b.log.LogError(err, map[string]interface{}{"action": "fill"})
		return *o, nil
	}
	inst.tracker.Update(o.SignedQty(qty), price)
	o.Filled = o.Quantity
	inst.retire(o.ID, b.history)

	b.log.LogOrder("filled", map[string]interface{}{
		"id":       o.ID,
		"symbol":   o.Symbol,
		"price":    price.String(),
		"position": inst.tracker.NetExposure().String(),
	})
	return *o, b.onFill
}

// Valuation 按盘口中间价计算仓位、平均成本与未实现盈亏。
func (b *Broker) Valuation(symbol string) (net, avgCost, pnl decimal.Decimal, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, err := b.lookup(symbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	net, pnl = inst.tracker.Valuation(mid(inst.bid, inst.ask))
	return net, inst.tracker.AvgCost(), pnl, nil
}

// SetPosition 手工设置仓位（主实例纸面交易时由 HTTP 接口调用）。
func (b *Broker) SetPosition(symbol string, qty decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, err := b.lookup(symbol)
	if err != nil {
		return err
	}
	inst.tracker.Set(qty, mid(inst.bid, inst.ask))
	return nil
}

// SetQuote 更新盘口。
func (b *Broker) SetQuote(symbol string, bid, ask decimal.Decimal) error {
	if bid.GreaterThan(ask) {
		return fmt.Errorf("crossed quote %s/%s", bid, ask)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, err := b.lookup(symbol)
	if err != nil {
		return err
	}
	inst.bid, inst.ask = bid, ask
	return nil
}

// Orders 返回合约的未完成订单与最近的已结束订单，按创建时间排序。
func (b *Broker) Orders(symbol string) []order.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.instruments[symbol]
	if !ok {
		return nil
	}
	out := make([]order.Order, 0, len(inst.orders))
	for _, o := range inst.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Symbols 已配置的合约。
func (b *Broker) Symbols() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.instruments))
	for s := range b.instruments {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Close 停止所有待成交定时器并撤销未成交订单，之后的订单被拒绝。
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
	now := b.clock.Now()
	for _, inst := range b.instruments {
		for _, o := range inst.orders {
			if o.Status.Working() {
				_ = o.Transition(order.StatusCanceled, now)
				inst.retire(o.ID, b.history)
			}
		}
	}
	return nil
}

func (b *Broker) lookup(symbol string) (*instrument, error) {
	inst, ok := b.instruments[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return inst, nil
}

func mid(bid, ask decimal.Decimal) decimal.Decimal {
	if bid.IsZero() || ask.IsZero() {
		return decimal.Max(bid, ask)
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2))
}
