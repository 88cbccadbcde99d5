package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"position-relay/infrastructure/logger"
	"position-relay/infrastructure/monitor"
	"position-relay/internal/store"
	"position-relay/risk"
)

var (
	// ErrRejected 平台未接受调整单。
	ErrRejected = errors.New("reconcile: order rejected")
	// ErrNoQuote 所需的盘口价格不可用。
	ErrNoQuote = errors.New("reconcile: quote unavailable")
)

// Outcome 一次 Tick 的结果。
type Outcome string

const (
	OutcomeNoUpdate      Outcome = "no_update"
	OutcomeWorkingOrders Outcome = "working_orders"
	OutcomeInSync        Outcome = "in_sync"
	OutcomeSubmitted     Outcome = "submitted"
	OutcomeRejected      Outcome = "rejected"
	OutcomePlatformError Outcome = "platform_error"
	OutcomeBlocked       Outcome = "blocked"
)

// Params 运行时可替换的跟单参数。
type Params struct {
	Multiplier  decimal.Decimal
	Style       Style
	MaxPosition decimal.Decimal // 乘数前的最大仓位，0 表示不限制
	MaxOrderQty decimal.Decimal // 单笔调整上限，0 表示不限制
}

// DefaultParams 乘数 1，市价，最大仓位 1。
func DefaultParams() Params {
	return Params{
		Multiplier:  decimal.NewFromInt(1),
		Style:       StyleMarket,
		MaxPosition: decimal.NewFromInt(1),
	}
}

// Source 提供主实例仓位的一致快照，*store.Store 满足该接口。
type Source interface {
	Snapshot() store.Snapshot
}

// Reconciler 在每个轮询周期把平台仓位调整到目标仓位。
// 只由控制协程调用 Tick；SetParams 可从其他协程调用。
type Reconciler struct {
	symbol   string
	src      Source
	platform Platform
	log      *logger.Logger
	mon      *monitor.Monitor

	mu     sync.RWMutex
	params Params
}

func New(symbol string, src Source, platform Platform, params Params, log *logger.Logger, mon *monitor.Monitor) *Reconciler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Reconciler{
		symbol:   symbol,
		src:      src,
		platform: platform,
		log:      log.Named("reconcile").WithFields(map[string]interface{}{"symbol": symbol}),
		mon:      mon,
		params:   params,
	}
}

// SetParams 替换参数，下一次 Tick 生效。
func (r *Reconciler) SetParams(p Params) {
	r.mu.Lock()
	r.params = p
	r.mu.Unlock()
}

func (r *Reconciler) Params() Params {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.params
}

func (r *Reconciler) Symbol() string {
	return r.symbol
}

// Target 按当前参数计算目标仓位；第二个返回值表示目标被最大仓位裁剪。
func (r *Reconciler) Target(primary decimal.Decimal) (decimal.Decimal, bool) {
	return clampedTarget(primary, r.Params())
}

func clampedTarget(primary decimal.Decimal, p Params) (decimal.Decimal, bool) {
	return risk.NewPositionLimit(p.MaxPosition, p.Multiplier).Clamp(Target(primary, p.Multiplier))
}

// Tick 执行一次对账。调整单只提交不等待，被拒绝时记录日志，本次不再重试。
func (r *Reconciler) Tick(ctx context.Context) (Outcome, error) {
	out, err := r.tick(ctx)
	if r.mon != nil {
		r.mon.RecordReconcile(r.symbol, string(out))
	}
	return out, err
}

func (r *Reconciler) tick(ctx context.Context) (Outcome, error) {
	snap := r.src.Snapshot()
	if !snap.HasFirstUpdate {
		return OutcomeNoUpdate, nil
	}

	live, err := r.platform.Position(ctx, r.symbol)
	if err != nil {
		r.log.LogError(err, map[string]interface{}{"action": "query_position"})
		return OutcomePlatformError, fmt.Errorf("query position %s: %w", r.symbol, err)
	}
	// 有未完成订单时不再追加
	if live.WorkingOrders > 0 {
		return OutcomeWorkingOrders, nil
	}

	p := r.Params()
	limit := risk.NewPositionLimit(p.MaxPosition, p.Multiplier)
	target, clamped := clampedTarget(snap.Position, p)
	if clamped {
		r.log.LogRisk("target_clamped", map[string]interface{}{
			"target":  Target(snap.Position, p.Multiplier).String(),
			"clamped": target.String(),
			"limit":   limit.Max.String(),
		})
	}

	var q Quote
	if p.Style.NeedsQuote() && !target.Equal(live.Quantity) {
		q, err = r.platform.Quote(ctx, r.symbol)
		if err != nil {
			r.log.LogError(err, map[string]interface{}{"action": "query_quote"})
			return OutcomePlatformError, fmt.Errorf("query quote %s: %w", r.symbol, err)
		}
	}

	intent, ok := Plan(target, live.Quantity, p.Style, q)
	if !ok {
		return OutcomeInSync, nil
	}
	intent.Symbol = r.symbol

	delta := intent.Quantity
	if intent.Side == SideSell {
		delta = delta.Neg()
	}
	guard := risk.MultiGuard{Guards: []risk.Guard{limit, risk.SingleOrderLimit{Max: p.MaxOrderQty}}}
	if err := guard.PreOrder(r.symbol, live.Quantity, delta); err != nil {
		r.log.LogRisk("order_blocked", map[string]interface{}{
			"live":   live.Quantity.String(),
			"delta":  delta.String(),
			"target": target.String(),
			"error":  err.Error(),
		})
		return OutcomeBlocked, err
	}

	if intent.Price != nil && intent.Price.Sign() <= 0 {
		err := fmt.Errorf("%w: %s %s side", ErrNoQuote, r.symbol, intent.Side)
		r.log.LogError(err, map[string]interface{}{"action": "price_order"})
		return OutcomePlatformError, err
	}

	fields := map[string]interface{}{
		"side":    string(intent.Side),
		"qty":     intent.Quantity.String(),
		"style":   intent.Style.String(),
		"primary": snap.Position.String(),
		"live":    live.Quantity.String(),
		"target":  target.String(),
		"source":  snap.Chartbook,
	}
	if intent.Price != nil {
		fields["price"] = intent.Price.String()
	}

	accepted, err := r.platform.Submit(ctx, intent)
	if err == nil && accepted.Sign() <= 0 {
		err = ErrRejected
	}
	if err != nil {
		fields["error"] = err.Error()
		r.log.LogOrder("rejected", fields)
		if r.mon != nil {
			r.mon.RecordOrderRejected(r.symbol)
		}
		return OutcomeRejected, fmt.Errorf("submit %s: %w", intent, err)
	}

	fields["accepted"] = accepted.String()
	r.log.LogOrder("submitted", fields)
	if r.mon != nil {
		r.mon.RecordOrderSubmitted(r.symbol, string(intent.Side))
	}
	return OutcomeSubmitted, nil
}
