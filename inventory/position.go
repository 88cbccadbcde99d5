package inventory

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Tracker 维护净仓位与加权平均成本。
type Tracker struct {
	mu   sync.RWMutex
	net  decimal.Decimal
	cost decimal.Decimal
}

// Update 根据成交数量调整仓位，deltaQty 买为正卖为负。
func (t *Tracker) Update(deltaQty, price decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// 简化：加权平均成本
	totalValue := t.cost.Mul(t.net).Add(price.Mul(deltaQty))
	t.net = t.net.Add(deltaQty)
	if t.net.IsZero() {
		t.cost = decimal.Zero
		return
	}
	t.cost = totalValue.Div(t.net)
}

// Set 直接设置仓位（纸面交易的手工调整），成本取 price。
func (t *Tracker) Set(qty, price decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.net = qty
	if qty.IsZero() {
		t.cost = decimal.Zero
	} else {
		t.cost = price
	}
}

func (t *Tracker) NetExposure() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.net
}

func (t *Tracker) AvgCost() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cost
}
