package inventory

import "github.com/shopspring/decimal"

// Valuation 按标记价计算未实现盈亏。
func (t *Tracker) Valuation(mark decimal.Decimal) (net, pnl decimal.Decimal) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	net = t.net
	pnl = mark.Sub(t.cost).Mul(t.net)
	return
}
