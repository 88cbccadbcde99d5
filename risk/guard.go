package risk

import "github.com/shopspring/decimal"

// Guard 下单前校验；current 为当前仓位，delta 为本次调整量（正买负卖）。
type Guard interface {
	PreOrder(symbol string, current, delta decimal.Decimal) error
}

// MultiGuard 顺序执行多个 Guard，只要有一个返回错误则中止。
type MultiGuard struct {
	Guards []Guard
}

func (m MultiGuard) PreOrder(symbol string, current, delta decimal.Decimal) error {
	for _, g := range m.Guards {
		if g == nil {
			continue
		}
		if err := g.PreOrder(symbol, current, delta); err != nil {
			return err
		}
	}
	return nil
}
