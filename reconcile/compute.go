package reconcile

import "github.com/shopspring/decimal"

// Target 目标仓位 = max(multiplier, 0) * received。
func Target(received, multiplier decimal.Decimal) decimal.Decimal {
	if multiplier.Sign() < 0 {
		multiplier = decimal.Zero
	}
	return multiplier.Mul(received)
}

// Plan 根据目标仓位与当前仓位生成调整单；差值为零时返回 false。
func Plan(target, live decimal.Decimal, style Style, q Quote) (OrderIntent, bool) {
	delta := target.Sub(live)
	if delta.IsZero() {
		return OrderIntent{}, false
	}

	intent := OrderIntent{Style: style, Quantity: delta.Abs()}
	buying := delta.Sign() > 0
	if buying {
		intent.Side = SideBuy
	} else {
		intent.Side = SideSell
	}

	switch style {
	case StyleCrossSpread:
		p := q.Bid
		if buying {
			p = q.Ask
		}
		intent.Price = &p
	case StyleJoinBidAsk:
		p := q.Ask
		if buying {
			p = q.Bid
		}
		intent.Price = &p
	}
	return intent, true
}

// Compute 等价于 Plan(Target(received, multiplier), live, style, q)。
func Compute(received, live, multiplier decimal.Decimal, style Style, q Quote) (OrderIntent, bool) {
	return Plan(Target(received, multiplier), live, style, q)
}
