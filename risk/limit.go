package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PositionLimit 限制跟单后的净仓位绝对值；Max 为零表示不限制。
type PositionLimit struct {
	Max decimal.Decimal
}

// NewPositionLimit 按“乘数前的最大仓位 * 乘数”计算上限。
func NewPositionLimit(maxBeforeMultiplier, multiplier decimal.Decimal) PositionLimit {
	if maxBeforeMultiplier.Sign() <= 0 {
		return PositionLimit{}
	}
	if multiplier.Sign() < 0 {
		multiplier = decimal.Zero
	}
	return PositionLimit{Max: maxBeforeMultiplier.Mul(multiplier)}
}

// Unlimited 是否未设置上限。
func (p PositionLimit) Unlimited() bool {
	return p.Max.Sign() <= 0
}

// Clamp 把目标仓位裁剪到 [-Max, Max]，第二个返回值表示是否发生裁剪。
func (p PositionLimit) Clamp(target decimal.Decimal) (decimal.Decimal, bool) {
	if p.Unlimited() {
		return target, false
	}
	if target.GreaterThan(p.Max) {
		return p.Max, true
	}
	if neg := p.Max.Neg(); target.LessThan(neg) {
		return neg, true
	}
	return target, false
}

// PreOrder 校验调整后的仓位不超过上限。
func (p PositionLimit) PreOrder(symbol string, current, delta decimal.Decimal) error {
	if p.Unlimited() {
		return nil
	}
	net := current.Add(delta)
	if net.Abs().GreaterThan(p.Max) {
		return fmt.Errorf("%w: %s %s > net %s", ErrNetExceed, symbol, net.String(), p.Max.String())
	}
	return nil
}

// SingleOrderLimit 限制单笔调整数量；Max 为零表示不限制。
type SingleOrderLimit struct {
	Max decimal.Decimal
}

func (s SingleOrderLimit) PreOrder(symbol string, _, delta decimal.Decimal) error {
	if s.Max.Sign() <= 0 {
		return nil
	}
	if delta.Abs().GreaterThan(s.Max) {
		return fmt.Errorf("%w: %s %s > single %s", ErrSingleExceed, symbol, delta.Abs().String(), s.Max.String())
	}
	return nil
}
