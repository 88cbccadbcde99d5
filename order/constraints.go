package order

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrConstraint 订单不满足合约的精度或数量限制。
var ErrConstraint = errors.New("order constraint violated")

// SymbolConstraints 描述合约的最小变动价位与数量步长；零值表示不检查。
type SymbolConstraints struct {
	TickSize decimal.Decimal
	StepSize decimal.Decimal
	MinQty   decimal.Decimal
	MaxQty   decimal.Decimal
}

// Validate 检查价格/数量是否符合精度与数量限制；price 为零表示市价单，不检查价格。
func (c SymbolConstraints) Validate(price, qty decimal.Decimal) error {
	if !price.IsZero() && !isMultiple(price, c.TickSize) {
		return fmt.Errorf("%w: price %s not aligned to tick %s", ErrConstraint, price, c.TickSize)
	}
	if !isMultiple(qty, c.StepSize) {
		return fmt.Errorf("%w: qty %s not aligned to step %s", ErrConstraint, qty, c.StepSize)
	}
	if c.MinQty.Sign() > 0 && qty.LessThan(c.MinQty) {
		return fmt.Errorf("%w: qty %s < min %s", ErrConstraint, qty, c.MinQty)
	}
	if c.MaxQty.Sign() > 0 && qty.GreaterThan(c.MaxQty) {
		return fmt.Errorf("%w: qty %s > max %s", ErrConstraint, qty, c.MaxQty)
	}
	return nil
}

func isMultiple(value, step decimal.Decimal) bool {
	if step.Sign() <= 0 {
		return true
	}
	return value.Mod(step).IsZero()
}
