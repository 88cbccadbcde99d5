package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status represents order lifecycle.
type Status string

const (
	StatusNew      Status = "NEW"
	StatusPartial  Status = "PARTIAL"
	StatusFilled   Status = "FILLED"
	StatusCanceled Status = "CANCELED"
	StatusRejected Status = "REJECTED"
)

// ErrTransition 非法的状态转换。
var ErrTransition = errors.New("illegal order state transition")

// 合法的状态转换；终态（FILLED/CANCELED/REJECTED）不能再转换。
var transitions = map[Status][]Status{
	StatusNew:     {StatusPartial, StatusFilled, StatusCanceled, StatusRejected},
	StatusPartial: {StatusPartial, StatusFilled, StatusCanceled},
}

// Working 订单是否仍在场内（未终结）。
func (s Status) Working() bool {
	return s == StatusNew || s == StatusPartial
}

// CanTransition 判断 from -> to 是否合法。
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Type 订单类型。
type Type string

const (
	TypeMarket Type = "MARKET"
	TypeLimit  Type = "LIMIT"
)

// Order holds a simplified order view. Quantity 为正数，方向由 Side 表示。
type Order struct {
	ID        string
	Symbol    string
	Side      string // BUY/SELL
	Type      Type
	Price     decimal.Decimal // 市价单为零
	Quantity  decimal.Decimal
	Filled    decimal.Decimal
	Status    Status
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SignedQty 带方向的数量，买为正卖为负。
func (o Order) SignedQty(q decimal.Decimal) decimal.Decimal {
	if o.Side == "SELL" {
		return q.Neg()
	}
	return q
}

// Remaining 未成交数量。
func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// Transition 修改状态并记录时间。
func (o *Order) Transition(to Status, at time.Time) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrTransition, o.ID, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = at
	return nil
}
