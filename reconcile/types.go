// Package reconcile 把从实例的本地仓位调整到 乘数 * 主实例仓位。
package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Style 下单方式，决定价格提示。
type Style int

const (
	StyleMarket      Style = iota // 市价，无价格
	StyleCrossSpread              // 吃单：买用卖一价，卖用买一价
	StyleJoinBidAsk               // 挂单：买用买一价，卖用卖一价
)

func (s Style) String() string {
	switch s {
	case StyleMarket:
		return "market"
	case StyleCrossSpread:
		return "cross-spread"
	case StyleJoinBidAsk:
		return "join-bid-ask"
	default:
		return fmt.Sprintf("style(%d)", int(s))
	}
}

// NeedsQuote 该方式是否需要盘口报价。
func (s Style) NeedsQuote() bool {
	return s == StyleCrossSpread || s == StyleJoinBidAsk
}

// ParseStyle 接受 market / cross-spread / join-bid-ask（大小写、下划线不敏感）。
func ParseStyle(v string) (Style, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(v)), "_", "-") {
	case "", "market":
		return StyleMarket, nil
	case "cross-spread", "cross":
		return StyleCrossSpread, nil
	case "join-bid-ask", "join":
		return StyleJoinBidAsk, nil
	}
	return StyleMarket, fmt.Errorf("unknown order style %q", v)
}

func (s Style) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Style) UnmarshalText(b []byte) error {
	v, err := ParseStyle(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// UnmarshalYAML 配置文件中以字符串书写。
func (s *Style) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: order style must be a string", node.Line)
	}
	return s.UnmarshalText([]byte(node.Value))
}

func (s Style) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// Side 买卖方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Quote 盘口买一/卖一。
type Quote struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// PositionSnapshot 交易平台上的当前仓位与未完成订单数。
type PositionSnapshot struct {
	Quantity      decimal.Decimal
	WorkingOrders int
}

// OrderIntent 一次调整下单；Price 为空表示无价格提示（市价）。
type OrderIntent struct {
	Symbol   string
	Side     Side
	Quantity decimal.Decimal
	Price    *decimal.Decimal
	Style    Style
}

func (o OrderIntent) String() string {
	price := "MKT"
	if o.Price != nil {
		price = o.Price.String()
	}
	return fmt.Sprintf("%s %s %s @ %s (%s)", o.Side, o.Quantity.String(), o.Symbol, price, o.Style)
}

// Platform 宿主交易平台提供的能力。Submit 只表示平台接受了订单，
// 返回接受的数量；不等待成交。
type Platform interface {
	Position(ctx context.Context, symbol string) (PositionSnapshot, error)
	Quote(ctx context.Context, symbol string) (Quote, error)
	Submit(ctx context.Context, intent OrderIntent) (decimal.Decimal, error)
}
