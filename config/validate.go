package config

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"position-relay/reconcile"
)

// ErrInvalid 配置校验失败。
var ErrInvalid = errors.New("invalid config")

var (
	maxMultiplier  = decimal.NewFromInt(10)
	maxMaxPosition = decimal.NewFromInt(1000000)
)

const (
	minPort = 1024
	maxPort = 65535
)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate ensures required fields are present and values are in range.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return invalid("env is required")
	}
	if cfg.PollInterval <= 0 {
		return invalid("poll_interval must be > 0")
	}
	if cfg.HTTP.Enabled && cfg.HTTP.Addr == "" {
		return invalid("http.addr is required when http is enabled")
	}
	if cfg.Relay.QueueSize < 0 || cfg.Relay.StatsEvery < 0 {
		return invalid("relay.queue_size/stats_every must be >= 0")
	}
	if cfg.Follower.StaleAfter > 0 && cfg.Follower.StaleAfter < cfg.Follower.ReconnectInterval {
		return invalid("follower.stale_after must be >= follower.reconnect_interval")
	}

	names := make(map[string]struct{})
	ports := make(map[int]string)
	for i, p := range cfg.Publishers {
		if p.Name == "" {
			return invalid("publishers[%d].name is required", i)
		}
		if _, dup := names[p.Name]; dup {
			return invalid("duplicate name %q", p.Name)
		}
		names[p.Name] = struct{}{}
		if p.Symbol == "" {
			return invalid("publisher %s symbol is required", p.Name)
		}
		if err := validatePort(p.Port); err != nil {
			return invalid("publisher %s: %v", p.Name, err)
		}
		if other, dup := ports[p.Port]; dup {
			return invalid("publisher %s port %d already used by %s", p.Name, p.Port, other)
		}
		ports[p.Port] = p.Name
	}

	for i, f := range cfg.Follows {
		if f.Name == "" {
			return invalid("follows[%d].name is required", i)
		}
		if _, dup := names[f.Name]; dup {
			return invalid("duplicate name %q", f.Name)
		}
		names[f.Name] = struct{}{}
		if f.Symbol == "" {
			return invalid("follow %s symbol is required", f.Name)
		}
		if f.Host == "" {
			return invalid("follow %s host is required", f.Name)
		}
		if err := validatePort(f.Port); err != nil {
			return invalid("follow %s: %v", f.Name, err)
		}
		if f.Multiplier.IsNegative() || f.Multiplier.GreaterThan(maxMultiplier) {
			return invalid("follow %s multiplier %s out of range [0, %s]", f.Name, f.Multiplier, maxMultiplier)
		}
		if f.MaxPosition.IsNegative() || f.MaxPosition.GreaterThan(maxMaxPosition) {
			return invalid("follow %s max_position %s out of range [0, %s]", f.Name, f.MaxPosition, maxMaxPosition)
		}
		if f.MaxOrderQty.IsNegative() {
			return invalid("follow %s max_order_qty %s must not be negative", f.Name, f.MaxOrderQty)
		}
		switch f.Style {
		case reconcile.StyleMarket, reconcile.StyleCrossSpread, reconcile.StyleJoinBidAsk:
		default:
			return invalid("follow %s unknown style %d", f.Name, int(f.Style))
		}
	}

	symbols := make(map[string]struct{})
	for i, s := range cfg.Paper.Symbols {
		if s.Symbol == "" {
			return invalid("paper.symbols[%d].symbol is required", i)
		}
		if _, dup := symbols[s.Symbol]; dup {
			return invalid("duplicate paper symbol %s", s.Symbol)
		}
		symbols[s.Symbol] = struct{}{}
		if s.Bid.IsNegative() || s.Ask.IsNegative() || (s.Ask.Sign() > 0 && s.Bid.GreaterThan(s.Ask)) {
			return invalid("paper symbol %s has invalid quote %s/%s", s.Symbol, s.Bid, s.Ask)
		}
		if s.TickSize.IsNegative() || s.StepSize.IsNegative() || s.MinQty.IsNegative() || s.MaxQty.IsNegative() {
			return invalid("paper symbol %s constraints must be >= 0", s.Symbol)
		}
	}
	return nil
}

func validatePort(port int) error {
	if port < minPort || port > maxPort {
		return fmt.Errorf("port %d out of range [%d, %d]", port, minPort, maxPort)
	}
	return nil
}
