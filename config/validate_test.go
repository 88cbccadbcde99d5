package config

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"position-relay/reconcile"
)

func validConfig() AppConfig {
	cfg := Default()
	cfg.Publishers = []PublisherConfig{{Name: "p", Symbol: "ESZ4", Port: 12050}}
	f := DefaultFollow()
	f.Name, f.Symbol, f.Port = "f", "ESZ4", 12050
	cfg.Follows = []FollowConfig{f}
	return cfg
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(validConfig()))

	tests := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"missing env", func(c *AppConfig) { c.Env = "" }},
		{"port too low", func(c *AppConfig) { c.Publishers[0].Port = 80 }},
		{"port too high", func(c *AppConfig) { c.Follows[0].Port = 70000 }},
		{"duplicate name", func(c *AppConfig) { c.Follows[0].Name = "p" }},
		{"duplicate publisher port", func(c *AppConfig) {
			c.Publishers = append(c.Publishers, PublisherConfig{Name: "p2", Symbol: "NQ", Port: 12050})
		}},
		{"missing host", func(c *AppConfig) { c.Follows[0].Host = "" }},
		{"negative multiplier", func(c *AppConfig) { c.Follows[0].Multiplier = decimal.NewFromInt(-1) }},
		{"multiplier above 10", func(c *AppConfig) { c.Follows[0].Multiplier = decimal.RequireFromString("10.5") }},
		{"max position above limit", func(c *AppConfig) { c.Follows[0].MaxPosition = decimal.NewFromInt(2000000) }},
		{"negative max order qty", func(c *AppConfig) { c.Follows[0].MaxOrderQty = decimal.NewFromInt(-1) }},
		{"unknown style", func(c *AppConfig) { c.Follows[0].Style = reconcile.Style(9) }},
		{"missing symbol", func(c *AppConfig) { c.Publishers[0].Symbol = "" }},
		{"stale shorter than watchdog", func(c *AppConfig) { c.Follower.StaleAfter = c.Follower.ReconnectInterval / 2 }},
		{"crossed paper quote", func(c *AppConfig) {
			c.Paper.Symbols = []PaperSymbolConfig{{Symbol: "ESZ4", Bid: decimal.NewFromInt(2), Ask: decimal.NewFromInt(1)}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := Validate(cfg)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestValidateBoundaries(t *testing.T) {
	cfg := validConfig()
	cfg.Publishers[0].Port = 1024
	cfg.Follows[0].Port = 65535
	cfg.Follows[0].Multiplier = decimal.NewFromInt(10)
	cfg.Follows[0].MaxPosition = decimal.Zero
	assert.NoError(t, Validate(cfg))
}
