package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"position-relay/follower"
	"position-relay/infrastructure/logger"
	"position-relay/reconcile"
	"position-relay/relay"
)

// 环境变量覆盖
const (
	EnvChartbook = "RELAY_CHARTBOOK"
	EnvHTTPAddr  = "RELAY_HTTP_ADDR"
	EnvLogLevel  = "RELAY_LOG_LEVEL"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env          string                `yaml:"env"`
	Log          logger.Config         `yaml:"log"`
	HTTP         HTTPConfig            `yaml:"http"`
	PollInterval time.Duration         `yaml:"poll_interval"`
	Relay        relay.ServerConfig    `yaml:"relay"`
	Follower     follower.ClientConfig `yaml:"follower"`
	Alert        AlertConfig           `yaml:"alert"`
	HotReload    HotReloadConfig       `yaml:"hot_reload"`
	Paper        PaperConfig           `yaml:"paper"`
	Publishers   []PublisherConfig     `yaml:"publishers"`
	Follows      []FollowConfig        `yaml:"follows"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type AlertConfig struct {
	Throttle time.Duration `yaml:"throttle"` // 同一告警的最小间隔
}

type HotReloadConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Cooldown time.Duration `yaml:"cooldown"`
}

// PaperConfig 纸面交易平台。
type PaperConfig struct {
	FillDelay time.Duration       `yaml:"fill_delay"`
	Symbols   []PaperSymbolConfig `yaml:"symbols"`
}

// PaperSymbolConfig 合约的初始盘口、仓位与步长。
type PaperSymbolConfig struct {
	Symbol   string          `yaml:"symbol"`
	Bid      decimal.Decimal `yaml:"bid"`
	Ask      decimal.Decimal `yaml:"ask"`
	Position decimal.Decimal `yaml:"position"`
	TickSize decimal.Decimal `yaml:"tick_size"`
	StepSize decimal.Decimal `yaml:"step_size"`
	MinQty   decimal.Decimal `yaml:"min_qty"`
	MaxQty   decimal.Decimal `yaml:"max_qty"`
}

// PublisherConfig 主实例：在 Port 上发布 Symbol 的本地仓位。
type PublisherConfig struct {
	Name      string `yaml:"name"`
	Symbol    string `yaml:"symbol"`
	Chartbook string `yaml:"chartbook"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
}

// FollowConfig 从实例：连接 Host:Port，把 Symbol 调整到 multiplier * 主实例仓位。
type FollowConfig struct {
	Name        string          `yaml:"name"`
	Symbol      string          `yaml:"symbol"`
	Host        string          `yaml:"host"`
	Port        int             `yaml:"port"`
	Multiplier  decimal.Decimal `yaml:"multiplier"`
	Style       reconcile.Style `yaml:"style"`
	MaxPosition decimal.Decimal `yaml:"max_position"`  // 乘数前，0 表示不限制
	MaxOrderQty decimal.Decimal `yaml:"max_order_qty"` // 单笔上限，0 表示不限制
}

// Params 转换为对账参数。
func (f FollowConfig) Params() reconcile.Params {
	return reconcile.Params{
		Multiplier:  f.Multiplier,
		Style:       f.Style,
		MaxPosition: f.MaxPosition,
		MaxOrderQty: f.MaxOrderQty,
	}
}

// Default 返回默认配置。
func Default() AppConfig {
	return AppConfig{
		Env:          "dev",
		Log:          logger.DefaultConfig(),
		HTTP:         HTTPConfig{Enabled: true, Addr: ":8080"},
		PollInterval: 250 * time.Millisecond,
		Relay:        relay.DefaultServerConfig(),
		Follower:     follower.DefaultClientConfig(),
		Alert:        AlertConfig{Throttle: 5 * time.Second},
		HotReload:    HotReloadConfig{Enabled: true, Cooldown: time.Second},
	}
}

// DefaultFollow 跟单默认值：乘数 1、市价、最大仓位 1。
func DefaultFollow() FollowConfig {
	p := reconcile.DefaultParams()
	return FollowConfig{
		Host:        "127.0.0.1",
		Multiplier:  p.Multiplier,
		Style:       p.Style,
		MaxPosition: p.MaxPosition,
	}
}

// UnmarshalYAML 未写的字段取默认值。
func (f *FollowConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain FollowConfig
	v := plain(DefaultFollow())
	if err := node.Decode(&v); err != nil {
		return err
	}
	*f = FollowConfig(v)
	return nil
}

// Parse 在默认值之上解析 YAML 并校验。
func Parse(raw []byte) (AppConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Load reads YAML config from path and applies validation.
func Load(path string) (AppConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Default(), fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// LoadWithEnvOverrides 先加载 .env（envFile 为空时读取当前目录的 .env，不存在则忽略），
// 再用环境变量覆盖配置。
func LoadWithEnvOverrides(path, envFile string) (AppConfig, error) {
	if err := loadDotEnv(envFile); err != nil {
		return Default(), err
	}
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	ApplyEnv(&cfg)
	return cfg, Validate(cfg)
}

// ApplyEnv 用环境变量覆盖部分字段。
func ApplyEnv(cfg *AppConfig) {
	if v := os.Getenv(EnvChartbook); v != "" {
		for i := range cfg.Publishers {
			cfg.Publishers[i].Chartbook = v
		}
	}
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
}

func loadDotEnv(envFile string) error {
	if envFile == "" {
		// 当前目录没有 .env 不是错误
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("load env file %s: %w", envFile, err)
	}
	return nil
}
