// Package study 把宿主的周期调用接到主/从实例上：确保实例存在、同步仓位、刷新状态文本。
package study

import (
	"context"
	"fmt"
	"sync"

	"position-relay/host"
	"position-relay/infrastructure/alert"
	"position-relay/infrastructure/logger"
	"position-relay/infrastructure/monitor"
	"position-relay/internal/instance"
	"position-relay/reconcile"
	"position-relay/relay"
)

// PositionReader 读取本地平台仓位，reconcile.Platform 满足该接口。
type PositionReader interface {
	Position(ctx context.Context, symbol string) (reconcile.PositionSnapshot, error)
}

// PrimaryConfig 一个发布配置。
type PrimaryConfig struct {
	Name      string
	Symbol    string
	Chartbook string
	Host      string
	Port      int
}

// Deps 主/从 study 共用的依赖。
type Deps struct {
	Display host.Display
	Alerts  *alert.Manager
	Log     *logger.Logger
	Monitor *monitor.Monitor
}

func (d Deps) logger() *logger.Logger {
	if d.Log == nil {
		return logger.NewNop()
	}
	return d.Log
}

// Primary 发布本地仓位的 study。
type Primary struct {
	handle   instance.Handle
	registry *instance.Registry[*relay.Server]
	platform PositionReader
	base     relay.ServerConfig
	deps     Deps
	log      *logger.Logger

	mu  sync.Mutex
	cfg PrimaryConfig

	bindFailed bool
}

// NewPrimary base 提供心跳、队列等参数，地址与 chartbook 取自 cfg。
func NewPrimary(cfg PrimaryConfig, base relay.ServerConfig, registry *instance.Registry[*relay.Server], platform PositionReader, deps Deps) *Primary {
	return &Primary{
		handle:   instance.Handle("primary/" + cfg.Name),
		registry: registry,
		platform: platform,
		base:     base,
		deps:     deps,
		log:      deps.logger().Named("study").WithFields(map[string]interface{}{"study": cfg.Name}),
		cfg:      cfg,
	}
}

func (p *Primary) Handle() instance.Handle { return p.handle }

// Update 热更新配置，下一次 Tick 生效；端口或主机变化会重建服务端。
func (p *Primary) Update(cfg PrimaryConfig) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

func (p *Primary) config() PrimaryConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (p *Primary) Tick(ctx context.Context, t host.Tick) {
	if t.LastCall {
		if err := p.registry.Release(p.handle); err != nil {
			p.log.LogError(err, map[string]interface{}{"action": "release"})
		}
		p.show("")
		return
	}

	cfg := p.config()
	addr := instance.Address{Host: cfg.Host, Port: cfg.Port}
	srv, err := p.registry.Ensure(ctx, p.handle, addr, p.factory(cfg))
	if err != nil {
		p.bindFailed = true
		p.show(fmt.Sprintf("Port: %d error: %v", cfg.Port, err))
		p.notify(p.bindKey(), alert.LevelError, "relay listen failed", map[string]interface{}{
			"port":  cfg.Port,
			"error": err.Error(),
		})
		return
	}
	if p.bindFailed {
		p.bindFailed = false
		if p.deps.Alerts != nil {
			p.deps.Alerts.ResetKey(p.bindKey())
		}
	}

	pos, err := p.platform.Position(ctx, cfg.Symbol)
	if err != nil {
		p.notify("position:"+string(p.handle), alert.LevelWarning, "read local position failed", map[string]interface{}{
			"symbol": cfg.Symbol,
			"error":  err.Error(),
		})
	} else {
		srv.SetPosition(pos.Quantity)
	}

	p.show(fmt.Sprintf("Port: %d NumClients: %d", cfg.Port, srv.NumClients()))
}

func (p *Primary) bindKey() string {
	return "bind:" + string(p.handle)
}

func (p *Primary) factory(cfg PrimaryConfig) instance.Factory[*relay.Server] {
	return func(ctx context.Context, addr instance.Address) (*relay.Server, error) {
		sc := p.base
		sc.Host = addr.Host
		sc.Port = addr.Port
		sc.Chartbook = cfg.Chartbook
		srv := relay.NewServer(sc, p.deps.Log, p.deps.Monitor)
		if err := srv.Start(ctx); err != nil {
			return nil, err
		}
		return srv, nil
	}
}

func (p *Primary) show(text string) {
	if p.deps.Display != nil {
		p.deps.Display.ShowStatus(p.handle, text)
	}
}

func (p *Primary) notify(key, level, msg string, fields map[string]interface{}) {
	if p.deps.Alerts == nil {
		return
	}
	if err := p.deps.Alerts.Notify(key, level, msg, fields); err != nil {
		p.log.LogError(err, map[string]interface{}{"action": "notify"})
	}
}
