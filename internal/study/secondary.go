package study

import (
	"context"
	"fmt"
	"sync"
	"time"

	"position-relay/follower"
	"position-relay/host"
	"position-relay/infrastructure/alert"
	"position-relay/infrastructure/logger"
	"position-relay/internal/instance"
	"position-relay/reconcile"
	"position-relay/risk"
)

// LinkLossAfter 超过该时长无消息时提示与主实例失去连接。
const LinkLossAfter = 5 * time.Second

// SecondaryConfig 一个跟单配置。
type SecondaryConfig struct {
	Name   string
	Symbol string
	Host   string
	Port   int
	Params reconcile.Params
}

// Secondary 跟随主实例仓位的 study。
type Secondary struct {
	handle   instance.Handle
	registry *instance.Registry[*follower.Client]
	platform reconcile.Platform
	base     follower.ClientConfig
	clock    risk.Clock
	deps     Deps
	log      *logger.Logger

	mu  sync.Mutex
	cfg SecondaryConfig

	// 仅控制协程访问
	client    *follower.Client
	rec       *reconcile.Reconciler
	startedAt time.Time
	linkLost  bool
}

// NewSecondary base 提供看门狗参数，地址取自 cfg。clock 为空时使用系统时间。
func NewSecondary(cfg SecondaryConfig, base follower.ClientConfig, registry *instance.Registry[*follower.Client], platform reconcile.Platform, clock risk.Clock, deps Deps) *Secondary {
	if clock == nil {
		clock = risk.NowUTC
	}
	return &Secondary{
		handle:   instance.Handle("secondary/" + cfg.Name),
		registry: registry,
		platform: platform,
		base:     base,
		clock:    clock,
		deps:     deps,
		log:      deps.logger().Named("study").WithFields(map[string]interface{}{"study": cfg.Name}),
		cfg:      cfg,
	}
}

func (s *Secondary) Handle() instance.Handle { return s.handle }

// Update 热更新配置；地址变化重建客户端，参数变化下一次 Tick 生效。
func (s *Secondary) Update(cfg SecondaryConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Secondary) config() SecondaryConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Secondary) Tick(ctx context.Context, t host.Tick) {
	if t.LastCall {
		if err := s.registry.Release(s.handle); err != nil {
			s.log.LogError(err, map[string]interface{}{"action": "release"})
		}
		s.client, s.rec = nil, nil
		s.show("")
		return
	}

	cfg := s.config()
	addr := instance.Address{Host: cfg.Host, Port: cfg.Port}
	cli, err := s.registry.Ensure(ctx, s.handle, addr, s.factory())
	if err != nil {
		s.show(fmt.Sprintf("Connecting to %s failed: %v", addr, err))
		return
	}

	if cli != s.client {
		// 新客户端意味着新的共享状态，对账器需要重建
		s.client = cli
		s.rec = reconcile.New(cfg.Symbol, cli.Store(), s.platform, cfg.Params, s.deps.Log, s.deps.Monitor)
		s.startedAt = t.Now
	} else {
		s.rec.SetParams(cfg.Params)
	}

	// 结果与错误已在对账器内部记录
	_, _ = s.rec.Tick(ctx)

	snap := cli.Store().Snapshot()
	last := snap.LastMessage
	if last.Before(s.startedAt) {
		last = s.startedAt
	}
	idle := t.Now.Sub(last)
	if idle < 0 {
		idle = 0
	}

	text := fmt.Sprintf("Connected to port %d book %s (multiplier: %s, ping: %d ms)",
		cfg.Port, snap.Chartbook, cfg.Params.Multiplier.String(), idle.Milliseconds())
	if snap.HasFirstUpdate {
		if target, clamped := s.rec.Target(snap.Position); clamped {
			text += fmt.Sprintf(" limited to %s by max position %s", target.String(), cfg.Params.MaxPosition.String())
		}
	}
	s.show(text)

	if idle >= LinkLossAfter {
		s.linkLost = true
		s.notify(alert.LevelWarning, "lost connection to primary chartbook", map[string]interface{}{
			"host":    cfg.Host,
			"port":    cfg.Port,
			"idle_ms": idle.Milliseconds(),
		})
	} else if s.linkLost {
		// 恢复后重置限流，下一次断线立即告警
		s.linkLost = false
		if s.deps.Alerts != nil {
			s.deps.Alerts.ResetKey(s.linkKey())
		}
		s.log.LogLink("link_restored", map[string]interface{}{"host": cfg.Host, "port": cfg.Port})
	}
}

func (s *Secondary) linkKey() string {
	return "link:" + string(s.handle)
}

func (s *Secondary) factory() instance.Factory[*follower.Client] {
	return func(ctx context.Context, addr instance.Address) (*follower.Client, error) {
		cc := s.base
		cc.Host = addr.Host
		cc.Port = addr.Port
		cli := follower.NewClient(cc, nil, s.deps.Log, s.deps.Monitor, follower.WithClock(s.clock))
		if err := cli.Start(ctx); err != nil {
			return nil, err
		}
		return cli, nil
	}
}

func (s *Secondary) show(text string) {
	if s.deps.Display != nil {
		s.deps.Display.ShowStatus(s.handle, text)
	}
}

func (s *Secondary) notify(level, msg string, fields map[string]interface{}) {
	if s.deps.Alerts == nil {
		return
	}
	if err := s.deps.Alerts.Notify(s.linkKey(), level, msg, fields); err != nil {
		s.log.LogError(err, map[string]interface{}{"action": "notify"})
	}
}
