package container

import (
	"context"
	"fmt"
	"sync"

	"position-relay/config"
	"position-relay/follower"
	"position-relay/host"
	"position-relay/infrastructure/alert"
	"position-relay/infrastructure/logger"
	"position-relay/infrastructure/monitor"
	"position-relay/internal/httpapi"
	"position-relay/internal/instance"
	"position-relay/internal/study"
	"position-relay/order"
	"position-relay/relay"
	"position-relay/sim"
)

// Role 进程承担的角色，决定加载哪些 study。
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
	// RoleAll 同一进程内同时运行发布与跟单，用于演示和联调。
	RoleAll Role = "all"
)

func (r Role) publishes() bool { return r == RolePrimary || r == RoleAll }
func (r Role) follows() bool   { return r == RoleSecondary || r == RoleAll }

// ParseRole 解析命令行角色。
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RolePrimary, RoleSecondary, RoleAll:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	role    Role
	cfgPath string
	envFile string

	// 配置
	cfg config.AppConfig

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager

	// 宿主与平台
	board  *host.Board
	broker *sim.Broker
	driver *host.Driver

	// 实例注册表
	servers *instance.Registry[*relay.Server]
	clients *instance.Registry[*follower.Client]

	httpComponent *httpServerComponent
	watcher       *config.Watcher

	// 生命周期管理
	lifecycle *LifecycleManager

	mu          sync.Mutex
	ctx         context.Context
	primaries   map[string]*study.Primary
	secondaries map[string]*study.Secondary
}

// New 从配置文件创建容器；envFile 为空时读取当前目录的 .env。
func New(configPath, envFile string, role Role) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath, envFile)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	c := NewWithConfig(cfg, role)
	c.cfgPath = configPath
	c.envFile = envFile
	return c, nil
}

// NewWithConfig 直接使用已加载的配置，不监听文件变化。
func NewWithConfig(cfg config.AppConfig, role Role) *Container {
	return &Container{
		role:        role,
		cfg:         cfg,
		lifecycle:   NewLifecycleManager(),
		ctx:         context.Background(),
		primaries:   make(map[string]*study.Primary),
		secondaries: make(map[string]*study.Secondary),
	}
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	c.buildHost()
	c.applyConfig(c.cfg)
	c.registerLifecycleComponents()
	c.logger.Info(fmt.Sprintf("container built (role=%s)", c.role))
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}
	c.logger = c.logger.WithFields(map[string]interface{}{"role": string(c.role)})

	c.monitor = monitor.New(monitor.DefaultConfig())
	c.alerts = alert.NewManager([]alert.Channel{
		alert.NewLogChannel("log", c.logger),
	}, c.cfg.Alert.Throttle)

	c.logger.Info("infrastructure built")
	return nil
}

func (c *Container) buildHost() {
	c.board = host.NewBoard(nil)

	var opts []sim.Option
	if c.cfg.Paper.FillDelay > 0 {
		opts = append(opts, sim.WithFillDelay(c.cfg.Paper.FillDelay))
	}
	c.broker = sim.NewBroker(nil, c.logger, opts...)
	c.broker.OnFill(func(o order.Order) {
		c.logger.LogOrder("paper_fill", map[string]interface{}{
			"order_id": o.ID,
			"symbol":   o.Symbol,
			"side":     o.Side,
			"qty":      o.Filled.String(),
		})
	})

	c.servers = instance.NewRegistry[*relay.Server](c.logger)
	c.servers.OnSizeChange(func(n int) { c.monitor.SetInstances(string(RolePrimary), n) })
	c.clients = instance.NewRegistry[*follower.Client](c.logger)
	c.clients.OnSizeChange(func(n int) { c.monitor.SetInstances(string(RoleSecondary), n) })

	c.driver = host.NewDriver(c.cfg.PollInterval, c.logger)
}

// ApplyConfig 应用新配置：新增、更新或移除 study。被移除的 study 在下一次
// SetStudies 时收到 LastCall 并释放实例；地址变化在下一次 Tick 时重建实例。
// 日志、HTTP 与心跳等基础参数需要重启进程才生效。
func (c *Container) ApplyConfig(cfg config.AppConfig) {
	c.applyConfig(cfg)
	c.logger.Info(fmt.Sprintf("config applied: %d publishers, %d follows", len(cfg.Publishers), len(cfg.Follows)))
}

func (c *Container) applyConfig(cfg config.AppConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.addPaperSymbols(cfg.Paper.Symbols)

	deps := study.Deps{
		Display: c.board,
		Alerts:  c.alerts,
		Log:     c.logger,
		Monitor: c.monitor,
	}
	var studies []host.Study

	if c.role.publishes() {
		seen := make(map[string]struct{}, len(cfg.Publishers))
		for _, p := range cfg.Publishers {
			seen[p.Name] = struct{}{}
			pc := study.PrimaryConfig{
				Name:      p.Name,
				Symbol:    p.Symbol,
				Chartbook: p.Chartbook,
				Host:      p.Host,
				Port:      p.Port,
			}
			st, ok := c.primaries[p.Name]
			if ok {
				st.Update(pc)
			} else {
				st = study.NewPrimary(pc, c.cfg.Relay, c.servers, c.broker, deps)
				c.primaries[p.Name] = st
			}
			studies = append(studies, st)
		}
		for name := range c.primaries {
			if _, ok := seen[name]; !ok {
				delete(c.primaries, name)
			}
		}
	}

	if c.role.follows() {
		seen := make(map[string]struct{}, len(cfg.Follows))
		for _, f := range cfg.Follows {
			seen[f.Name] = struct{}{}
			sc := study.SecondaryConfig{
				Name:   f.Name,
				Symbol: f.Symbol,
				Host:   f.Host,
				Port:   f.Port,
				Params: f.Params(),
			}
			st, ok := c.secondaries[f.Name]
			if ok {
				st.Update(sc)
			} else {
				st = study.NewSecondary(sc, c.cfg.Follower, c.clients, c.broker, nil, deps)
				c.secondaries[f.Name] = st
			}
			studies = append(studies, st)
		}
		for name := range c.secondaries {
			if _, ok := seen[name]; !ok {
				delete(c.secondaries, name)
			}
		}
	}

	c.driver.SetStudies(c.ctx, studies)
}

// addPaperSymbols 只添加新合约，已有合约的仓位与挂单保持不变。
func (c *Container) addPaperSymbols(symbols []config.PaperSymbolConfig) {
	known := make(map[string]struct{})
	for _, s := range c.broker.Symbols() {
		known[s] = struct{}{}
	}
	for _, ps := range symbols {
		if _, ok := known[ps.Symbol]; ok {
			continue
		}
		c.broker.AddSymbol(sim.SymbolConfig{
			Symbol:   ps.Symbol,
			Bid:      ps.Bid,
			Ask:      ps.Ask,
			Position: ps.Position,
			Constraints: order.SymbolConstraints{
				TickSize: ps.TickSize,
				StepSize: ps.StepSize,
				MinQty:   ps.MinQty,
				MaxQty:   ps.MaxQty,
			},
		})
	}
}

func (c *Container) registerLifecycleComponents() {
	// 逆序停止：systemd → watcher → http → driver(LastCall 释放实例) → 注册表 → 平台
	c.lifecycle.Register("paper_broker", funcComponent{stop: c.broker.Close})
	c.lifecycle.Register("relay_servers", funcComponent{stop: c.servers.CloseAll})
	c.lifecycle.Register("follower_clients", funcComponent{stop: c.clients.CloseAll})
	c.lifecycle.Register("driver", c.driver)

	if c.cfg.HTTP.Enabled {
		api := httpapi.NewServer(httpapi.Options{
			Role:    string(c.role),
			Board:   c.board,
			Broker:  c.broker,
			Monitor: c.monitor,
			Health:  c.HealthCheck,
			Log:     c.logger,
		})
		c.httpComponent = &httpServerComponent{
			name:    "status_server",
			handler: api.Handler(),
			addr:    c.cfg.HTTP.Addr,
			logger:  c.logger,
		}
		c.lifecycle.Register("status_server", c.httpComponent)
	}

	if c.cfg.HotReload.Enabled && c.cfgPath != "" {
		c.watcher = config.NewWatcher(c.cfgPath, c.envFile, c.cfg.HotReload.Cooldown, c.logger, c.ApplyConfig)
		c.lifecycle.Register("config_watcher", c.watcher)
	}

	c.lifecycle.Register("systemd", systemdComponent{logger: c.logger})
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started")
	return nil
}

func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	c.logger.Info("container stopped")
	_ = c.logger.Close()
	return err
}

// HealthCheck 组件健康检查。
func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

func (c *Container) Board() *host.Board     { return c.board }
func (c *Container) Broker() *sim.Broker    { return c.broker }
func (c *Container) Logger() *logger.Logger { return c.logger }

// HTTPAddr 状态服务实际监听地址。
func (c *Container) HTTPAddr() string {
	if c.httpComponent == nil {
		return ""
	}
	return c.httpComponent.Addr()
}

// Instances 当前运行的服务端与客户端数量。
func (c *Container) Instances() (servers, clients int) {
	return c.servers.Len(), c.clients.Len()
}
