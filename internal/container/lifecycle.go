package container

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/multierr"

	"position-relay/infrastructure/logger"
)

// Lifecycle 生命周期接口
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

// LifecycleManager 生命周期管理器
type LifecycleManager struct {
	components []named
	mu         sync.RWMutex
}

type named struct {
	name string
	Lifecycle
}

// NewLifecycleManager 创建新的生命周期管理器
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{}
}

// Register 注册组件，按注册顺序启动、逆序停止
func (m *LifecycleManager) Register(name string, component Lifecycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, named{name: name, Lifecycle: component})
}

// Names 已注册组件名，按启动顺序。
func (m *LifecycleManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.components))
	for _, c := range m.components {
		out = append(out, c.name)
	}
	return out
}

// StartAll 按顺序启动所有组件
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, component := range m.components {
		if err := component.Start(ctx); err != nil {
			// 启动失败，回滚已启动的组件
			for j := i - 1; j >= 0; j-- {
				_ = m.components[j].Stop()
			}
			return fmt.Errorf("start %s failed: %w", component.name, err)
		}
	}
	return nil
}

// StopAll 逆序停止所有组件，汇总全部错误
func (m *LifecycleManager) StopAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs error
	for i := len(m.components) - 1; i >= 0; i-- {
		c := m.components[i]
		if err := c.Stop(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("stop %s: %w", c.name, err))
		}
	}
	return errs
}

// CheckHealth 检查所有组件健康状态
func (m *LifecycleManager) CheckHealth() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, component := range m.components {
		if err := component.Health(); err != nil {
			return fmt.Errorf("%s unhealthy: %w", component.name, err)
		}
	}
	return nil
}

// funcComponent 只有停止动作的组件（注册表、纸面平台）。
type funcComponent struct {
	stop func() error
}

func (f funcComponent) Start(context.Context) error { return nil }
func (f funcComponent) Stop() error                 { return f.stop() }
func (f funcComponent) Health() error               { return nil }

// systemdComponent 启动完成后通知 READY，停止开始时通知 STOPPING。
// 最后注册，因此最先停止。未在 systemd 下运行时通知是空操作。
type systemdComponent struct {
	logger *logger.Logger
}

func (s systemdComponent) Start(context.Context) error {
	s.notify(daemon.SdNotifyReady)
	return nil
}

func (s systemdComponent) Stop() error {
	s.notify(daemon.SdNotifyStopping)
	return nil
}

func (s systemdComponent) Health() error { return nil }

func (s systemdComponent) notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		s.logger.LogError(err, map[string]interface{}{"action": "sd_notify", "state": state})
		return
	}
	if sent {
		s.logger.Debug("sd_notify sent: " + state)
	}
}

// httpServerComponent HTTP服务器组件
type httpServerComponent struct {
	name    string
	handler http.Handler
	addr    string
	logger  *logger.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	started  bool
}

func (h *httpServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return nil
	}

	// 同步监听，端口占用在启动阶段报错
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("%s listen %s: %w", h.name, h.addr, err)
	}
	srv := &http.Server{
		Handler:           h.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	h.server = srv
	h.listener = ln

	go func() {
		h.logger.Info(fmt.Sprintf("%s listening on %s", h.name, ln.Addr()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.LogError(err, map[string]interface{}{
				"component": h.name,
				"action":    "serve",
			})
		}
	}()

	h.started = true
	return nil
}

func (h *httpServerComponent) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started || h.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h.started = false
	if err := h.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", h.name, err)
	}

	h.logger.Info(fmt.Sprintf("%s stopped", h.name))
	return nil
}

func (h *httpServerComponent) Health() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return fmt.Errorf("%s not started", h.name)
	}
	return nil
}

// Addr 实际监听地址，未启动时为空。
func (h *httpServerComponent) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}
