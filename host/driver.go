// Package host 定义宿主侧接口（状态显示、按周期调用的 study），
// 并提供驱动这些 study 的控制协程。
package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"position-relay/infrastructure/logger"
	"position-relay/internal/instance"
	"position-relay/risk"
)

// Tick 一次周期调用；LastCall 为 true 表示宿主即将移除该调用方，study 应释放实例。
type Tick struct {
	Now      time.Time
	LastCall bool
}

// Study 宿主按周期调用的一个调用方（一个主或从配置）。
type Study interface {
	Handle() instance.Handle
	Tick(ctx context.Context, t Tick)
}

// DriverOption 可选项。
type DriverOption func(*Driver)

// WithDriverClock 注入时钟。
func WithDriverClock(c risk.Clock) DriverOption {
	return func(d *Driver) {
		if c != nil {
			d.clock = c
		}
	}
}

// Driver 控制协程：每 interval 依次调用所有 study。所有 Tick 调用都在 mu 下串行，
// 对 study 而言只有一个控制线程。
type Driver struct {
	interval time.Duration
	clock    risk.Clock
	log      *logger.Logger

	mu      sync.Mutex
	studies []Study
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewDriver interval 小于等于零时使用 250ms。
func NewDriver(interval time.Duration, log *logger.Logger, opts ...DriverOption) *Driver {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if log == nil {
		log = logger.NewNop()
	}
	d := &Driver{
		interval: interval,
		clock:    risk.NowUTC,
		log:      log.Named("driver"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetStudies 替换 study 集合；被移除的 study（按 handle 判断）收到一次 LastCall。
func (d *Driver) SetStudies(ctx context.Context, studies []Study) {
	d.mu.Lock()
	defer d.mu.Unlock()

	keep := make(map[instance.Handle]struct{}, len(studies))
	for _, s := range studies {
		keep[s.Handle()] = struct{}{}
	}
	now := d.clock.Now()
	for _, old := range d.studies {
		if _, ok := keep[old.Handle()]; !ok {
			d.tickOne(ctx, old, Tick{Now: now, LastCall: true})
		}
	}
	d.studies = append([]Study(nil), studies...)
	d.log.Info(fmt.Sprintf("studies updated: %d", len(d.studies)))
}

// Handles 当前 study 的 handle。
func (d *Driver) Handles() []instance.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]instance.Handle, 0, len(d.studies))
	for _, s := range d.studies {
		out = append(out, s.Handle())
	}
	return out
}

// Start 启动轮询协程。
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.running = true

	go d.loop(d.ctx, d.done)
	return nil
}

func (d *Driver) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Poll(ctx)
		}
	}
}

// Poll 调用一轮所有 study。
func (d *Driver) Poll(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	for _, s := range d.studies {
		d.tickOne(ctx, s, Tick{Now: now})
	}
}

// Stop 停止轮询，并对所有 study 发送 LastCall。
func (d *Driver) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.cancel()
	done := d.done
	d.mu.Unlock()

	<-done

	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	for _, s := range d.studies {
		d.tickOne(context.Background(), s, Tick{Now: now, LastCall: true})
	}
	d.studies = nil
	return nil
}

func (d *Driver) Health() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return fmt.Errorf("driver not running")
	}
	return nil
}

// tickOne 单个 study 的 panic 不影响其他 study。
func (d *Driver) tickOne(ctx context.Context, s Study, t Tick) {
	defer func() {
		if r := recover(); r != nil {
			d.log.LogError(fmt.Errorf("study panic: %v", r), map[string]interface{}{
				"handle":    string(s.Handle()),
				"last_call": t.LastCall,
			})
		}
	}()
	s.Tick(ctx, t)
}
