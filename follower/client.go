// Package follower 实现从实例：连接主实例，把收到的仓位写入共享状态，
// 并由看门狗在连接陈旧时重连。
package follower

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"position-relay/infrastructure/logger"
	"position-relay/infrastructure/monitor"
	"position-relay/internal/instance"
	"position-relay/internal/store"
	"position-relay/protocol"
	"position-relay/risk"
)

var (
	// ErrStopTimeout 停止时网络协程未在限定时间内退出。
	ErrStopTimeout = errors.New("follower: stop timed out")
	// ErrAlreadyStarted 重复启动。
	ErrAlreadyStarted = errors.New("follower: already started")
)

// State 连接状态。
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ClientConfig 从实例参数。
type ClientConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"` // 看门狗周期
	StaleAfter        time.Duration `yaml:"stale_after"`        // 超过该时长无消息视为陈旧
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	StopTimeout       time.Duration `yaml:"stop_timeout"`
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Host:              "127.0.0.1",
		ReconnectInterval: 5 * time.Second,
		StaleAfter:        10 * time.Second,
		DialTimeout:       5 * time.Second,
		StopTimeout:       5 * time.Second,
	}
}

func (c ClientConfig) withDefaults() ClientConfig {
	def := DefaultClientConfig()
	if c.Host == "" {
		c.Host = def.Host
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = def.ReconnectInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = def.StaleAfter
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	return c
}

// DialFunc 建立 TCP 连接（含域名解析）。
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Option 可选项。
type Option func(*Client)

// WithClock 注入时钟，测试中用 risk.ManualClock 驱动看门狗。
func WithClock(c risk.Clock) Option {
	return func(cl *Client) {
		if c != nil {
			cl.clock = c
		}
	}
}

// WithDialer 替换拨号实现。
func WithDialer(d DialFunc) Option {
	return func(cl *Client) {
		if d != nil {
			cl.dial = d
		}
	}
}

type dialResult struct {
	gen  uint64
	conn net.Conn
	err  error
}

type readFailure struct {
	gen uint64
	err error
}

// Client 从实例。socket、connectedAt、代数等只由事件循环访问；
// 读协程只写 Store，并通过事件把错误交回循环处理。
type Client struct {
	cfg   ClientConfig
	addr  string
	log   *logger.Logger
	mon   *monitor.Monitor
	clock risk.Clock
	dial  DialFunc
	store *store.Store

	state        atomic.Int32
	dialAttempts atomic.Int64

	mu       sync.Mutex // 串行化 Start/Stop
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	events   chan interface{}
	loopDone chan struct{}
	wg       sync.WaitGroup

	// 以下字段仅由事件循环访问
	conn        net.Conn
	gen         uint64
	connectedAt time.Time
	dialing     bool
}

// NewClient 创建从实例，st 为空时新建。
func NewClient(cfg ClientConfig, st *store.Store, log *logger.Logger, mon *monitor.Monitor, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.NewNop()
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	log = log.Named("follower").WithFields(map[string]interface{}{"peer": addr})
	if st == nil {
		// 仓位变化记入连接日志
		st = store.New(log.LogLink)
	}
	c := &Client{
		cfg:   cfg,
		addr:  addr,
		log:   log,
		mon:   mon,
		clock: risk.NowUTC,
		dial:  (&net.Dialer{}).DialContext,
		store: st,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start 立即发起第一次连接，然后由看门狗每 ReconnectInterval 检查一次。
// 连接失败不是错误，看门狗会继续重试。
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.events = make(chan interface{}, 8)
	c.loopDone = make(chan struct{})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.loopDone)
		c.run()
	}()
	return nil
}

// Stop 关闭连接并等待所有协程退出。可重复调用。
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.State() == StateStopped {
		c.state.Store(int32(StateStopped))
		return nil
	}
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(c.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.state.Store(int32(StateStopped))
		err := fmt.Errorf("%w: %s after %s", ErrStopTimeout, c.addr, c.cfg.StopTimeout)
		c.log.LogError(err, map[string]interface{}{"action": "stop"})
		return err
	}
	c.state.Store(int32(StateStopped))
	c.log.LogLink("stopped", nil)
	return nil
}

// Health 未停止即视为健康；断线由看门狗处理。
func (c *Client) Health() error {
	if c.State() == StateStopped {
		return fmt.Errorf("follower %s stopped", c.addr)
	}
	return nil
}

func (c *Client) State() State {
	return State(c.state.Load())
}

// Connected 当前是否持有打开的连接。
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// DialAttempts 累计拨号次数。
func (c *Client) DialAttempts() int64 {
	return c.dialAttempts.Load()
}

// Address 配置的主实例地址。
func (c *Client) Address() instance.Address {
	return instance.Address{Host: c.cfg.Host, Port: c.cfg.Port}
}

// Store 共享状态。
func (c *Client) Store() *store.Store {
	return c.store
}

func (c *Client) run() {
	defer c.closeConn()
	c.startDial()
	for {
		if c.runOnce() {
			return
		}
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// runOnce 处理事件直到停止；panic 被恢复后由 run 重新进入。
func (c *Client) runOnce() (stopped bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.LogError(fmt.Errorf("event loop panic: %v", r), map[string]interface{}{"action": "run"})
			stopped = c.ctx.Err() != nil
		}
	}()

	ticker := time.NewTicker(c.cfg.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return true
		case ev := <-c.events:
			switch e := ev.(type) {
			case dialResult:
				c.handleDial(e)
			case readFailure:
				c.handleReadFailure(e)
			}
		case <-ticker.C:
			c.watchdog()
		}
	}
}

// watchdog 距最近一次消息（或建立连接）超过 StaleAfter 时关闭并重连。
func (c *Client) watchdog() {
	if c.dialing {
		return
	}
	now := c.clock.Now()
	last := c.store.LastMessageTime()
	if c.connectedAt.After(last) {
		last = c.connectedAt
	}
	idle := now.Sub(last)
	if c.mon != nil && !last.IsZero() {
		c.mon.UpdateLastMessageAge(c.addr, idle.Seconds())
	}
	if idle <= c.cfg.StaleAfter {
		return
	}

	if c.conn != nil {
		c.log.LogLink("stale_reconnect", map[string]interface{}{"idle_ms": idle.Milliseconds()})
		if c.mon != nil {
			c.mon.RecordStaleReconnect(c.addr)
		}
	}
	c.closeConn()
	c.startDial()
}

func (c *Client) startDial() {
	c.gen++
	gen := c.gen
	c.dialing = true
	c.state.Store(int32(StateConnecting))
	c.dialAttempts.Add(1)
	if c.mon != nil {
		c.mon.RecordDial(c.addr)
	}

	ctx := c.ctx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
		conn, err := c.dial(dctx, "tcp", c.addr)
		c.post(dialResult{gen: gen, conn: conn, err: err})
	}()
}

func (c *Client) handleDial(res dialResult) {
	if res.gen != c.gen {
		if res.conn != nil {
			_ = res.conn.Close()
		}
		return
	}
	c.dialing = false
	if res.err != nil {
		c.state.Store(int32(StateDisconnected))
		if c.mon != nil {
			c.mon.RecordDialFailure(c.addr)
		}
		c.log.LogError(res.err, map[string]interface{}{"action": "dial", "peer": c.addr})
		return
	}

	c.conn = res.conn
	c.connectedAt = c.clock.Now()
	c.state.Store(int32(StateConnected))
	c.log.LogLink("connected", map[string]interface{}{"local": res.conn.LocalAddr().String()})

	conn := res.conn
	gen := res.gen
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop(gen, conn)
	}()
}

// handleReadFailure 读错误只关闭连接，不立即重连，由看门狗负责。
func (c *Client) handleReadFailure(e readFailure) {
	if e.gen != c.gen || c.conn == nil {
		return
	}
	c.log.LogLink("disconnected", map[string]interface{}{"error": e.err.Error()})
	c.closeConn()
}

func (c *Client) closeConn() {
	if c.conn == nil {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	if c.State() == StateConnected {
		c.state.Store(int32(StateDisconnected))
	}
}

// readLoop 逐行解码并写入 Store；单行解析失败记录后继续。
func (c *Client) readLoop(gen uint64, conn net.Conn) {
	dec := protocol.NewDecoder(conn)
	for {
		msg, err := dec.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				if c.mon != nil {
					c.mon.RecordMalformed(c.addr)
				}
				c.log.Warn("skip malformed message", zap.Error(err))
				continue
			}
			c.post(readFailure{gen: gen, err: err})
			return
		}

		c.store.Apply(msg, c.clock.Now())
		if c.mon != nil {
			c.mon.RecordMessage(c.addr)
			if msg.Position != nil {
				c.mon.UpdatePrimaryPosition(c.addr, msg.Position.InexactFloat64())
			}
		}
	}
}

// post 把事件交回循环；停止后丢弃并关闭附带的连接。
func (c *Client) post(ev interface{}) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
		if res, ok := ev.(dialResult); ok && res.conn != nil {
			_ = res.conn.Close()
		}
	}
}
