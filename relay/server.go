// Package relay 实现主实例：在 TCP 端口上接受任意数量的从实例连接，
// 仓位变化时广播 {cb, position}，每个心跳周期广播 {cb, ping}。
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"position-relay/infrastructure/logger"
	"position-relay/infrastructure/monitor"
	"position-relay/internal/instance"
	"position-relay/internal/store"
	"position-relay/protocol"
	"position-relay/risk"
)

var (
	// ErrListen 端口无法绑定，属于配置错误。
	ErrListen = errors.New("relay: listen failed")
	// ErrStopTimeout 停止时网络协程未在限定时间内退出。
	ErrStopTimeout = errors.New("relay: stop timed out")
	// ErrAlreadyStarted 重复启动。
	ErrAlreadyStarted = errors.New("relay: already started")
)

// State 服务端生命周期状态。
type State int32

const (
	StateStarting State = iota
	StateListening
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ServerConfig 主实例参数。
type ServerConfig struct {
	Chartbook         string        `yaml:"chartbook"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	QueueSize         int           `yaml:"queue_size"`
	StatsEvery        int           `yaml:"stats_every"`
	StopTimeout       time.Duration `yaml:"stop_timeout"`
}

// DefaultServerConfig 默认参数：1s 心跳，每 5 个心跳打印一次连接数。
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HeartbeatInterval: time.Second,
		WriteTimeout:      5 * time.Second,
		QueueSize:         64,
		StatsEvery:        5,
		StopTimeout:       5 * time.Second,
	}
}

func (c ServerConfig) withDefaults() ServerConfig {
	def := DefaultServerConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.StatsEvery <= 0 {
		c.StatsEvery = def.StatsEvery
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	if c.Chartbook == "" {
		c.Chartbook = "chartbook-" + uuid.NewString()[:8]
	}
	return c
}

// Option 可选项。
type Option func(*Server)

// WithClock 注入时钟（心跳时间戳）。
func WithClock(c risk.Clock) Option {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

// Server 主实例。网络状态（连接列表、上次广播值）只由事件循环协程访问；
// 控制协程通过 SetPosition 写入 LocalPosition，循环协程读取。
type Server struct {
	cfg   ServerConfig
	log   *logger.Logger
	mon   *monitor.Monitor
	clock risk.Clock
	port  string

	local      *store.LocalPosition
	numClients atomic.Int64
	state      atomic.Int32

	mu       sync.Mutex // 串行化 Start/Stop
	ln       net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	accepted chan net.Conn
	loopDone chan struct{}
	wg       sync.WaitGroup

	// 以下字段仅由事件循环访问
	conns    []*connRecord
	lastSent *decimal.Decimal
	ticks    int
}

// NewServer 创建主实例，尚未绑定端口。
func NewServer(cfg ServerConfig, log *logger.Logger, mon *monitor.Monitor, opts ...Option) *Server {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.NewNop()
	}
	s := &Server{
		cfg:   cfg,
		log:   log.Named("relay").WithFields(map[string]interface{}{"port": cfg.Port, "cb": cfg.Chartbook}),
		mon:   mon,
		clock: risk.NowUTC,
		port:  strconv.Itoa(cfg.Port),
		local: store.NewLocalPosition(),
	}
	s.state.Store(int32(StateStarting))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start 绑定端口并启动 accept 协程与事件循环。绑定失败返回包装 ErrListen 的错误且不遗留协程。
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateStarting {
		return ErrAlreadyStarted
	}

	addr := net.JoinHostPort(s.cfg.Host, s.port)
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		s.state.Store(int32(StateStopped))
		return fmt.Errorf("%w: %s: %v", ErrListen, addr, err)
	}
	s.ln = ln
	s.state.Store(int32(StateListening))
	s.log.LogLink("listening", map[string]interface{}{"addr": ln.Addr().String()})

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.accepted = make(chan net.Conn)
	s.loopDone = make(chan struct{})

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	go func() {
		defer s.wg.Done()
		defer close(s.loopDone)
		s.run()
	}()

	s.state.Store(int32(StateRunning))
	return nil
}

// Stop 关闭监听与所有连接，并在 StopTimeout 内等待网络协程退出。可重复调用。
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateStopped:
		return nil
	case StateStarting:
		s.state.Store(int32(StateStopped))
		return nil
	}
	s.state.Store(int32(StateStopping))

	s.cancel()
	_ = s.ln.Close()

	deadline := time.NewTimer(s.cfg.StopTimeout)
	defer deadline.Stop()

	select {
	case <-s.loopDone:
	case <-deadline.C:
		s.state.Store(int32(StateStopped))
		err := fmt.Errorf("%w: event loop did not exit within %s", ErrStopTimeout, s.cfg.StopTimeout)
		s.log.LogError(err, map[string]interface{}{"action": "stop"})
		return err
	}

	// 事件循环已退出，连接列表可以安全访问
	for _, rec := range s.conns {
		rec.close("shutdown", nil)
	}
	s.conns = nil
	s.numClients.Store(0)
	if s.mon != nil {
		s.mon.SetClientsConnected(s.port, 0)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-deadline.C:
		s.state.Store(int32(StateStopped))
		err := fmt.Errorf("%w: connection goroutines still running after %s", ErrStopTimeout, s.cfg.StopTimeout)
		s.log.LogError(err, map[string]interface{}{"action": "stop"})
		return err
	}

	s.state.Store(int32(StateStopped))
	s.log.LogLink("stopped", nil)
	return nil
}

// Health 运行中返回 nil。
func (s *Server) Health() error {
	if st := s.State(); st != StateRunning {
		return fmt.Errorf("relay :%d is %s", s.cfg.Port, st)
	}
	return nil
}

// SetPosition 控制协程写入本地仓位，不阻塞。
func (s *Server) SetPosition(v decimal.Decimal) {
	s.local.Set(v)
	if s.mon != nil {
		s.mon.UpdateLocalPosition(s.port, v.InexactFloat64())
	}
}

// NumClients 上一次统计时仍然打开的连接数。
func (s *Server) NumClients() int {
	return int(s.numClients.Load())
}

// State 当前状态。
func (s *Server) State() State {
	return State(s.state.Load())
}

// Addr 实际监听地址；未启动时为 nil。
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Address 配置的地址，用于实例注册表判断是否需要重建。
func (s *Server) Address() instance.Address {
	return instance.Address{Host: s.cfg.Host, Port: s.cfg.Port}
}

// Chartbook 本实例在消息中携带的 cb。
func (s *Server) Chartbook() string {
	return s.cfg.Chartbook
}

func (s *Server) acceptLoop() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			// 临时错误：记录后继续 accept
			s.log.LogError(err, map[string]interface{}{"action": "accept"})
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		select {
		case s.accepted <- c:
		case <-s.ctx.Done():
			_ = c.Close()
			return
		}
	}
}

// run 事件循环；panic 被恢复后重新进入，直到停止。
func (s *Server) run() {
	for {
		if s.runOnce() {
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (s *Server) runOnce() (stopped bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.LogError(fmt.Errorf("event loop panic: %v", r), map[string]interface{}{"action": "run"})
			stopped = s.ctx.Err() != nil
		}
	}()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return true
		case c := <-s.accepted:
			s.handleAccept(c)
		case <-s.local.Changed():
			s.handlePositionChange()
		case <-ticker.C:
			s.handleTick()
		}
	}
}

func (s *Server) handleAccept(c net.Conn) {
	rec := newConnRecord(c, s.cfg.QueueSize, s.cfg.WriteTimeout, s.onConnClosed)
	rec.start(&s.wg)
	s.conns = append(s.conns, rec)
	s.refreshClientCount()

	if s.mon != nil {
		s.mon.RecordAccept(s.port)
	}
	s.log.LogLink("client_accepted", map[string]interface{}{
		"conn_id": rec.id,
		"remote":  rec.remote,
		"clients": s.NumClients(),
	})

	// 新连接需要立即拿到当前仓位
	s.broadcastPosition(s.local.Get())
}

func (s *Server) handlePositionChange() {
	v := s.local.Get()
	if s.lastSent != nil && s.lastSent.Equal(v) {
		return
	}
	s.broadcastPosition(v)
}

func (s *Server) handleTick() {
	s.prune()
	s.broadcast(protocol.PingMessage(s.cfg.Chartbook, s.clock.Now()), "ping")

	s.ticks++
	if s.ticks%s.cfg.StatsEvery == 0 {
		s.log.Info("clients connected", zap.Int("clients", s.NumClients()))
	}
}

func (s *Server) broadcastPosition(v decimal.Decimal) {
	s.lastSent = &v
	s.broadcast(protocol.PositionMessage(s.cfg.Chartbook, v), "position")
}

func (s *Server) broadcast(msg protocol.Message, kind string) {
	b, err := protocol.Encode(msg)
	if err != nil {
		s.log.LogError(err, map[string]interface{}{"action": "encode", "kind": kind})
		return
	}
	for _, rec := range s.conns {
		// 队列满的连接在 enqueue 内部被关闭，不影响其他连接
		_ = rec.enqueue(b)
	}
	if s.mon != nil {
		s.mon.RecordBroadcast(s.port, kind)
	}
}

// prune 移除已关闭的连接记录。
func (s *Server) prune() {
	kept := s.conns[:0]
	for _, rec := range s.conns {
		if !rec.isClosed() {
			kept = append(kept, rec)
		}
	}
	for i := len(kept); i < len(s.conns); i++ {
		s.conns[i] = nil
	}
	s.conns = kept
	s.refreshClientCount()
}

func (s *Server) refreshClientCount() {
	n := 0
	for _, rec := range s.conns {
		if !rec.isClosed() {
			n++
		}
	}
	s.numClients.Store(int64(n))
	if s.mon != nil {
		s.mon.SetClientsConnected(s.port, n)
	}
}

// onConnClosed 在连接自身的协程或事件循环中调用，只做日志与计数。
func (s *Server) onConnClosed(rec *connRecord, reason string, err error) {
	fields := map[string]interface{}{
		"conn_id": rec.id,
		"remote":  rec.remote,
		"reason":  reason,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	if reason == "write_error" || reason == "queue_full" {
		if s.mon != nil {
			s.mon.RecordWriteFailure(s.port)
		}
	}
	s.log.LogLink("client_closed", fields)
}
