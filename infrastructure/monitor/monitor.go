package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器
type Monitor struct {
	registry *prometheus.Registry

	// 主实例（广播端）指标
	clientsConnected *prometheus.GaugeVec
	accepts          *prometheus.CounterVec
	broadcasts       *prometheus.CounterVec
	writeFailures    *prometheus.CounterVec
	localPosition    *prometheus.GaugeVec

	// 从实例（连接端）指标
	dials           *prometheus.CounterVec
	dialFailures    *prometheus.CounterVec
	staleReconnects *prometheus.CounterVec
	messages        *prometheus.CounterVec
	malformed       *prometheus.CounterVec
	primaryPosition *prometheus.GaugeVec
	lastMessageAge  *prometheus.GaugeVec

	// 对账/下单指标
	ordersSubmitted *prometheus.CounterVec
	ordersRejected  *prometheus.CounterVec
	reconcileTicks  *prometheus.CounterVec

	// 实例生命周期
	instances *prometheus.GaugeVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "relay",
		Subsystem: "position",
	}
}

// New 创建新的Monitor实例，每个实例使用独立的registry
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	return &Monitor{
		registry: reg,

		clientsConnected: gauge("clients_connected", "当前连接的从实例数量", "port"),
		accepts:          counter("accepts_total", "接受的连接总数", "port"),
		broadcasts:       counter("broadcasts_total", "广播消息总数", "port", "kind"),
		writeFailures:    counter("write_failures_total", "写失败（连接被关闭）次数", "port"),
		localPosition:    gauge("local_position", "主实例本地仓位", "port"),

		dials:           counter("dials_total", "连接主实例的尝试次数", "peer"),
		dialFailures:    counter("dial_failures_total", "连接主实例失败次数", "peer"),
		staleReconnects: counter("stale_reconnects_total", "看门狗触发的重连次数", "peer"),
		messages:        counter("messages_total", "成功解析的消息数", "peer"),
		malformed:       counter("malformed_total", "无法解析的消息数", "peer"),
		primaryPosition: gauge("primary_position", "收到的主实例仓位", "peer"),
		lastMessageAge:  gauge("last_message_age_seconds", "距最后一条消息的秒数", "peer"),

		ordersSubmitted: counter("orders_submitted_total", "提交的调整订单数", "symbol", "side"),
		ordersRejected:  counter("orders_rejected_total", "被拒绝/忽略的调整订单数", "symbol"),
		reconcileTicks:  counter("reconcile_ticks_total", "对账结果计数", "symbol", "outcome"),

		instances: gauge("instances", "运行中的实例数", "role"),
	}
}

// 主实例相关方法
func (m *Monitor) SetClientsConnected(port string, n int) {
	m.clientsConnected.WithLabelValues(port).Set(float64(n))
}

func (m *Monitor) RecordAccept(port string) {
	m.accepts.WithLabelValues(port).Inc()
}

func (m *Monitor) RecordBroadcast(port, kind string) {
	m.broadcasts.WithLabelValues(port, kind).Inc()
}

func (m *Monitor) RecordWriteFailure(port string) {
	m.writeFailures.WithLabelValues(port).Inc()
}

func (m *Monitor) UpdateLocalPosition(port string, value float64) {
	m.localPosition.WithLabelValues(port).Set(value)
}

// 从实例相关方法
func (m *Monitor) RecordDial(peer string) {
	m.dials.WithLabelValues(peer).Inc()
}

func (m *Monitor) RecordDialFailure(peer string) {
	m.dialFailures.WithLabelValues(peer).Inc()
}

func (m *Monitor) RecordStaleReconnect(peer string) {
	m.staleReconnects.WithLabelValues(peer).Inc()
}

func (m *Monitor) RecordMessage(peer string) {
	m.messages.WithLabelValues(peer).Inc()
}

func (m *Monitor) RecordMalformed(peer string) {
	m.malformed.WithLabelValues(peer).Inc()
}

func (m *Monitor) UpdatePrimaryPosition(peer string, value float64) {
	m.primaryPosition.WithLabelValues(peer).Set(value)
}

func (m *Monitor) UpdateLastMessageAge(peer string, seconds float64) {
	m.lastMessageAge.WithLabelValues(peer).Set(seconds)
}

// 对账相关方法
func (m *Monitor) RecordOrderSubmitted(symbol, side string) {
	m.ordersSubmitted.WithLabelValues(symbol, side).Inc()
}

func (m *Monitor) RecordOrderRejected(symbol string) {
	m.ordersRejected.WithLabelValues(symbol).Inc()
}

func (m *Monitor) RecordReconcile(symbol, outcome string) {
	m.reconcileTicks.WithLabelValues(symbol, outcome).Inc()
}

func (m *Monitor) SetInstances(role string, n int) {
	m.instances.WithLabelValues(role).Set(float64(n))
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// Counter/Gauge 访问器，便于测试中读取
func (m *Monitor) Accepts(port string) prometheus.Counter {
	return m.accepts.WithLabelValues(port)
}

func (m *Monitor) Dials(peer string) prometheus.Counter {
	return m.dials.WithLabelValues(peer)
}

func (m *Monitor) StaleReconnects(peer string) prometheus.Counter {
	return m.staleReconnects.WithLabelValues(peer)
}

func (m *Monitor) Malformed(peer string) prometheus.Counter {
	return m.malformed.WithLabelValues(peer)
}

func (m *Monitor) OrdersSubmitted(symbol, side string) prometheus.Counter {
	return m.ordersSubmitted.WithLabelValues(symbol, side)
}

func (m *Monitor) OrdersRejected(symbol string) prometheus.Counter {
	return m.ordersRejected.WithLabelValues(symbol)
}

func (m *Monitor) WriteFailures(port string) prometheus.Counter {
	return m.writeFailures.WithLabelValues(port)
}
