package alert

import (
	"fmt"
	"sync"
	"time"
)

// 告警级别
const (
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// Alert 告警信息
type Alert struct {
	Level     string                 // "INFO", "WARNING", "ERROR", "CRITICAL"
	Message   string                 // 告警消息
	Key       string                 // 限流key，为空时使用 Level:Message
	Timestamp time.Time              // 告警时间
	Fields    map[string]interface{} // 附加字段
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Manager 告警管理器
type Manager struct {
	channels []Channel
	throttle *Throttler
}

// Throttler 告警限流器
type Throttler struct {
	lastSent map[string]time.Time
	interval time.Duration
	now      func() time.Time
	mu       sync.Mutex
}

// NewThrottler 创建限流器
func NewThrottler(interval time.Duration) *Throttler {
	return NewThrottlerWithClock(interval, time.Now)
}

// NewThrottlerWithClock 使用指定时间源创建限流器（测试用手动时钟）
func NewThrottlerWithClock(interval time.Duration, now func() time.Time) *Throttler {
	if now == nil {
		now = time.Now
	}
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
		now:      now,
	}
}

// Allow 检查是否允许发送（限流）
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	lastTime, exists := t.lastSent[key]

	if !exists || now.Sub(lastTime) >= t.interval {
		t.lastSent[key] = now
		return true
	}

	return false
}

// Reset 重置某个key，下一次立即放行
func (t *Throttler) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSent, key)
}

// NewManager 创建告警管理器
func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return NewManagerWithThrottler(channels, NewThrottler(throttleInterval))
}

// NewManagerWithThrottler 使用外部限流器创建告警管理器
func NewManagerWithThrottler(channels []Channel, throttle *Throttler) *Manager {
	return &Manager{
		channels: channels,
		throttle: throttle,
	}
}

// SendAlert 发送告警；被限流时静默返回 nil
func (m *Manager) SendAlert(alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = m.throttle.now()
	}

	key := alert.Key
	if key == "" {
		key = fmt.Sprintf("%s:%s", alert.Level, alert.Message)
	}
	if !m.throttle.Allow(key) {
		return nil
	}

	var lastErr error
	successCount := 0
	for _, ch := range m.channels {
		if err := ch.Send(alert); err != nil {
			lastErr = fmt.Errorf("channel %s failed: %w", ch.Name(), err)
		} else {
			successCount++
		}
	}

	// 所有通道都失败才返回错误
	if successCount == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// Notify 按 key 限流发送，同一个 key 在限流间隔内只发送一次
func (m *Manager) Notify(key, level, message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Key: key, Level: level, Message: message, Fields: fields})
}

// ResetKey 重置单个限流key（例如连接恢复后），下一次故障立即告警
func (m *Manager) ResetKey(key string) {
	m.throttle.Reset(key)
}
