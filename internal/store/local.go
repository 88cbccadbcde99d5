package store

import (
	"sync"

	"github.com/shopspring/decimal"
)

// LocalPosition 主实例侧共享状态：控制协程写入本地仓位，网络协程读取并广播。
// Set 从不阻塞；连续多次 Set 在网络协程消费前会合并为最后一个值。
type LocalPosition struct {
	mu     sync.Mutex
	value  decimal.Decimal
	notify chan struct{}
}

func NewLocalPosition() *LocalPosition {
	return &LocalPosition{notify: make(chan struct{}, 1)}
}

// Set 写入最新仓位并唤醒网络协程。
func (l *LocalPosition) Set(v decimal.Decimal) {
	l.mu.Lock()
	l.value = v
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Get 读取当前值。
func (l *LocalPosition) Get() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value
}

// Changed 有新值写入时可读。
func (l *LocalPosition) Changed() <-chan struct{} {
	return l.notify
}
