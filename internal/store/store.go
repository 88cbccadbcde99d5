package store

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"position-relay/protocol"
)

// EventSink 接收状态变化事件（在锁外调用）。
type EventSink func(string, map[string]interface{})

// Store 维护从实例侧共享状态：主实例最新仓位、来源 chartbook、最后消息时间。
// 网络协程写入，控制协程读取；所有字段只在 mu 下访问。
type Store struct {
	mu                sync.Mutex
	position          decimal.Decimal
	chartbook         string
	lastMessage       time.Time
	gotFirstUpdate    bool
	messagesProcessed int64

	sink EventSink
}

// Snapshot 一次加锁取得的一致副本，之后可无锁使用。
type Snapshot struct {
	Position       decimal.Decimal
	Chartbook      string
	LastMessage    time.Time
	HasFirstUpdate bool
	Messages       int64
}

func New(sink EventSink) *Store {
	return &Store{sink: sink}
}

// Apply 合并一条已解析的消息。每条消息只加锁一次；
// 任何消息（包括心跳）都会刷新最后消息时间，只有携带 position 的消息才会置位首次更新。
// 返回 position/cb/首次更新标记是否发生变化。
func (s *Store) Apply(msg protocol.Message, now time.Time) bool {
	s.mu.Lock()
	s.lastMessage = now
	s.messagesProcessed++
	changed := false
	if msg.Chartbook != nil && *msg.Chartbook != s.chartbook {
		s.chartbook = *msg.Chartbook
		changed = true
	}
	positionChanged := false
	if msg.Position != nil {
		if !s.gotFirstUpdate || !msg.Position.Equal(s.position) {
			positionChanged = true
		}
		s.position = *msg.Position
		s.gotFirstUpdate = true
	}
	position := s.position
	chartbook := s.chartbook
	s.mu.Unlock()

	if positionChanged {
		s.logEvent("position_update", map[string]interface{}{
			"position":  position.String(),
			"chartbook": chartbook,
		})
	}
	return changed || positionChanged
}

// Snapshot 返回当前状态副本。
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Position:       s.position,
		Chartbook:      s.chartbook,
		LastMessage:    s.lastMessage,
		HasFirstUpdate: s.gotFirstUpdate,
		Messages:       s.messagesProcessed,
	}
}

// Position 最近一次收到的主实例仓位。
func (s *Store) Position() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Chartbook 来源 chartbook 标识。
func (s *Store) Chartbook() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chartbook
}

// LastMessageTime 最后一次成功解析消息的时间；零值表示从未收到。
func (s *Store) LastMessageTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessage
}

// HasFirstUpdate 是否已收到过携带 position 的消息。
func (s *Store) HasFirstUpdate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gotFirstUpdate
}

func (s *Store) logEvent(event string, fields map[string]interface{}) {
	if s == nil || s.sink == nil {
		return
	}
	s.sink(event, fields)
}
