package host

import (
	"sort"
	"sync"
	"time"

	"position-relay/internal/instance"
	"position-relay/risk"
)

// Display 宿主的状态显示区域，每个调用方一行文本。
type Display interface {
	ShowStatus(h instance.Handle, text string)
}

// Status 某个调用方最近一次显示的文本。
type Status struct {
	Handle    instance.Handle `json:"handle"`
	Text      string          `json:"text"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Subscription 状态推送订阅。
type Subscription struct {
	ch chan Status
}

// C 推送通道，Unsubscribe 后关闭。
func (s *Subscription) C() <-chan Status {
	return s.ch
}

// Board 保存所有调用方的最新状态，并把变化推送给订阅者（慢订阅者丢弃更新）。
// 空文本表示移除该调用方。
type Board struct {
	mu     sync.RWMutex
	latest map[instance.Handle]Status
	subs   map[*Subscription]struct{}
	clock  risk.Clock
}

func NewBoard(clock risk.Clock) *Board {
	if clock == nil {
		clock = risk.NowUTC
	}
	return &Board{
		latest: make(map[instance.Handle]Status),
		subs:   make(map[*Subscription]struct{}),
		clock:  clock,
	}
}

// ShowStatus 更新状态；文本未变化时不推送。
func (b *Board) ShowStatus(h instance.Handle, text string) {
	b.mu.Lock()
	prev, ok := b.latest[h]
	if ok && prev.Text == text {
		b.mu.Unlock()
		return
	}
	if !ok && text == "" {
		b.mu.Unlock()
		return
	}
	st := Status{Handle: h, Text: text, UpdatedAt: b.clock.Now()}
	if text == "" {
		delete(b.latest, h)
	} else {
		b.latest[h] = st
	}
	b.mu.Unlock()

	b.broadcast(st)
}

// Get 返回某个调用方的状态。
func (b *Board) Get(h instance.Handle) (Status, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.latest[h]
	return st, ok
}

// Snapshot 所有状态，按 handle 排序。
func (b *Board) Snapshot() []Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Status, 0, len(b.latest))
	for _, st := range b.latest {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

func (b *Board) Subscribe(buffer int) *Subscription {
	sub := &Subscription{ch: make(chan Status, buffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Board) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
	b.mu.Unlock()
}

func (b *Board) broadcast(st Status) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- st:
		default:
		}
	}
}
