// Package instance 把宿主提供的调用方标识映射到唯一运行中的服务端/客户端实例。
package instance

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/multierr"

	"position-relay/infrastructure/logger"
)

// Handle 宿主为每个调用方提供的不透明标识。
type Handle string

// Address 实例绑定/连接的地址；主实例只使用 Port。
type Address struct {
	Host string
	Port int
}

func (a Address) String() string {
	if a.Host == "" {
		return ":" + strconv.Itoa(a.Port)
	}
	return a.Host + ":" + strconv.Itoa(a.Port)
}

// Instance 由 Registry 管理的运行实例。Stop 必须在返回前停止并等待其网络协程。
type Instance interface {
	Address() Address
	Stop() error
}

// Factory 构造并启动一个新实例；失败时不得遗留任何协程或套接字。
type Factory[T Instance] func(ctx context.Context, addr Address) (T, error)

// Registry 每个 Handle 至多对应一个实例。
// 所有操作串行执行，同一 Handle 的构造与销毁不会并发。
type Registry[T Instance] struct {
	mu      sync.Mutex
	entries map[Handle]T
	log     *logger.Logger
	onSize  func(int)
}

func NewRegistry[T Instance](log *logger.Logger) *Registry[T] {
	if log == nil {
		log = logger.NewNop()
	}
	return &Registry[T]{
		entries: make(map[Handle]T),
		log:     log,
	}
}

// OnSizeChange 注册实例数量变化回调（用于指标）。
func (r *Registry[T]) OnSizeChange(fn func(int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSize = fn
}

// Ensure 返回 handle 对应的实例。不存在或地址变化时，先停止并移除旧实例，再构造新实例。
// 构造失败时返回错误且不登记任何实例，调用方下一个 tick 会再次尝试。
func (r *Registry[T]) Ensure(ctx context.Context, h Handle, addr Address, factory Factory[T]) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.entries[h]; ok {
		if cur.Address() == addr {
			return cur, nil
		}
		r.log.LogLink("instance_reconfigure", map[string]interface{}{
			"handle": string(h),
			"from":   cur.Address().String(),
			"to":     addr.String(),
		})
		r.stopLocked(h, cur)
	}

	inst, err := factory(ctx, addr)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("create instance %s on %s: %w", h, addr, err)
	}
	r.entries[h] = inst
	r.notifyLocked()
	r.log.LogLink("instance_started", map[string]interface{}{
		"handle": string(h),
		"addr":   addr.String(),
	})
	return inst, nil
}

// Get 返回当前实例（如有）。
func (r *Registry[T]) Get(h Handle) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.entries[h]
	return inst, ok
}

// Release 宿主最后一次调用时销毁实例并移除 handle。
func (r *Registry[T]) Release(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[h]
	if !ok {
		return nil
	}
	return r.stopLocked(h, cur)
}

// Len 运行中的实例数。
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Handles 按字典序返回所有 handle。
func (r *Registry[T]) Handles() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, len(r.entries))
	for h := range r.entries {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CloseAll 停止所有实例，汇总错误。
func (r *Registry[T]) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs error
	for h, cur := range r.entries {
		errs = multierr.Append(errs, r.stopLocked(h, cur))
	}
	return errs
}

// stopLocked 停止实例并移除登记；停止错误只记录，实例无论如何都会被移除。
func (r *Registry[T]) stopLocked(h Handle, cur T) error {
	delete(r.entries, h)
	r.notifyLocked()
	if err := cur.Stop(); err != nil {
		r.log.LogError(err, map[string]interface{}{
			"action": "stop_instance",
			"handle": string(h),
			"addr":   cur.Address().String(),
		})
		return fmt.Errorf("stop instance %s: %w", h, err)
	}
	r.log.LogLink("instance_stopped", map[string]interface{}{
		"handle": string(h),
		"addr":   cur.Address().String(),
	})
	return nil
}

func (r *Registry[T]) notifyLocked() {
	if r.onSize != nil {
		r.onSize(len(r.entries))
	}
}
