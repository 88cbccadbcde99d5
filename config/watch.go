package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"position-relay/infrastructure/logger"
)

// Watcher 监听配置文件变化，重新加载并校验后回调；校验失败时保留旧配置。
// 监听所在目录，编辑器“写临时文件再改名”的保存方式也能触发。
type Watcher struct {
	path     string
	envFile  string
	cooldown time.Duration
	log      *logger.Logger
	onUpdate func(AppConfig)

	mu         sync.Mutex
	watcher    *fsnotify.Watcher
	lastReload time.Time
	pending    *time.Timer
	cancel     context.CancelFunc
	done       chan struct{}
	reloads    int
}

// NewWatcher cooldown 内的多次变化合并为一次加载。
func NewWatcher(path, envFile string, cooldown time.Duration, log *logger.Logger, onUpdate func(AppConfig)) *Watcher {
	if log == nil {
		log = logger.NewNop()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		envFile:  envFile,
		cooldown: cooldown,
		log:      log.Named("config"),
		onUpdate: onUpdate,
	}
}

// Start 开始监听。
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	w.watcher = fw

	wctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.watch(wctx, fw, w.done)
	return nil
}

// Stop 停止监听。
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.watcher == nil {
		w.mu.Unlock()
		return nil
	}
	w.cancel()
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	fw, done := w.watcher, w.done
	w.watcher = nil
	w.mu.Unlock()

	err := fw.Close()
	<-done
	return err
}

func (w *Watcher) Health() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return fmt.Errorf("config watcher not running")
	}
	return nil
}

// Reloads 成功应用的重载次数。
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *Watcher) watch(ctx context.Context, fw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			// 只处理写入、创建与改名
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.schedule(ctx)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.LogError(err, map[string]interface{}{"action": "watch", "path": w.path})
		}
	}
}

// schedule 冷却期内的变化延迟到冷却结束再加载，保证最后一次写入一定生效。
func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		return
	}
	wait := w.cooldown - time.Since(w.lastReload)
	if wait < 0 {
		wait = 0
	}
	w.pending = time.AfterFunc(wait, func() {
		if ctx.Err() != nil {
			return
		}
		w.reload()
	})
}

func (w *Watcher) reload() {
	w.mu.Lock()
	w.pending = nil
	w.lastReload = time.Now()
	w.mu.Unlock()

	cfg, err := LoadWithEnvOverrides(w.path, w.envFile)
	if err != nil {
		w.log.LogError(err, map[string]interface{}{"action": "reload", "path": w.path})
		return
	}

	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	w.log.Info("config reloaded")
	if w.onUpdate != nil {
		w.onUpdate(cfg)
	}
}
