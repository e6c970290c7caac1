package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher 监听配置文件，写入后重新加载并校验，通过后交给回调。
// 校验失败的配置不会生效，只通过 OnError 通知。
type Watcher struct {
	Path     string
	Cooldown time.Duration // 冷却时间，避免编辑器多次写入触发多次加载
	OnError  func(error)
	Load     func(path string) (AppConfig, error)

	watcher  *fsnotify.Watcher
	loadMu   sync.Mutex // 串行化加载与回调
	mu       sync.Mutex
	last     time.Time
	trailing *time.Timer // 冷却期内的事件合并为一次延后加载
	stopped  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewWatcher 创建监听器；默认用 LoadWithEnvOverrides 加载。
func NewWatcher(path string, cooldown time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	return &Watcher{
		Path:     path,
		Cooldown: cooldown,
		Load:     LoadWithEnvOverrides,
		watcher:  fw,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// Start 监听配置所在目录（编辑器常以 rename 方式保存，直接监听文件会丢事件）。
func (w *Watcher) Start(ctx context.Context, onUpdate func(AppConfig)) error {
	if err := w.watcher.Add(filepath.Dir(w.Path)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	go w.watch(ctx, onUpdate)
	return nil
}

// Stop 停止监听并关闭 fsnotify
func (w *Watcher) Stop() error {
	w.mu.Lock()
	w.stopped = true
	if w.trailing != nil {
		w.trailing.Stop()
		w.trailing = nil
	}
	w.mu.Unlock()
	select {
	case <-w.stopChan:
	default:
		close(w.stopChan)
	}
	select {
	case <-w.doneChan:
	case <-time.After(time.Second):
		// watch 未启动
	}
	return w.watcher.Close()
}

func (w *Watcher) watch(ctx context.Context, onUpdate func(AppConfig)) {
	defer close(w.doneChan)
	target := filepath.Clean(w.Path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload(onUpdate)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.report(fmt.Errorf("watcher: %w", err))
		}
	}
}

// reload 距上次成功加载不足冷却时间时不立即加载，而是在冷却结束时补一次；
// 冷却期内的多次事件只触发一次补加载。
func (w *Watcher) reload(onUpdate func(AppConfig)) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	if !w.last.IsZero() {
		if wait := w.Cooldown - time.Since(w.last); wait > 0 {
			if w.trailing == nil {
				w.trailing = time.AfterFunc(wait, func() {
					w.mu.Lock()
					w.trailing = nil
					stopped := w.stopped
					w.mu.Unlock()
					if !stopped {
						w.load(onUpdate)
					}
				})
			}
			w.mu.Unlock()
			return
		}
	}
	w.mu.Unlock()
	w.load(onUpdate)
}

func (w *Watcher) load(onUpdate func(AppConfig)) {
	w.loadMu.Lock()
	defer w.loadMu.Unlock()

	cfg, err := w.Load(w.Path)
	if err != nil {
		w.report(fmt.Errorf("reload %s: %w", w.Path, err))
		return
	}
	w.mu.Lock()
	w.last = time.Now()
	w.mu.Unlock()
	if onUpdate != nil {
		onUpdate(cfg)
	}
}

// Pending 是否有等待冷却结束的补加载
func (w *Watcher) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.trailing != nil
}

func (w *Watcher) report(err error) {
	if w.OnError != nil {
		w.OnError(err)
	}
}

// LastReload 最近一次成功加载的时间
func (w *Watcher) LastReload() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}
