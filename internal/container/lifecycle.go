package container

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"position-sync-go/config"
	"position-sync-go/infrastructure/logger"
	"position-sync-go/monitor/logschema"
)

// Lifecycle 生命周期接口
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

// 组件状态，写入 component_state 事件
const (
	stateStarted  = "started"
	stateStopped  = "stopped"
	stateFailed   = "failed"
	stateRollback = "rolled_back"
)

type namedComponent struct {
	name string
	Lifecycle
}

// ComponentStatus 单个组件的健康状态，/healthz 输出。
type ComponentStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// LifecycleManager 按注册顺序启动、逆序停止，错误中带组件名。
type LifecycleManager struct {
	components []namedComponent
	mu         sync.RWMutex

	// OnState 组件状态变化回调，可为空
	OnState func(name, state string, err error)
}

// NewLifecycleManager 创建新的生命周期管理器
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{}
}

// Register 注册组件；name 用于日志与错误信息。
func (m *LifecycleManager) Register(name string, component Lifecycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, namedComponent{name: name, Lifecycle: component})
}

// StartAll 按顺序启动；任一失败则逆序停止已启动的组件。
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, c := range m.components {
		if err := c.Start(ctx); err != nil {
			m.report(c.name, stateFailed, err)
			errs := []error{fmt.Errorf("start %s failed: %w", c.name, err)}
			for j := i - 1; j >= 0; j-- {
				prev := m.components[j]
				if serr := prev.Stop(); serr != nil {
					errs = append(errs, fmt.Errorf("rollback %s: %w", prev.name, serr))
				}
				m.report(prev.name, stateRollback, nil)
			}
			return errors.Join(errs...)
		}
		m.report(c.name, stateStarted, nil)
	}
	return nil
}

// StopAll 逆序停止全部组件，返回所有停止错误。
func (m *LifecycleManager) StopAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for i := len(m.components) - 1; i >= 0; i-- {
		c := m.components[i]
		if err := c.Stop(); err != nil {
			m.report(c.name, stateFailed, err)
			errs = append(errs, fmt.Errorf("stop %s: %w", c.name, err))
			continue
		}
		m.report(c.name, stateStopped, nil)
	}
	return errors.Join(errs...)
}

// CheckHealth 汇总所有不健康的组件。
func (m *LifecycleManager) CheckHealth() error {
	var errs []error
	for _, s := range m.Status() {
		if !s.Healthy {
			errs = append(errs, fmt.Errorf("%s unhealthy: %s", s.Name, s.Error))
		}
	}
	return errors.Join(errs...)
}

// Status 按注册顺序返回各组件状态。
func (m *LifecycleManager) Status() []ComponentStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ComponentStatus, 0, len(m.components))
	for _, c := range m.components {
		s := ComponentStatus{Name: c.name, Healthy: true}
		if err := c.Health(); err != nil {
			s.Healthy = false
			s.Error = err.Error()
		}
		out = append(out, s)
	}
	return out
}

func (m *LifecycleManager) report(name, state string, err error) {
	if m.OnState != nil {
		m.OnState(name, state, err)
	}
}

// statusEndpoint 暴露 /metrics /healthz /summary；监听失败后 Health 返回该错误。
type statusEndpoint struct {
	handler http.Handler
	addr    string
	logger  *logger.Logger
	server  **http.Server

	mu        sync.Mutex
	started   bool
	listenErr error
}

func (h *statusEndpoint) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return nil
	}
	// 先绑定端口，地址被占用时直接启动失败
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.addr, err)
	}
	srv := &http.Server{
		Handler:           h.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	*h.server = srv
	h.listenErr = nil

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.mu.Lock()
			h.listenErr = err
			h.mu.Unlock()
			h.logger.LogRun(logschema.EventComponentState, map[string]interface{}{
				"component": "status_server",
				"state":     stateFailed,
				"addr":      ln.Addr().String(),
				"error":     err.Error(),
			})
		}
	}()

	h.logger.LogRun(logschema.EventComponentState, map[string]interface{}{
		"component": "status_server",
		"state":     "listening",
		"addr":      ln.Addr().String(),
	})
	h.started = true
	return nil
}

func (h *statusEndpoint) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started || *h.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := (*h.server).Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	h.started = false
	return nil
}

func (h *statusEndpoint) Health() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.listenErr != nil {
		return h.listenErr
	}
	if !h.started {
		return errors.New("not started")
	}
	return nil
}

// watcherComponent 配置热更新
type watcherComponent struct {
	watcher  *config.Watcher
	onUpdate func(config.AppConfig)
	mu       sync.Mutex
	started  bool
}

func (w *watcherComponent) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.watcher.Start(ctx, w.onUpdate); err != nil {
		return err
	}
	w.started = true
	return nil
}

func (w *watcherComponent) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return nil
	}
	w.started = false
	return w.watcher.Stop()
}

func (w *watcherComponent) Health() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return errors.New("not started")
	}
	return nil
}
