package alert

import (
	"fmt"
	"sync"
	"time"

	"position-sync-go/risk"
)

const (
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelError    = "ERROR"
	LevelCritical = "CRITICAL"
)

// Alert 告警信息
type Alert struct {
	Level      string                 // INFO, WARNING, ERROR, CRITICAL
	Instrument string                 // 相关品种，可为空
	Message    string                 // 告警消息
	Timestamp  time.Time              // 告警时间
	Fields     map[string]interface{} // 附加字段
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Manager 告警管理器，同一 (级别, 品种, 消息) 在限流窗口内只发一次。
type Manager struct {
	channels []Channel
	throttle *Throttler
	clock    risk.Clock
	mu       sync.RWMutex
}

// Throttler 告警限流器
type Throttler struct {
	lastSent map[string]time.Time
	interval time.Duration
	clock    risk.Clock
	mu       sync.Mutex
}

// NewThrottler 创建限流器
func NewThrottler(interval time.Duration, clock risk.Clock) *Throttler {
	if clock == nil {
		clock = risk.SystemClock
	}
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
		clock:    clock,
	}
}

// Allow 检查是否允许发送
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	last, exists := t.lastSent[key]
	if !exists || now.Sub(last) >= t.interval {
		t.lastSent[key] = now
		return true
	}
	return false
}

// Clear 清空所有限流记录
func (t *Throttler) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent = make(map[string]time.Time)
}

// NewManager 创建告警管理器，clock 为空时使用系统时钟
func NewManager(channels []Channel, throttleInterval time.Duration, clock risk.Clock) *Manager {
	if clock == nil {
		clock = risk.SystemClock
	}
	return &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval, clock),
		clock:    clock,
	}
}

// SendAlert 发送告警。被限流时静默返回 nil；全部通道失败才返回错误。
func (m *Manager) SendAlert(alert Alert) error {
	if m == nil {
		return nil
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = m.clock.Now()
	}
	key := fmt.Sprintf("%s:%s:%s", alert.Level, alert.Instrument, alert.Message)
	if !m.throttle.Allow(key) {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var lastErr error
	ok := 0
	for _, ch := range m.channels {
		if err := ch.Send(alert); err != nil {
			lastErr = fmt.Errorf("channel %s failed: %w", ch.Name(), err)
			continue
		}
		ok++
	}
	if ok == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

// ShortSuppressed 只做多品种收到做空信号。
func (m *Manager) ShortSuppressed(instrument string, raw float64) error {
	return m.SendAlert(Alert{
		Level:      LevelWarning,
		Instrument: instrument,
		Message:    "做空信号已抑制为空仓",
		Fields:     map[string]interface{}{"raw": raw},
	})
}

// InstrumentFailed 品种本轮对账失败，保留上次仓位。
func (m *Manager) InstrumentFailed(instrument, stage string, err error) error {
	return m.SendAlert(Alert{
		Level:      LevelWarning,
		Instrument: instrument,
		Message:    "对账失败，保留原仓位: " + stage,
		Fields:     map[string]interface{}{"error": err.Error()},
	})
}

// InvariantViolated 账本拒绝了非法状态。
func (m *Manager) InvariantViolated(v *risk.InvariantViolation) error {
	return m.SendAlert(Alert{
		Level:      LevelCritical,
		Instrument: v.InstrumentID,
		Message:    "持仓不变量被破坏: " + v.Rule,
		Fields:     map[string]interface{}{"detail": v.Detail},
	})
}

// ConfigRejected 配置热更新被拒绝，继续使用旧配置。
func (m *Manager) ConfigRejected(path string, err error) error {
	return m.SendAlert(Alert{
		Level:   LevelError,
		Message: "配置热更新被拒绝",
		Fields:  map[string]interface{}{"path": path, "error": err.Error()},
	})
}

// AddChannel 添加告警通道
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// GetChannels 获取所有通道名
func (m *Manager) GetChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// ResetThrottle 重置限流器
func (m *Manager) ResetThrottle() {
	m.throttle.Clear()
}
