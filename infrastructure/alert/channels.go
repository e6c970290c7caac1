package alert

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapChannel 把告警写入结构化日志
type ZapChannel struct {
	logger *zap.Logger
	name   string
}

// NewZapChannel 创建日志告警通道
func NewZapChannel(name string, logger *zap.Logger) *ZapChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapChannel{logger: logger.Named("alert"), name: name}
}

func (c *ZapChannel) Send(a Alert) error {
	level := zapcore.InfoLevel
	switch a.Level {
	case LevelWarning:
		level = zapcore.WarnLevel
	case LevelError, LevelCritical:
		level = zapcore.ErrorLevel
	}
	fields := []zap.Field{
		zap.String("level", a.Level),
		zap.Time("at", a.Timestamp),
	}
	if a.Instrument != "" {
		fields = append(fields, zap.String("instrument", a.Instrument))
	}
	for _, k := range sortedKeys(a.Fields) {
		fields = append(fields, zap.Any(k, a.Fields[k]))
	}
	if ce := c.logger.Check(level, a.Message); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

func (c *ZapChannel) Name() string { return c.name }

// ConsoleChannel 控制台告警通道（彩色输出）
type ConsoleChannel struct {
	name string
	out  io.Writer
	mu   sync.Mutex
}

// NewConsoleChannel 创建控制台告警通道，out 为空时写 stderr
func NewConsoleChannel(name string, out io.Writer) *ConsoleChannel {
	if out == nil {
		out = os.Stderr
	}
	return &ConsoleChannel{name: name, out: out}
}

func (c *ConsoleChannel) Send(a Alert) error {
	colorReset := "\033[0m"
	colorCode := colorReset
	switch a.Level {
	case LevelInfo:
		colorCode = "\033[32m"
	case LevelWarning:
		colorCode = "\033[33m"
	case LevelError:
		colorCode = "\033[31m"
	case LevelCritical:
		colorCode = "\033[35m"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s[%s]%s %s", colorCode, a.Level, colorReset, a.Timestamp.Format("2006-01-02 15:04:05"))
	if a.Instrument != "" {
		fmt.Fprintf(&b, " %s", a.Instrument)
	}
	fmt.Fprintf(&b, " - %s", a.Message)
	if len(a.Fields) > 0 {
		b.WriteString(" |")
		for _, k := range sortedKeys(a.Fields) {
			fmt.Fprintf(&b, " %s=%v", k, a.Fields[k])
		}
	}
	b.WriteString("\n")

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.out, b.String())
	return err
}

func (c *ConsoleChannel) Name() string { return c.name }

// MockChannel 模拟告警通道（用于测试），并发安全
type MockChannel struct {
	name      string
	mu        sync.Mutex
	alerts    []Alert
	shouldErr bool
}

// NewMockChannel 创建模拟告警通道
func NewMockChannel(name string) *MockChannel {
	return &MockChannel{name: name}
}

func (c *MockChannel) Send(a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shouldErr {
		return fmt.Errorf("mock error")
	}
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *MockChannel) Name() string { return c.name }

// GetAlerts 返回收到的告警副本
func (c *MockChannel) GetAlerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

// SetShouldError 设置是否返回错误
func (c *MockChannel) SetShouldError(shouldErr bool) {
	c.mu.Lock()
	c.shouldErr = shouldErr
	c.mu.Unlock()
}

// Count 返回接收到的告警数量
func (c *MockChannel) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
