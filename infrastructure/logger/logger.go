package logger

import (
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"position-sync-go/monitor/logschema"
)

// Logger 封装zap日志器，提供结构化事件日志
type Logger struct {
	*zap.Logger
	config Config
}

// Config 日志配置
type Config struct {
	Level       string   `yaml:"level"`       // debug, info, warn, error
	Outputs     []string `yaml:"outputs"`     // stdout, file
	OutputFile  string   `yaml:"outputFile"`  // 日志文件路径
	ErrorFile   string   `yaml:"errorFile"`   // 错误日志单独文件
	Format      string   `yaml:"format"`      // json 或 console
	Development bool     `yaml:"development"` // DPanic 直接 panic
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Outputs: []string{"stdout"},
		Format:  "json",
	}
}

// New 创建新的Logger实例
func New(cfg Config) (*Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	cores := []zapcore.Core{}

	if len(cfg.Outputs) == 0 || contains(cfg.Outputs, "stdout") {
		var encoder zapcore.Encoder
		if cfg.Format == "console" {
			encoder = zapcore.NewConsoleEncoder(encoderConfig)
		} else {
			encoder = zapcore.NewJSONEncoder(encoderConfig)
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))
	}

	// 文件统一用 json，便于采集
	if contains(cfg.Outputs, "file") && cfg.OutputFile != "" {
		fileWriter, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file failed: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(fileWriter), level))
	}

	if cfg.ErrorFile != "" {
		errorWriter, err := os.OpenFile(cfg.ErrorFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open error log file failed: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(errorWriter), zapcore.ErrorLevel))
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	return &Logger{
		Logger: zap.New(zapcore.NewTee(cores...), opts...),
		config: cfg,
	}, nil
}

// Wrap 包装已有的 zap.Logger，测试中配合 zaptest/observer 使用。
func Wrap(z *zap.Logger) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &Logger{Logger: z, config: DefaultConfig()}
}

// NewNop 丢弃所有输出。
func NewNop() *Logger { return Wrap(zap.NewNop()) }

// WithFields 添加字段返回新的logger
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{
		Logger: l.Logger.With(toFields(fields)...),
		config: l.config,
	}
}

// LogReconcile 记录单品种对账事件
func (l *Logger) LogReconcile(event string, fields map[string]interface{}) {
	l.emit(zapcore.InfoLevel, "reconcile_event", event, fields)
}

// LogRun 记录批次级事件
func (l *Logger) LogRun(event string, fields map[string]interface{}) {
	l.emit(zapcore.InfoLevel, "run_event", event, fields)
}

// LogRisk 记录风控事件（做空被抑制、熔断等）
func (l *Logger) LogRisk(event string, fields map[string]interface{}) {
	l.emit(zapcore.WarnLevel, "risk_event", event, fields)
}

// LogFetch 记录上游调用失败
func (l *Logger) LogFetch(event string, fields map[string]interface{}) {
	l.emit(zapcore.WarnLevel, "fetch_event", event, fields)
}

// LogInvariant 不变量被破坏属于程序错误，开发模式下直接 panic。
func (l *Logger) LogInvariant(fields map[string]interface{}) {
	l.emit(zapcore.DPanicLevel, "invariant_event", logschema.EventInvariant, fields)
}

// LogError 记录错误并附带上下文
func (l *Logger) LogError(err error, context map[string]interface{}) {
	if context == nil {
		context = make(map[string]interface{})
	}
	context["error"] = err.Error()
	context["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	l.Error("error_event", toFields(context)...)
}

func (l *Logger) emit(level zapcore.Level, msg, event string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err := logschema.Validate(event, fields); err != nil {
		fields["_schema_error"] = err.Error()
	}
	fields["event"] = event
	fields["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	if ce := l.Check(level, msg); ce != nil {
		ce.Write(toFields(fields)...)
	}
}

// Close 关闭日志器
func (l *Logger) Close() error {
	return l.Sync()
}

// toFields 按 key 排序，保证输出稳定。
func toFields(fields map[string]interface{}) []zap.Field {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
