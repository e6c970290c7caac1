package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"position-sync-go/infrastructure/logger"
	"position-sync-go/market"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env         string             `yaml:"env"`
	Service     ServiceConfig      `yaml:"service"`
	Capital     CapitalConfig      `yaml:"capital"`
	Instruments []InstrumentConfig `yaml:"instruments"`
	Schedule    ScheduleConfig     `yaml:"schedule"`
	Engine      EngineConfig       `yaml:"engine"`
	Log         logger.Config      `yaml:"log"`
	HTTP        HTTPConfig         `yaml:"http"`
	Alert       AlertConfig        `yaml:"alert"`
}

// ServiceConfig 预测服务连接参数
type ServiceConfig struct {
	BaseURL           string  `yaml:"baseURL"`
	APIKey            string  `yaml:"apiKey"`
	TimeoutMs         int     `yaml:"timeoutMs"`
	RateLimit         float64 `yaml:"rateLimit"` // 每秒请求数，<=0 不限速
	Burst             int     `yaml:"burst"`
	BreakerFailures   uint32  `yaml:"breakerFailures"`
	BreakerTimeoutSec int     `yaml:"breakerTimeoutSec"`
	LookbackDays      int     `yaml:"lookbackDays"`
	PriceCacheSec     int     `yaml:"priceCacheSec"`
}

type CapitalConfig struct {
	Default float64 `yaml:"default"`
}

// InstrumentConfig 单个品种；allowShort/leverage 缺省时取市场规则。
type InstrumentConfig struct {
	ID         string   `yaml:"id"`
	Market     string   `yaml:"market"`
	Name       string   `yaml:"name"`
	AllowShort *bool    `yaml:"allowShort"`
	Leverage   *int     `yaml:"leverage"`
	Capital    *float64 `yaml:"capital"`
	MaxUnits   int64    `yaml:"maxUnits"`
}

type ScheduleConfig struct {
	Timezone     string          `yaml:"timezone"`
	LateWindow   WindowConfig    `yaml:"lateWindow"`
	Triggers     []TriggerConfig `yaml:"triggers"`
	SummaryAt    string          `yaml:"summaryAt"`
	Tolerance    float64         `yaml:"tolerance"`
	SkipWeekends *bool           `yaml:"skipWeekends"`
}

type WindowConfig struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

type TriggerConfig struct {
	At     string `yaml:"at"`
	Source string `yaml:"source"` // history | realtime
	Name   string `yaml:"name"`
}

type EngineConfig struct {
	Concurrency    int `yaml:"concurrency"`
	FetchTimeoutMs int `yaml:"fetchTimeoutMs"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type AlertConfig struct {
	Throttle string `yaml:"throttle"`
}

// 环境变量覆盖项
const (
	EnvAPIKey  = "PS_API_KEY"
	EnvBaseURL = "PS_BASE_URL"
)

// Defaults 返回带默认值的配置，文件中的字段会覆盖它们。
func Defaults() AppConfig {
	return AppConfig{
		Env: "dev",
		Service: ServiceConfig{
			TimeoutMs:         10000,
			RateLimit:         2,
			Burst:             1,
			BreakerFailures:   5,
			BreakerTimeoutSec: 30,
			LookbackDays:      30,
			PriceCacheSec:     60,
		},
		Capital: CapitalConfig{Default: 100000},
		Schedule: ScheduleConfig{
			Timezone:   "Asia/Shanghai",
			LateWindow: WindowConfig{Start: "14:00", End: "15:00"},
			SummaryAt:  "15:05",
			Tolerance:  0.001,
		},
		Engine: EngineConfig{Concurrency: 4, FetchTimeoutMs: 10000},
		Log:    logger.DefaultConfig(),
		HTTP:   HTTPConfig{Addr: ":9102"},
		Alert:  AlertConfig{Throttle: "5m"},
	}
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides 先加载配置文件同目录下的 .env（可选），再用环境变量覆盖敏感字段。
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return AppConfig{}, err
	}
	cfg := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.Service.APIKey = v
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		cfg.Service.BaseURL = v
	}
	return cfg, Validate(cfg)
}

// loadDotEnv 不覆盖已存在的环境变量；文件不存在不算错误。
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// BuildInstruments 把配置转换为品种列表；capital 缺省时使用 capital.default。
func (c AppConfig) BuildInstruments() ([]market.Instrument, error) {
	out := make([]market.Instrument, 0, len(c.Instruments))
	for _, ic := range c.Instruments {
		capital := c.Capital.Default
		if ic.Capital != nil {
			capital = *ic.Capital
		}
		inst, err := market.NewInstrument(market.InstrumentSpec{
			ID:               ic.ID,
			Market:           ic.Market,
			Name:             ic.Name,
			ShortAllowed:     ic.AllowShort,
			Leverage:         ic.Leverage,
			AllocatedCapital: decimal.NewFromFloat(capital),
			MaxUnits:         ic.MaxUnits,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// Location 调度使用的时区
func (c AppConfig) Location() (*time.Location, error) {
	if strings.TrimSpace(c.Schedule.Timezone) == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Schedule.Timezone)
}

// Timeout 单次请求超时
func (s ServiceConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// ThrottleInterval 告警限流间隔，解析失败时为 0（不限流）。
func (a AlertConfig) ThrottleInterval() time.Duration {
	d, err := time.ParseDuration(a.Throttle)
	if err != nil {
		return 0
	}
	return d
}

// SkipsWeekends 默认跳过周末
func (s ScheduleConfig) SkipsWeekends() bool {
	return s.SkipWeekends == nil || *s.SkipWeekends
}
