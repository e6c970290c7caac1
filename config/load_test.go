package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"position-sync-go/risk"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const sampleConfig = `
env: dev
service:
  baseURL: https://predict.test
  apiKey: foo
capital:
  default: 100000
instruments:
  - id: 000001.SZ
    market: cnstock
    name: 平安银行
  - id: ICL1.CFX
    market: futures
    capital: 50000
    maxUnits: 50
  - id: EURUSD.fxcm
    market: forex
    allowShort: false
    leverage: 5
schedule:
  timezone: Asia/Shanghai
  tolerance: 0.001
  triggers:
    - at: "09:35"
      source: history
    - at: "14:30"
      source: realtime
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Env != "dev" || cfg.Service.APIKey != "foo" || len(cfg.Instruments) != 3 {
		t.Fatalf("unexpected cfg values: %+v", cfg)
	}
	// 未写的字段保持默认
	if cfg.Engine.Concurrency != 4 || cfg.Schedule.SummaryAt != "15:05" || cfg.HTTP.Addr != ":9102" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if !cfg.Schedule.SkipsWeekends() {
		t.Fatalf("weekends skipped by default")
	}
}

func TestBuildInstruments(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	insts, err := cfg.BuildInstruments()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if insts[0].Name() != "平安银行" || insts[0].LotSize() != 100 || insts[0].AllocatedCapital().IntPart() != 100000 {
		t.Fatalf("stock instrument %v", insts[0])
	}
	if insts[1].AllocatedCapital().IntPart() != 50000 || insts[1].Leverage() != 10 || insts[1].MaxUnits() != 50 {
		t.Fatalf("futures instrument %v", insts[1])
	}
	if insts[2].ShortAllowed() || insts[2].Leverage() != 5 {
		t.Fatalf("forex overrides not applied %v", insts[2])
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)
	t.Setenv(EnvAPIKey, "env-key")
	t.Setenv(EnvBaseURL, "https://override.test")
	cfg, err := LoadWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.APIKey != "env-key" || cfg.Service.BaseURL != "https://override.test" {
		t.Fatalf("env overrides not applied: %+v", cfg.Service)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := writeTempConfig(t, `
env: dev
service:
  baseURL: https://predict.test
instruments:
  - id: ICL1.CFX
    market: futures
`)
	if _, err := Load(path); !errors.Is(err, risk.ErrConfiguration) {
		t.Fatalf("expected missing api key, got %v", err)
	}
	t.Setenv(EnvAPIKey, "")
	os.Unsetenv(EnvAPIKey)
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := os.WriteFile(envPath, []byte(EnvAPIKey+"=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	cfg, err := LoadWithEnvOverrides(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Service.APIKey != "from-dotenv" {
		t.Fatalf("dotenv not applied: %q", cfg.Service.APIKey)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(AppConfig{}); err == nil {
		t.Fatalf("expected error for empty config")
	}

	cases := map[string]string{
		"未知市场": `
env: dev
service: {baseURL: x, apiKey: y}
instruments: [{id: A, market: crypto}]
`,
		"重复品种": `
env: dev
service: {baseURL: x, apiKey: y}
instruments: [{id: A, market: futures}, {id: A, market: futures}]
`,
		"杠杆非法": `
env: dev
service: {baseURL: x, apiKey: y}
instruments: [{id: A, market: futures, leverage: 0}]
`,
		"触发时间非法": `
env: dev
service: {baseURL: x, apiKey: y}
instruments: [{id: A, market: futures}]
schedule:
  triggers: [{at: "9:99", source: history}]
`,
		"数据源非法": `
env: dev
service: {baseURL: x, apiKey: y}
instruments: [{id: A, market: futures}]
schedule:
  triggers: [{at: "09:35", source: tomorrow}]
`,
		"容差越界": `
env: dev
service: {baseURL: x, apiKey: y}
instruments: [{id: A, market: futures}]
schedule: {tolerance: 1.5}
`,
		"时区非法": `
env: dev
service: {baseURL: x, apiKey: y}
instruments: [{id: A, market: futures}]
schedule: {timezone: Mars/Olympus}
`,
	}
	for name, body := range cases {
		if _, err := Load(writeTempConfig(t, body)); !errors.Is(err, risk.ErrConfiguration) {
			t.Fatalf("%s: expected configuration error, got %v", name, err)
		}
	}
}
