package config

import (
	"fmt"
	"time"

	"position-sync-go/risk"
)

// Validate 返回第一个发现的问题，均为 risk.ErrConfiguration。
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return risk.Configf("env", "is required")
	}
	if cfg.Service.BaseURL == "" {
		return risk.Configf("service.baseURL", "is required (or %s)", EnvBaseURL)
	}
	if cfg.Service.APIKey == "" {
		return risk.Configf("service.apiKey", "is required (or %s)", EnvAPIKey)
	}
	if cfg.Service.TimeoutMs < 0 || cfg.Service.Burst < 0 || cfg.Service.BreakerTimeoutSec < 0 {
		return risk.Configf("service", "timeoutMs/burst/breakerTimeoutSec must be >= 0")
	}
	if cfg.Capital.Default <= 0 {
		return risk.Configf("capital.default", "must be > 0, got %v", cfg.Capital.Default)
	}
	if len(cfg.Instruments) == 0 {
		return risk.Configf("instruments", "at least one instrument is required")
	}
	seen := make(map[string]bool, len(cfg.Instruments))
	for _, ic := range cfg.Instruments {
		if seen[ic.ID] {
			return risk.Configf("instruments", "duplicate id %q", ic.ID)
		}
		seen[ic.ID] = true
	}
	if _, err := cfg.BuildInstruments(); err != nil {
		return err
	}
	if err := validateSchedule(cfg.Schedule); err != nil {
		return err
	}
	if cfg.Engine.Concurrency < 0 || cfg.Engine.FetchTimeoutMs < 0 {
		return risk.Configf("engine", "concurrency/fetchTimeoutMs must be >= 0")
	}
	if cfg.Alert.Throttle != "" {
		if _, err := time.ParseDuration(cfg.Alert.Throttle); err != nil {
			return risk.Configf("alert.throttle", "%v", err)
		}
	}
	return nil
}

func validateSchedule(s ScheduleConfig) error {
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return risk.Configf("schedule.timezone", "%v", err)
		}
	}
	if s.Tolerance < 0 || s.Tolerance >= 1 {
		return risk.Configf("schedule.tolerance", "must be in [0,1), got %v", s.Tolerance)
	}
	for _, f := range []struct{ field, value string }{
		{"schedule.lateWindow.start", s.LateWindow.Start},
		{"schedule.lateWindow.end", s.LateWindow.End},
		{"schedule.summaryAt", s.SummaryAt},
	} {
		if f.value == "" {
			continue
		}
		if err := checkClock(f.value); err != nil {
			return risk.Configf(f.field, "%v", err)
		}
	}
	for i, t := range s.Triggers {
		if err := checkClock(t.At); err != nil {
			return risk.Configf(fmt.Sprintf("schedule.triggers[%d].at", i), "%v", err)
		}
		switch t.Source {
		case "history", "realtime":
		default:
			return risk.Configf(fmt.Sprintf("schedule.triggers[%d].source", i), "want history|realtime, got %q", t.Source)
		}
	}
	return nil
}

func checkClock(v string) error {
	if _, err := time.Parse("15:04", v); err != nil {
		return fmt.Errorf("invalid time %q, want HH:MM", v)
	}
	return nil
}
