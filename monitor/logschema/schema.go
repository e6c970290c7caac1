package logschema

import (
	"fmt"
	"sort"
	"strings"
)

// Schema 定义每个日志事件所需的关键字段，便于集中校验。
type Schema struct {
	Event    string
	Required []string
}

const (
	EventReconcile        = "reconcile"
	EventFetchFailed      = "fetch_failed"
	EventSizingFailed     = "sizing_failed"
	EventShortSuppressed  = "short_suppressed"
	EventInvariant        = "invariant_violation"
	EventRunStarted       = "run_started"
	EventRunFinished      = "run_finished"
	EventRunSkipped       = "run_skipped"
	EventSummary          = "position_summary"
	EventConfigReload     = "config_reload"
	EventSelfTest         = "self_test"
	EventBreakerStateFlip = "breaker_state"
	EventNamesResolved    = "names_resolved"
	EventComponentState   = "component_state"
)

var schemas = map[string]Schema{
	EventReconcile: {
		Event:    EventReconcile,
		Required: []string{"instrument", "transition", "oldExposure", "newExposure", "oldUnits", "newUnits", "reason"},
	},
	EventFetchFailed: {
		Event:    EventFetchFailed,
		Required: []string{"instrument", "kind", "error"},
	},
	EventSizingFailed: {
		Event:    EventSizingFailed,
		Required: []string{"instrument", "price", "error"},
	},
	EventShortSuppressed: {
		Event:    EventShortSuppressed,
		Required: []string{"instrument", "raw"},
	},
	EventInvariant: {
		Event:    EventInvariant,
		Required: []string{"instrument", "rule", "detail"},
	},
	EventRunStarted: {
		Event:    EventRunStarted,
		Required: []string{"runId", "source", "instruments"},
	},
	EventRunFinished: {
		Event:    EventRunFinished,
		Required: []string{"runId", "source", "applied", "unchanged", "failed", "durationMs"},
	},
	EventRunSkipped: {
		Event:    EventRunSkipped,
		Required: []string{"trigger", "reason"},
	},
	EventSummary: {
		Event:    EventSummary,
		Required: []string{"longValue", "shortValue", "netValue", "grossExposure", "netExposure", "utilisation"},
	},
	EventConfigReload: {
		Event:    EventConfigReload,
		Required: []string{"path", "instruments"},
	},
	EventSelfTest: {
		Event:    EventSelfTest,
		Required: []string{"market", "instrument", "ok"},
	},
	EventNamesResolved: {
		Event:    EventNamesResolved,
		Required: []string{"count"},
	},
	EventComponentState: {
		Event:    EventComponentState,
		Required: []string{"component", "state"},
	},
	EventBreakerStateFlip: {
		Event:    EventBreakerStateFlip,
		Required: []string{"name", "from", "to"},
	},
}

// Known 返回所有事件名，便于外部生成文档。
func Known() []string {
	names := make([]string, 0, len(schemas))
	for k := range schemas {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Validate 检查日志字段是否包含 schema 中要求的 key。未登记的事件不校验。
func Validate(event string, fields map[string]interface{}) error {
	s, ok := schemas[event]
	if !ok {
		return nil
	}
	var missing []string
	for _, key := range s.Required {
		if _, exists := fields[key]; !exists {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: missing fields: %s", event, strings.Join(missing, ","))
	}
	return nil
}
