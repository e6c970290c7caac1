package engine

import (
	"position-sync-go/inventory"
)

// 失败阶段
const (
	StageFetchExposure = "fetch_exposure"
	StageFetchPrice    = "fetch_price"
	StageSizing        = "sizing"
	StageInvariant     = "invariant"
)

// Status 单品种对账结果
type Status int

const (
	StatusApplied Status = iota + 1
	StatusUnchanged
	StatusSkipped // 上游失败，账本未动
	StatusFailed  // 数量计算或账本校验失败，账本未动
)

func (s Status) String() string {
	switch s {
	case StatusApplied:
		return "applied"
	case StatusUnchanged:
		return "unchanged"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome 单品种对账结果
type Outcome struct {
	InstrumentID    string
	Status          Status
	Stage           string
	Transition      inventory.TransitionKind
	RawExposure     float64
	OldExposure     float64
	NewExposure     float64
	OldUnits        int64
	NewUnits        int64
	Price           float64
	ShortSuppressed bool
	Reason          string
	Err             error
}

// OK 账本已按最新信号对齐（包括无需调整）
func (o Outcome) OK() bool {
	return o.Status == StatusApplied || o.Status == StatusUnchanged
}

// Delta 需要交易的单位数
func (o Outcome) Delta() int64 { return o.NewUnits - o.OldUnits }

// TradeSide 描述需要的交易方向
func (o Outcome) TradeSide() string {
	delta := o.Delta()
	switch {
	case delta == 0:
		return "hold"
	case delta > 0 && o.OldUnits < 0 && o.NewUnits > 0:
		return "buy_close_short_open_long"
	case delta > 0 && o.OldUnits < 0:
		return "buy_close_short"
	case delta > 0:
		return "buy_open_long"
	case o.OldUnits > 0 && o.NewUnits < 0:
		return "sell_close_long_open_short"
	case o.OldUnits > 0:
		return "sell_close_long"
	default:
		return "sell_open_short"
	}
}
