package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 由持仓数量符号推导。
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
	SideFlat  Side = "flat"
)

// PositionRecord 单个品种的本地持仓记录。
type PositionRecord struct {
	InstrumentID     string
	TargetExposure   float64
	Units            int64
	AllocatedCapital decimal.Decimal
	Leverage         int
	LotSize          int64
	ShortAllowed     bool
	MarkPrice        float64
	Transition       TransitionKind
	Reason           string
	LastUpdate       time.Time
}

// Side 只看 Units 的符号，不单独存储。
func (p PositionRecord) Side() Side {
	switch {
	case p.Units > 0:
		return SideLong
	case p.Units < 0:
		return SideShort
	default:
		return SideFlat
	}
}

// Flat 是否空仓。
func (p PositionRecord) Flat() bool { return p.Units == 0 }
