package order

import (
	"math"

	"github.com/shopspring/decimal"

	"position-sync-go/market"
	"position-sync-go/risk"
)

// Basis 换算数量所用的资金口径：资金、杠杆、最小交易单位。
type Basis struct {
	InstrumentID string
	Capital      decimal.Decimal
	Leverage     int
	LotSize      int64
}

// BasisOf 取品种当前配置的口径。
func BasisOf(inst market.Instrument) Basis {
	return Basis{
		InstrumentID: inst.ID(),
		Capital:      inst.AllocatedCapital(),
		Leverage:     inst.Leverage(),
		LotSize:      inst.LotSize(),
	}
}

// ComputeUnits 将目标仓位比例换算为带符号的交易单位数。
// 数量向零取整到最小交易单位的整数倍，不会超配资金。
func ComputeUnits(inst market.Instrument, exposure float64, price float64) (int64, error) {
	return BasisOf(inst).Units(exposure, price)
}

// Units 按口径换算数量。零仓位与价格无关，恒为 0。
func (b Basis) Units(exposure float64, price float64) (int64, error) {
	if exposure == 0 || math.IsNaN(exposure) {
		return 0, nil
	}
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return 0, &risk.SizingError{InstrumentID: b.InstrumentID, Price: price, Reason: "price must be a positive number"}
	}
	lot := b.LotSize
	if lot <= 0 {
		lot = 1
	}
	leverage := b.Leverage
	if leverage <= 0 {
		leverage = 1
	}

	effective := b.Capital.Mul(decimal.NewFromInt(int64(leverage)))
	notional := effective.Mul(decimal.NewFromFloat(exposure)).Abs()
	lots := notional.Div(decimal.NewFromFloat(price)).Div(decimal.NewFromInt(lot)).Floor()
	units := lots.IntPart() * lot
	if exposure < 0 {
		units = -units
	}
	return units, nil
}

// TargetNotional 带符号的目标市值，仅用于日志与报告。
func TargetNotional(inst market.Instrument, exposure float64) decimal.Decimal {
	return inst.AllocatedCapital().
		Mul(decimal.NewFromInt(int64(inst.Leverage()))).
		Mul(decimal.NewFromFloat(exposure))
}
