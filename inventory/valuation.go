package inventory

import "github.com/shopspring/decimal"

// Notional 基于最近一次调整时的价格计算持仓市值（带符号）。
func (p PositionRecord) Notional() decimal.Decimal {
	if p.Units == 0 || p.MarkPrice <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(p.Units).Mul(decimal.NewFromFloat(p.MarkPrice))
}

// Margin 占用资金 = |市值| / 杠杆。
func (p PositionRecord) Margin() decimal.Decimal {
	lev := p.Leverage
	if lev < 1 {
		lev = 1
	}
	return p.Notional().Abs().Div(decimal.NewFromInt(int64(lev)))
}

// ActualExposure 实际仓位比例 = 市值 / (分配资金 × 杠杆)，与目标比例同口径。
// 由于按手数向下取整，绝对值不会超过目标比例。
func (p PositionRecord) ActualExposure() float64 {
	if !p.AllocatedCapital.IsPositive() {
		return 0
	}
	lev := p.Leverage
	if lev < 1 {
		lev = 1
	}
	effective := p.AllocatedCapital.Mul(decimal.NewFromInt(int64(lev)))
	f, _ := p.Notional().Div(effective).Float64()
	return f
}
