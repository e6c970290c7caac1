package order

import (
	"fmt"

	"position-sync-go/market"
)

// LotConstraints 描述品种的最小交易单位与数量上限。
type LotConstraints struct {
	LotSize  int64
	MaxUnits int64
}

// Validate 检查数量是否对齐最小交易单位且不超过上限。
func (c LotConstraints) Validate(units int64) error {
	if c.LotSize > 0 && !isMultiple(units, c.LotSize) {
		return fmt.Errorf("units %d not aligned to lot %d", units, c.LotSize)
	}
	if c.MaxUnits > 0 && abs64(units) > c.MaxUnits {
		return fmt.Errorf("units %d exceed max %d", units, c.MaxUnits)
	}
	return nil
}

// Clamp 将超过上限的数量压到上限内最近的 lot 整数倍，方向不变。
func (c LotConstraints) Clamp(units int64) int64 {
	if c.MaxUnits <= 0 || abs64(units) <= c.MaxUnits {
		return units
	}
	capped := AlignToLot(c.MaxUnits, c.LotSize)
	if units < 0 {
		return -capped
	}
	return capped
}

// ConstraintsFor 取品种的数量约束。
func ConstraintsFor(inst market.Instrument) LotConstraints {
	return LotConstraints{LotSize: inst.LotSize(), MaxUnits: inst.MaxUnits()}
}

// AlignToLot 向零取整到 lot 的整数倍。
func AlignToLot(units, lot int64) int64 {
	if lot <= 1 {
		return units
	}
	return units / lot * lot
}

func isMultiple(value, step int64) bool {
	if step <= 0 {
		return true
	}
	return value%step == 0
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
