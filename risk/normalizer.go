package risk

import "math"

// ShortPolicy 描述品种是否允许持有空头。
type ShortPolicy interface {
	AllowsShort() bool
}

// Normalized 是裁剪后的目标仓位比例。
type Normalized struct {
	Value           float64
	Raw             float64
	Clamped         bool
	ShortSuppressed bool
}

// Normalize 将原始仓位比例裁剪到 [-1, 1]；不允许做空的品种负值强制为 0。
// NaN 视为无信号，返回 0。
func Normalize(raw float64, policy ShortPolicy) Normalized {
	n := Normalized{Raw: raw, Value: raw}
	switch {
	case math.IsNaN(raw):
		n.Value = 0
		n.Clamped = true
	case raw > 1:
		n.Value = 1
		n.Clamped = true
	case raw < -1:
		n.Value = -1
		n.Clamped = true
	}
	if n.Value < 0 && (policy == nil || !policy.AllowsShort()) {
		n.Value = 0
		n.ShortSuppressed = true
	}
	// -0 统一成 0，避免日志里出现 "-0.000"
	if n.Value == 0 {
		n.Value = 0
	}
	return n
}

// InRange 判断比例是否落在合法区间。
func InRange(exposure float64) bool {
	return exposure >= -1 && exposure <= 1
}
