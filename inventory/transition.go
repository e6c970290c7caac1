package inventory

// TransitionKind 目标仓位从旧比例到新比例的调整动作。
type TransitionKind int

const (
	Unchanged TransitionKind = iota
	OpenLong
	OpenShort
	CloseLong
	CloseShort
	FlipLongToShort
	FlipShortToLong
	IncreaseLong
	DecreaseLong
	IncreaseShort
	DecreaseShort
)

var transitionNames = [...]string{
	Unchanged:       "unchanged",
	OpenLong:        "open_long",
	OpenShort:       "open_short",
	CloseLong:       "close_long",
	CloseShort:      "close_short",
	FlipLongToShort: "flip_long_to_short",
	FlipShortToLong: "flip_short_to_long",
	IncreaseLong:    "increase_long",
	DecreaseLong:    "decrease_long",
	IncreaseShort:   "increase_short",
	DecreaseShort:   "decrease_short",
}

func (k TransitionKind) String() string {
	if k < 0 || int(k) >= len(transitionNames) {
		return "unknown"
	}
	return transitionNames[k]
}

// AllTransitions 便于指标预热与测试遍历。
func AllTransitions() []TransitionKind {
	out := make([]TransitionKind, len(transitionNames))
	for i := range transitionNames {
		out[i] = TransitionKind(i)
	}
	return out
}

// Classify 对 (prev, next) 全平面给出唯一动作。
func Classify(prev, next float64) TransitionKind {
	switch {
	case prev == 0:
		switch {
		case next > 0:
			return OpenLong
		case next < 0:
			return OpenShort
		default:
			return Unchanged
		}
	case prev > 0:
		switch {
		case next == 0:
			return CloseLong
		case next < 0:
			return FlipLongToShort
		case next > prev:
			return IncreaseLong
		case next < prev:
			return DecreaseLong
		default:
			return Unchanged
		}
	default: // prev < 0
		switch {
		case next == 0:
			return CloseShort
		case next > 0:
			return FlipShortToLong
		case next < prev: // |next| > |prev|
			return IncreaseShort
		case next > prev:
			return DecreaseShort
		default:
			return Unchanged
		}
	}
}
