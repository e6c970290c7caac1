package risk

import (
	"errors"
	"math"
	"testing"
)

type policy bool

func (p policy) AllowsShort() bool { return bool(p) }

func TestNormalize(t *testing.T) {
	cases := []struct {
		name       string
		raw        float64
		short      bool
		want       float64
		clamped    bool
		suppressed bool
	}{
		{"区间内", 0.42, true, 0.42, false, false},
		{"上限裁剪", 1.7, true, 1, true, false},
		{"下限裁剪", -3, true, -1, true, false},
		{"做空被抑制", -0.3, false, 0, false, true},
		{"超限且被抑制", -2, false, 0, true, true},
		{"NaN 视为空仓", math.NaN(), true, 0, true, false},
		{"零", 0, false, 0, false, false},
	}
	for _, c := range cases {
		n := Normalize(c.raw, policy(c.short))
		if n.Value != c.want || n.Clamped != c.clamped || n.ShortSuppressed != c.suppressed {
			t.Fatalf("%s: got %+v", c.name, n)
		}
		if !InRange(n.Value) {
			t.Fatalf("%s: out of range %v", c.name, n.Value)
		}
		if math.Signbit(n.Value) && n.Value == 0 {
			t.Fatalf("%s: negative zero", c.name)
		}
	}
	if n := Normalize(-0.5, nil); n.Value != 0 || !n.ShortSuppressed {
		t.Fatalf("nil policy must be long-only: %+v", n)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	for _, raw := range []float64{-5, -1, -0.5, 0, 0.25, 1, 9, math.Inf(1), math.Inf(-1)} {
		for _, p := range []policy{true, false} {
			once := Normalize(raw, p).Value
			if twice := Normalize(once, p).Value; twice != once {
				t.Fatalf("raw %v short %v: %v then %v", raw, p, once, twice)
			}
		}
	}
}

func TestErrorKinds(t *testing.T) {
	if err := Configf("a.b", "bad %d", 1); !errors.Is(err, ErrConfiguration) || err.Error() != "configuration error: a.b: bad 1" {
		t.Fatalf("config error %v", err)
	}
	var sizing error = &SizingError{InstrumentID: "X", Price: 0, Reason: "zero"}
	if !errors.Is(sizing, ErrSizing) || errors.Is(sizing, ErrConfiguration) {
		t.Fatalf("sizing error matching")
	}
	var inv error = &InvariantViolation{InstrumentID: "X", Rule: "long_only"}
	if !errors.Is(inv, ErrInvariantViolation) {
		t.Fatalf("invariant matching")
	}
}

func TestFixedClock(t *testing.T) {
	c := FixedClock(SystemClock.Now())
	if !c.Now().Equal(c.Now()) {
		t.Fatalf("fixed clock moved")
	}
}
