package order

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"position-sync-go/market"
	"position-sync-go/risk"
)

func instrument(t *testing.T, mkt string, capital int64, maxUnits int64) market.Instrument {
	t.Helper()
	inst, err := market.NewInstrument(market.InstrumentSpec{ID: "T", Market: mkt, AllocatedCapital: decimal.NewFromInt(capital), MaxUnits: maxUnits})
	if err != nil {
		t.Fatalf("instrument: %v", err)
	}
	return inst
}

func TestComputeUnits(t *testing.T) {
	cases := []struct {
		name     string
		mkt      string
		capital  int64
		exposure float64
		price    float64
		want     int64
	}{
		{"A股整手", "cnstock", 100000, 0.5, 10, 5000},
		{"A股向下取整", "cnstock", 100000, 0.5, 11.62, 4300},
		{"期货空头", "futures", 50000, -0.4, 2500, -80},
		{"外汇千单位", "forex", 100000, 0.2, 1.1055, 180000},
		{"零仓位", "futures", 50000, 0, 2500, 0},
		{"不足一手", "cnstock", 1000, 0.1, 50, 0},
	}
	for _, c := range cases {
		got, err := ComputeUnits(instrument(t, c.mkt, c.capital, 0), c.exposure, c.price)
		if err != nil || got != c.want {
			t.Fatalf("%s: got %d, %v want %d", c.name, got, err, c.want)
		}
	}
}

func TestComputeUnitsRejectsBadPrice(t *testing.T) {
	inst := instrument(t, "futures", 50000, 0)
	for _, p := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if _, err := ComputeUnits(inst, 0.5, p); !errors.Is(err, risk.ErrSizing) {
			t.Fatalf("price %v: expected sizing error, got %v", p, err)
		}
	}
}

// 数量随比例单调、不超配、对齐整手
func TestComputeUnitsProperties(t *testing.T) {
	inst := instrument(t, "cnstock", 100000, 0)
	price := 7.31
	var last int64
	for i := 0; i <= 100; i++ {
		e := float64(i) / 100
		u, err := ComputeUnits(inst, e, price)
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		if u < last {
			t.Fatalf("not monotone at %v: %d < %d", e, u, last)
		}
		if u%inst.LotSize() != 0 {
			t.Fatalf("not lot aligned: %d", u)
		}
		if float64(u)*price > 100000*e+1e-6 {
			t.Fatalf("over allocated at %v: %d units", e, u)
		}
		last = u
	}
}

// 零仓位不依赖价格，平仓时拿不到价格也能归零
func TestComputeUnitsZeroExposureIgnoresPrice(t *testing.T) {
	inst := instrument(t, "cnstock", 100000, 0)
	for _, p := range []float64{0, -1, math.NaN(), math.Inf(1), 10} {
		u, err := ComputeUnits(inst, 0, p)
		if err != nil || u != 0 {
			t.Fatalf("price %v: got %d, %v", p, u, err)
		}
	}
}

// 空头一侧：|数量| 随 |比例| 单调、对齐整手、不超配
func TestComputeUnitsShortSideProperties(t *testing.T) {
	for _, mkt := range []string{"futures", "forex"} {
		inst := instrument(t, mkt, 50000, 0)
		price := 2503.5
		if mkt == "forex" {
			price = 1.1055
		}
		budget := 50000 * float64(inst.Leverage())
		var last int64
		for i := 0; i <= 100; i++ {
			e := -float64(i) / 100
			u, err := ComputeUnits(inst, e, price)
			if err != nil {
				t.Fatalf("%s compute: %v", mkt, err)
			}
			if u > 0 {
				t.Fatalf("%s: short exposure %v gave long units %d", mkt, e, u)
			}
			if -u < -last {
				t.Fatalf("%s not monotone at %v: |%d| < |%d|", mkt, e, u, last)
			}
			if u%inst.LotSize() != 0 {
				t.Fatalf("%s not lot aligned: %d", mkt, u)
			}
			if float64(-u)*price > budget*(-e)+1e-6 {
				t.Fatalf("%s over allocated at %v: %d units", mkt, e, u)
			}
			last = u
		}
		if last == 0 {
			t.Fatalf("%s: full short sized to zero", mkt)
		}
	}
}

// 口径取自记录而非品种当前配置
func TestBasisUnits(t *testing.T) {
	b := Basis{InstrumentID: "T", Capital: decimal.NewFromInt(100000), Leverage: 1, LotSize: 100}
	u, err := b.Units(0.5, 10)
	if err != nil || u != 5000 {
		t.Fatalf("got %d, %v", u, err)
	}
	b.Leverage = 0
	if u, _ := b.Units(0.5, 10); u != 5000 {
		t.Fatalf("zero leverage treated as 1, got %d", u)
	}
	if _, err := b.Units(0.5, 0); !errors.Is(err, risk.ErrSizing) {
		t.Fatalf("expected sizing error, got %v", err)
	}
}

func TestTargetNotional(t *testing.T) {
	got := TargetNotional(instrument(t, "futures", 50000, 0), -0.4)
	if !got.Equal(decimal.NewFromInt(-200000)) {
		t.Fatalf("notional %s", got)
	}
}
