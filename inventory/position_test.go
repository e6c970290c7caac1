package inventory

import "testing"

func TestSideFromUnits(t *testing.T) {
	cases := map[int64]Side{5000: SideLong, -80: SideShort, 0: SideFlat}
	for units, want := range cases {
		rec := PositionRecord{Units: units}
		if got := rec.Side(); got != want {
			t.Fatalf("units %d: side %s, want %s", units, got, want)
		}
		if rec.Flat() != (want == SideFlat) {
			t.Fatalf("units %d: flat mismatch", units)
		}
	}
}
