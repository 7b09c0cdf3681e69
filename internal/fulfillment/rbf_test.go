package fulfillment

import "testing"

func TestComputeRBFRate(t *testing.T) {
	tests := []struct {
		name    string
		current int64
		market  int64
		blocks  int64
		want    int64
	}{
		{"early, bump wins", 20, 10, 5, 30},           // 20*1.5
		{"early, market wins", 10, 20, 5, 20},         // max(15, 20)
		{"mid tier doubles", 10, 10, 12, 20},          // max(20, 11)
		{"mid tier market premium", 5, 30, 15, 33},    // max(10, 33)
		{"late tier market times 1.5", 10, 40, 24, 60},
		{"late tier ignores own rate", 100, 10, 30, 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := computeRBFRate(tt.current, tt.market, tt.blocks); got != tt.want {
				t.Errorf("computeRBFRate(%d, %d, %d) = %d, want %d",
					tt.current, tt.market, tt.blocks, got, tt.want)
			}
		})
	}
}

func TestPlanRBF(t *testing.T) {
	tests := []struct {
		name      string
		current   int64
		candidate int64
		vsize     int64
		maxFee    int64
		wantRate  int64
		wantOK    bool
	}{
		{"candidate passes", 10, 20, 250, 10000, 20, true},
		{"bip125 floor applied", 10, 10, 250, 10000, 11, true},
		{"ceiling caps rate", 10, 100, 250, 10000, 40, true}, // 10000/250
		{"ceiling cap still outbids current", 39, 100, 250, 10000, 40, true},
		{"ceiling cap below current rate", 45, 100, 250, 10000, 0, false},
		{"ceiling cap equals current rate", 40, 100, 250, 10000, 0, false},
		{"protective 500 cap", 100, 900, 10, 10000, 500, true},
		{"protective cap below bip125 floor", 500, 600, 10, 10000, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rate, ok := planRBF(tt.current, tt.candidate, tt.vsize, tt.maxFee)
			if ok != tt.wantOK || rate != tt.wantRate {
				t.Errorf("planRBF(%d, %d, %d, %d) = (%d, %v), want (%d, %v)",
					tt.current, tt.candidate, tt.vsize, tt.maxFee, rate, ok, tt.wantRate, tt.wantOK)
			}
		})
	}
}
