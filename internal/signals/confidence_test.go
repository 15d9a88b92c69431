package signals_test

import (
	"testing"

	"github.com/atlas-desktop/signal-relay/internal/signals"
)

func TestConfidence(t *testing.T) {
	tests := []struct {
		name string
		f    signals.FieldPresence
		want float64
	}{
		{"nothing", signals.FieldPresence{}, 0},
		{"required only", signals.FieldPresence{Symbol: true, Side: true, Entry: true}, 0.8},
		{"complete", signals.FieldPresence{Symbol: true, Side: true, Entry: true, StopLoss: true, Targets: true}, 1.0},
		{"calculated stop", signals.FieldPresence{Symbol: true, Side: true, Entry: true, StopLoss: true, Targets: true, CalculatedSL: true}, 0.95},
		{"calculated stop no targets", signals.FieldPresence{Symbol: true, Side: true, Entry: true, StopLoss: true, CalculatedSL: true}, 0.85},
		{"penalty clamps at zero", signals.FieldPresence{CalculatedSL: true}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := signals.Confidence(tt.f); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestConfidenceStaysInRange(t *testing.T) {
	for mask := 0; mask < 64; mask++ {
		f := signals.FieldPresence{
			Symbol:       mask&1 != 0,
			Side:         mask&2 != 0,
			Entry:        mask&4 != 0,
			StopLoss:     mask&8 != 0,
			Targets:      mask&16 != 0,
			CalculatedSL: mask&32 != 0,
		}
		got := signals.Confidence(f)
		if got < 0 || got > 1 {
			t.Errorf("%+v: confidence %v out of range", f, got)
		}
		if f.CalculatedSL {
			explicit := f
			explicit.CalculatedSL = false
			if signals.Confidence(explicit) < got {
				t.Errorf("%+v: calculated stop scored above explicit", f)
			}
		}
	}
}
