package backoff

import (
	"testing"
	"time"
)

func TestDelay_ExponentialGrowth(t *testing.T) {
	base := 100 * time.Millisecond
	max := 5 * time.Second

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		3200 * time.Millisecond,
	}

	for attempt, want := range expected {
		got := Delay(attempt, base, max, false)
		if got != want {
			t.Errorf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
}

func TestDelay_CappedAtMax(t *testing.T) {
	base := 100 * time.Millisecond
	max := 5 * time.Second

	for attempt := 6; attempt < 30; attempt++ {
		if got := Delay(attempt, base, max, false); got != max {
			t.Errorf("attempt %d: expected cap %v, got %v", attempt, max, got)
		}
	}
}

func TestDelay_MonotonicallyNonDecreasing(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 0; attempt < 25; attempt++ {
		got := Delay(attempt, DefaultBase, DefaultMax, false)
		if got < prev {
			t.Errorf("attempt %d: delay %v decreased from %v", attempt, got, prev)
		}
		if got > DefaultMax {
			t.Errorf("attempt %d: delay %v exceeds max %v", attempt, got, DefaultMax)
		}
		prev = got
	}
}

func TestDelay_JitterStaysInRange(t *testing.T) {
	base := 100 * time.Millisecond
	max := 5 * time.Second

	for i := 0; i < 200; i++ {
		got := Delay(2, base, max, true)
		lower := 400 * time.Millisecond
		upper := lower + jitterRange
		if got < lower || got >= upper {
			t.Errorf("jittered delay %v outside [%v, %v)", got, lower, upper)
		}
	}
}

func TestDelay_NegativeAttemptTreatedAsZero(t *testing.T) {
	if got := Delay(-3, DefaultBase, DefaultMax, false); got != DefaultBase {
		t.Errorf("expected %v, got %v", DefaultBase, got)
	}
}

func TestDelay_ZeroConfigFallsBackToDefaults(t *testing.T) {
	if got := Delay(0, 0, 0, false); got != DefaultBase {
		t.Errorf("expected %v, got %v", DefaultBase, got)
	}
}
