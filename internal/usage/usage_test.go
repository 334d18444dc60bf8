package usage

import (
	"sync"
	"testing"
	"time"
)

func TestMeterAddWithinCap(t *testing.T) {
	m := NewMeter(100)
	used, exceeded := m.Add(40)
	if used != 40 || exceeded {
		t.Errorf("Add(40) = %d, %v; want 40, false", used, exceeded)
	}
	if m.Remaining() != 60 {
		t.Errorf("Remaining() = %d, want 60", m.Remaining())
	}
}

func TestMeterCrossingCapPinsAtCap(t *testing.T) {
	m := NewMeter(100)
	m.Add(90)
	used, exceeded := m.Add(20)
	if used != 100 || !exceeded {
		t.Errorf("Add(20) = %d, %v; want 100, true", used, exceeded)
	}
	if !m.Exceeded() {
		t.Error("expected meter to report exceeded")
	}
}

func TestMeterExactCapIsExceeded(t *testing.T) {
	m := NewMeter(10)
	if _, exceeded := m.Add(10); !exceeded {
		t.Error("expected reaching the cap exactly to count as exceeded")
	}
}

func TestMeterConcurrentAddsNeverBypassCap(t *testing.T) {
	const limit = 1000
	m := NewMeter(limit)
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				m.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := m.Used(); got != limit {
		t.Errorf("Used() = %d, want %d", got, limit)
	}
	if !m.Exceeded() {
		t.Error("expected cap to be reached")
	}
}

func TestMeterRollsOverAtMidnight(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	m := NewMeter(50, WithClock(func() time.Time { return now }))
	m.Add(50)
	if !m.Exceeded() {
		t.Fatal("expected exceeded before midnight")
	}
	now = now.Add(2 * time.Minute)
	if m.Exceeded() {
		t.Error("expected counter to reset on a new day")
	}
	if m.Used() != 0 {
		t.Errorf("Used() = %d after rollover, want 0", m.Used())
	}
}

func TestMeterReset(t *testing.T) {
	m := NewMeter(5)
	m.Add(5)
	m.Reset()
	if m.Exceeded() {
		t.Error("expected Reset to clear the cap")
	}
}

func TestNewMeterDefaultCap(t *testing.T) {
	if got := NewMeter(0).Cap(); got != DefaultDailyCap {
		t.Errorf("Cap() = %d, want %d", got, DefaultDailyCap)
	}
}

func TestCountTokens(t *testing.T) {
	if got := CountTokens("one two  three", "", "four\nfive"); got != 5 {
		t.Errorf("CountTokens = %d, want 5", got)
	}
}
