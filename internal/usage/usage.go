// Package usage enforces the process-wide daily token cap.
//
// A single Meter is shared by every session. Its read-increment-compare-write
// runs under a mutex so concurrent sessions can never push usage past the cap
// unnoticed.
package usage

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultDailyCap is used when DAILY_TOKEN_CAP is unset or invalid.
const DefaultDailyCap = 100000

// LimitMessage is shown to users once the daily cap is reached.
const LimitMessage = "Daily limit reached; try again tomorrow."

// Meter counts tokens spent today against a cap.
type Meter struct {
	mu   sync.Mutex
	cap  int
	used int
	day  string
	now  func() time.Time
	loc  *time.Location
}

// Option configures a Meter.
type Option func(*Meter)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Meter) { m.now = now }
}

// WithLocation sets the timezone that defines a "day".
func WithLocation(loc *time.Location) Option {
	return func(m *Meter) { m.loc = loc }
}

// NewMeter creates a meter with the given daily cap. A non-positive cap
// falls back to DefaultDailyCap.
func NewMeter(dailyCap int, opts ...Option) *Meter {
	if dailyCap <= 0 {
		dailyCap = DefaultDailyCap
	}
	m := &Meter{cap: dailyCap, now: time.Now, loc: time.UTC}
	for _, opt := range opts {
		opt(m)
	}
	m.day = m.today()
	return m
}

func (m *Meter) today() string {
	return m.now().In(m.loc).Format(time.DateOnly)
}

// rollover resets the counter when the calendar day changed. Callers hold mu.
func (m *Meter) rollover() {
	if d := m.today(); d != m.day {
		slog.Info("usage.Meter: new day, resetting token counter", "previousDay", m.day, "used", m.used)
		m.day = d
		m.used = 0
	}
}

// Add records tokens and reports the new total and whether the cap is now
// reached. A request that would cross the cap pins usage at the cap.
func (m *Meter) Add(tokens int) (used int, exceeded bool) {
	if tokens < 0 {
		tokens = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()

	if m.used+tokens > m.cap {
		m.used = m.cap
		slog.Warn("usage.Meter: daily token cap reached", "cap", m.cap)
		return m.used, true
	}
	m.used += tokens
	return m.used, m.used >= m.cap
}

// Exceeded reports whether today's usage has reached the cap.
func (m *Meter) Exceeded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()
	return m.used >= m.cap
}

// Used returns today's token count.
func (m *Meter) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()
	return m.used
}

// Cap returns the configured daily cap.
func (m *Meter) Cap() int {
	return m.cap
}

// Remaining returns the tokens left today.
func (m *Meter) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()
	return m.cap - m.used
}

// Reset zeroes the counter. It is scheduled daily at midnight.
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used = 0
	m.day = m.today()
	slog.Debug("usage.Meter: counter reset", "day", m.day)
}

// CountTokens estimates tokens as whitespace-separated words.
func CountTokens(texts ...string) int {
	n := 0
	for _, t := range texts {
		n += len(strings.Fields(t))
	}
	return n
}
