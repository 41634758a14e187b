// Package budget implements the process-wide daily cost ledger. Every
// outbound model call reserves its estimated cost up front and settles the
// reservation exactly once, either recording the actual cost or releasing
// the estimate. Reservation-before-send is what keeps the parallel stage
// from collectively overshooting the daily cap.
package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBudgetExceeded is returned by Reserve when the estimate would push
// today's spend past the cap.
var ErrBudgetExceeded = errors.New("daily budget exceeded")

// ErrTicketSettled is returned when a ticket is recorded or released more
// than once. A settled ticket must never be settled again.
var ErrTicketSettled = errors.New("ticket already settled")

// Ticket is a pending charge held against the ledger on behalf of one
// not-yet-completed model call.
type Ticket struct {
	ID       string
	Model    string
	Estimate float64
	Deadline time.Time

	settled bool
}

// Snapshot is a point-in-time view of the ledger.
type Snapshot struct {
	Day       string  `json:"day"`
	SpendUSD  float64 `json:"spend_usd"`
	CapUSD    float64 `json:"cap_usd"`
	Remaining float64 `json:"remaining_usd"`
	Calls     int     `json:"calls_today"`
}

// Ledger tracks daily spend under a single mutex. Rollover to a new day is
// lazy and idempotent: every operation first compares the current
// day-stamp against the stored one.
type Ledger struct {
	mu    sync.Mutex
	spend float64
	cap   float64
	calls int
	day   string

	// now is injectable for rollover tests.
	now func() time.Time
}

// NewLedger creates a ledger with the given daily cap in currency units.
func NewLedger(capUSD float64) *Ledger {
	return &Ledger{cap: capUSD, now: time.Now}
}

// NewLedgerWithClock creates a ledger with an injected clock.
func NewLedgerWithClock(capUSD float64, now func() time.Time) *Ledger {
	return &Ledger{cap: capUSD, now: now}
}

// rolloverLocked zeroes the counters when the day-stamp has advanced.
// Caller holds mu.
func (l *Ledger) rolloverLocked() {
	day := l.now().UTC().Format("2006-01-02")
	if day != l.day {
		l.day = day
		l.spend = 0
		l.calls = 0
	}
}

// Reserve atomically holds estimate against today's spend. Returns
// ErrBudgetExceeded without mutating the ledger when spend + estimate
// would exceed the cap.
func (l *Ledger) Reserve(model string, estimate float64, deadline time.Time) (*Ticket, error) {
	if estimate < 0 {
		return nil, fmt.Errorf("negative estimate %.6f for model %s", estimate, model)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()

	if l.spend+estimate > l.cap {
		return nil, ErrBudgetExceeded
	}
	l.spend += estimate
	return &Ticket{
		ID:       uuid.New().String(),
		Model:    model,
		Estimate: estimate,
		Deadline: deadline,
	}, nil
}

// Record commits the actual cost in place of the reservation and counts
// the call. The difference between estimate and actual adjusts the ledger;
// spend never drops below zero.
func (l *Ledger) Record(t *Ticket, actual float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.settled {
		return ErrTicketSettled
	}
	t.settled = true
	l.rolloverLocked()

	l.spend += actual - t.Estimate
	if l.spend < 0 {
		l.spend = 0
	}
	l.calls++
	return nil
}

// Release cancels the reservation without counting a call.
func (l *Ledger) Release(t *Ticket) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.settled {
		return ErrTicketSettled
	}
	t.settled = true
	l.rolloverLocked()

	l.spend -= t.Estimate
	if l.spend < 0 {
		l.spend = 0
	}
	return nil
}

// SetCap updates the daily cap. Existing spend is untouched; a cap below
// current spend simply rejects further reservations until rollover.
func (l *Ledger) SetCap(capUSD float64) error {
	if capUSD < 0 {
		return fmt.Errorf("cap must be non-negative, got %.4f", capUSD)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cap = capUSD
	return nil
}

// Snapshot returns today's spend, cap, remaining headroom, and call count.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked()

	remaining := l.cap - l.spend
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		Day:       l.day,
		SpendUSD:  l.spend,
		CapUSD:    l.cap,
		Remaining: remaining,
		Calls:     l.calls,
	}
}
