package budget

import (
	"errors"
	"fmt"
	"time"

	"github.com/procura-erp/procura/internal/shared"
)

// Key scopes a budget to a department and period. Quarter zero means an
// annual budget.
type Key struct {
	Department string
	Year       int
	Quarter    int
}

func (k Key) String() string {
	if k.Quarter == 0 {
		return fmt.Sprintf("%s-%d", k.Department, k.Year)
	}
	return fmt.Sprintf("%s-%dQ%d", k.Department, k.Year, k.Quarter)
}

// Less orders keys by (department, year, quarter). Reallocation locks
// budgets in this order so concurrent reallocations cannot deadlock.
func (k Key) Less(other Key) bool {
	if k.Department != other.Department {
		return k.Department < other.Department
	}
	if k.Year != other.Year {
		return k.Year < other.Year
	}
	return k.Quarter < other.Quarter
}

// Budget owns funds for a department and period. All amounts are integer
// minor currency units. Invariant: Spent <= Total; Spent only grows via
// commit, and only shrinks via an explicit credit adjustment.
type Budget struct {
	ID      int64
	Key     Key
	Total   int64
	Spent   int64
	Version int64
}

// ReservationStatus enumerates reservation lifecycle states.
type ReservationStatus string

const (
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationReleased  ReservationStatus = "RELEASED"
	ReservationSpent     ReservationStatus = "SPENT"
)

// Reservation is a hold against a budget pending spend confirmation.
// Amount is immutable once created. At most one COMMITTED reservation may
// exist per owning entity; the store enforces that by construction.
type Reservation struct {
	ID        int64
	BudgetID  int64
	Owner     shared.EntityRef
	Amount    int64
	Status    ReservationStatus
	CreatedAt time.Time
}

// NotFoundError reports a missing budget row. This is a configuration
// problem: fatal, surfaced immediately, never retried.
type NotFoundError struct {
	Key Key
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("budget: no budget configured for %s", e.Key)
}

// ExceededError reports that a reservation would over-commit the budget.
// It is an expected business outcome, not a defect.
type ExceededError struct {
	Key       Key
	Available int64
	Requested int64
}

func (e ExceededError) Error() string {
	return fmt.Sprintf("budget: %s exceeded: available %d, requested %d", e.Key, e.Available, e.Requested)
}

// InsufficientAvailableError reports that a reallocation source lacks
// uncommitted headroom.
type InsufficientAvailableError struct {
	Key       Key
	Available int64
	Requested int64
}

func (e InsufficientAvailableError) Error() string {
	return fmt.Sprintf("budget: %s has insufficient headroom: available %d, requested %d", e.Key, e.Available, e.Requested)
}

var (
	// ErrDuplicateReservation occurs when the owner already holds an
	// active reservation.
	ErrDuplicateReservation = errors.New("budget: active reservation already exists for owner")
	// ErrNoActiveReservation occurs when a commit targets an owner
	// without a COMMITTED reservation.
	ErrNoActiveReservation = errors.New("budget: no active reservation for owner")
	// ErrInvalidAmount occurs on non-positive amounts.
	ErrInvalidAmount = errors.New("budget: amount must be positive")
)
