package accounting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// CreatePeriodInput describes a fiscal period to open.
type CreatePeriodInput struct {
	TenantID  int64
	Name      string
	StartDate time.Time
	EndDate   time.Time
}

// Validate ensures the period definition is usable.
func (in *CreatePeriodInput) Validate() error {
	if in.TenantID <= 0 {
		return ErrTenantRequired
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		in.Name = in.StartDate.Format("2006-01")
	}
	if in.StartDate.IsZero() || in.EndDate.IsZero() {
		return fmt.Errorf("%w: start and end required", ErrInvalidPeriodRange)
	}
	in.StartDate = truncateDate(in.StartDate)
	in.EndDate = truncateDate(in.EndDate)
	if in.EndDate.Before(in.StartDate) {
		return ErrInvalidPeriodRange
	}
	return nil
}

// PeriodGate decides which dates may receive postings.
type PeriodGate struct {
	repo  RepositoryPort
	audit AuditPort
	now   func() time.Time
}

// NewPeriodGate constructs the gate.
func NewPeriodGate(repo RepositoryPort, audit AuditPort) *PeriodGate {
	return &PeriodGate{repo: repo, audit: audit, now: time.Now}
}

// PeriodFor returns the period covering date, whatever its status.
func (g *PeriodGate) PeriodFor(ctx context.Context, tenantID int64, date time.Time) (Period, error) {
	if tenantID <= 0 {
		return Period{}, ErrTenantRequired
	}
	var period Period
	err := g.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		period, err = tx.FindPeriodByDate(ctx, tenantID, date)
		return err
	})
	return period, err
}

// AssertPostable fails with ErrPeriodNotOpen unless the period is OPEN.
func AssertPostable(period Period) error {
	if period.Status != PeriodStatusOpen {
		return fmt.Errorf("%w: %s is %s", ErrPeriodNotOpen, period.Name, period.Status)
	}
	return nil
}

// AssertPostable is the method form used by callers holding a gate.
func (g *PeriodGate) AssertPostable(period Period) error {
	return AssertPostable(period)
}

// resolvePostablePeriod is the single enforcement point used by every posting
// path. It runs inside the posting transaction.
func resolvePostablePeriod(ctx context.Context, tx TxRepository, tenantID, hint int64, date time.Time) (Period, error) {
	var (
		period Period
		err    error
	)
	if hint > 0 {
		period, err = tx.GetPeriod(ctx, tenantID, hint)
		if err != nil {
			return Period{}, err
		}
		if !period.Contains(date) {
			return Period{}, fmt.Errorf("%w: %s not in %s", ErrDateOutOfRange, date.Format("2006-01-02"), period.Name)
		}
	} else {
		period, err = tx.FindPeriodByDate(ctx, tenantID, date)
		if err != nil {
			return Period{}, err
		}
	}
	if err := AssertPostable(period); err != nil {
		return Period{}, err
	}
	return period, nil
}

// CreatePeriod opens a new non-overlapping period.
func (g *PeriodGate) CreatePeriod(ctx context.Context, in CreatePeriodInput, actor Actor) (Period, error) {
	if err := in.Validate(); err != nil {
		return Period{}, err
	}
	var period Period
	err := g.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		overlap, err := tx.PeriodOverlaps(ctx, in.TenantID, in.StartDate, in.EndDate)
		if err != nil {
			return err
		}
		if overlap {
			return ErrPeriodOverlap
		}
		period, err = tx.InsertPeriod(ctx, in)
		return err
	})
	if err != nil {
		return Period{}, err
	}
	g.record(ctx, actor, period, "period.create")
	return period, nil
}

// ClosePeriod moves an OPEN period to CLOSED.
func (g *PeriodGate) ClosePeriod(ctx context.Context, tenantID, periodID int64, actor Actor) (Period, error) {
	return g.transition(ctx, tenantID, periodID, PeriodStatusClosed, actor)
}

// LockPeriod moves a CLOSED period to LOCKED.
func (g *PeriodGate) LockPeriod(ctx context.Context, tenantID, periodID int64, actor Actor) (Period, error) {
	return g.transition(ctx, tenantID, periodID, PeriodStatusLocked, actor)
}

func (g *PeriodGate) transition(ctx context.Context, tenantID, periodID int64, target PeriodStatus, actor Actor) (Period, error) {
	if tenantID <= 0 {
		return Period{}, ErrTenantRequired
	}
	var period Period
	err := g.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetPeriodForUpdate(ctx, tenantID, periodID)
		if err != nil {
			return err
		}
		if err := ValidatePeriodTransition(current.Status, target); err != nil {
			return err
		}
		at := g.now()
		if err := tx.UpdatePeriodStatus(ctx, tenantID, periodID, target, at); err != nil {
			return err
		}
		period = current
		period.Status = target
		switch target {
		case PeriodStatusClosed:
			period.ClosedAt = &at
		case PeriodStatusLocked:
			period.LockedAt = &at
		}
		return nil
	})
	if err != nil {
		return Period{}, err
	}
	g.record(ctx, actor, period, "period."+strings.ToLower(string(target)))
	return period, nil
}

// ValidatePeriodTransition allows OPEN->CLOSED and CLOSED->LOCKED only.
func ValidatePeriodTransition(from, to PeriodStatus) error {
	switch {
	case from == PeriodStatusOpen && to == PeriodStatusClosed:
		return nil
	case from == PeriodStatusClosed && to == PeriodStatusLocked:
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func (g *PeriodGate) record(ctx context.Context, actor Actor, period Period, action string) {
	if g.audit == nil {
		return
	}
	_ = g.audit.Record(ctx, shared.AuditLog{
		TenantID: period.TenantID,
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "fiscal_period",
		EntityID: fmt.Sprintf("%d", period.ID),
		Meta: map[string]any{
			"name":   period.Name,
			"status": string(period.Status),
		},
		At: g.now(),
	})
}
