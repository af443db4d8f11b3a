package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Policy holds the configurable loan terms.
type Policy struct {
	LoanPeriod  time.Duration
	PenaltyUnit time.Duration
	PenaltyRate decimal.Decimal
	Currency    string
	UnitName    string
}

// DefaultPolicy is two weeks with one unit of currency per started day late.
func DefaultPolicy() Policy {
	return Policy{
		LoanPeriod:  14 * 24 * time.Hour,
		PenaltyUnit: 24 * time.Hour,
		PenaltyRate: decimal.NewFromInt(1),
		UnitName:    "day",
	}
}

// Validate checks the policy is usable.
func (p Policy) Validate() error {
	var errs []error
	if p.LoanPeriod <= 0 {
		errs = append(errs, errors.New("loan period must be positive"))
	}
	if p.PenaltyUnit <= 0 {
		errs = append(errs, errors.New("penalty unit must be positive"))
	}
	if p.PenaltyRate.IsNegative() {
		errs = append(errs, errors.New("penalty rate must not be negative"))
	}
	return errors.Join(errs...)
}

// Penalty computes ceil(overdue / unit) * rate for a loan due at due and
// returned at returned. It returns nil for an on-time return.
func (p Policy) Penalty(due, returned time.Time) *Penalty {
	overdue := returned.Sub(due)
	if overdue <= 0 {
		return nil
	}

	units := int64(overdue / p.PenaltyUnit)
	if overdue%p.PenaltyUnit != 0 {
		units++
	}

	name := p.UnitName
	if name == "" {
		name = "unit"
	}
	if units != 1 {
		name += "s"
	}

	return &Penalty{
		Amount:    p.PenaltyRate.Mul(decimal.NewFromInt(units)),
		Currency:  p.Currency,
		Units:     units,
		OverdueBy: overdue,
		Reason:    fmt.Sprintf("overdue by %d %s", units, name),
	}
}
