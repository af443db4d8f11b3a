// Package sweeper applies the time-based circulation transitions: loans
// past due become OVERDUE and stale reservations become EXPIRED.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Loans is the part of the loan ledger the sweeper drives.
type Loans interface {
	MarkOverdue(ctx context.Context, now time.Time) (int, error)
}

// Reservations is the part of the reservation queue the sweeper drives.
type Reservations interface {
	ExpirePending(ctx context.Context, now time.Time) (int, error)
}

// Result summarises one sweep.
type Result struct {
	Now      time.Time
	Overdue  int
	Expired  int
	Duration time.Duration
}

// Sweeper runs periodic sweeps until its context ends.
type Sweeper struct {
	loans        Loans
	reservations Reservations
	interval     time.Duration
	now          func() time.Time
	logger       *slog.Logger
	transitions  metric.Int64Counter
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// New creates a Sweeper that fires every interval.
func New(loans Loans, reservations Reservations, interval time.Duration, opts ...Option) (*Sweeper, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	s := &Sweeper{
		loans:        loans,
		reservations: reservations,
		interval:     interval,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	counter, err := otel.Meter("libracirc/sweeper").Int64Counter("sweeper.transitions",
		metric.WithDescription("Loans flagged overdue and reservations expired by sweeps"))
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep counter: %w", err)
	}
	s.transitions = counter
	return s, nil
}

// Run sweeps once per interval until ctx is cancelled. A failed sweep is
// logged and the next one proceeds.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx, s.now())
		}
	}
}

// SweepOnce flags overdue loans and then expires reservations, both against
// the same now. Errors from either half are logged and joined into the
// returned error; the other half still runs.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (Result, error) {
	start := time.Now()
	res := Result{Now: now}
	var errs []error

	overdue, err := s.loans.MarkOverdue(ctx, now)
	res.Overdue = overdue
	if err != nil {
		errs = append(errs, fmt.Errorf("mark overdue: %w", err))
	}

	expired, err := s.reservations.ExpirePending(ctx, now)
	res.Expired = expired
	if err != nil {
		errs = append(errs, fmt.Errorf("expire reservations: %w", err))
	}
	res.Duration = time.Since(start)

	s.transitions.Add(ctx, int64(overdue), metric.WithAttributes(attribute.String("kind", "overdue")))
	s.transitions.Add(ctx, int64(expired), metric.WithAttributes(attribute.String("kind", "expired")))

	sweepErr := errors.Join(errs...)
	if sweepErr != nil {
		s.logger.Error("sweep finished with errors",
			"now", now, "overdue", overdue, "expired", expired, "error", sweepErr)
		return res, sweepErr
	}
	if overdue > 0 || expired > 0 {
		s.logger.Info("sweep applied transitions", "now", now, "overdue", overdue, "expired", expired, "took", res.Duration)
	} else {
		s.logger.Debug("sweep found nothing to do", "now", now)
	}
	return res, nil
}
