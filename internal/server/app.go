// Package server assembles the circulation components behind one HTTP
// surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"libracirc/internal/catalog"
	"libracirc/internal/circulation"
	"libracirc/internal/config"
	"libracirc/internal/journal"
	"libracirc/internal/ledger"
	"libracirc/internal/membership"
	"libracirc/internal/reservation"
	"libracirc/internal/sweeper"
)

// App is a fully wired library.
type App struct {
	Handler http.Handler
	Sweeper *sweeper.Sweeper
	Journal journal.Store

	Catalog catalog.Service
	Ledger  ledger.Service
	Queue   reservation.Service
	Members membership.Service
	Engine  circulation.Service
}

type buildOptions struct {
	logger *slog.Logger
	now    func() time.Time
	store  journal.Store
}

// Option configures Build.
type Option func(*buildOptions)

// WithLogger sets the logger every component writes to.
func WithLogger(logger *slog.Logger) Option {
	return func(o *buildOptions) {
		o.logger = logger
	}
}

// WithClock sets the time source shared by every component.
func WithClock(now func() time.Time) Option {
	return func(o *buildOptions) {
		o.now = now
	}
}

// WithJournalStore uses store instead of opening the configured journal.
func WithJournalStore(store journal.Store) Option {
	return func(o *buildOptions) {
		o.store = store
	}
}

// Build wires the components described by cfg.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := buildOptions{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	store := o.store
	if store == nil {
		store, err = OpenJournal(ctx, cfg.Journal)
		if err != nil {
			return nil, err
		}
	}
	rec := journal.NewRecorder(store, o.logger, o.now)

	cat := catalog.NewService(catalog.WithClock(o.now), catalog.WithJournal(rec))
	led := ledger.NewService(cat,
		ledger.WithPolicy(policy),
		ledger.WithClock(o.now),
		ledger.WithJournal(rec),
	)
	queue := reservation.NewService(cat,
		reservation.WithHoldWindow(cfg.HoldWindow),
		reservation.WithClock(o.now),
		reservation.WithJournal(rec),
	)
	members := membership.NewService(
		membership.WithClock(o.now),
		membership.WithDefaultMaxLoans(cfg.DefaultMaxLoans),
		membership.WithJournal(rec),
	)
	if err := restore(ctx, store, o.logger, cat, members, led, queue); err != nil {
		store.Close()
		return nil, err
	}
	engine := circulation.NewService(cat, led, queue, members, circulation.WithLogger(o.logger))

	sweep, err := sweeper.New(led, queue, cfg.SweepInterval,
		sweeper.WithClock(o.now),
		sweeper.WithLogger(o.logger),
	)
	if err != nil {
		store.Close()
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.RateLimit.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst)
	}

	return &App{
		Handler: NewRouter(Deps{
			Catalog: cat,
			Members: members,
			Engine:  engine,
			Journal: store,
			Logger:  o.logger,
			Limiter: limiter,
		}),
		Sweeper: sweep,
		Journal: store,
		Catalog: cat,
		Ledger:  led,
		Queue:   queue,
		Members: members,
		Engine:  engine,
	}, nil
}

// restore replays the journal into the freshly built components so a
// restarted process resumes where the last one stopped, ids included.
func restore(ctx context.Context, store journal.Store, logger *slog.Logger,
	cat catalog.Service, members membership.Service, led ledger.Service, queue reservation.Service,
) error {
	n, err := journal.Replay(ctx, store, cat, members, led, queue)
	if err != nil {
		return fmt.Errorf("restore from journal: %w", err)
	}
	if n == 0 {
		return nil
	}
	if err := led.Restore(ctx); err != nil {
		return fmt.Errorf("restore loans: %w", err)
	}
	if err := queue.Restore(ctx); err != nil {
		return fmt.Errorf("restore reservations: %w", err)
	}
	logger.InfoContext(ctx, "state restored from journal", "events", n)
	return nil
}

// Close releases the journal.
func (a *App) Close() error {
	return a.Journal.Close()
}

// OpenJournal opens and migrates the configured journal, or returns an
// in-memory one when no driver is set.
func OpenJournal(ctx context.Context, cfg config.Journal) (journal.Store, error) {
	if cfg.Driver == "" {
		return journal.NewMemoryStore(), nil
	}
	store, err := journal.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return store, nil
}
