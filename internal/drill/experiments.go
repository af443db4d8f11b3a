package drill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"libracirc/internal/catalog"
	"libracirc/internal/circulation"
	"libracirc/internal/ledger"
	"libracirc/internal/membership"
	"libracirc/internal/reservation"
	"libracirc/internal/sweeper"
)

// Config sizes the predefined experiments.
type Config struct {
	Workers int           // concurrent borrowers per experiment
	Rounds  int           // operations per borrower in the traffic experiment
	Logger  *slog.Logger  // engine logger; nil discards
	Step    time.Duration // simulated time added per sweep
}

// DefaultConfig is what the drill command runs with.
func DefaultConfig() Config {
	return Config{Workers: 16, Rounds: 40, Step: 36 * time.Hour}
}

// Experiments builds the predefined experiments, each against a library of
// its own.
func Experiments(cfg Config) ([]Experiment, error) {
	if cfg.Workers < 2 {
		return nil, fmt.Errorf("drill needs at least 2 workers, got %d", cfg.Workers)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	builders := []func(Config) (Experiment, error){
		checkoutRace,
		returnHandoffRace,
		sweepUnderTraffic,
	}
	experiments := make([]Experiment, 0, len(builders))
	for _, build := range builders {
		exp, err := build(cfg)
		if err != nil {
			return nil, err
		}
		experiments = append(experiments, exp)
	}
	return experiments, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

// library is a complete in-memory circulation stack.
type library struct {
	clock   *clock
	catalog catalog.Service
	ledger  ledger.Service
	queue   reservation.Service
	members membership.Service
	engine  circulation.Service
	books   []int64
}

func newLibrary(logger *slog.Logger) *library {
	clk := &clock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	cat := catalog.NewService(catalog.WithClock(clk.Now))
	led := ledger.NewService(cat, ledger.WithClock(clk.Now))
	queue := reservation.NewService(cat, reservation.WithClock(clk.Now))
	members := membership.NewService(membership.WithClock(clk.Now))
	return &library{
		clock:   clk,
		catalog: cat,
		ledger:  led,
		queue:   queue,
		members: members,
		engine:  circulation.NewService(cat, led, queue, members, circulation.WithLogger(logger)),
	}
}

func (l *library) addBook(ctx context.Context, isbn string, copies int) (int64, error) {
	b, err := l.catalog.AddBook(ctx, catalog.NewBook{
		Title: "Drill " + isbn, Author: "Drill", ISBN: isbn, Category: "Drill",
	})
	if err != nil {
		return 0, err
	}
	if _, err := l.catalog.AddCopies(ctx, b.ID, copies); err != nil {
		return 0, err
	}
	l.books = append(l.books, b.ID)
	return b.ID, nil
}

func (l *library) addMembers(ctx context.Context, prefix string, n, maxLoans int) ([]*membership.Member, error) {
	out := make([]*membership.Member, 0, n)
	for i := 0; i < n; i++ {
		m, err := l.members.Register(ctx, membership.NewMember{
			UserRef:        fmt.Sprintf("%s-%d", prefix, i),
			LibraryID:      fmt.Sprintf("%s-%03d", prefix, i),
			MaxActiveLoans: maxLoans,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (l *library) openLoans(ctx context.Context, bookID int64) ([]*ledger.Loan, error) {
	loans, err := l.ledger.List(ctx, ledger.Filter{BookID: bookID})
	if err != nil {
		return nil, err
	}
	open := loans[:0]
	for _, loan := range loans {
		if loan.Open() {
			open = append(open, loan)
		}
	}
	return open, nil
}

func (l *library) copiesIn(ctx context.Context, bookID int64, state catalog.CopyState) (float64, error) {
	copies, err := l.catalog.ListCopies(ctx, bookID)
	if err != nil {
		return 0, err
	}
	var n float64
	for _, c := range copies {
		if c.State == state {
			n++
		}
	}
	return n, nil
}

// inconsistencies counts copies whose state disagrees with the open loans
// and holds that reference them.
func (l *library) inconsistencies(ctx context.Context) (float64, error) {
	loans, err := l.ledger.List(ctx, ledger.Filter{})
	if err != nil {
		return 0, err
	}
	loaned := make(map[int64]int)
	for _, loan := range loans {
		if loan.Open() {
			loaned[loan.CopyID]++
		}
	}
	pending, err := l.queue.List(ctx, reservation.Filter{Status: reservation.StatusPending})
	if err != nil {
		return 0, err
	}
	held := make(map[int64]int)
	for _, r := range pending {
		if r.HeldCopyID != 0 {
			held[r.HeldCopyID]++
		}
	}

	var bad float64
	for _, bookID := range l.books {
		copies, err := l.catalog.ListCopies(ctx, bookID)
		if err != nil {
			return 0, err
		}
		for _, c := range copies {
			want := catalog.CopyAvailable
			switch {
			case loaned[c.ID] == 1 && held[c.ID] == 0:
				want = catalog.CopyOnLoan
			case held[c.ID] == 1 && loaned[c.ID] == 0:
				want = catalog.CopyReservedHold
			case loaned[c.ID] != 0 || held[c.ID] != 0:
				bad++
				continue
			}
			if c.State != want {
				bad++
			}
		}
	}
	return bad, nil
}

func (l *library) membersOverLimit(ctx context.Context, members []*membership.Member) (float64, error) {
	var over float64
	for _, m := range members {
		n, err := l.ledger.CountOpen(ctx, m.ID)
		if err != nil {
			return 0, err
		}
		if n > m.MaxActiveLoans {
			over++
		}
	}
	return over, nil
}

func zero(v float64) bool { return v == 0 }

// checkoutRace sends every worker after the single copy of one book.
func checkoutRace(cfg Config) (Experiment, error) {
	ctx := context.Background()
	lib := newLibrary(cfg.Logger)
	bookID, err := lib.addBook(ctx, "race-1", 1)
	if err != nil {
		return Experiment{}, err
	}
	members, err := lib.addMembers(ctx, "RACE", cfg.Workers, 1)
	if err != nil {
		return Experiment{}, err
	}

	var won atomic.Int64
	openLoans := func(ctx context.Context) (float64, error) {
		open, err := lib.openLoans(ctx, bookID)
		return float64(len(open)), err
	}

	return Experiment{
		Name:       "concurrent-checkout-race",
		Hypothesis: "When many members check out the last copy at once, exactly one loan is opened",
		SteadyState: []Probe{
			{Name: "open_loans", Query: openLoans, Threshold: Threshold{Operator: "==", Value: 0}},
			{
				Name:      "available_copies",
				Query:     func(ctx context.Context) (float64, error) { return lib.copiesIn(ctx, bookID, catalog.CopyAvailable) },
				Threshold: Threshold{Operator: "==", Value: 1},
			},
		},
		Method: []Action{{
			Name: "checkout_storm",
			Execute: func(ctx context.Context) error {
				var wg sync.WaitGroup
				start := make(chan struct{})
				for _, m := range members {
					wg.Add(1)
					go func(libraryID string) {
						defer wg.Done()
						<-start
						if _, err := lib.engine.Checkout(ctx, libraryID, bookID); err == nil {
							won.Add(1)
						}
					}(m.LibraryID)
				}
				close(start)
				wg.Wait()
				return nil
			},
		}},
		Observe: []Probe{
			{Name: "successful_checkouts", Query: func(context.Context) (float64, error) { return float64(won.Load()), nil }},
			{
				Name:  "copies_on_loan",
				Query: func(ctx context.Context) (float64, error) { return lib.copiesIn(ctx, bookID, catalog.CopyOnLoan) },
			},
		},
		Validation: []Assertion{
			{Probe: "successful_checkouts", Condition: func(v float64) bool { return v == 1 }, Message: "exactly one checkout must succeed"},
			{Probe: "open_loans", Condition: func(v float64) bool { return v == 1 }, Message: "the book must have exactly one open loan"},
			{Probe: "copies_on_loan", Condition: func(v float64) bool { return v == 1 }, Message: "the copy must be on loan"},
		},
	}, nil
}

// returnHandoffRace returns a copy with a waiter queued while other members
// hammer checkout on the same book.
func returnHandoffRace(cfg Config) (Experiment, error) {
	ctx := context.Background()
	lib := newLibrary(cfg.Logger)
	bookID, err := lib.addBook(ctx, "race-2", 1)
	if err != nil {
		return Experiment{}, err
	}
	people, err := lib.addMembers(ctx, "HAND", cfg.Workers+2, 1)
	if err != nil {
		return Experiment{}, err
	}
	holder, waiter, hammers := people[0], people[1], people[2:]

	if _, err := lib.engine.Checkout(ctx, holder.LibraryID, bookID); err != nil {
		return Experiment{}, fmt.Errorf("seed loan: %w", err)
	}
	if _, err := lib.engine.Reserve(ctx, bookID, waiter.LibraryID); err != nil {
		return Experiment{}, fmt.Errorf("seed reservation: %w", err)
	}

	loansOf := func(ctx context.Context, match func(int64) bool) (float64, error) {
		open, err := lib.openLoans(ctx, bookID)
		if err != nil {
			return 0, err
		}
		var n float64
		for _, l := range open {
			if match(l.MemberID) {
				n++
			}
		}
		return n, nil
	}
	isHammer := make(map[int64]bool, len(hammers))
	for _, m := range hammers {
		isHammer[m.ID] = true
	}

	return Experiment{
		Name:       "return-handoff-race",
		Hypothesis: "A returned copy goes to the oldest waiter even while others try to check it out",
		SteadyState: []Probe{
			{
				Name:      "pending_reservations",
				Query:     func(ctx context.Context) (float64, error) { return pendingFor(ctx, lib, bookID) },
				Threshold: Threshold{Operator: "==", Value: 1},
			},
			{
				Name:      "available_copies",
				Query:     func(ctx context.Context) (float64, error) { return lib.copiesIn(ctx, bookID, catalog.CopyAvailable) },
				Threshold: Threshold{Operator: "==", Value: 0},
			},
		},
		Method: []Action{{
			Name: "return_under_checkout_pressure",
			Execute: func(ctx context.Context) error {
				done := make(chan struct{})
				var wg sync.WaitGroup
				for _, m := range hammers {
					wg.Add(1)
					go func(libraryID string) {
						defer wg.Done()
						for {
							select {
							case <-done:
								// one more attempt after the return settles
								_, _ = lib.engine.Checkout(ctx, libraryID, bookID)
								return
							default:
								_, _ = lib.engine.Checkout(ctx, libraryID, bookID)
							}
						}
					}(m.LibraryID)
				}
				_, err := lib.engine.Return(ctx, holder.LibraryID, bookID)
				close(done)
				wg.Wait()
				return err
			},
		}},
		Observe: []Probe{
			{Name: "waiter_loans", Query: func(ctx context.Context) (float64, error) {
				return loansOf(ctx, func(id int64) bool { return id == waiter.ID })
			}},
			{Name: "hammer_loans", Query: func(ctx context.Context) (float64, error) {
				return loansOf(ctx, func(id int64) bool { return isHammer[id] })
			}},
		},
		Validation: []Assertion{
			{Probe: "waiter_loans", Condition: func(v float64) bool { return v == 1 }, Message: "the waiter must hold the returned copy"},
			{Probe: "hammer_loans", Condition: zero, Message: "no third party may win the returned copy"},
			{Probe: "pending_reservations", Condition: zero, Message: "the reservation must be fulfilled"},
		},
	}, nil
}

func pendingFor(ctx context.Context, lib *library, bookID int64) (float64, error) {
	pending, err := lib.queue.List(ctx, reservation.Filter{BookID: bookID, Status: reservation.StatusPending})
	return float64(len(pending)), err
}

// sweepUnderTraffic runs random circulation traffic while sweeps advance
// simulated time underneath it.
func sweepUnderTraffic(cfg Config) (Experiment, error) {
	ctx := context.Background()
	lib := newLibrary(cfg.Logger)
	for i := 0; i < 3; i++ {
		if _, err := lib.addBook(ctx, fmt.Sprintf("traffic-%d", i), 2); err != nil {
			return Experiment{}, err
		}
	}
	members, err := lib.addMembers(ctx, "TRAF", cfg.Workers, 2)
	if err != nil {
		return Experiment{}, err
	}
	sweep, err := sweeper.New(lib.ledger, lib.queue, time.Hour,
		sweeper.WithClock(lib.clock.Now), sweeper.WithLogger(cfg.Logger))
	if err != nil {
		return Experiment{}, err
	}

	var sweeps, transitions atomic.Int64
	rounds := cfg.Rounds
	if rounds <= 0 {
		rounds = DefaultConfig().Rounds
	}
	step := cfg.Step
	if step <= 0 {
		step = DefaultConfig().Step
	}

	borrower := func(ctx context.Context, m *membership.Member, seed uint64) {
		rng := rand.New(rand.NewPCG(seed, uint64(m.ID)))
		for i := 0; i < rounds; i++ {
			bookID := lib.books[rng.IntN(len(lib.books))]
			switch rng.IntN(4) {
			case 0, 1:
				_, _ = lib.engine.Checkout(ctx, m.LibraryID, bookID)
			case 2:
				_, _ = lib.engine.Return(ctx, m.LibraryID, bookID)
			default:
				if r, err := lib.engine.Reserve(ctx, bookID, m.LibraryID); err == nil && rng.IntN(3) == 0 {
					_, _ = lib.engine.CancelReservation(ctx, r.ID)
				}
			}
		}
	}

	return Experiment{
		Name:       "sweep-under-traffic",
		Hypothesis: "Sweeps running during circulation traffic never leave a copy inconsistent with its loans and holds",
		SteadyState: []Probe{
			{Name: "inconsistent_copies", Query: lib.inconsistencies, Threshold: Threshold{Operator: "==", Value: 0}},
			{
				Name:      "members_over_limit",
				Query:     func(ctx context.Context) (float64, error) { return lib.membersOverLimit(ctx, members) },
				Threshold: Threshold{Operator: "==", Value: 0},
			},
		},
		Method: []Action{{
			Name: "traffic_with_sweeps",
			Execute: func(ctx context.Context) error {
				stop := make(chan struct{})
				sweepErr := make(chan error, 1)
				go func() {
					var errs []error
					defer func() { sweepErr <- errors.Join(errs...) }()
					for {
						res, err := sweep.SweepOnce(ctx, lib.clock.Advance(step))
						if err != nil {
							errs = append(errs, err)
						}
						sweeps.Add(1)
						transitions.Add(int64(res.Overdue + res.Expired))
						select {
						case <-stop:
							return
						case <-time.After(time.Millisecond):
						}
					}
				}()

				var wg sync.WaitGroup
				for i, m := range members {
					wg.Add(1)
					go func(m *membership.Member, seed uint64) {
						defer wg.Done()
						borrower(ctx, m, seed)
					}(m, uint64(i+1))
				}
				wg.Wait()
				close(stop)
				return <-sweepErr
			},
		}},
		Observe: []Probe{
			{Name: "sweeps", Query: func(context.Context) (float64, error) { return float64(sweeps.Load()), nil }},
			{Name: "sweep_transitions", Query: func(context.Context) (float64, error) { return float64(transitions.Load()), nil }},
		},
		Validation: []Assertion{
			{Probe: "inconsistent_copies", Condition: zero, Message: "every copy state must match its loans and holds"},
			{Probe: "members_over_limit", Condition: zero, Message: "no member may exceed the loan limit"},
			{Probe: "sweeps", Condition: func(v float64) bool { return v >= 1 }, Message: "at least one sweep must run during traffic"},
		},
	}, nil
}
