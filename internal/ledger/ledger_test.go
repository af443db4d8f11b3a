package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"libracirc/internal/apperr"
	"libracirc/internal/catalog"
	"libracirc/internal/journal"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	catalog catalog.Service
	ledger  Service
	clock   *testClock
	store   *journal.MemoryStore
	bookID  int64
	copies  []*catalog.Copy
}

func setup(t *testing.T, copies int) *fixture {
	t.Helper()

	clock := &testClock{t: time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)}
	store := journal.NewMemoryStore()
	rec := journal.NewRecorder(store, nil, clock.Now)
	cat := catalog.NewService(catalog.WithClock(clock.Now))
	ctx := context.Background()

	book, err := cat.AddBook(ctx, catalog.NewBook{Title: "Dune", Author: "Frank Herbert", ISBN: "111", Category: "Fiction"})
	require.NoError(t, err)
	created, err := cat.AddCopies(ctx, book.ID, copies)
	require.NoError(t, err)

	policy := Policy{
		LoanPeriod:  14 * 24 * time.Hour,
		PenaltyUnit: 24 * time.Hour,
		PenaltyRate: decimal.NewFromInt(1),
		Currency:    "USD",
		UnitName:    "day",
	}
	return &fixture{
		catalog: cat,
		ledger:  NewService(cat, WithPolicy(policy), WithClock(clock.Now), WithJournal(rec)),
		clock:   clock,
		store:   store,
		bookID:  book.ID,
		copies:  created,
	}
}

func (f *fixture) copyState(t *testing.T, id int64) catalog.CopyState {
	t.Helper()
	c, err := f.catalog.GetCopy(context.Background(), id)
	require.NoError(t, err)
	return c.State
}

func member(id int64) Borrower {
	return Borrower{MemberID: id, MaxActiveLoans: 5}
}

func TestOpenLoan(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()
	copyID := f.copies[0].ID

	loan, err := f.ledger.OpenLoan(ctx, copyID, member(7))
	require.NoError(t, err)
	assert.Equal(t, StatusActive, loan.Status)
	assert.Equal(t, f.bookID, loan.BookID)
	assert.Equal(t, loan.CheckedOutAt.Add(14*24*time.Hour), loan.DueAt)
	assert.Equal(t, catalog.CopyOnLoan, f.copyState(t, copyID))

	_, err = f.ledger.OpenLoan(ctx, copyID, member(8))
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = f.ledger.OpenLoan(ctx, 999, member(8))
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	n, err := f.ledger.CountOpen(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOpenLoanEnforcesLimit(t *testing.T) {
	f := setup(t, 3)
	ctx := context.Background()
	b := Borrower{MemberID: 1, MaxActiveLoans: 2}

	_, err := f.ledger.OpenLoan(ctx, f.copies[0].ID, b)
	require.NoError(t, err)
	_, err = f.ledger.OpenLoan(ctx, f.copies[1].ID, b)
	require.NoError(t, err)

	_, err = f.ledger.OpenLoan(ctx, f.copies[2].ID, b)
	assert.ErrorIs(t, err, ErrLoanLimit)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, catalog.CopyAvailable, f.copyState(t, f.copies[2].ID))
}

func TestCloseLoanOnTime(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()

	loan, err := f.ledger.OpenLoan(ctx, f.copies[0].ID, member(1))
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	closed, penalty, err := f.ledger.CloseLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Nil(t, penalty)
	assert.Equal(t, StatusReturned, closed.Status)
	require.NotNil(t, closed.ReturnedAt)
	assert.Equal(t, f.clock.Now(), *closed.ReturnedAt)
	// the copy is only freed by Release or handed on by Reassign
	assert.Equal(t, catalog.CopyOnLoan, f.copyState(t, loan.CopyID))

	_, _, err = f.ledger.CloseLoan(ctx, loan.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	_, _, err = f.ledger.CloseLoan(ctx, 404)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, f.ledger.Release(ctx, loan.CopyID))
	assert.Equal(t, catalog.CopyAvailable, f.copyState(t, loan.CopyID))
}

func TestCloseLoanLateComputesPenalty(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()

	loan, err := f.ledger.OpenLoan(ctx, f.copies[0].ID, member(1))
	require.NoError(t, err)

	f.clock.Advance(16 * 24 * time.Hour)
	closed, penalty, err := f.ledger.CloseLoan(ctx, loan.ID)
	require.NoError(t, err)
	require.NotNil(t, penalty)
	assert.True(t, penalty.Amount.Equal(decimal.NewFromInt(2)), "got %s", penalty.Amount)
	assert.Equal(t, int64(2), penalty.Units)
	assert.Equal(t, "overdue by 2 days", penalty.Reason)
	assert.Equal(t, penalty, closed.Penalty)
}

func TestReleaseRefusesOpenLoan(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()

	loan, err := f.ledger.OpenLoan(ctx, f.copies[0].ID, member(1))
	require.NoError(t, err)

	err = f.ledger.Release(ctx, loan.CopyID)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, catalog.CopyOnLoan, f.copyState(t, loan.CopyID))
}

func TestReassignKeepsCopyOnLoan(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()

	first, err := f.ledger.OpenLoan(ctx, f.copies[0].ID, member(1))
	require.NoError(t, err)

	_, err = f.ledger.Reassign(ctx, first.ID, member(2), nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, _, err = f.ledger.CloseLoan(ctx, first.ID)
	require.NoError(t, err)

	committed := false
	second, err := f.ledger.Reassign(ctx, first.ID, member(2), func() error {
		committed = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, committed)
	assert.Equal(t, int64(2), second.MemberID)
	assert.Equal(t, first.CopyID, second.CopyID)
	assert.Equal(t, catalog.CopyOnLoan, f.copyState(t, first.CopyID))

	_, err = f.ledger.Reassign(ctx, first.ID, member(3), nil)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestReassignAbortsWhenCommitFails(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()

	first, err := f.ledger.OpenLoan(ctx, f.copies[0].ID, member(1))
	require.NoError(t, err)
	_, _, err = f.ledger.CloseLoan(ctx, first.ID)
	require.NoError(t, err)

	boom := errors.New("reservation gone")
	_, err = f.ledger.Reassign(ctx, first.ID, member(2), func() error { return boom })
	assert.ErrorIs(t, err, boom)

	loans, err := f.ledger.List(ctx, Filter{MemberID: 2})
	require.NoError(t, err)
	assert.Empty(t, loans)

	// the copy can still be freed afterwards
	require.NoError(t, f.ledger.Release(ctx, first.CopyID))
}

func TestReassignRespectsLimit(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()
	busy := Borrower{MemberID: 2, MaxActiveLoans: 1}

	_, err := f.ledger.OpenLoan(ctx, f.copies[1].ID, busy)
	require.NoError(t, err)
	first, err := f.ledger.OpenLoan(ctx, f.copies[0].ID, member(1))
	require.NoError(t, err)
	_, _, err = f.ledger.CloseLoan(ctx, first.ID)
	require.NoError(t, err)

	called := false
	_, err = f.ledger.Reassign(ctx, first.ID, busy, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrLoanLimit)
	assert.False(t, called)
}

func TestClaimHeldCopy(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()
	copyID := f.copies[0].ID

	require.NoError(t, f.catalog.SetCopyState(ctx, copyID, catalog.CopyReservedHold))

	_, err := f.ledger.OpenLoan(ctx, copyID, member(1))
	assert.ErrorIs(t, err, apperr.ErrConflict)

	boom := errors.New("fulfil failed")
	_, err = f.ledger.Claim(ctx, Claim{CopyID: copyID, Borrower: member(1), From: catalog.CopyReservedHold,
		Commit: func() error { return boom }})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, catalog.CopyReservedHold, f.copyState(t, copyID))

	loan, err := f.ledger.Claim(ctx, Claim{CopyID: copyID, Borrower: member(1), From: catalog.CopyReservedHold})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, loan.Status)
	assert.Equal(t, catalog.CopyOnLoan, f.copyState(t, copyID))

	_, err = f.ledger.Claim(ctx, Claim{CopyID: copyID, Borrower: member(1), From: catalog.CopyOnLoan})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestMarkOverdueIsIdempotent(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()

	late, err := f.ledger.OpenLoan(ctx, f.copies[0].ID, member(1))
	require.NoError(t, err)
	f.clock.Advance(24 * time.Hour)
	onTime, err := f.ledger.OpenLoan(ctx, f.copies[1].ID, member(2))
	require.NoError(t, err)

	sweepAt := late.DueAt.Add(time.Second)

	n, err := f.ledger.MarkOverdue(ctx, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.ledger.MarkOverdue(ctx, sweepAt)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := f.ledger.Get(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOverdue, got.Status)
	got, err = f.ledger.Get(ctx, onTime.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)

	events, err := f.store.Load(ctx, journal.AggregateLoan, fmt.Sprint(late.ID))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "LoanOverdue", events[1].EventType)

	// an overdue loan can still be returned
	closed, penalty, err := f.ledger.CloseLoan(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReturned, closed.Status)
	assert.Nil(t, penalty, "clock has not passed the due date yet")
}

func TestMarkOverdueStopsOnCancelledContext(t *testing.T) {
	f := setup(t, 1)
	_, err := f.ledger.OpenLoan(context.Background(), f.copies[0].ID, member(1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := f.ledger.MarkOverdue(ctx, f.clock.Now().Add(30*24*time.Hour))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, n)
}

func TestListAndOpenLoanFor(t *testing.T) {
	f := setup(t, 3)
	ctx := context.Background()

	a, err := f.ledger.OpenLoan(ctx, f.copies[0].ID, member(1))
	require.NoError(t, err)
	_, err = f.ledger.OpenLoan(ctx, f.copies[1].ID, member(1))
	require.NoError(t, err)
	_, err = f.ledger.OpenLoan(ctx, f.copies[2].ID, member(2))
	require.NoError(t, err)

	found, err := f.ledger.OpenLoanFor(ctx, 1, f.bookID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, found.ID)

	_, err = f.ledger.OpenLoanFor(ctx, 3, f.bookID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	all, err := f.ledger.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Greater(t, all[0].ID, all[1].ID)

	mine, err := f.ledger.List(ctx, Filter{MemberID: 1, Status: StatusActive})
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func TestConcurrentOpenLoanSingleWinner(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := int64(1); i <= 24; i++ {
		wg.Add(1)
		go func(memberID int64) {
			defer wg.Done()
			if _, err := f.ledger.OpenLoan(ctx, f.copies[0].ID, member(memberID)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestPenalty(t *testing.T) {
	p := Policy{PenaltyUnit: time.Hour, PenaltyRate: decimal.RequireFromString("10"), Currency: "INR", UnitName: "hour"}
	due := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		returned time.Time
		units    int64
		amount   string
		reason   string
	}{
		{"early", due.Add(-time.Minute), 0, "", ""},
		{"exactly due", due, 0, "", ""},
		{"one second late", due.Add(time.Second), 1, "10", "overdue by 1 hour"},
		{"exactly one unit", due.Add(time.Hour), 1, "10", "overdue by 1 hour"},
		{"just over two units", due.Add(2*time.Hour + time.Nanosecond), 3, "30", "overdue by 3 hours"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Penalty(due, tt.returned)
			if tt.units == 0 {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.units, got.Units)
			assert.True(t, got.Amount.Equal(decimal.RequireFromString(tt.amount)), "got %s", got.Amount)
			assert.Equal(t, tt.reason, got.Reason)
			assert.Equal(t, "INR", got.Currency)
		})
	}
}

func TestPenaltyIsMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		unit := time.Duration(rapid.Int64Range(int64(time.Second), int64(48*time.Hour)).Draw(t, "unit"))
		rate := decimal.New(rapid.Int64Range(1, 100_000).Draw(t, "rate"), -2)
		p := Policy{PenaltyUnit: unit, PenaltyRate: rate}

		due := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		a := time.Duration(rapid.Int64Range(1, int64(365*24*time.Hour)).Draw(t, "a"))
		b := a + time.Duration(rapid.Int64Range(0, int64(365*24*time.Hour)).Draw(t, "delta"))

		pa := p.Penalty(due, due.Add(a))
		pb := p.Penalty(due, due.Add(b))
		if pa == nil || pb == nil {
			t.Fatalf("late return produced no penalty")
		}
		if !pa.Amount.IsPositive() {
			t.Fatalf("penalty %s is not positive", pa.Amount)
		}
		if pb.Amount.LessThan(pa.Amount) {
			t.Fatalf("penalty decreased: %s after %s, %s after %s", pb.Amount, b, pa.Amount, a)
		}
	})
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())

	err := Policy{PenaltyRate: decimal.NewFromInt(-1)}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loan period")
	assert.Contains(t, err.Error(), "penalty unit")
	assert.Contains(t, err.Error(), "penalty rate")
}

func TestReplayRestoresLoans(t *testing.T) {
	f := setup(t, 4)
	ctx := context.Background()

	returned, err := f.ledger.OpenLoan(ctx, f.copies[0].ID, member(1))
	require.NoError(t, err)
	late, err := f.ledger.OpenLoan(ctx, f.copies[1].ID, member(2))
	require.NoError(t, err)
	f.clock.Advance(10 * 24 * time.Hour)
	active, err := f.ledger.OpenLoan(ctx, f.copies[2].ID, member(3))
	require.NoError(t, err)

	f.clock.Advance(6 * 24 * time.Hour)
	n, err := f.ledger.MarkOverdue(ctx, f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	_, penalty, err := f.ledger.CloseLoan(ctx, returned.ID)
	require.NoError(t, err)
	require.NotNil(t, penalty)
	require.NoError(t, f.ledger.Release(ctx, f.copies[0].ID))

	// a fresh catalog with the same copies, as the catalog's own replay leaves it
	cat := catalog.NewService(catalog.WithClock(f.clock.Now))
	book, err := cat.AddBook(ctx, catalog.NewBook{Title: "Dune", Author: "Frank Herbert", ISBN: "111", Category: "Fiction"})
	require.NoError(t, err)
	_, err = cat.AddCopies(ctx, book.ID, 4)
	require.NoError(t, err)

	restored := NewService(cat, WithClock(f.clock.Now), WithJournal(journal.NewRecorder(f.store, nil, f.clock.Now)))
	_, err = journal.Replay(ctx, f.store, restored)
	require.NoError(t, err)
	require.NoError(t, restored.Restore(ctx))

	got, err := restored.Get(ctx, returned.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReturned, got.Status)
	require.NotNil(t, got.Penalty)
	assert.True(t, got.Penalty.Amount.Equal(penalty.Amount), "amount %s", got.Penalty.Amount)
	assert.Equal(t, penalty.Reason, got.Penalty.Reason)
	assert.Equal(t, penalty.OverdueBy, got.Penalty.OverdueBy)

	got, err = restored.Get(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOverdue, got.Status)
	assert.True(t, late.DueAt.Equal(got.DueAt))

	got, err = restored.OpenLoanFor(ctx, 3, book.ID)
	require.NoError(t, err)
	assert.Equal(t, active.ID, got.ID)
	assert.True(t, active.CheckedOutAt.Equal(got.CheckedOutAt))

	count, err := restored.CountOpen(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, count)

	states := make([]catalog.CopyState, 0, 4)
	copies, err := cat.ListCopies(ctx, book.ID)
	require.NoError(t, err)
	for _, c := range copies {
		states = append(states, c.State)
	}
	assert.Equal(t, []catalog.CopyState{catalog.CopyAvailable, catalog.CopyOnLoan, catalog.CopyOnLoan, catalog.CopyAvailable}, states)

	next, err := restored.OpenLoan(ctx, copies[3].ID, member(4))
	require.NoError(t, err)
	assert.Equal(t, active.ID+1, next.ID)

	_, _, err = restored.CloseLoan(ctx, late.ID)
	require.NoError(t, err)
	events, err := f.store.Load(ctx, journal.AggregateLoan, fmt.Sprint(late.ID))
	require.NoError(t, err)
	assert.Equal(t, []string{"LoanOpened", "LoanOverdue", "LoanReturned"},
		[]string{events[0].EventType, events[1].EventType, events[2].EventType})
}

// gatedAppender blocks every append until release is closed.
type gatedAppender struct {
	journal.Appender
	entered chan struct{}
	release chan struct{}
}

func (g *gatedAppender) Append(ctx context.Context, aggregateType, aggregateID string, expectedVersion int, events ...journal.Event) error {
	g.entered <- struct{}{}
	<-g.release
	return g.Appender.Append(ctx, aggregateType, aggregateID, expectedVersion, events...)
}

func TestJournalWriteDoesNotHoldLedgerLock(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()
	gate := &gatedAppender{Appender: f.store, entered: make(chan struct{}, 8), release: make(chan struct{})}
	led := NewService(f.catalog, WithClock(f.clock.Now), WithJournal(journal.NewRecorder(gate, nil, f.clock.Now)))

	opened := make(chan error, 1)
	go func() {
		_, err := led.OpenLoan(ctx, f.copies[0].ID, member(1))
		opened <- err
	}()
	<-gate.entered

	listed := make(chan int, 1)
	go func() {
		n, _ := led.CountOpen(ctx, 1)
		listed <- n
	}()
	select {
	case n := <-listed:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("ledger reads blocked behind a journal write")
	}

	close(gate.release)
	require.NoError(t, <-opened)
	events, err := f.store.Stream(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
