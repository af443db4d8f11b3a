// internal/ledger/implementation.go
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"libracirc/internal/apperr"
	"libracirc/internal/catalog"
	"libracirc/internal/journal"
)

// service implements the Service interface over process memory. Every
// mutation runs under mu, and mu is always taken before the catalog's own
// lock, never after.
type service struct {
	mu           sync.RWMutex
	loans        map[int64]*Loan
	openByCopy   map[int64]int64
	openByMember map[int64]map[int64]struct{}
	nextID       int64

	catalog catalog.Service
	policy  Policy
	now     func() time.Time
	journal *journal.Recorder
}

// Option configures the ledger.
type Option func(*service)

// WithPolicy sets the loan period and penalty terms.
func WithPolicy(p Policy) Option {
	return func(s *service) {
		s.policy = p
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

// WithJournal records loan events.
func WithJournal(rec *journal.Recorder) Option {
	return func(s *service) {
		s.journal = rec
	}
}

// NewService creates a new loan ledger over the given catalog.
func NewService(cat catalog.Service, opts ...Option) Service {
	s := &service{
		loans:        make(map[int64]*Loan),
		openByCopy:   make(map[int64]int64),
		openByMember: make(map[int64]map[int64]struct{}),
		catalog:      cat,
		policy:       DefaultPolicy(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenLoan lends an AVAILABLE copy to the borrower.
func (s *service) OpenLoan(ctx context.Context, copyID int64, borrower Borrower) (*Loan, error) {
	return s.Claim(ctx, Claim{CopyID: copyID, Borrower: borrower, From: catalog.CopyAvailable})
}

// Claim opens a loan on a copy that is AVAILABLE or RESERVED_HOLD.
func (s *service) Claim(ctx context.Context, claim Claim) (*Loan, error) {
	if claim.From == "" {
		claim.From = catalog.CopyAvailable
	}
	if claim.From != catalog.CopyAvailable && claim.From != catalog.CopyReservedHold {
		return nil, fmt.Errorf("cannot claim a copy that is %s: %w", claim.From, apperr.ErrValidation)
	}

	var batch journal.Batch
	defer batch.Flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.catalog.GetCopy(ctx, claim.CopyID)
	if err != nil {
		return nil, err
	}
	if c.State != claim.From {
		return nil, fmt.Errorf("copy %s is %s: %w", c.Barcode, c.State, apperr.ErrConflict)
	}
	if loanID, taken := s.openByCopy[c.ID]; taken {
		return nil, fmt.Errorf("copy %s is held by loan %d: %w", c.Barcode, loanID, apperr.ErrConflict)
	}
	if err := s.checkLimit(claim.Borrower); err != nil {
		return nil, err
	}

	if claim.Commit != nil {
		if err := claim.Commit(); err != nil {
			return nil, err
		}
	}
	if _, err := s.catalog.TransitionCopy(ctx, c.ID, claim.From, catalog.CopyOnLoan); err != nil {
		return nil, fmt.Errorf("failed to move copy %s on loan: %w", c.Barcode, err)
	}

	return s.open(ctx, &batch, c, claim.Borrower.MemberID, false), nil
}

// CloseLoan returns a loan. The copy stays ON_LOAN until Reassign or Release.
func (s *service) CloseLoan(ctx context.Context, loanID int64) (*Loan, *Penalty, error) {
	var batch journal.Batch
	defer batch.Flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	loan, ok := s.loans[loanID]
	if !ok {
		return nil, nil, fmt.Errorf("loan with ID %d: %w", loanID, apperr.ErrNotFound)
	}
	if !loan.Open() {
		return nil, nil, fmt.Errorf("loan %d is already %s: %w", loanID, loan.Status, apperr.ErrInvalidState)
	}

	now := s.now().UTC()
	penalty := s.policy.Penalty(loan.DueAt, now)
	loan.ReturnedAt = &now
	loan.Status = StatusReturned
	loan.Penalty = penalty
	loan.Version++

	delete(s.openByCopy, loan.CopyID)
	delete(s.openByMember[loan.MemberID], loan.ID)

	batch.Add(s.journal.Stage(ctx, journal.AggregateLoan, loan.ID, loan.Version, "LoanReturned", LoanReturnedEvent{
		LoanID:     loan.ID,
		CopyID:     loan.CopyID,
		ReturnedAt: now,
		Penalty:    penalty,
	}))

	out := loan.clone()
	return out, out.Penalty, nil
}

// Reassign lends the copy of a just-closed loan to the borrower without the
// copy ever leaving ON_LOAN. commit runs before the new loan is recorded;
// if it fails nothing changes.
func (s *service) Reassign(ctx context.Context, closedLoanID int64, borrower Borrower, commit func() error) (*Loan, error) {
	var batch journal.Batch
	defer batch.Flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.loans[closedLoanID]
	if !ok {
		return nil, fmt.Errorf("loan with ID %d: %w", closedLoanID, apperr.ErrNotFound)
	}
	if prev.Status != StatusReturned {
		return nil, fmt.Errorf("loan %d is %s, not returned: %w", closedLoanID, prev.Status, apperr.ErrInvalidState)
	}
	if loanID, taken := s.openByCopy[prev.CopyID]; taken {
		return nil, fmt.Errorf("copy %d already reassigned to loan %d: %w", prev.CopyID, loanID, apperr.ErrConflict)
	}

	c, err := s.catalog.GetCopy(ctx, prev.CopyID)
	if err != nil {
		return nil, err
	}
	if c.State != catalog.CopyOnLoan {
		return nil, fmt.Errorf("copy %s is %s: %w", c.Barcode, c.State, apperr.ErrConflict)
	}
	if err := s.checkLimit(borrower); err != nil {
		return nil, err
	}

	if commit != nil {
		if err := commit(); err != nil {
			return nil, err
		}
	}

	return s.open(ctx, &batch, c, borrower.MemberID, true), nil
}

// Release frees a returned copy that nobody is waiting for.
func (s *service) Release(ctx context.Context, copyID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if loanID, taken := s.openByCopy[copyID]; taken {
		return fmt.Errorf("copy %d is held by loan %d: %w", copyID, loanID, apperr.ErrConflict)
	}
	if _, err := s.catalog.TransitionCopy(ctx, copyID, catalog.CopyOnLoan, catalog.CopyAvailable); err != nil {
		return fmt.Errorf("failed to release copy %d: %w", copyID, err)
	}
	return nil
}

// MarkOverdue flags every ACTIVE loan due before now. Each loan is
// transitioned under its own lock acquisition so live traffic interleaves
// with the sweep.
func (s *service) MarkOverdue(ctx context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	var due []int64
	for id, loan := range s.loans {
		if loan.Status == StatusActive && loan.DueAt.Before(now) {
			due = append(due, id)
		}
	}
	s.mu.RUnlock()
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })

	marked := 0
	for _, id := range due {
		if err := ctx.Err(); err != nil {
			return marked, err
		}
		if s.markOverdue(ctx, id, now) {
			marked++
		}
	}
	return marked, nil
}

func (s *service) markOverdue(ctx context.Context, id int64, now time.Time) bool {
	var batch journal.Batch
	defer batch.Flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	loan := s.loans[id]
	// re-checked: the loan may have been returned since the scan
	if loan.Status != StatusActive || !loan.DueAt.Before(now) {
		return false
	}
	loan.Status = StatusOverdue
	loan.Version++
	batch.Add(s.journal.Stage(ctx, journal.AggregateLoan, loan.ID, loan.Version, "LoanOverdue", LoanOverdueEvent{
		LoanID: loan.ID,
		DueAt:  loan.DueAt,
		SeenAt: now.UTC(),
	}))
	return true
}

// Get retrieves a loan by its ID.
func (s *service) Get(_ context.Context, loanID int64) (*Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loan, ok := s.loans[loanID]
	if !ok {
		return nil, fmt.Errorf("loan with ID %d: %w", loanID, apperr.ErrNotFound)
	}
	return loan.clone(), nil
}

// List returns the loans matching filter, newest first.
func (s *service) List(_ context.Context, filter Filter) ([]*Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loans := make([]*Loan, 0)
	for _, loan := range s.loans {
		if filter.MemberID != 0 && loan.MemberID != filter.MemberID {
			continue
		}
		if filter.BookID != 0 && loan.BookID != filter.BookID {
			continue
		}
		if filter.Status != "" && loan.Status != filter.Status {
			continue
		}
		loans = append(loans, loan.clone())
	}
	sort.Slice(loans, func(i, j int) bool { return loans[i].ID > loans[j].ID })
	return loans, nil
}

// OpenLoanFor finds the member's oldest open loan on a copy of the book.
func (s *service) OpenLoanFor(_ context.Context, memberID, bookID int64) (*Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *Loan
	for id := range s.openByMember[memberID] {
		loan := s.loans[id]
		if loan.BookID != bookID {
			continue
		}
		if found == nil || loan.ID < found.ID {
			found = loan
		}
	}
	if found == nil {
		return nil, fmt.Errorf("no open loan of book %d for member %d: %w", bookID, memberID, apperr.ErrNotFound)
	}
	return found.clone(), nil
}

// CountOpen returns how many loans the member currently holds.
func (s *service) CountOpen(_ context.Context, memberID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.openByMember[memberID]), nil
}

// checkLimit must be called with s.mu held.
func (s *service) checkLimit(b Borrower) error {
	if b.MaxActiveLoans <= 0 {
		return nil
	}
	if held := len(s.openByMember[b.MemberID]); held >= b.MaxActiveLoans {
		return fmt.Errorf("member %d holds %d of %d loans: %w: %w",
			b.MemberID, held, b.MaxActiveLoans, ErrLoanLimit, apperr.ErrConflict)
	}
	return nil
}

// open must be called with s.mu held and the copy already ON_LOAN.
func (s *service) open(ctx context.Context, batch *journal.Batch, c *catalog.Copy, memberID int64, handoff bool) *Loan {
	now := s.now().UTC()
	s.nextID++
	loan := &Loan{
		ID:           s.nextID,
		CopyID:       c.ID,
		BookID:       c.BookID,
		MemberID:     memberID,
		CheckedOutAt: now,
		DueAt:        now.Add(s.policy.LoanPeriod),
		Status:       StatusActive,
		Version:      1,
	}
	s.track(loan)

	batch.Add(s.journal.Stage(ctx, journal.AggregateLoan, loan.ID, loan.Version, "LoanOpened", LoanOpenedEvent{
		LoanID:       loan.ID,
		CopyID:       c.ID,
		BookID:       c.BookID,
		MemberID:     memberID,
		CheckedOutAt: now,
		DueAt:        loan.DueAt,
		Handoff:      handoff,
	}))
	return loan.clone()
}

// track indexes an open loan. Must be called with s.mu held.
func (s *service) track(loan *Loan) {
	s.loans[loan.ID] = loan
	s.openByCopy[loan.CopyID] = loan.ID
	if s.openByMember[loan.MemberID] == nil {
		s.openByMember[loan.MemberID] = make(map[int64]struct{})
	}
	s.openByMember[loan.MemberID][loan.ID] = struct{}{}
}

// Apply rebuilds loans from the journal. Copy states are left to Restore,
// which runs once the whole journal has been replayed.
func (s *service) Apply(_ context.Context, event journal.Event) error {
	if event.AggregateType != journal.AggregateLoan {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.EventType {
	case "LoanOpened":
		var e LoanOpenedEvent
		if err := journal.Decode(event, &e); err != nil {
			return err
		}
		if _, exists := s.loans[e.LoanID]; exists {
			return fmt.Errorf("loan %d opened twice: %w", e.LoanID, apperr.ErrConflict)
		}
		checkedOut := e.CheckedOutAt
		if checkedOut.IsZero() {
			checkedOut = event.OccurredAt
		}
		s.track(&Loan{
			ID:           e.LoanID,
			CopyID:       e.CopyID,
			BookID:       e.BookID,
			MemberID:     e.MemberID,
			CheckedOutAt: checkedOut,
			DueAt:        e.DueAt,
			Status:       StatusActive,
			Version:      event.Version,
		})
		s.nextID = max(s.nextID, e.LoanID)

	case "LoanOverdue":
		var e LoanOverdueEvent
		if err := journal.Decode(event, &e); err != nil {
			return err
		}
		loan, ok := s.loans[e.LoanID]
		if !ok {
			return fmt.Errorf("loan with ID %d: %w", e.LoanID, apperr.ErrNotFound)
		}
		loan.Status = StatusOverdue
		loan.Version = event.Version

	case "LoanReturned":
		var e LoanReturnedEvent
		if err := journal.Decode(event, &e); err != nil {
			return err
		}
		loan, ok := s.loans[e.LoanID]
		if !ok {
			return fmt.Errorf("loan with ID %d: %w", e.LoanID, apperr.ErrNotFound)
		}
		returned := e.ReturnedAt
		loan.ReturnedAt = &returned
		loan.Status = StatusReturned
		loan.Penalty = e.Penalty
		if loan.Penalty != nil {
			loan.Penalty.OverdueBy = returned.Sub(loan.DueAt)
		}
		loan.Version = event.Version
		delete(s.openByCopy, loan.CopyID)
		delete(s.openByMember[loan.MemberID], loan.ID)

	default:
		return fmt.Errorf("unknown loan event %q", event.EventType)
	}
	return nil
}

// Restore puts every copy held by an open loan back ON_LOAN after a replay.
func (s *service) Restore(ctx context.Context) error {
	s.mu.RLock()
	copies := make([]int64, 0, len(s.openByCopy))
	for copyID := range s.openByCopy {
		copies = append(copies, copyID)
	}
	s.mu.RUnlock()

	for _, copyID := range copies {
		if err := s.catalog.SetCopyState(ctx, copyID, catalog.CopyOnLoan); err != nil {
			return fmt.Errorf("restore copy %d: %w", copyID, err)
		}
	}
	return nil
}

func (l *Loan) clone() *Loan {
	out := *l
	if l.ReturnedAt != nil {
		t := *l.ReturnedAt
		out.ReturnedAt = &t
	}
	if l.Penalty != nil {
		p := *l.Penalty
		out.Penalty = &p
	}
	return &out
}
