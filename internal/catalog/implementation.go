// internal/catalog/implementation.go
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"libracirc/internal/apperr"
	"libracirc/internal/journal"
	"libracirc/internal/web"
)

const (
	maxCopiesPerRequest = 100
	maxBarcodeAttempts  = 16
)

// service implements the Service interface over process memory.
type service struct {
	mu       sync.RWMutex
	books    map[int64]*Book
	isbns    map[string]int64
	copies   map[int64]*Copy
	barcodes map[string]int64
	byBook   map[int64][]int64

	nextBookID int64
	nextCopyID int64

	now        func() time.Time
	newBarcode func() string
	journal    *journal.Recorder
	validate   *validator.Validate
}

// Option configures the catalog service.
type Option func(*service)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

// WithJournal records catalog events.
func WithJournal(rec *journal.Recorder) Option {
	return func(s *service) {
		s.journal = rec
	}
}

// WithBarcodeGenerator replaces the barcode source.
func WithBarcodeGenerator(gen func() string) Option {
	return func(s *service) {
		s.newBarcode = gen
	}
}

// NewService creates a new catalog service instance.
func NewService(opts ...Option) Service {
	s := &service{
		books:      make(map[int64]*Book),
		isbns:      make(map[string]int64),
		copies:     make(map[int64]*Copy),
		barcodes:   make(map[string]int64),
		byBook:     make(map[int64][]int64),
		now:        time.Now,
		newBarcode: generateBarcode,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func generateBarcode() string {
	return "COPY-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// AddBook creates a new book in the catalog.
func (s *service) AddBook(ctx context.Context, fields NewBook) (*Book, error) {
	fields.Title = strings.TrimSpace(fields.Title)
	fields.Author = strings.TrimSpace(fields.Author)
	fields.ISBN = strings.TrimSpace(fields.ISBN)
	fields.Category = strings.TrimSpace(fields.Category)

	if err := s.validate.StructCtx(ctx, fields); err != nil {
		return nil, web.ValidationError("book", err)
	}

	var batch journal.Batch
	defer batch.Flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.isbns[fields.ISBN]; taken {
		return nil, fmt.Errorf("isbn %s already catalogued: %w", fields.ISBN, apperr.ErrConflict)
	}

	s.nextBookID++
	book := &Book{
		ID:         s.nextBookID,
		Title:      fields.Title,
		Author:     fields.Author,
		ISBN:       fields.ISBN,
		Category:   fields.Category,
		CoverImage: fields.CoverImage,
		About:      fields.About,
		Version:    1,
		CreatedAt:  s.now().UTC(),
	}
	s.books[book.ID] = book
	s.isbns[book.ISBN] = book.ID
	batch.Add(s.journal.Stage(ctx, journal.AggregateBook, book.ID, book.Version, "BookAdded", BookAddedEvent{
		BookID:     book.ID,
		Title:      book.Title,
		Author:     book.Author,
		ISBN:       book.ISBN,
		Category:   book.Category,
		CoverImage: book.CoverImage,
		About:      book.About,
	}))
	out := *book
	return &out, nil
}

// GetBook retrieves a book by its ID.
func (s *service) GetBook(_ context.Context, id int64) (*Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	book, ok := s.books[id]
	if !ok {
		return nil, fmt.Errorf("book with ID %d: %w", id, apperr.ErrNotFound)
	}
	out := *book
	return &out, nil
}

// ListBooks returns every book ordered by id.
func (s *service) ListBooks(_ context.Context) ([]*Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	books := make([]*Book, 0, len(s.books))
	for _, book := range s.books {
		b := *book
		books = append(books, &b)
	}
	sort.Slice(books, func(i, j int) bool { return books[i].ID < books[j].ID })
	return books, nil
}

// AddCopy registers one physical copy of an existing book.
func (s *service) AddCopy(ctx context.Context, bookID int64) (*Copy, error) {
	copies, err := s.AddCopies(ctx, bookID, 1)
	if err != nil {
		return nil, err
	}
	return copies[0], nil
}

// AddCopies registers count copies of an existing book in one step.
func (s *service) AddCopies(ctx context.Context, bookID int64, count int) ([]*Copy, error) {
	if count < 1 || count > maxCopiesPerRequest {
		return nil, fmt.Errorf("count must be between 1 and %d: %w", maxCopiesPerRequest, apperr.ErrValidation)
	}

	var batch journal.Batch
	defer batch.Flush()
	s.mu.Lock()
	defer s.mu.Unlock()

	book, ok := s.books[bookID]
	if !ok {
		return nil, fmt.Errorf("book with ID %d: %w", bookID, apperr.ErrNotFound)
	}

	// reserve every barcode first so a failure leaves the catalog untouched
	barcodes := make([]string, 0, count)
	pending := make(map[string]struct{}, count)
	for i := 0; i < count; i++ {
		barcode, err := s.freshBarcode(pending)
		if err != nil {
			return nil, err
		}
		pending[barcode] = struct{}{}
		barcodes = append(barcodes, barcode)
	}

	now := s.now().UTC()
	created := make([]*Copy, 0, count)
	for _, barcode := range barcodes {
		s.nextCopyID++
		c := &Copy{
			ID:        s.nextCopyID,
			BookID:    bookID,
			Barcode:   barcode,
			State:     CopyAvailable,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.copies[c.ID] = c
		s.barcodes[barcode] = c.ID
		s.byBook[bookID] = append(s.byBook[bookID], c.ID)
		out := *c
		created = append(created, &out)
	}
	// staged under the lock so book versions reach the journal in order
	for _, c := range created {
		book.Version++
		batch.Add(s.journal.Stage(ctx, journal.AggregateBook, bookID, book.Version, "CopyAdded", CopyAddedEvent{
			BookID:  bookID,
			CopyID:  c.ID,
			Barcode: c.Barcode,
		}))
	}
	return created, nil
}

// freshBarcode must be called with s.mu held.
func (s *service) freshBarcode(pending map[string]struct{}) (string, error) {
	for i := 0; i < maxBarcodeAttempts; i++ {
		barcode := s.newBarcode()
		if _, taken := s.barcodes[barcode]; taken {
			continue
		}
		if _, taken := pending[barcode]; taken {
			continue
		}
		return barcode, nil
	}
	return "", errors.New("failed to generate a unique barcode")
}

// GetCopy retrieves a copy by its ID.
func (s *service) GetCopy(_ context.Context, id int64) (*Copy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.copies[id]
	if !ok {
		return nil, fmt.Errorf("copy with ID %d: %w", id, apperr.ErrNotFound)
	}
	out := *c
	return &out, nil
}

// ListCopies returns the copies of a book ordered by id.
func (s *service) ListCopies(_ context.Context, bookID int64) ([]*Copy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.books[bookID]; !ok {
		return nil, fmt.Errorf("book with ID %d: %w", bookID, apperr.ErrNotFound)
	}

	ids := s.byBook[bookID]
	copies := make([]*Copy, 0, len(ids))
	for _, id := range ids {
		c := *s.copies[id]
		copies = append(copies, &c)
	}
	return copies, nil
}

// FindAvailableCopy picks the lowest-id AVAILABLE copy of the book.
func (s *service) FindAvailableCopy(_ context.Context, bookID int64) (*Copy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.books[bookID]; !ok {
		return nil, fmt.Errorf("book with ID %d: %w", bookID, apperr.ErrNotFound)
	}

	// byBook is append-only with increasing ids, so the first match is the lowest
	for _, id := range s.byBook[bookID] {
		if c := s.copies[id]; c.State == CopyAvailable {
			out := *c
			return &out, nil
		}
	}
	return nil, nil
}

// SetCopyState overwrites the state of a copy.
func (s *service) SetCopyState(_ context.Context, copyID int64, state CopyState) error {
	if !state.Valid() {
		return fmt.Errorf("copy state %q: %w", state, apperr.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.copies[copyID]
	if !ok {
		return fmt.Errorf("copy with ID %d: %w", copyID, apperr.ErrNotFound)
	}
	c.State = state
	c.UpdatedAt = s.now().UTC()
	return nil
}

// TransitionCopy moves a copy from one state to another, failing with
// ErrConflict when the copy is no longer in the expected state.
func (s *service) TransitionCopy(_ context.Context, copyID int64, from, to CopyState) (*Copy, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("copy state %q: %w", to, apperr.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.copies[copyID]
	if !ok {
		return nil, fmt.Errorf("copy with ID %d: %w", copyID, apperr.ErrNotFound)
	}
	if c.State != from {
		return nil, fmt.Errorf("copy %s is %s, not %s: %w", c.Barcode, c.State, from, apperr.ErrConflict)
	}
	c.State = to
	c.UpdatedAt = s.now().UTC()
	out := *c
	return &out, nil
}

// Apply rebuilds books and copies from the journal. Replayed copies come back
// AVAILABLE; the ledger and the queue restore the states they own.
func (s *service) Apply(_ context.Context, event journal.Event) error {
	if event.AggregateType != journal.AggregateBook {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.EventType {
	case "BookAdded":
		var e BookAddedEvent
		if err := journal.Decode(event, &e); err != nil {
			return err
		}
		if _, exists := s.books[e.BookID]; exists {
			return fmt.Errorf("book %d added twice: %w", e.BookID, apperr.ErrConflict)
		}
		s.books[e.BookID] = &Book{
			ID:         e.BookID,
			Title:      e.Title,
			Author:     e.Author,
			ISBN:       e.ISBN,
			Category:   e.Category,
			CoverImage: e.CoverImage,
			About:      e.About,
			Version:    event.Version,
			CreatedAt:  event.OccurredAt,
		}
		s.isbns[e.ISBN] = e.BookID
		s.nextBookID = max(s.nextBookID, e.BookID)

	case "CopyAdded":
		var e CopyAddedEvent
		if err := journal.Decode(event, &e); err != nil {
			return err
		}
		book, ok := s.books[e.BookID]
		if !ok {
			return fmt.Errorf("copy %d of book %d: %w", e.CopyID, e.BookID, apperr.ErrNotFound)
		}
		if _, exists := s.copies[e.CopyID]; exists {
			return fmt.Errorf("copy %d added twice: %w", e.CopyID, apperr.ErrConflict)
		}
		s.copies[e.CopyID] = &Copy{
			ID:        e.CopyID,
			BookID:    e.BookID,
			Barcode:   e.Barcode,
			State:     CopyAvailable,
			CreatedAt: event.OccurredAt,
			UpdatedAt: event.OccurredAt,
		}
		s.barcodes[e.Barcode] = e.CopyID
		s.byBook[e.BookID] = append(s.byBook[e.BookID], e.CopyID)
		book.Version = event.Version
		s.nextCopyID = max(s.nextCopyID, e.CopyID)

	default:
		return fmt.Errorf("unknown book event %q", event.EventType)
	}
	return nil
}
