package catalog

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libracirc/internal/apperr"
	"libracirc/internal/journal"
)

var fixedNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestService(opts ...Option) Service {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewService(opts...)
}

func sampleBook(isbn string) NewBook {
	return NewBook{Title: "Dune", Author: "Frank Herbert", ISBN: isbn, Category: "Fiction"}
}

func TestAddBook(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	book, err := svc.AddBook(ctx, NewBook{Title: "  Dune ", Author: "Frank Herbert", ISBN: "9780441013593", Category: "Fiction"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), book.ID)
	assert.Equal(t, "Dune", book.Title)
	assert.Equal(t, fixedNow, book.CreatedAt)

	got, err := svc.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, book, got)
}

func TestAddBookValidation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	tests := []struct {
		name   string
		fields NewBook
	}{
		{"missing title", NewBook{Author: "a", ISBN: "1", Category: "c"}},
		{"blank author", NewBook{Title: "t", Author: "   ", ISBN: "1", Category: "c"}},
		{"missing isbn", NewBook{Title: "t", Author: "a", Category: "c"}},
		{"missing category", NewBook{Title: "t", Author: "a", ISBN: "1"}},
		{"isbn too long", NewBook{Title: "t", Author: "a", ISBN: strings.Repeat("9", 18), Category: "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.AddBook(ctx, tt.fields)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}

	books, err := svc.ListBooks(ctx)
	require.NoError(t, err)
	assert.Empty(t, books)
}

func TestAddBookRejectsDuplicateISBN(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.AddBook(ctx, sampleBook("111"))
	require.NoError(t, err)

	_, err = svc.AddBook(ctx, sampleBook("111"))
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestAddCopy(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.AddCopy(ctx, 42)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	book, err := svc.AddBook(ctx, sampleBook("111"))
	require.NoError(t, err)

	c, err := svc.AddCopy(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, book.ID, c.BookID)
	assert.Equal(t, CopyAvailable, c.State)
	assert.Regexp(t, `^COPY-[0-9A-F]{8}$`, c.Barcode)
}

func TestAddCopiesBarcodesAreUnique(t *testing.T) {
	// a generator that repeats itself forces the retry path
	seq := []string{"COPY-A", "COPY-A", "COPY-B", "COPY-B", "COPY-C"}
	var mu sync.Mutex
	next := 0
	gen := func() string {
		mu.Lock()
		defer mu.Unlock()
		code := seq[next%len(seq)]
		next++
		return code
	}

	svc := newTestService(WithBarcodeGenerator(gen))
	ctx := context.Background()
	book, err := svc.AddBook(ctx, sampleBook("111"))
	require.NoError(t, err)

	copies, err := svc.AddCopies(ctx, book.ID, 3)
	require.NoError(t, err)
	require.Len(t, copies, 3)
	assert.Equal(t, []string{"COPY-A", "COPY-B", "COPY-C"},
		[]string{copies[0].Barcode, copies[1].Barcode, copies[2].Barcode})

	_, err = svc.AddCopies(ctx, book.ID, 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = svc.AddCopies(ctx, book.ID, maxCopiesPerRequest+1)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestAddCopiesGivesUpOnExhaustedGenerator(t *testing.T) {
	svc := newTestService(WithBarcodeGenerator(func() string { return "COPY-SAME" }))
	ctx := context.Background()
	book, err := svc.AddBook(ctx, sampleBook("111"))
	require.NoError(t, err)

	_, err = svc.AddCopies(ctx, book.ID, 2)
	assert.Error(t, err)

	copies, err := svc.ListCopies(ctx, book.ID)
	require.NoError(t, err)
	assert.Empty(t, copies)
}

func TestFindAvailableCopyPicksLowestID(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	book, err := svc.AddBook(ctx, sampleBook("111"))
	require.NoError(t, err)

	none, err := svc.FindAvailableCopy(ctx, book.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	copies, err := svc.AddCopies(ctx, book.ID, 3)
	require.NoError(t, err)

	found, err := svc.FindAvailableCopy(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, copies[0].ID, found.ID)

	require.NoError(t, svc.SetCopyState(ctx, copies[0].ID, CopyOnLoan))
	found, err = svc.FindAvailableCopy(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, copies[1].ID, found.ID)

	_, err = svc.FindAvailableCopy(ctx, 99)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestTransitionCopy(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	book, err := svc.AddBook(ctx, sampleBook("111"))
	require.NoError(t, err)
	c, err := svc.AddCopy(ctx, book.ID)
	require.NoError(t, err)

	moved, err := svc.TransitionCopy(ctx, c.ID, CopyAvailable, CopyOnLoan)
	require.NoError(t, err)
	assert.Equal(t, CopyOnLoan, moved.State)

	_, err = svc.TransitionCopy(ctx, c.ID, CopyAvailable, CopyOnLoan)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = svc.TransitionCopy(ctx, c.ID, CopyOnLoan, CopyState("LOST"))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.TransitionCopy(ctx, 99, CopyOnLoan, CopyAvailable)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	got, err := svc.GetCopy(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, CopyOnLoan, got.State)
}

func TestConcurrentTransitionHasOneWinner(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	book, err := svc.AddBook(ctx, sampleBook("111"))
	require.NoError(t, err)
	c, err := svc.AddCopy(ctx, book.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.TransitionCopy(ctx, c.ID, CopyAvailable, CopyOnLoan); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestCatalogEventsAreJournaled(t *testing.T) {
	store := journal.NewMemoryStore()
	svc := newTestService(WithJournal(journal.NewRecorder(store, nil, func() time.Time { return fixedNow })))
	ctx := context.Background()

	book, err := svc.AddBook(ctx, sampleBook("111"))
	require.NoError(t, err)
	_, err = svc.AddCopies(ctx, book.ID, 2)
	require.NoError(t, err)

	events, err := store.Load(ctx, journal.AggregateBook, fmt.Sprint(book.ID))
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "BookAdded", events[0].EventType)
	assert.Equal(t, "CopyAdded", events[2].EventType)
	assert.Equal(t, 3, events[2].Version)
}

func TestReplayRestoresCatalog(t *testing.T) {
	store := journal.NewMemoryStore()
	rec := journal.NewRecorder(store, nil, func() time.Time { return fixedNow })
	svc := newTestService(WithJournal(rec))
	ctx := context.Background()

	book, err := svc.AddBook(ctx, NewBook{Title: "Dune", Author: "Frank Herbert", ISBN: "111", Category: "Fiction", About: "Spice"})
	require.NoError(t, err)
	copies, err := svc.AddCopies(ctx, book.ID, 2)
	require.NoError(t, err)

	restored := newTestService(WithJournal(rec))
	n, err := journal.Replay(ctx, store, restored)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := restored.GetBook(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, book.Title, got.Title)
	assert.Equal(t, "Spice", got.About)
	assert.Equal(t, 3, got.Version)

	listed, err := restored.ListCopies(ctx, book.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	for i, c := range listed {
		assert.Equal(t, copies[i].ID, c.ID)
		assert.Equal(t, copies[i].Barcode, c.Barcode)
		assert.Equal(t, CopyAvailable, c.State)
	}

	_, err = restored.AddBook(ctx, sampleBook("111"))
	assert.ErrorIs(t, err, apperr.ErrConflict, "isbn index is rebuilt")

	next, err := restored.AddBook(ctx, sampleBook("222"))
	require.NoError(t, err)
	assert.Equal(t, book.ID+1, next.ID)
	more, err := restored.AddCopy(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, copies[1].ID+1, more.ID)

	// appends continue the replayed versions instead of colliding with them
	events, err := store.Load(ctx, journal.AggregateBook, fmt.Sprint(book.ID))
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestHandler(t *testing.T) {
	svc := newTestService()
	router := chi.NewRouter()
	NewHandler(svc).Routes(router)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodPost, "/books", `{"title":"Dune","author":"Frank Herbert","isbn":"111","category":"Fiction"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"isbn":"111"`)

	rec = do(http.MethodPost, "/books", `{"title":"Dune"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"validation_error"`)

	rec = do(http.MethodPost, "/books/1/copies", `{"count":2}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(http.MethodPost, "/books/1/copies", "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(http.MethodGet, "/books/1/copies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, strings.Count(rec.Body.String(), `"status":"AVAILABLE"`))

	rec = do(http.MethodPost, "/books/7/copies", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(http.MethodGet, "/books/abc/copies", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(http.MethodGet, "/books", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"title":"Dune"`)
}
