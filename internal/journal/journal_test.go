package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stores returns every backend the test can reach. Postgres is only included
// when JOURNAL_TEST_PG_DSN points at a reachable server.
func stores(t *testing.T) map[string]Store {
	t.Helper()

	out := map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": setupSQLite(t),
	}
	if pg := setupPostgres(t); pg != nil {
		out["postgres"] = pg
	}
	return out
}

func setupSQLite(t *testing.T) *SQLStore {
	t.Helper()

	store, err := Open(DriverSQLite, ":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func setupPostgres(t *testing.T) *SQLStore {
	t.Helper()

	dsn := os.Getenv("JOURNAL_TEST_PG_DSN")
	if dsn == "" {
		return nil
	}

	table := "circulation_events_test"
	store, err := Open(DriverPostgres, dsn, WithTableName(table))
	require.NoError(t, err)
	if err := store.db.Ping(); err != nil {
		store.Close()
		t.Logf("skipping postgres journal: %v", err)
		return nil
	}
	_, _ = store.db.Exec("DROP TABLE IF EXISTS " + table)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func newEvent(eventType string) Event {
	return Event{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		EventData:  []byte(`{"book_id":1}`),
		OccurredAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestAppendAndLoad(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Append(ctx, AggregateLoan, "1", 0, newEvent("LoanOpened")))
			require.NoError(t, store.Append(ctx, AggregateLoan, "1", 1, newEvent("LoanOverdue"), newEvent("LoanReturned")))
			require.NoError(t, store.Append(ctx, AggregateLoan, "2", 0, newEvent("LoanOpened")))

			events, err := store.Load(ctx, AggregateLoan, "1")
			require.NoError(t, err)
			require.Len(t, events, 3)
			assert.Equal(t, []string{"LoanOpened", "LoanOverdue", "LoanReturned"},
				[]string{events[0].EventType, events[1].EventType, events[2].EventType})
			for i, event := range events {
				assert.Equal(t, i+1, event.Version)
				assert.Equal(t, "1", event.AggregateID)
			}
			assert.JSONEq(t, `{"book_id":1}`, string(events[0].EventData))
			assert.True(t, events[0].OccurredAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
		})
	}
}

func TestAppendRejectsStaleVersion(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Append(ctx, AggregateReservation, "9", 0, newEvent("ReservationPlaced")))

			err := store.Append(ctx, AggregateReservation, "9", 0, newEvent("ReservationCancelled"))
			assert.ErrorIs(t, err, ErrConcurrencyConflict)

			err = store.Append(ctx, AggregateReservation, "9", -1, newEvent("ReservationCancelled"))
			assert.ErrorIs(t, err, ErrInvalidVersion)

			events, err := store.Load(ctx, AggregateReservation, "9")
			require.NoError(t, err)
			assert.Len(t, events, 1)
		})
	}
}

func TestStreamPagesInOrder(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				require.NoError(t, store.Append(ctx, AggregateBook, "1", i, newEvent("CopyAdded")))
			}

			first, err := store.Stream(ctx, 0, 3)
			require.NoError(t, err)
			require.Len(t, first, 3)

			rest, err := store.Stream(ctx, first[2].ID, 10)
			require.NoError(t, err)
			require.Len(t, rest, 2)
			assert.Greater(t, rest[0].ID, first[2].ID)

			none, err := store.Stream(ctx, rest[1].ID, 10)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestConcurrentAppendsKeepOneHistory(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Append(ctx, AggregateLoan, "7", 0, newEvent("LoanOpened")); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestRecorder(t *testing.T) {
	store := NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	rec := NewRecorder(store, logger, clock)
	ctx := context.Background()

	rec.Record(ctx, AggregateLoan, 3, 1, "LoanOpened", map[string]int64{"copy_id": 11})
	rec.Record(ctx, AggregateLoan, 3, 2, "LoanReturned", map[string]int64{"copy_id": 11})
	// a stale version is dropped, not fatal
	rec.Record(ctx, AggregateLoan, 3, 2, "LoanReturned", map[string]int64{"copy_id": 11})

	events, err := store.Load(ctx, AggregateLoan, "3")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.JSONEq(t, `{"copy_id":11}`, string(events[0].EventData))
	assert.Equal(t, clock(), events[0].OccurredAt)

	var nilRecorder *Recorder
	assert.NotPanics(t, func() {
		nilRecorder.Record(ctx, AggregateLoan, 1, 1, "LoanOpened", nil)
	})
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "whatever")
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestStagedEventsAreWrittenInOrder(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	ctx := context.Background()

	first := rec.Stage(ctx, AggregateLoan, 5, 1, "LoanOpened", nil)
	second := rec.Stage(ctx, AggregateLoan, 5, 2, "LoanReturned", nil)

	done := make(chan struct{})
	go func() {
		second.Write()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("second event written before the first")
	case <-time.After(20 * time.Millisecond):
	}

	var batch Batch
	batch.Add(first)
	batch.Add(nil)
	batch.Flush()
	<-done
	first.Write()

	events, err := store.Load(ctx, AggregateLoan, "5")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "LoanOpened", events[0].EventType)
	assert.Equal(t, "LoanReturned", events[1].EventType)
}

func TestStageOnCancelledContextStillWrites(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec.Record(ctx, AggregateBook, 1, 1, "BookAdded", nil)

	events, err := store.Stream(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

type projection struct {
	types []string
	fail  string
}

func (p *projection) Apply(_ context.Context, event Event) error {
	if event.EventType == p.fail {
		return errors.New("boom")
	}
	p.types = append(p.types, event.EventType)
	return nil
}

func TestReplayPagesThroughJournal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	total := replayPage + 7
	for i := 0; i < total; i++ {
		require.NoError(t, store.Append(ctx, AggregateBook, "1", i, newEvent("CopyAdded")))
	}
	require.NoError(t, store.Append(ctx, AggregateLoan, "1", 0, newEvent("LoanOpened")))

	p := &projection{}
	n, err := Replay(ctx, store, p)
	require.NoError(t, err)
	assert.Equal(t, total+1, n)
	require.Len(t, p.types, total+1)
	assert.Equal(t, "LoanOpened", p.types[total])

	var payload struct {
		BookID int64 `json:"book_id"`
	}
	require.NoError(t, Decode(newEvent("CopyAdded"), &payload))
	assert.Equal(t, int64(1), payload.BookID)
}

func TestReplayStopsAtFirstFailure(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, AggregateLoan, "1", 0, newEvent("LoanOpened"), newEvent("LoanReturned")))

	p := &projection{fail: "LoanReturned"}
	n, err := Replay(ctx, store, p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LoanReturned")
	assert.Equal(t, 1, n)

	n, err = Replay(ctx, NewMemoryStore(), p)
	require.NoError(t, err)
	assert.Zero(t, n)
}
