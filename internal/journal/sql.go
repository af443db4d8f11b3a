package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // dialect registration
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"

	defaultTableName  = "circulation_events"
	pqUniqueViolation = "23505"
)

var eventColumns = []any{"id", "event_id", "aggregate_type", "aggregate_id", "event_type", "event_data", "version", "occurred_at"}

type eventRow struct {
	ID            int64     `db:"id"`
	EventID       string    `db:"event_id"`
	AggregateType string    `db:"aggregate_type"`
	AggregateID   string    `db:"aggregate_id"`
	EventType     string    `db:"event_type"`
	EventData     []byte    `db:"event_data"`
	Version       int       `db:"version"`
	OccurredAt    time.Time `db:"occurred_at"`
}

func (r eventRow) toEvent() Event {
	return Event{
		ID:            r.ID,
		EventID:       r.EventID,
		AggregateType: r.AggregateType,
		AggregateID:   r.AggregateID,
		EventType:     r.EventType,
		EventData:     r.EventData,
		Version:       r.Version,
		OccurredAt:    r.OccurredAt.UTC(),
	}
}

// SQLStore is a journal kept in a relational database reached through sqlx.
// SQL is built with goqu for the configured dialect.
type SQLStore struct {
	db      *sqlx.DB
	driver  string
	table   string
	dialect goqu.DialectWrapper
	tracer  trace.Tracer
}

// Option configures an SQLStore.
type Option func(*SQLStore) error

// WithTableName overrides the events table name.
func WithTableName(name string) Option {
	return func(s *SQLStore) error {
		if name == "" {
			return errors.New("journal table name must not be empty")
		}
		s.table = name
		return nil
	}
}

// Open connects to the journal database for the given driver.
func Open(driver, dsn string, opts ...Option) (*SQLStore, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	if driver == DriverSQLite {
		// one connection keeps an in-memory database alive and serialises writers
		db.SetMaxOpenConns(1)
	}

	store, err := NewSQLStore(db, driver, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an existing connection.
func NewSQLStore(db *sqlx.DB, driver string, opts ...Option) (*SQLStore, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	s := &SQLStore{
		db:      db,
		driver:  driver,
		table:   defaultTableName,
		dialect: goqu.Dialect(driver),
		tracer:  otel.Tracer("libracirc/journal"),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the events table when it does not exist yet.
func (s *SQLStore) Migrate(ctx context.Context) error {
	var ddl string
	switch s.driver {
	case DriverPostgres:
		ddl = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				event_id UUID NOT NULL UNIQUE,
				aggregate_type TEXT NOT NULL,
				aggregate_id TEXT NOT NULL,
				event_type TEXT NOT NULL,
				event_data JSONB NOT NULL,
				version INT NOT NULL,
				occurred_at TIMESTAMPTZ NOT NULL,
				UNIQUE (aggregate_type, aggregate_id, version)
			)`, s.table)
	default:
		ddl = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				event_id TEXT NOT NULL UNIQUE,
				aggregate_type TEXT NOT NULL,
				aggregate_id TEXT NOT NULL,
				event_type TEXT NOT NULL,
				event_data TEXT NOT NULL,
				version INTEGER NOT NULL,
				occurred_at TIMESTAMP NOT NULL,
				UNIQUE (aggregate_type, aggregate_id, version)
			)`, s.table)
	}

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	return nil
}

// Append atomically appends events with optimistic concurrency control.
func (s *SQLStore) Append(ctx context.Context, aggregateType, aggregateID string, expectedVersion int, events ...Event) error {
	ctx, span := s.tracer.Start(ctx, "journal.append",
		trace.WithAttributes(
			attribute.String("aggregate.type", aggregateType),
			attribute.String("aggregate.id", aggregateID),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	if expectedVersion < 0 {
		return ErrInvalidVersion
	}
	if len(events) == 0 {
		return nil
	}

	var txOpts *sql.TxOptions
	if s.driver == DriverPostgres {
		txOpts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	tx, err := s.db.BeginTxx(ctx, txOpts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	versionSQL, versionArgs, err := s.dialect.From(s.table).
		Select(goqu.COALESCE(goqu.MAX("version"), 0)).
		Where(goqu.C("aggregate_type").Eq(aggregateType), goqu.C("aggregate_id").Eq(aggregateID)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build version query: %w", err)
	}

	var currentVersion int
	if err := tx.QueryRowxContext(ctx, versionSQL, versionArgs...).Scan(&currentVersion); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("query current version: %w", err)
	}

	if currentVersion != expectedVersion {
		span.SetAttributes(
			attribute.Int("actual.version", currentVersion),
			attribute.Bool("conflict.detected", true),
		)
		return ErrConcurrencyConflict
	}

	rows := make([]any, 0, len(events))
	for i, event := range events {
		rows = append(rows, goqu.Record{
			"event_id":       event.EventID,
			"aggregate_type": aggregateType,
			"aggregate_id":   aggregateID,
			"event_type":     event.EventType,
			"event_data":     string(event.EventData),
			"version":        expectedVersion + i + 1,
			"occurred_at":    event.OccurredAt.UTC(),
		})
	}

	insertSQL, insertArgs, err := s.dialect.Insert(s.table).Rows(rows...).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, insertSQL, insertArgs...); err != nil {
		if isUniqueViolation(err) {
			return ErrConcurrencyConflict
		}
		return fmt.Errorf("insert events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	span.SetAttributes(attribute.Bool("append.success", true))
	return nil
}

// Load retrieves all events of one aggregate in version order.
func (s *SQLStore) Load(ctx context.Context, aggregateType, aggregateID string) ([]Event, error) {
	ctx, span := s.tracer.Start(ctx, "journal.load",
		trace.WithAttributes(
			attribute.String("aggregate.type", aggregateType),
			attribute.String("aggregate.id", aggregateID),
		),
	)
	defer span.End()

	query, args, err := s.dialect.From(s.table).
		Select(eventColumns...).
		Where(goqu.C("aggregate_type").Eq(aggregateType), goqu.C("aggregate_id").Eq(aggregateID)).
		Order(goqu.C("version").Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build load query: %w", err)
	}

	events, err := s.selectEvents(ctx, query, args)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// Stream provides a cursor-based read of the whole journal.
func (s *SQLStore) Stream(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	ctx, span := s.tracer.Start(ctx, "journal.stream",
		trace.WithAttributes(
			attribute.Int64("after.id", afterID),
			attribute.Int("batch.size", limit),
		),
	)
	defer span.End()

	query, args, err := s.dialect.From(s.table).
		Select(eventColumns...).
		Where(goqu.C("id").Gt(afterID)).
		Order(goqu.C("id").Asc()).
		Limit(uint(limit)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build stream query: %w", err)
	}

	events, err := s.selectEvents(ctx, query, args)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("events.streamed", len(events)))
	return events, nil
}

func (s *SQLStore) selectEvents(ctx context.Context, query string, args []any) ([]Event, error) {
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.toEvent())
	}
	return events, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqUniqueViolation
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
