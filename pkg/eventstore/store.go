// Package eventstore implements the append-only, per-stream event log with
// optimistic concurrency. It supports both Postgres and SQLite via standard
// database/sql drivers using one portable statement dialect.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/halyard-labs/halyard/pkg/aggregate"
)

var (
	// ErrVersionConflict is returned when an append loses the race for its
	// computed versions. The unique (stream, version) key is the backstop;
	// no automatic retry is performed here — retry policy belongs to callers.
	ErrVersionConflict = errors.New("eventstore: version conflict on append")
)

// Store is the event log adapter over a pooled SQL database.
type Store struct {
	db *sql.DB
}

// New wraps an open database handle. The handle is the process-wide
// connection pool; each operation scopes one connection to a single query
// or the append transaction.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to the store named by url. postgres:// and postgresql://
// URLs use the pq driver; everything else is treated as a SQLite DSN.
func Open(ctx context.Context, url string) (*Store, error) {
	driver, dsn := driverFor(url)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("eventstore: connect: %w", err)
	}
	return New(db), nil
}

func driverFor(url string) (driver, dsn string) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "postgres", url
	case strings.HasPrefix(url, "sqlite://"):
		return "sqlite", strings.TrimPrefix(url, "sqlite://")
	default:
		return "sqlite", url
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS event (
	stream TEXT NOT NULL,
	version BIGINT NOT NULL,
	type TEXT NOT NULL,
	body BYTEA,
	PRIMARY KEY (stream, version)
);
`

// Init creates the event table if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("eventstore: init schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadEvents returns the events of a stream ordered by version ascending.
// fromVersion < 0 requests the full history; otherwise versions below
// fromVersion are excluded.
func (s *Store) LoadEvents(ctx context.Context, stream string, fromVersion int64) ([]aggregate.EventRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if fromVersion < 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT version, type, body FROM event WHERE stream = $1 ORDER BY version ASC`,
			stream)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT version, type, body FROM event WHERE stream = $1 AND version >= $2 ORDER BY version ASC`,
			stream, fromVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("eventstore: load events for %q: %w", stream, err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]aggregate.EventRecord, 0)
	for rows.Next() {
		record := aggregate.EventRecord{Stream: stream}
		if err := rows.Scan(&record.Version, &record.EventType, &record.Payload); err != nil {
			return nil, fmt.Errorf("eventstore: scan event: %w", err)
		}
		events = append(events, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventstore: load events for %q: %w", stream, err)
	}
	return events, nil
}

// CurrentVersion returns the highest persisted version for a stream, or -1
// if the stream has no events.
func (s *Store) CurrentVersion(ctx context.Context, stream string) (int64, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM event WHERE stream = $1`,
		stream).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("eventstore: current version of %q: %w", stream, err)
	}
	if !version.Valid {
		return -1, nil
	}
	return version.Int64, nil
}

// AppendEvents assigns consecutive versions starting at CurrentVersion+1 to
// the proposed events in order and persists them as one batch inside a
// single transaction. A concurrent append that computed the same versions
// fails the unique (stream, version) key and surfaces ErrVersionConflict.
// Appending zero events is a no-op.
func (s *Store) AppendEvents(ctx context.Context, stream string, proposed []aggregate.ProposedEvent) ([]aggregate.EventRecord, error) {
	if len(proposed) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("eventstore: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM event WHERE stream = $1`,
		stream).Scan(&current)
	if err != nil {
		return nil, fmt.Errorf("eventstore: read version of %q: %w", stream, err)
	}
	next := int64(0)
	if current.Valid {
		next = current.Int64 + 1
	}

	var query strings.Builder
	query.WriteString(`INSERT INTO event (stream, version, type, body) VALUES `)
	args := make([]any, 0, len(proposed)*4)
	records := make([]aggregate.EventRecord, 0, len(proposed))
	for i, event := range proposed {
		if i > 0 {
			query.WriteString(", ")
		}
		fmt.Fprintf(&query, "($%d, $%d, $%d, $%d)", i*4+1, i*4+2, i*4+3, i*4+4)
		version := next + int64(i)
		args = append(args, stream, version, event.EventType, event.Payload)
		records = append(records, aggregate.EventRecord{
			Stream:    stream,
			Version:   version,
			EventType: event.EventType,
			Payload:   event.Payload,
		})
	}

	if _, err := tx.ExecContext(ctx, query.String(), args...); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: stream %q at version %d", ErrVersionConflict, stream, next)
		}
		return nil, fmt.Errorf("eventstore: append to %q: %w", stream, err)
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: stream %q at version %d", ErrVersionConflict, stream, next)
		}
		return nil, fmt.Errorf("eventstore: commit append to %q: %w", stream, err)
	}
	return records, nil
}
