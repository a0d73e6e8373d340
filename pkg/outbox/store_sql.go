package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Haldane-Systems/veriground/core/pkg/store"
)

// ErrEventNotFound is returned when an outbox row does not exist.
var ErrEventNotFound = errors.New("outbox: event not found")

// SQLStore implements Store using database/sql, portable across Postgres
// and SQLite.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS outbox_events (
	id TEXT PRIMARY KEY,
	topic TEXT NOT NULL,
	partition_key TEXT NOT NULL,
	payload BLOB NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	available_at TEXT NOT NULL,
	claimed_by TEXT,
	claimed_until TEXT,
	created_at TEXT NOT NULL,
	published_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox_events(status, available_at);
`

// Init creates the backing table.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, store.AdaptDDL(s.db, schema))
	return err
}

func (s *SQLStore) EnqueueTx(ctx context.Context, tx *sql.Tx, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.AvailableAt.IsZero() {
		e.AvailableAt = now
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_events (id, topic, partition_key, payload, status, attempts, last_error, available_at, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, '', $6, $7)
	`, e.ID, e.Topic, e.PartitionKey, e.Payload, string(StatusPending),
		store.FormatTime(e.AvailableAt), store.FormatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// Claim leases due rows using a claim token unique to this call, so N relay
// instances can poll concurrently without handing the same row to two
// workers: the UPDATE only takes rows whose lease is absent or expired, and
// the follow-up SELECT reads back only rows carrying this call's token.
// The lease predicates appear both in the subquery and in the outer WHERE:
// under READ COMMITTED Postgres only re-evaluates the outer clause after
// waiting on a row lock, so a competing UPDATE that already claimed the
// row must fail the recheck rather than overwrite the lease.
func (s *SQLStore) Claim(ctx context.Context, workerID string, lease time.Duration, limit int) ([]Event, error) {
	now := time.Now().UTC()
	token := workerID + "/" + uuid.NewString()
	until := store.FormatTime(now.Add(lease))
	nowStr := store.FormatTime(now)

	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET claimed_by = $1, claimed_until = $2
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status IN ($3, $4)
			  AND available_at <= $5
			  AND (claimed_until IS NULL OR claimed_until < $5)
			ORDER BY created_at
			LIMIT $6
		)
		  AND status IN ($3, $4)
		  AND available_at <= $5
		  AND (claimed_until IS NULL OR claimed_until < $5)
	`, token, until, string(StatusPending), string(StatusRetrying), nowStr, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE claimed_by = $1 ORDER BY created_at`, token)
	if err != nil {
		return nil, fmt.Errorf("outbox: claimed rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Event, 0, limit)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) MarkPublished(ctx context.Context, id string) error {
	now := store.FormatTime(time.Now().UTC())
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $1, published_at = $2, claimed_by = NULL, claimed_until = NULL
		WHERE id = $3 AND status NOT IN ($4, $5)
	`, string(StatusPublished), now, id, string(StatusPublished), string(StatusFailed))
	if err != nil {
		return fmt.Errorf("outbox: mark published: %w", err)
	}
	return requireRow(res, id)
}

func (s *SQLStore) MarkRetrying(ctx context.Context, id string, attempts int, lastErr string, nextAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $1, attempts = $2, last_error = $3, available_at = $4, claimed_by = NULL, claimed_until = NULL
		WHERE id = $5 AND status NOT IN ($6, $7)
	`, string(StatusRetrying), attempts, lastErr, store.FormatTime(nextAt),
		id, string(StatusPublished), string(StatusFailed))
	if err != nil {
		return fmt.Errorf("outbox: mark retrying: %w", err)
	}
	return requireRow(res, id)
}

func (s *SQLStore) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $1, attempts = $2, last_error = $3, claimed_by = NULL, claimed_until = NULL
		WHERE id = $4 AND status NOT IN ($5, $6)
	`, string(StatusFailed), attempts, lastErr,
		id, string(StatusPublished), string(StatusFailed))
	if err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return requireRow(res, id)
}

func (s *SQLStore) Get(ctx context.Context, id string) (Event, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = $1`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return e, err
}

func (s *SQLStore) ListByStatus(ctx context.Context, status Status) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("outbox: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const selectColumns = `SELECT id, topic, partition_key, payload, status, attempts, last_error, available_at, created_at, published_at FROM outbox_events`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var e Event
	var status, availableAt, createdAt string
	var publishedAt sql.NullString
	if err := row.Scan(&e.ID, &e.Topic, &e.PartitionKey, &e.Payload, &status,
		&e.Attempts, &e.LastError, &availableAt, &createdAt, &publishedAt); err != nil {
		return Event{}, err
	}
	e.Status = Status(status)

	var err error
	if e.AvailableAt, err = store.ParseTime(availableAt); err != nil {
		return Event{}, err
	}
	if e.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return Event{}, err
	}
	if publishedAt.Valid {
		ts, err := store.ParseTime(publishedAt.String)
		if err != nil {
			return Event{}, err
		}
		e.PublishedAt = &ts
	}
	return e, nil
}

func requireRow(res sql.Result, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("outbox: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w (or already terminal): %s", ErrEventNotFound, id)
	}
	return nil
}
