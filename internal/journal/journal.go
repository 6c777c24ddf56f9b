// Package journal keeps a SQLite history of what was sent to the backend,
// which status notifications drove the dispatcher and when the backlog was
// cancelled.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/cellgate/internal/kernel"
	"github.com/mattjoyce/cellgate/internal/log"
)

// ErrNotFound is returned when a journal entry does not exist.
var ErrNotFound = errors.New("journal entry not found")

// TimeFormat is the fixed-width UTC layout of every journal timestamp, so
// that text columns sort chronologically.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Kind classifies a dispatched request.
type Kind string

const (
	KindUser     Kind = "user"
	KindSentinel Kind = "sentinel"
	KindMarker   Kind = "marker"
)

// KindOf classifies req.
func KindOf(req kernel.ExecutionRequest) Kind {
	switch {
	case req.IsSentinel():
		return KindSentinel
	case req.IsMarker():
		return KindMarker
	default:
		return KindUser
	}
}

// Dispatch is one request handed to the backend.
type Dispatch struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	Code         string    `json:"code"`
	Hidden       bool      `json:"hidden"`
	Digest       string    `json:"digest"`
	Generation   uint64    `json:"generation"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// Cancel is one discarded backlog.
type Cancel struct {
	ID          string    `json:"id"`
	Reason      string    `json:"reason"`
	Dropped     int       `json:"dropped"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// Journal persists session history.
type Journal struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

func New(db *sql.DB) *Journal {
	return &Journal{
		db:     db,
		now:    time.Now,
		logger: log.WithComponent("journal"),
	}
}

// RecordDispatch appends a dispatch row.
func (j *Journal) RecordDispatch(ctx context.Context, req kernel.ExecutionRequest, gen uint64) (*Dispatch, error) {
	d := &Dispatch{
		ID:           uuid.NewString(),
		Kind:         KindOf(req),
		Code:         req.Code,
		Hidden:       req.Hidden,
		Digest:       req.Digest(),
		Generation:   gen,
		DispatchedAt: j.now().UTC(),
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO dispatch_log(id, kind, code, hidden, digest, generation, dispatched_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, d.ID, string(d.Kind), d.Code, boolToInt(d.Hidden), d.Digest, int64(d.Generation), d.DispatchedAt.Format(TimeFormat))
	if err != nil {
		return nil, fmt.Errorf("insert dispatch: %w", err)
	}
	return d, nil
}

// RecordStatus appends a consumed status event.
func (j *Journal) RecordStatus(ctx context.Context, ev kernel.StatusEvent) error {
	_, err := j.db.ExecContext(ctx, `
INSERT INTO status_log(status, generation, observed_at) VALUES(?, ?, ?);
`, ev.Status.String(), int64(ev.Gen), j.now().UTC().Format(TimeFormat))
	if err != nil {
		return fmt.Errorf("insert status: %w", err)
	}
	return nil
}

// RecordCancel appends a backlog cancellation.
func (j *Journal) RecordCancel(ctx context.Context, reason string, dropped int) (*Cancel, error) {
	c := &Cancel{
		ID:          uuid.NewString(),
		Reason:      reason,
		Dropped:     dropped,
		CancelledAt: j.now().UTC(),
	}
	_, err := j.db.ExecContext(ctx, `
INSERT INTO cancel_log(id, reason, dropped, cancelled_at) VALUES(?, ?, ?, ?);
`, c.ID, c.Reason, c.Dropped, c.CancelledAt.Format(TimeFormat))
	if err != nil {
		return nil, fmt.Errorf("insert cancel: %w", err)
	}
	return c, nil
}

// Recent returns up to limit dispatches, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Dispatch, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.db.QueryContext(ctx, `
SELECT id, kind, code, hidden, digest, generation, dispatched_at
FROM dispatch_log
ORDER BY dispatched_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dispatches: %w", err)
	}
	defer rows.Close()

	var out []Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatch rows: %w", err)
	}
	return out, nil
}

// Get returns one dispatch by ID.
func (j *Journal) Get(ctx context.Context, id string) (*Dispatch, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("dispatch id is empty")
	}

	row := j.db.QueryRowContext(ctx, `
SELECT id, kind, code, hidden, digest, generation, dispatched_at
FROM dispatch_log
WHERE id = ?;
`, id)

	d, err := scanDispatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// Cancels returns up to limit cancellations, newest first.
func (j *Journal) Cancels(ctx context.Context, limit int) ([]Cancel, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.db.QueryContext(ctx, `
SELECT id, reason, dropped, cancelled_at
FROM cancel_log
ORDER BY cancelled_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query cancels: %w", err)
	}
	defer rows.Close()

	var out []Cancel
	for rows.Next() {
		var c Cancel
		var at string
		if err := rows.Scan(&c.ID, &c.Reason, &c.Dropped, &at); err != nil {
			return nil, fmt.Errorf("scan cancel: %w", err)
		}
		c.CancelledAt, err = time.Parse(TimeFormat, at)
		if err != nil {
			return nil, fmt.Errorf("parse cancelled_at: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cancel rows: %w", err)
	}
	return out, nil
}

// StatusCounts returns how many status events of each kind were consumed.
func (j *Journal) StatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM status_log GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispatch(row rowScanner) (*Dispatch, error) {
	var (
		d      Dispatch
		kind   string
		hidden int
		gen    int64
		at     string
	)
	if err := row.Scan(&d.ID, &kind, &d.Code, &hidden, &d.Digest, &gen, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan dispatch: %w", err)
	}

	ts, err := time.Parse(TimeFormat, at)
	if err != nil {
		return nil, fmt.Errorf("parse dispatched_at: %w", err)
	}
	d.Kind = Kind(kind)
	d.Hidden = hidden != 0
	d.Generation = uint64(gen)
	d.DispatchedAt = ts
	return &d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
