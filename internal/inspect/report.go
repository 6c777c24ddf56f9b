// Package inspect builds post-mortem reports for journaled dispatches.
package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/cellgate/internal/journal"
)

// Outcomes derived from the statuses observed for a dispatch.
const (
	OutcomeCompleted = "completed"
	OutcomeError     = "error"
	OutcomePending   = "pending"
)

// Report is the structured JSON representation of a dispatch report.
type Report struct {
	Dispatch  journal.Dispatch `json:"dispatch"`
	Outcome   string           `json:"outcome"`
	PriorRuns int              `json:"prior_runs"`
	NextID    string           `json:"next_id,omitempty"`
	Statuses  []Status         `json:"statuses"`
	Cancels   []journal.Cancel `json:"cancels"`
}

// Status is one notification consumed while the dispatch was current.
type Status struct {
	Status     string    `json:"status"`
	ObservedAt time.Time `json:"observed_at"`
}

// BuildReport renders a terminal-friendly report for one dispatch.
func BuildReport(ctx context.Context, db *sql.DB, id string) (string, error) {
	report, err := gatherReportData(ctx, db, id)
	if err != nil {
		return "", err
	}

	d := report.Dispatch
	var out strings.Builder
	fmt.Fprintf(&out, "Dispatch Report\n")
	fmt.Fprintf(&out, "ID          : %s\n", d.ID)
	fmt.Fprintf(&out, "Kind        : %s\n", d.Kind)
	fmt.Fprintf(&out, "Hidden      : %t\n", d.Hidden)
	fmt.Fprintf(&out, "Generation  : %d\n", d.Generation)
	fmt.Fprintf(&out, "Dispatched  : %s\n", d.DispatchedAt.Format(journal.TimeFormat))
	fmt.Fprintf(&out, "Digest      : %s\n", d.Digest)
	fmt.Fprintf(&out, "Prior runs  : %d\n", report.PriorRuns)
	fmt.Fprintf(&out, "Outcome     : %s\n", report.Outcome)
	fmt.Fprintf(&out, "Next        : %s\n", renderUnset(report.NextID, "<none>"))
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "Code:\n")
	for _, line := range strings.Split(strings.TrimRight(d.Code, "\n"), "\n") {
		fmt.Fprintf(&out, "    %s\n", line)
	}
	fmt.Fprintf(&out, "\n")

	if len(report.Statuses) == 0 {
		fmt.Fprintf(&out, "Statuses    : <none>\n")
	} else {
		fmt.Fprintf(&out, "Statuses    :\n")
		for _, s := range report.Statuses {
			fmt.Fprintf(&out, "  %s  %s\n", s.ObservedAt.Format("15:04:05.000"), s.Status)
		}
	}

	if len(report.Cancels) > 0 {
		fmt.Fprintf(&out, "Cancels     :\n")
		for _, c := range report.Cancels {
			fmt.Fprintf(&out, "  %s  %s (%d dropped)\n", c.CancelledAt.Format("15:04:05.000"), c.Reason, c.Dropped)
		}
	}

	return out.String(), nil
}

// BuildJSONReport returns the machine-readable JSON report.
func BuildJSONReport(ctx context.Context, db *sql.DB, id string) (string, error) {
	report, err := gatherReportData(ctx, db, id)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, db *sql.DB, id string) (*Report, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("dispatch id is required")
	}

	d, err := journal.New(db).Get(ctx, id)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			return nil, fmt.Errorf("dispatch %q not found: %w", id, err)
		}
		return nil, err
	}

	report := &Report{
		Dispatch: *d,
		Statuses: make([]Status, 0),
		Cancels:  make([]journal.Cancel, 0),
	}

	from := d.DispatchedAt.Format(journal.TimeFormat)
	next, until, err := lookupNext(ctx, db, d)
	if err != nil {
		return nil, err
	}
	report.NextID = next

	if report.Statuses, err = statusesBetween(ctx, db, d.Generation, from, until); err != nil {
		return nil, err
	}
	if report.Cancels, err = cancelsBetween(ctx, db, from, until); err != nil {
		return nil, err
	}
	if report.PriorRuns, err = countPriorRuns(ctx, db, d); err != nil {
		return nil, err
	}

	report.Outcome = outcomeOf(report.Statuses)
	return report, nil
}

// lookupNext returns the dispatch that followed d, and the upper bound of d's
// window. The bound is empty when d is the latest dispatch.
func lookupNext(ctx context.Context, db *sql.DB, d *journal.Dispatch) (string, string, error) {
	var id, at string
	err := db.QueryRowContext(ctx, `
SELECT id, dispatched_at
FROM dispatch_log
WHERE dispatched_at > ?
ORDER BY dispatched_at ASC, rowid ASC
LIMIT 1;
`, d.DispatchedAt.Format(journal.TimeFormat)).Scan(&id, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("query next dispatch: %w", err)
	}
	return id, at, nil
}

func statusesBetween(ctx context.Context, db *sql.DB, gen uint64, from, until string) ([]Status, error) {
	query := `
SELECT status, observed_at
FROM status_log
WHERE generation = ? AND observed_at >= ?`
	args := []any{int64(gen), from}
	if until != "" {
		query += ` AND observed_at < ?`
		args = append(args, until)
	}
	query += ` ORDER BY id ASC;`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query statuses: %w", err)
	}
	defer rows.Close()

	out := make([]Status, 0)
	for rows.Next() {
		var s Status
		var at string
		if err := rows.Scan(&s.Status, &at); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		if s.ObservedAt, err = time.Parse(journal.TimeFormat, at); err != nil {
			return nil, fmt.Errorf("parse observed_at: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func cancelsBetween(ctx context.Context, db *sql.DB, from, until string) ([]journal.Cancel, error) {
	query := `
SELECT id, reason, dropped, cancelled_at
FROM cancel_log
WHERE cancelled_at >= ?`
	args := []any{from}
	if until != "" {
		query += ` AND cancelled_at < ?`
		args = append(args, until)
	}
	query += ` ORDER BY cancelled_at ASC, rowid ASC;`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cancels: %w", err)
	}
	defer rows.Close()

	out := make([]journal.Cancel, 0)
	for rows.Next() {
		var c journal.Cancel
		var at string
		if err := rows.Scan(&c.ID, &c.Reason, &c.Dropped, &at); err != nil {
			return nil, fmt.Errorf("scan cancel: %w", err)
		}
		if c.CancelledAt, err = time.Parse(journal.TimeFormat, at); err != nil {
			return nil, fmt.Errorf("parse cancelled_at: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func countPriorRuns(ctx context.Context, db *sql.DB, d *journal.Dispatch) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM dispatch_log
WHERE digest = ? AND dispatched_at < ?;
`, d.Digest, d.DispatchedAt.Format(journal.TimeFormat)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count prior runs: %w", err)
	}
	return n, nil
}

func outcomeOf(statuses []Status) string {
	outcome := OutcomePending
	for _, s := range statuses {
		switch s.Status {
		case "error":
			return OutcomeError
		case "idle":
			outcome = OutcomeCompleted
		}
	}
	return outcome
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
