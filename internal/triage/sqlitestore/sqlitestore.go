// Package sqlitestore provides a single-file SQLite implementation of
// triage.Store for deployments without PostgreSQL.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/linnemanlabs/fwtriage/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/fwtriage/internal/triage/sqlitestore")

//go:embed schema.sql
var schema string

// assignChunk bounds the number of bound parameters per UPDATE.
const assignChunk = 500

// Store persists triage state in a SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer at a time; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func start(ctx context.Context, op, sqlOp string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqlitestore."+op, trace.WithAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation.name", sqlOp),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const issueColumns = `id, name, url, description, enabled, priority, created_at`

// GetIssue returns the issue with its conditions.
func (s *Store) GetIssue(ctx context.Context, id int64) (*triage.Issue, bool, error) {
	ctx, span := start(ctx, "GetIssue", "SELECT")
	defer span.End()
	return s.getIssue(ctx, span, `SELECT `+issueColumns+` FROM issues WHERE id = ?`, id)
}

// GetIssueByURL returns the issue with the given URL.
func (s *Store) GetIssueByURL(ctx context.Context, url string) (*triage.Issue, bool, error) {
	ctx, span := start(ctx, "GetIssueByURL", "SELECT")
	defer span.End()
	return s.getIssue(ctx, span, `SELECT `+issueColumns+` FROM issues WHERE url = ?`, url)
}

func (s *Store) getIssue(ctx context.Context, span trace.Span, query string, arg any) (*triage.Issue, bool, error) {
	is, err := scanIssue(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, err)
	}
	if err := loadConditions(ctx, s.db, []*triage.Issue{is}); err != nil {
		return nil, false, fail(span, err)
	}
	return is, true, nil
}

// ListIssues returns every issue ordered by ID.
func (s *Store) ListIssues(ctx context.Context) ([]*triage.Issue, error) {
	ctx, span := start(ctx, "ListIssues", "SELECT")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `SELECT `+issueColumns+` FROM issues ORDER BY id`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query issues: %w", err))
	}
	var issues []*triage.Issue
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			rows.Close() //nolint:errcheck // already failing
			return nil, fail(span, err)
		}
		issues = append(issues, is)
	}
	if err := rows.Err(); err != nil {
		rows.Close() //nolint:errcheck // already failing
		return nil, fail(span, fmt.Errorf("iterate issues: %w", err))
	}
	// Release the only connection before loading conditions.
	rows.Close() //nolint:errcheck // iteration already checked

	if err := loadConditions(ctx, s.db, issues); err != nil {
		return nil, fail(span, err)
	}
	return issues, nil
}

// PutIssue upserts the issue and replaces its conditions in one transaction.
func (s *Store) PutIssue(ctx context.Context, is *triage.Issue) error {
	ctx, span := start(ctx, "PutIssue", "UPSERT")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	if err := upsertIssue(ctx, tx, is); err != nil {
		return fail(span, err)
	}
	if err := replaceConditions(ctx, tx, is); err != nil {
		return fail(span, err)
	}
	if err := tx.Commit(); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// DeleteIssue removes the issue and its conditions and unassigns its reports.
func (s *Store) DeleteIssue(ctx context.Context, id int64) (bool, error) {
	ctx, span := start(ctx, "DeleteIssue", "DELETE")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.ExecContext(ctx, `UPDATE reports SET issue_id = 0 WHERE issue_id = ?`, id); err != nil {
		return false, fail(span, fmt.Errorf("unassign reports: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conditions WHERE issue_id = ?`, id); err != nil {
		return false, fail(span, fmt.Errorf("delete conditions: %w", err))
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE id = ?`, id)
	if err != nil {
		return false, fail(span, fmt.Errorf("delete issue: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fail(span, fmt.Errorf("rows affected: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return false, fail(span, fmt.Errorf("commit: %w", err))
	}
	return n > 0, nil
}

// PutReport inserts or replaces a report.
func (s *Store) PutReport(ctx context.Context, r *triage.Report) error {
	ctx, span := start(ctx, "PutReport", "UPSERT")
	defer span.End()

	data, err := json.Marshal(r.Data)
	if err != nil {
		return fail(span, fmt.Errorf("marshal report data: %w", err))
	}
	if string(data) == "null" {
		data = []byte("{}")
	}

	if r.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO reports (firmware_id, issue_id, data, created_at) VALUES (?, ?, ?, ?)`,
			r.FirmwareID, r.IssueID, string(data), unixNano(r.CreatedAt),
		)
		if err != nil {
			return fail(span, fmt.Errorf("insert report: %w", err))
		}
		if r.ID, err = res.LastInsertId(); err != nil {
			return fail(span, fmt.Errorf("report id: %w", err))
		}
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reports (id, firmware_id, issue_id, data, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			firmware_id = excluded.firmware_id,
			issue_id    = excluded.issue_id,
			data        = excluded.data`,
		r.ID, r.FirmwareID, r.IssueID, string(data), unixNano(r.CreatedAt),
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert report %d: %w", r.ID, err))
	}
	return nil
}

const reportColumns = `id, firmware_id, issue_id, data, created_at`

// GetReport returns a report by ID.
func (s *Store) GetReport(ctx context.Context, id int64) (*triage.Report, bool, error) {
	ctx, span := start(ctx, "GetReport", "SELECT")
	defer span.End()

	r, err := scanReport(s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, true, nil
}

// ListReports returns every report, oldest first.
func (s *Store) ListReports(ctx context.Context) ([]*triage.Report, error) {
	ctx, span := start(ctx, "ListReports", "SELECT")
	defer span.End()

	rs, err := s.queryReports(ctx, `SELECT `+reportColumns+` FROM reports ORDER BY id`)
	if err != nil {
		return nil, fail(span, err)
	}
	return rs, nil
}

// UnassignedReports returns reports without an issue, oldest first.
func (s *Store) UnassignedReports(ctx context.Context) ([]*triage.Report, error) {
	ctx, span := start(ctx, "UnassignedReports", "SELECT")
	defer span.End()

	rs, err := s.queryReports(ctx, `SELECT `+reportColumns+` FROM reports WHERE issue_id = 0 ORDER BY id`)
	if err != nil {
		return nil, fail(span, err)
	}
	return rs, nil
}

// AssignIssue sets issueID on the listed reports that are still unassigned.
func (s *Store) AssignIssue(ctx context.Context, issueID int64, reportIDs []int64) (int, error) {
	if len(reportIDs) == 0 {
		return 0, nil
	}
	ctx, span := start(ctx, "AssignIssue", "UPDATE")
	defer span.End()
	span.SetAttributes(attribute.Int("triage.candidates", len(reportIDs)))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	total := 0
	for chunk := range slices.Chunk(reportIDs, assignChunk) {
		args := make([]any, 0, len(chunk)+1)
		args = append(args, issueID)
		for _, id := range chunk {
			args = append(args, id)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE reports SET issue_id = ? WHERE issue_id = 0 AND id IN (`+placeholders(len(chunk))+`)`,
			args...,
		)
		if err != nil {
			return 0, fail(span, fmt.Errorf("assign issue: %w", err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fail(span, fmt.Errorf("rows affected: %w", err))
		}
		total += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fail(span, fmt.Errorf("commit: %w", err))
	}
	return total, nil
}

func upsertIssue(ctx context.Context, tx *sql.Tx, is *triage.Issue) error {
	if is.ID == 0 {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO issues (name, url, description, enabled, priority, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			is.Name, is.URL, is.Description, is.Enabled, is.Priority, unixNano(is.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert issue: %w", err)
		}
		if is.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("issue id: %w", err)
		}
		return nil
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO issues (id, name, url, description, enabled, priority, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			name        = excluded.name,
			url         = excluded.url,
			description = excluded.description,
			enabled     = excluded.enabled,
			priority    = excluded.priority`,
		is.ID, is.Name, is.URL, is.Description, is.Enabled, is.Priority, unixNano(is.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert issue %d: %w", is.ID, err)
	}
	return nil
}

func replaceConditions(ctx context.Context, tx *sql.Tx, is *triage.Issue) error {
	args := []any{is.ID}
	query := `DELETE FROM conditions WHERE issue_id = ?`
	var keep int
	for _, c := range is.Conditions {
		if c.ID != 0 {
			args = append(args, c.ID)
			keep++
		}
	}
	if keep > 0 {
		query += ` AND id NOT IN (` + placeholders(keep) + `)`
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete conditions: %w", err)
	}

	for i := range is.Conditions {
		c := &is.Conditions[i]
		c.IssueID = is.ID
		if c.ID == 0 {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO conditions (issue_id, key, value, compare) VALUES (?, ?, ?, ?)`,
				c.IssueID, c.Key, c.Value, string(c.Compare),
			)
			if err != nil {
				return fmt.Errorf("insert condition %s: %w", c.Key, err)
			}
			if c.ID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("condition id: %w", err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conditions SET key = ?, value = ?, compare = ? WHERE id = ?`,
			c.Key, c.Value, string(c.Compare), c.ID,
		); err != nil {
			return fmt.Errorf("update condition %d: %w", c.ID, err)
		}
	}
	return nil
}

func loadConditions(ctx context.Context, q queryer, issues []*triage.Issue) error {
	if len(issues) == 0 {
		return nil
	}
	byID := make(map[int64]*triage.Issue, len(issues))
	args := make([]any, 0, len(issues))
	for _, is := range issues {
		byID[is.ID] = is
		args = append(args, is.ID)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT id, issue_id, key, value, compare FROM conditions
		 WHERE issue_id IN (`+placeholders(len(args))+`) ORDER BY issue_id, id`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("query conditions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			c       triage.Condition
			compare string
		)
		if err := rows.Scan(&c.ID, &c.IssueID, &c.Key, &c.Value, &compare); err != nil {
			return fmt.Errorf("scan condition: %w", err)
		}
		c.Compare = triage.Comparator(compare)
		if is, ok := byID[c.IssueID]; ok {
			is.Conditions = append(is.Conditions, c)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate conditions: %w", err)
	}
	return nil
}

func (s *Store) queryReports(ctx context.Context, query string, args ...any) ([]*triage.Report, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var out []*triage.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIssue(row scanner) (*triage.Issue, error) {
	var (
		is      triage.Issue
		created int64
	)
	if err := row.Scan(&is.ID, &is.Name, &is.URL, &is.Description, &is.Enabled, &is.Priority, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan issue: %w", err)
	}
	is.CreatedAt = fromUnixNano(created)
	return &is, nil
}

func scanReport(row scanner) (*triage.Report, error) {
	var (
		r       triage.Report
		data    string
		created int64
	)
	if err := row.Scan(&r.ID, &r.FirmwareID, &r.IssueID, &data, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan report: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &r.Data); err != nil {
		return nil, fmt.Errorf("unmarshal report %d data: %w", r.ID, err)
	}
	r.CreatedAt = fromUnixNano(created)
	return &r, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Zero times are stored as 0; UnixNano is undefined for them.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
