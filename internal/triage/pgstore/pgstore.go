// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/fwtriage/internal/postgres"
	"github.com/linnemanlabs/fwtriage/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/fwtriage/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// Store persists issues, conditions and reports in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) start(ctx context.Context, op, sqlOp string) (context.Context, trace.Span) {
	ctx = postgres.WithOperation(ctx, op)
	return tracer.Start(ctx, "pgstore."+op, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", sqlOp),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

const issueColumns = `id, name, url, description, enabled, priority, created_at`

// GetIssue retrieves an issue with its conditions.
func (s *Store) GetIssue(ctx context.Context, id int64) (*triage.Issue, bool, error) {
	ctx, span := s.start(ctx, "GetIssue", "SELECT")
	defer span.End()

	is, err := scanIssue(s.pool.QueryRow(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if is == nil {
		return nil, false, nil
	}
	if err := s.loadConditions(ctx, []*triage.Issue{is}); err != nil {
		return nil, false, fail(span, err)
	}
	return is, true, nil
}

// GetIssueByURL retrieves an issue by its unique URL.
func (s *Store) GetIssueByURL(ctx context.Context, url string) (*triage.Issue, bool, error) {
	ctx, span := s.start(ctx, "GetIssueByURL", "SELECT")
	defer span.End()

	is, err := scanIssue(s.pool.QueryRow(ctx, `SELECT `+issueColumns+` FROM issues WHERE url = $1`, url))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if is == nil {
		return nil, false, nil
	}
	if err := s.loadConditions(ctx, []*triage.Issue{is}); err != nil {
		return nil, false, fail(span, err)
	}
	return is, true, nil
}

// ListIssues returns every issue with its conditions, ordered by ID.
func (s *Store) ListIssues(ctx context.Context) ([]*triage.Issue, error) {
	ctx, span := s.start(ctx, "ListIssues", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+issueColumns+` FROM issues ORDER BY id`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query issues: %w", err))
	}
	defer rows.Close()

	var issues []*triage.Issue
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		issues = append(issues, is)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate issues: %w", err))
	}
	rows.Close()

	if err := s.loadConditions(ctx, issues); err != nil {
		return nil, fail(span, err)
	}
	return issues, nil
}

// PutIssue upserts the issue and replaces its condition set in one transaction.
func (s *Store) PutIssue(ctx context.Context, is *triage.Issue) error {
	ctx, span := s.start(ctx, "PutIssue", "UPSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if err := upsertIssue(ctx, tx, is); err != nil {
		return fail(span, err)
	}
	if err := replaceConditions(ctx, tx, is); err != nil {
		return fail(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// DeleteIssue removes the issue, cascading to its conditions, and unassigns
// its reports.
func (s *Store) DeleteIssue(ctx context.Context, id int64) (bool, error) {
	ctx, span := s.start(ctx, "DeleteIssue", "DELETE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.Exec(ctx, `UPDATE reports SET issue_id = 0 WHERE issue_id = $1`, id); err != nil {
		return false, fail(span, fmt.Errorf("unassign reports: %w", err))
	}
	tag, err := tx.Exec(ctx, `DELETE FROM issues WHERE id = $1`, id)
	if err != nil {
		return false, fail(span, fmt.Errorf("delete issue: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fail(span, fmt.Errorf("commit: %w", err))
	}
	return tag.RowsAffected() > 0, nil
}

// PutReport inserts a new report or updates an existing one.
func (s *Store) PutReport(ctx context.Context, r *triage.Report) error {
	ctx, span := s.start(ctx, "PutReport", "UPSERT")
	defer span.End()

	data, err := json.Marshal(r.Data)
	if err != nil {
		return fail(span, fmt.Errorf("marshal report data: %w", err))
	}
	if data == nil || string(data) == "null" {
		data = []byte("{}")
	}

	if r.ID == 0 {
		err = s.pool.QueryRow(ctx,
			`INSERT INTO reports (firmware_id, issue_id, data, created_at)
			 VALUES ($1, $2, $3, $4)
			 RETURNING id`,
			r.FirmwareID, r.IssueID, data, r.CreatedAt,
		).Scan(&r.ID)
	} else {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO reports (id, firmware_id, issue_id, data, created_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO UPDATE SET
				firmware_id = EXCLUDED.firmware_id,
				issue_id    = EXCLUDED.issue_id,
				data        = EXCLUDED.data`,
			r.ID, r.FirmwareID, r.IssueID, data, r.CreatedAt,
		)
	}
	if err != nil {
		return fail(span, fmt.Errorf("upsert report: %w", err))
	}
	return nil
}

const reportColumns = `id, firmware_id, issue_id, data, created_at`

// GetReport retrieves a report by ID.
func (s *Store) GetReport(ctx context.Context, id int64) (*triage.Report, bool, error) {
	ctx, span := s.start(ctx, "GetReport", "SELECT")
	defer span.End()

	r, err := scanReport(s.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, err)
	}
	return r, true, nil
}

// ListReports returns every report, oldest first.
func (s *Store) ListReports(ctx context.Context) ([]*triage.Report, error) {
	ctx, span := s.start(ctx, "ListReports", "SELECT")
	defer span.End()

	rs, err := s.queryReports(ctx, `SELECT `+reportColumns+` FROM reports ORDER BY id`)
	if err != nil {
		return nil, fail(span, err)
	}
	return rs, nil
}

// UnassignedReports returns the reports without an issue, oldest first.
func (s *Store) UnassignedReports(ctx context.Context) ([]*triage.Report, error) {
	ctx, span := s.start(ctx, "UnassignedReports", "SELECT")
	defer span.End()

	rs, err := s.queryReports(ctx, `SELECT `+reportColumns+` FROM reports WHERE issue_id = 0 ORDER BY id`)
	if err != nil {
		return nil, fail(span, err)
	}
	return rs, nil
}

// AssignIssue sets issueID on the listed reports that are still unassigned.
// The issue_id = 0 guard makes concurrent backfills assign each report once.
func (s *Store) AssignIssue(ctx context.Context, issueID int64, reportIDs []int64) (int, error) {
	if len(reportIDs) == 0 {
		return 0, nil
	}
	ctx, span := s.start(ctx, "AssignIssue", "UPDATE")
	defer span.End()
	span.SetAttributes(attribute.Int("triage.candidates", len(reportIDs)))

	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET issue_id = $1 WHERE id = ANY($2) AND issue_id = 0`,
		issueID, reportIDs,
	)
	if err != nil {
		return 0, fail(span, fmt.Errorf("assign issue: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

func upsertIssue(ctx context.Context, tx pgx.Tx, is *triage.Issue) error {
	if is.ID == 0 {
		err := tx.QueryRow(ctx,
			`INSERT INTO issues (name, url, description, enabled, priority, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING id`,
			is.Name, is.URL, is.Description, is.Enabled, is.Priority, is.CreatedAt,
		).Scan(&is.ID)
		if err != nil {
			return fmt.Errorf("insert issue: %w", err)
		}
		return nil
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO issues (id, name, url, description, enabled, priority, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
			name        = EXCLUDED.name,
			url         = EXCLUDED.url,
			description = EXCLUDED.description,
			enabled     = EXCLUDED.enabled,
			priority    = EXCLUDED.priority`,
		is.ID, is.Name, is.URL, is.Description, is.Enabled, is.Priority, is.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert issue %d: %w", is.ID, err)
	}
	return nil
}

func replaceConditions(ctx context.Context, tx pgx.Tx, is *triage.Issue) error {
	keep := make([]int64, 0, len(is.Conditions))
	for _, c := range is.Conditions {
		if c.ID != 0 {
			keep = append(keep, c.ID)
		}
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM conditions WHERE issue_id = $1 AND NOT (id = ANY($2))`,
		is.ID, keep,
	); err != nil {
		return fmt.Errorf("delete conditions: %w", err)
	}

	for i := range is.Conditions {
		c := &is.Conditions[i]
		c.IssueID = is.ID
		if c.ID == 0 {
			err := tx.QueryRow(ctx,
				`INSERT INTO conditions (issue_id, key, value, compare)
				 VALUES ($1, $2, $3, $4)
				 RETURNING id`,
				c.IssueID, c.Key, c.Value, string(c.Compare),
			).Scan(&c.ID)
			if err != nil {
				return fmt.Errorf("insert condition %s: %w", c.Key, err)
			}
			continue
		}
		if _, err := tx.Exec(ctx,
			`UPDATE conditions SET key = $2, value = $3, compare = $4 WHERE id = $1`,
			c.ID, c.Key, c.Value, string(c.Compare),
		); err != nil {
			return fmt.Errorf("update condition %d: %w", c.ID, err)
		}
	}
	return nil
}

// loadConditions fills the Conditions of issues in one query.
func (s *Store) loadConditions(ctx context.Context, issues []*triage.Issue) error {
	if len(issues) == 0 {
		return nil
	}
	byID := make(map[int64]*triage.Issue, len(issues))
	ids := make([]int64, 0, len(issues))
	for _, is := range issues {
		byID[is.ID] = is
		ids = append(ids, is.ID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, issue_id, key, value, compare
		 FROM conditions WHERE issue_id = ANY($1) ORDER BY issue_id, id`,
		ids,
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
	rows, err := s.pool.Query(ctx, query, args...)
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

// scanIssue scans a single issue row (without conditions).
// Returns (nil, nil) when no row is found.
func scanIssue(row pgx.Row) (*triage.Issue, error) {
	var is triage.Issue
	err := row.Scan(&is.ID, &is.Name, &is.URL, &is.Description, &is.Enabled, &is.Priority, &is.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan issue: %w", err)
	}
	return &is, nil
}

func scanReport(row pgx.Row) (*triage.Report, error) {
	var (
		r    triage.Report
		data []byte
	)
	if err := row.Scan(&r.ID, &r.FirmwareID, &r.IssueID, &data, &r.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan report: %w", err)
	}
	if err := json.Unmarshal(data, &r.Data); err != nil {
		return nil, fmt.Errorf("unmarshal report %d data: %w", r.ID, err)
	}
	return &r, nil
}
