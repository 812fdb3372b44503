package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"nexus/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const briefColumns = `id,title,COALESCE(description,''),source,COALESCE(source_ref,''),status,COALESCE(priority,''),COALESCE(complexity,''),COALESCE(assignee,''),COALESCE(action_item_id,''),COALESCE(spec_path,''),COALESCE(build_commit,''),created_at,updated_at,COALESCE(approved_at,''),COALESCE(shipped_at,'')`

type scanner interface {
	Scan(dest ...any) error
}

func scanBrief(row scanner) (domain.Brief, error) {
	var b domain.Brief
	err := row.Scan(&b.ID, &b.Title, &b.Description, &b.Source, &b.SourceRef, &b.Status, &b.Priority, &b.Complexity,
		&b.Assignee, &b.ActionItemID, &b.SpecPath, &b.BuildCommit, &b.CreatedAt, &b.UpdatedAt, &b.ApprovedAt, &b.ShippedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

func (r Repo) GetBrief(ctx context.Context, id string) (domain.Brief, error) {
	return getBrief(ctx, r.DB, id)
}

func getBrief(ctx context.Context, q querier, id string) (domain.Brief, error) {
	return scanBrief(q.QueryRowContext(ctx, `SELECT `+briefColumns+` FROM briefs WHERE id=?`, id))
}

// BriefExistsTx reports whether a brief row with id is present.
func (r Repo) BriefExistsTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM briefs WHERE id=?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertBriefTx creates a brief row; it fails if the id already exists.
func (r Repo) InsertBriefTx(ctx context.Context, tx *sql.Tx, b domain.Brief) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO briefs(id,title,description,source,source_ref,status,priority,complexity,assignee,action_item_id,spec_path,build_commit,created_at,updated_at,approved_at,shipped_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.Title, nullable(b.Description), b.Source, nullable(b.SourceRef), b.Status, nullable(b.Priority), nullable(b.Complexity),
		nullable(b.Assignee), nullable(b.ActionItemID), nullable(b.SpecPath), nullable(b.BuildCommit), b.CreatedAt, b.UpdatedAt,
		nullable(b.ApprovedAt), nullable(b.ShippedAt))
	return err
}

// UpsertBriefTx mirrors a queue brief into the database. Empty optional
// values never clear a value that is already stored.
func (r Repo) UpsertBriefTx(ctx context.Context, tx *sql.Tx, b domain.Brief) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO briefs(id,title,description,source,source_ref,status,priority,complexity,assignee,action_item_id,spec_path,build_commit,created_at,updated_at,approved_at,shipped_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  title=excluded.title,
  description=COALESCE(excluded.description,briefs.description),
  source=excluded.source,
  source_ref=COALESCE(excluded.source_ref,briefs.source_ref),
  status=excluded.status,
  priority=COALESCE(excluded.priority,briefs.priority),
  complexity=COALESCE(excluded.complexity,briefs.complexity),
  assignee=COALESCE(excluded.assignee,briefs.assignee),
  action_item_id=COALESCE(excluded.action_item_id,briefs.action_item_id),
  spec_path=COALESCE(excluded.spec_path,briefs.spec_path),
  build_commit=COALESCE(excluded.build_commit,briefs.build_commit),
  updated_at=excluded.updated_at,
  approved_at=COALESCE(excluded.approved_at,briefs.approved_at),
  shipped_at=COALESCE(excluded.shipped_at,briefs.shipped_at)`,
		b.ID, b.Title, nullable(b.Description), b.Source, nullable(b.SourceRef), b.Status, nullable(b.Priority), nullable(b.Complexity),
		nullable(b.Assignee), nullable(b.ActionItemID), nullable(b.SpecPath), nullable(b.BuildCommit), b.CreatedAt, b.UpdatedAt,
		nullable(b.ApprovedAt), nullable(b.ShippedAt))
	return err
}

type BriefFilters struct {
	Status string
	Source string
	Limit  int
}

func (r Repo) ListBriefs(ctx context.Context, f BriefFilters) ([]domain.Brief, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Source != "" {
		clauses = append(clauses, "source=?")
		args = append(args, f.Source)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	query := fmt.Sprintf(`SELECT %s FROM briefs WHERE %s ORDER BY updated_at DESC, id ASC LIMIT ?`, briefColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Brief
	for rows.Next() {
		b, err := scanBrief(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

const activityColumns = `id,ts,type,COALESCE(brief_id,''),agent,COALESCE(message,''),payload_json`

func scanActivities(rows *sql.Rows) ([]domain.Activity, error) {
	defer rows.Close()
	var res []domain.Activity
	for rows.Next() {
		var a domain.Activity
		if err := rows.Scan(&a.ID, &a.TS, &a.Type, &a.BriefID, &a.Agent, &a.Message, &a.Payload); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListActivity returns activity rows newest first, optionally for one brief.
func (r Repo) ListActivity(ctx context.Context, briefID string, limit int) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if briefID != "" {
		clauses = append(clauses, "brief_id=?")
		args = append(args, briefID)
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM pipeline_activity WHERE %s ORDER BY id DESC LIMIT ?`, activityColumns, strings.Join(clauses, " AND ")), args...)
	if err != nil {
		return nil, err
	}
	return scanActivities(rows)
}

// ActivityAfter returns activity with IDs greater than the cursor in ascending order.
func (r Repo) ActivityAfter(ctx context.Context, limit int, cursor int64) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+activityColumns+` FROM pipeline_activity WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanActivities(rows)
}

// LatestActivityID returns the most recent activity id, or 0.
func (r Repo) LatestActivityID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM pipeline_activity`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// UpsertFeedbackTx stores the single feedback record of a brief, replacing
// any earlier one.
func (r Repo) UpsertFeedbackTx(ctx context.Context, tx *sql.Tx, fb domain.BuildFeedback) error {
	tags := fb.Tags
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO build_feedback(id,brief_id,rating,tags_json,comment,commit_hash,created_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(brief_id) DO UPDATE SET rating=excluded.rating,tags_json=excluded.tags_json,comment=excluded.comment,commit_hash=excluded.commit_hash,created_at=excluded.created_at`,
		fb.ID, fb.BriefID, fb.Rating, string(data), nullable(fb.Comment), nullable(fb.CommitHash), fb.CreatedAt)
	return err
}

func (r Repo) GetFeedback(ctx context.Context, briefID string) (domain.BuildFeedback, error) {
	var fb domain.BuildFeedback
	var tags string
	err := r.DB.QueryRowContext(ctx, `SELECT id,brief_id,rating,tags_json,COALESCE(comment,''),COALESCE(commit_hash,''),created_at FROM build_feedback WHERE brief_id=?`, briefID).
		Scan(&fb.ID, &fb.BriefID, &fb.Rating, &tags, &fb.Comment, &fb.CommitHash, &fb.CreatedAt)
	if err == sql.ErrNoRows {
		return fb, ErrNotFound
	}
	if err != nil {
		return fb, err
	}
	if err := json.Unmarshal([]byte(tags), &fb.Tags); err != nil {
		return fb, fmt.Errorf("decode feedback tags: %w", err)
	}
	return fb, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
