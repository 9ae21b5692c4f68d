package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"issuesync/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound  = errors.New("not found")
	ErrAmbiguous = errors.New("ambiguous id prefix")
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) execer(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const runColumns = `id,project_id,mode,status,root,repository,dry_run,actor_id,files,declarations,creates,updates,closes,skips,failures,COALESCE(errors_json,''),started_at,finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var (
		run      domain.Run
		dryRun   int
		errsJSON string
		finished sql.NullString
	)
	err := row.Scan(&run.ID, &run.ProjectID, &run.Mode, &run.Status, &run.Root, &run.Repository, &dryRun, &run.ActorID,
		&run.Files, &run.Declarations, &run.Creates, &run.Updates, &run.Closes, &run.Skips, &run.Failures,
		&errsJSON, &run.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.DryRun = dryRun != 0
	if finished.Valid {
		run.FinishedAt = &finished.String
	}
	if errsJSON != "" {
		if err := json.Unmarshal([]byte(errsJSON), &run.Errors); err != nil {
			return run, fmt.Errorf("decode run errors: %w", err)
		}
	}
	return run, nil
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	errsJSON, err := encodeErrors(run.Errors)
	if err != nil {
		return err
	}
	_, err = r.execer(tx).ExecContext(ctx, `INSERT INTO runs(id,project_id,mode,status,root,repository,dry_run,actor_id,files,declarations,creates,updates,closes,skips,failures,errors_json,started_at,finished_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ProjectID, run.Mode, run.Status, run.Root, run.Repository, boolInt(run.DryRun), run.ActorID,
		run.Files, run.Declarations, run.Creates, run.Updates, run.Closes, run.Skips, run.Failures,
		errsJSON, run.StartedAt, nullableStringPtr(run.FinishedAt))
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
}

// ResolveRunID expands a unique id prefix to a full run id.
func (r Repo) ResolveRunID(ctx context.Context, prefix string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "", ErrNotFound
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM runs WHERE id=? OR substr(id,1,?)=? LIMIT 2`, prefix, len(prefix), prefix)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		if id == prefix {
			return id, nil
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", ErrNotFound
	case 1:
		return ids[0], nil
	default:
		return "", ErrAmbiguous
	}
}

type RunFilters struct {
	ProjectID string
	Mode      string
	Limit     int
}

// ListRuns returns runs newest first.
func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.Run, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Mode != "" {
		clauses = append(clauses, "mode=?")
		args = append(args, f.Mode)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM runs WHERE %s ORDER BY started_at DESC, id DESC LIMIT ?`, runColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// InsertRunOps replaces the recorded ops of a run.
func (r Repo) InsertRunOps(ctx context.Context, tx *sql.Tx, runID string, ops []domain.RunOp) error {
	ex := r.execer(tx)
	if _, err := ex.ExecContext(ctx, `DELETE FROM run_ops WHERE run_id=?`, runID); err != nil {
		return err
	}
	for _, op := range ops {
		_, err := ex.ExecContext(ctx, `INSERT INTO run_ops(run_id,seq,kind,fingerprint,remote_id,title,element,reopen,reason,status,error) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			runID, op.Seq, op.Kind, nullable(op.Fingerprint), nullableInt(op.RemoteID), nullable(op.Title), nullable(op.Element),
			boolInt(op.Reopen), nullable(op.Reason), op.Status, nullable(op.Error))
		if err != nil {
			return fmt.Errorf("insert op %d: %w", op.Seq, err)
		}
	}
	return nil
}

func (r Repo) ListRunOps(ctx context.Context, runID string) ([]domain.RunOp, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT run_id,seq,kind,COALESCE(fingerprint,''),COALESCE(remote_id,0),COALESCE(title,''),COALESCE(element,''),reopen,COALESCE(reason,''),status,COALESCE(error,'') FROM run_ops WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunOp
	for rows.Next() {
		var op domain.RunOp
		var reopen int
		if err := rows.Scan(&op.RunID, &op.Seq, &op.Kind, &op.Fingerprint, &op.RemoteID, &op.Title, &op.Element, &reopen, &op.Reason, &op.Status, &op.Error); err != nil {
			return nil, err
		}
		op.Reopen = reopen != 0
		res = append(res, op)
	}
	return res, rows.Err()
}

const eventColumns = `id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns events newest first. A positive cursor restricts the
// result to ids below it.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, projectID, evtType, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id ASC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID for a project.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE project_id=?`, projectID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func encodeErrors(errs []string) (any, error) {
	if len(errs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(errs)
	if err != nil {
		return nil, fmt.Errorf("encode run errors: %w", err)
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
