package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"runline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrAlreadyTerminal signals a second terminal-commit attempt for the
	// same run: an internal consistency error, never a new outcome.
	ErrAlreadyTerminal = errors.New("run already terminal")
)

const runColumns = `run_id,plugin_id,entry_id,args_json,status,created_at,updated_at,root_run_id,parent_run_id,attempt,
task_id,trace_id,idempotency_key,started_at,finished_at,progress,stage,message,step,step_total,eta_seconds,
metrics_json,cancel_requested,cancel_reason,cancel_requested_at,error_json,result_refs_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.RunRecord, error) {
	var r domain.RunRecord
	var parentRunID, taskID, traceID, idemKey, stage, message, cancelReason sql.NullString
	var argsJSON, metricsJSON, errorJSON sql.NullString
	var startedAt, finishedAt, progress, etaSeconds, cancelRequestedAt sql.NullFloat64
	var step, stepTotal sql.NullInt64
	var cancelRequested int
	var resultRefsJSON string
	err := row.Scan(&r.RunID, &r.PluginID, &r.EntryID, &argsJSON, &r.Status, &r.CreatedAt, &r.UpdatedAt,
		&r.RootRunID, &parentRunID, &r.Attempt,
		&taskID, &traceID, &idemKey, &startedAt, &finishedAt, &progress, &stage, &message,
		&step, &stepTotal, &etaSeconds, &metricsJSON, &cancelRequested, &cancelReason,
		&cancelRequestedAt, &errorJSON, &resultRefsJSON)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	if parentRunID.Valid {
		r.ParentRunID = &parentRunID.String
	}
	if taskID.Valid {
		r.TaskID = &taskID.String
	}
	if traceID.Valid {
		r.TraceID = &traceID.String
	}
	if idemKey.Valid {
		r.IdempotencyKey = &idemKey.String
	}
	if argsJSON.Valid && argsJSON.String != "" {
		if err := json.Unmarshal([]byte(argsJSON.String), &r.Args); err != nil {
			return r, fmt.Errorf("decode args for run %s: %w", r.RunID, err)
		}
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Float64
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Float64
	}
	if progress.Valid {
		r.Progress = &progress.Float64
	}
	if stage.Valid {
		r.Stage = &stage.String
	}
	if message.Valid {
		r.Message = &message.String
	}
	if step.Valid {
		v := int(step.Int64)
		r.Step = &v
	}
	if stepTotal.Valid {
		v := int(stepTotal.Int64)
		r.StepTotal = &v
	}
	if etaSeconds.Valid {
		r.ETASeconds = &etaSeconds.Float64
	}
	if metricsJSON.Valid && metricsJSON.String != "" {
		if err := json.Unmarshal([]byte(metricsJSON.String), &r.Metrics); err != nil {
			return r, fmt.Errorf("decode metrics for run %s: %w", r.RunID, err)
		}
	}
	r.CancelRequested = cancelRequested != 0
	if cancelReason.Valid {
		r.CancelReason = &cancelReason.String
	}
	if cancelRequestedAt.Valid {
		r.CancelRequestedAt = &cancelRequestedAt.Float64
	}
	if errorJSON.Valid && errorJSON.String != "" {
		var re domain.RunError
		if err := json.Unmarshal([]byte(errorJSON.String), &re); err != nil {
			return r, fmt.Errorf("decode error for run %s: %w", r.RunID, err)
		}
		r.Error = &re
	}
	r.ResultRefs = []string{}
	if resultRefsJSON != "" {
		if err := json.Unmarshal([]byte(resultRefsJSON), &r.ResultRefs); err != nil {
			return r, fmt.Errorf("decode result_refs for run %s: %w", r.RunID, err)
		}
	}
	return r, nil
}

func (r Repo) InsertRun(ctx context.Context, rec domain.RunRecord) error {
	args, err := marshalMap(rec.Args)
	if err != nil {
		return err
	}
	metrics, err := marshalMap(rec.Metrics)
	if err != nil {
		return err
	}
	refs, err := json.Marshal(rec.ResultRefs)
	if err != nil {
		return err
	}
	if rec.ResultRefs == nil {
		refs = []byte("[]")
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.RunID, rec.PluginID, rec.EntryID, args, string(rec.Status), rec.CreatedAt, rec.UpdatedAt,
		rec.RootRunID, nullableStringPtr(rec.ParentRunID), rec.Attempt,
		nullableStringPtr(rec.TaskID), nullableStringPtr(rec.TraceID), nullableStringPtr(rec.IdempotencyKey),
		nullableFloatPtr(rec.StartedAt), nullableFloatPtr(rec.FinishedAt), nullableFloatPtr(rec.Progress),
		nullableStringPtr(rec.Stage), nullableStringPtr(rec.Message),
		nullableIntPtr(rec.Step), nullableIntPtr(rec.StepTotal), nullableFloatPtr(rec.ETASeconds),
		metrics, boolToInt(rec.CancelRequested), nullableStringPtr(rec.CancelReason),
		nullableFloatPtr(rec.CancelRequestedAt), nil, string(refs))
	return err
}

func (r Repo) GetRun(ctx context.Context, runID string) (domain.RunRecord, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id=?`, runID))
}

// FindByIdempotencyKey returns the most recent run created with the key no
// earlier than notBefore.
func (r Repo) FindByIdempotencyKey(ctx context.Context, key string, notBefore float64) (domain.RunRecord, error) {
	return scanRun(r.DB.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE idempotency_key=? AND created_at>=? ORDER BY created_at DESC, run_id DESC LIMIT 1`,
		key, notBefore))
}

// RunPatch is a partial non-terminal update. Nil fields are untouched.
type RunPatch struct {
	Status            *domain.RunStatus
	StartedAt         *float64
	Progress          *float64
	ClearProgress     bool
	Stage             *string
	Message           *string
	Step              *int
	StepTotal         *int
	ETASeconds        *float64
	ClearETA          bool
	Metrics           map[string]any
	CancelRequested   *bool
	CancelReason      *string
	CancelRequestedAt *float64
}

// UpdateRun applies a patch to a non-terminal run and returns the updated
// record. Terminal runs are returned unchanged with applied=false.
func (r Repo) UpdateRun(ctx context.Context, runID string, patch RunPatch, updatedAt float64) (domain.RunRecord, bool, error) {
	var fields []string
	var args []any
	appendField := func(expr string, v any) {
		fields = append(fields, expr)
		args = append(args, v)
	}
	if patch.Status != nil {
		appendField("status=?", string(*patch.Status))
	}
	if patch.StartedAt != nil {
		appendField("started_at=?", *patch.StartedAt)
	}
	if patch.ClearProgress {
		fields = append(fields, "progress=NULL")
	} else if patch.Progress != nil {
		appendField("progress=?", *patch.Progress)
	}
	if patch.Stage != nil {
		appendField("stage=?", *patch.Stage)
	}
	if patch.Message != nil {
		appendField("message=?", *patch.Message)
	}
	if patch.Step != nil {
		appendField("step=?", *patch.Step)
	}
	if patch.StepTotal != nil {
		appendField("step_total=?", *patch.StepTotal)
	}
	if patch.ClearETA {
		fields = append(fields, "eta_seconds=NULL")
	} else if patch.ETASeconds != nil {
		appendField("eta_seconds=?", *patch.ETASeconds)
	}
	if patch.Metrics != nil {
		m, err := marshalMap(patch.Metrics)
		if err != nil {
			return domain.RunRecord{}, false, err
		}
		appendField("metrics_json=?", m)
	}
	if patch.CancelRequested != nil {
		appendField("cancel_requested=?", boolToInt(*patch.CancelRequested))
	}
	if patch.CancelReason != nil {
		appendField("cancel_reason=?", *patch.CancelReason)
	}
	if patch.CancelRequestedAt != nil {
		appendField("cancel_requested_at=?", *patch.CancelRequestedAt)
	}
	if len(fields) == 0 {
		rec, err := r.GetRun(ctx, runID)
		return rec, false, err
	}
	appendField("updated_at=?", updatedAt)
	args = append(args, runID)
	res, err := r.DB.ExecContext(ctx,
		`UPDATE runs SET `+strings.Join(fields, ",")+` WHERE run_id=? AND status IN ('queued','running','cancel_requested')`,
		args...)
	if err != nil {
		return domain.RunRecord{}, false, err
	}
	affected, _ := res.RowsAffected()
	rec, err := r.GetRun(ctx, runID)
	if err != nil {
		return rec, false, err
	}
	return rec, affected > 0, nil
}

// CommitTerminal freezes a run: status, finished_at, error and result_refs
// are written as one atomic compare-and-swap against the non-terminal states.
// All refs must be export items of this run. A second commit attempt returns
// ErrAlreadyTerminal.
func (r Repo) CommitTerminal(ctx context.Context, runID string, status domain.RunStatus, runErr *domain.RunError, resultRefs []string, now float64) (domain.RunRecord, error) {
	if !status.Terminal() {
		return domain.RunRecord{}, fmt.Errorf("status %s is not terminal", status)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RunRecord{}, err
	}
	defer tx.Rollback()

	if len(resultRefs) > 0 {
		owned, err := exportItemsBelong(ctx, tx, runID, resultRefs)
		if err != nil {
			return domain.RunRecord{}, err
		}
		if !owned {
			return domain.RunRecord{}, fmt.Errorf("result refs do not all belong to run %s", runID)
		}
	}

	var errJSON any
	if runErr != nil {
		b, err := json.Marshal(runErr)
		if err != nil {
			return domain.RunRecord{}, err
		}
		errJSON = string(b)
	}
	if resultRefs == nil {
		resultRefs = []string{}
	}
	refsJSON, err := json.Marshal(resultRefs)
	if err != nil {
		return domain.RunRecord{}, err
	}

	extra := ""
	if status == domain.StatusSucceeded {
		// A successful run always reads as fully progressed.
		extra = `, progress=1.0, stage=COALESCE(NULLIF(stage,''),'done'), message=COALESCE(NULLIF(message,''),'done')`
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status=?, finished_at=?, updated_at=?, error_json=?, result_refs_json=?`+extra+
			` WHERE run_id=? AND status IN ('queued','running','cancel_requested')`,
		string(status), now, now, errJSON, string(refsJSON), runID)
	if err != nil {
		return domain.RunRecord{}, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		rec, err := scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id=?`, runID))
		if err != nil {
			return domain.RunRecord{}, err
		}
		return rec, ErrAlreadyTerminal
	}
	rec, err := scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id=?`, runID))
	if err != nil {
		return domain.RunRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RunRecord{}, err
	}
	return rec, nil
}

// ListNonTerminal returns every run still in flight, oldest first. Used on
// startup to sweep executions orphaned by a previous process.
func (r Repo) ListNonTerminal(ctx context.Context) ([]domain.RunRecord, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status IN ('queued','running','cancel_requested') ORDER BY created_at ASC, run_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

type RunFilters struct {
	TaskID          string
	PluginID        string
	Status          string
	Limit           int
	CursorCreatedAt float64
	CursorID        string
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.RunRecord, error) {
	var clauses []string
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.PluginID != "" {
		clauses = append(clauses, "plugin_id=?")
		args = append(args, f.PluginID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND run_id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + runColumns + ` FROM runs ` + where + ` ORDER BY created_at DESC, run_id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func marshalMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
