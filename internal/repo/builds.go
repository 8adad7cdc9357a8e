package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"specforge/internal/domain"
)

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.Document) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO documents(id,draft_id,project_id,source,title,content,tokens,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.DraftID, d.ProjectID, string(d.Source), d.Title, d.Content, d.Tokens, d.CreatedAt)
	return err
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,draft_id,project_id,source,title,content,tokens,created_at FROM documents WHERE id=?`, id)
	var d domain.Document
	var source string
	err := row.Scan(&d.ID, &d.DraftID, &d.ProjectID, &source, &d.Title, &d.Content, &d.Tokens, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	d.Source = domain.Mode(source)
	return d, err
}

const jobColumns = `id,document_id,project_id,status,COALESCE(instruction,''),COALESCE(error,''),created_at,started_at,finished_at`

func scanJob(row interface{ Scan(...any) error }) (domain.BuildJob, error) {
	var j domain.BuildJob
	var started, finished sql.NullString
	err := row.Scan(&j.ID, &j.DocumentID, &j.ProjectID, &j.Status, &j.Instruction, &j.Error, &j.CreatedAt, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if started.Valid {
		j.StartedAt = &started.String
	}
	if finished.Valid {
		j.FinishedAt = &finished.String
	}
	return j, nil
}

// InsertBuildJob stores a new job. The partial unique index on active jobs
// turns a concurrent second insert for the same document into domain.ErrActiveJob.
func (r Repo) InsertBuildJob(ctx context.Context, tx *sql.Tx, j domain.BuildJob) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO build_jobs(id,document_id,project_id,status,instruction,created_at) VALUES (?,?,?,?,?,?)`,
		j.ID, j.DocumentID, j.ProjectID, j.Status, nullable(j.Instruction), j.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return domain.ErrActiveJob
	}
	return err
}

func (r Repo) GetBuildJob(ctx context.Context, id string) (domain.BuildJob, error) {
	return r.GetBuildJobTx(ctx, nil, id)
}

func (r Repo) GetBuildJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.BuildJob, error) {
	return scanJob(r.q(tx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM build_jobs WHERE id=?`, id))
}

// ActiveBuildJob returns the pending or running job of a document.
func (r Repo) ActiveBuildJob(ctx context.Context, documentID string) (domain.BuildJob, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM build_jobs WHERE document_id=? AND status IN ('pending','running') LIMIT 1`, documentID))
}

type BuildJobFilters struct {
	ProjectID  string
	DocumentID string
	Status     string
	Limit      int
}

func (r Repo) ListBuildJobs(ctx context.Context, f BuildJobFilters) ([]domain.BuildJob, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.DocumentID != "" {
		clauses = append(clauses, "document_id=?")
		args = append(args, f.DocumentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM build_jobs WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at DESC, id LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BuildJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// UpdateBuildJobStatus moves a job from one status to another. It returns
// ErrNotFound when the job is no longer in the expected status.
func (r Repo) UpdateBuildJobStatus(ctx context.Context, tx *sql.Tx, id, from, to, errMsg, ts string) error {
	query := `UPDATE build_jobs SET status=?, error=? WHERE id=? AND status=?`
	args := []any{to, nullable(errMsg), id, from}
	switch to {
	case domain.JobRunning:
		query = `UPDATE build_jobs SET status=?, error=?, started_at=? WHERE id=? AND status=?`
		args = []any{to, nullable(errMsg), ts, id, from}
	case domain.JobCompleted, domain.JobFailed:
		query = `UPDATE build_jobs SET status=?, error=?, finished_at=? WHERE id=? AND status=?`
		args = []any{to, nullable(errMsg), ts, id, from}
	}
	res, err := r.q(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendBuildLog stores the next log line of a job and returns its sequence number.
func (r Repo) AppendBuildLog(ctx context.Context, jobID, message, ts string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `INSERT INTO build_logs(job_id,seq,message,ts)
VALUES (?,(SELECT COALESCE(MAX(seq),0)+1 FROM build_logs WHERE job_id=?),?,?) RETURNING seq`, jobID, jobID, message, ts)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// ListBuildLogs returns log lines with seq greater than after.
func (r Repo) ListBuildLogs(ctx context.Context, jobID string, after int64, limit int) ([]domain.BuildLog, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT job_id,seq,message,ts FROM build_logs WHERE job_id=? AND seq>? ORDER BY seq LIMIT ?`, jobID, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BuildLog
	for rows.Next() {
		var l domain.BuildLog
		if err := rows.Scan(&l.JobID, &l.Seq, &l.Message, &l.TS); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) InsertUsage(ctx context.Context, tx *sql.Tx, u domain.Usage) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO usage(project_id,draft_id,kind,model,tokens,created_at) VALUES (?,?,?,?,?,?)`,
		u.ProjectID, u.DraftID, u.Kind, nullable(u.Model), u.Tokens, u.CreatedAt)
	return err
}

// UsageTotals sums recorded tokens per kind for a project.
func (r Repo) UsageTotals(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT kind, SUM(tokens) FROM usage WHERE project_id=? GROUP BY kind`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var kind string
		var total int
		if err := rows.Scan(&kind, &total); err != nil {
			return nil, err
		}
		res[kind] = total
	}
	return res, rows.Err()
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
