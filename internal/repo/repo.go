package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"specforge/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

const projectColumns = `id,name,COALESCE(industry,''),COALESCE(description,''),created_at`

func scanProject(row interface{ Scan(...any) error }) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.Name, &p.Industry, &p.Description, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO projects(id,name,industry,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Industry), nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

// SingleProject returns the only project in the workspace.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProject(ctx context.Context, id string, name, industry, description *string) error {
	var (
		fields []string
		args   []any
	)
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if industry != nil {
		fields = append(fields, "industry=?")
		args = append(args, nullable(*industry))
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*description))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const draftColumns = `id,project_id,mode,COALESCE(description,''),COALESCE(current_phase,''),progress,document_id,created_at,updated_at`

func scanDraft(row interface{ Scan(...any) error }) (domain.Draft, error) {
	var d domain.Draft
	var mode, phase string
	var docID sql.NullString
	err := row.Scan(&d.ID, &d.ProjectID, &mode, &d.Description, &phase, &d.Progress, &docID, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Mode = domain.Mode(mode)
	d.CurrentPhase = domain.Phase(phase)
	if docID.Valid {
		d.DocumentID = &docID.String
	}
	return d, nil
}

func (r Repo) InsertDraft(ctx context.Context, tx *sql.Tx, d domain.Draft) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO drafts(id,project_id,mode,description,current_phase,progress,document_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, string(d.Mode), nullable(d.Description), nullable(string(d.CurrentPhase)), d.Progress, nullableStringPtr(d.DocumentID), d.CreatedAt, d.UpdatedAt)
	return err
}

// GetDraft returns the draft row without answers or transcript.
func (r Repo) GetDraft(ctx context.Context, id string) (domain.Draft, error) {
	return r.GetDraftTx(ctx, nil, id)
}

func (r Repo) GetDraftTx(ctx context.Context, tx *sql.Tx, id string) (domain.Draft, error) {
	return scanDraft(r.q(tx).QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id=?`, id))
}

// LoadDraft returns the draft with its answers and transcript.
func (r Repo) LoadDraft(ctx context.Context, id string) (domain.Draft, error) {
	d, err := r.GetDraft(ctx, id)
	if err != nil {
		return d, err
	}
	if d.Answers, err = r.ListPhaseAnswers(ctx, id); err != nil {
		return d, err
	}
	if d.Transcript, err = r.ListChatTurns(ctx, id); err != nil {
		return d, err
	}
	return d, nil
}

// LatestDraft returns the most recently updated draft of a project.
func (r Repo) LatestDraft(ctx context.Context, projectID string) (domain.Draft, error) {
	return scanDraft(r.DB.QueryRowContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE project_id=? ORDER BY updated_at DESC, created_at DESC LIMIT 1`, projectID))
}

func (r Repo) ListDrafts(ctx context.Context, projectID string) ([]domain.Draft, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+draftColumns+` FROM drafts WHERE project_id=? ORDER BY created_at DESC, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// DraftUpdate carries the mutable draft fields; nil fields are left untouched.
type DraftUpdate struct {
	Mode         *domain.Mode
	Description  *string
	CurrentPhase *domain.Phase
	Progress     *int
	DocumentID   *string
	UpdatedAt    string
}

func (r Repo) UpdateDraft(ctx context.Context, tx *sql.Tx, id string, u DraftUpdate) error {
	fields := []string{"updated_at=?"}
	args := []any{u.UpdatedAt}
	if u.Mode != nil {
		fields = append(fields, "mode=?")
		args = append(args, string(*u.Mode))
	}
	if u.Description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*u.Description))
	}
	if u.CurrentPhase != nil {
		fields = append(fields, "current_phase=?")
		args = append(args, string(*u.CurrentPhase))
	}
	if u.Progress != nil {
		fields = append(fields, "progress=MAX(progress,?)")
		args = append(args, *u.Progress)
	}
	if u.DocumentID != nil {
		fields = append(fields, "document_id=?")
		args = append(args, *u.DocumentID)
	}
	args = append(args, id)
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE drafts SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertPhaseAnswer records an answer. A phase keeps its original position
// when it is answered again.
func (r Repo) UpsertPhaseAnswer(ctx context.Context, tx *sql.Tx, draftID string, a domain.PhaseAnswer) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO phase_answers(draft_id,phase,position,answer,skipped)
VALUES (?,?,(SELECT COALESCE(MAX(position),0)+1 FROM phase_answers WHERE draft_id=?),?,?)
ON CONFLICT(draft_id,phase) DO UPDATE SET answer=excluded.answer, skipped=excluded.skipped`,
		draftID, string(a.Phase), draftID, a.Answer, boolToInt(a.Skipped))
	return err
}

func (r Repo) ListPhaseAnswers(ctx context.Context, draftID string) ([]domain.PhaseAnswer, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT phase,answer,skipped FROM phase_answers WHERE draft_id=? ORDER BY position`, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseAnswer
	for rows.Next() {
		var a domain.PhaseAnswer
		var phase string
		var skipped int
		if err := rows.Scan(&phase, &a.Answer, &skipped); err != nil {
			return nil, err
		}
		a.Phase = domain.Phase(phase)
		a.Skipped = skipped != 0
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertChatTurn(ctx context.Context, tx *sql.Tx, draftID string, t domain.ChatTurn) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO chat_turns(draft_id,role,content,created_at) VALUES (?,?,?,?)`,
		draftID, t.Role, t.Content, t.CreatedAt)
	return err
}

func (r Repo) ListChatTurns(ctx context.Context, draftID string) ([]domain.ChatTurn, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role,content,created_at FROM chat_turns WHERE draft_id=? ORDER BY id`, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChatTurn
	for rows.Next() {
		var t domain.ChatTurn
		if err := rows.Scan(&t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO actors(id,created_at) VALUES (?,?) ON CONFLICT(id) DO NOTHING`, actorID, now)
	return err
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
	if *v == "" {
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
