package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"tradeline/internal/domain"
)

const engagementColumns = `id,reference,template_id,credit_line_id,amount,COALESCE(currency,''),COALESCE(start_date,''),COALESCE(due_date,''),status,current_step_id,created_at,updated_at,settled_at`

func scanEngagement(scan func(dest ...any) error) (domain.Engagement, error) {
	var e domain.Engagement
	var amount string
	var creditLineID, currentStepID, settledAt sql.NullString
	err := scan(&e.ID, &e.Reference, &e.TemplateID, &creditLineID, &amount, &e.Currency,
		&e.StartDate, &e.DueDate, &e.Status, &currentStepID, &e.CreatedAt, &e.UpdatedAt, &settledAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if e.Amount, err = parseDecimal(amount); err != nil {
		return e, fmt.Errorf("engagement %s amount: %w", e.ID, err)
	}
	if creditLineID.Valid {
		e.CreditLineID = &creditLineID.String
	}
	if currentStepID.Valid {
		e.CurrentStepID = &currentStepID.String
	}
	if settledAt.Valid {
		e.SettledAt = &settledAt.String
	}
	return e, nil
}

func (r Repo) InsertEngagement(ctx context.Context, tx *sql.Tx, e domain.Engagement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO engagements(id,reference,template_id,credit_line_id,amount,currency,start_date,due_date,status,current_step_id,created_at,updated_at,settled_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Reference, e.TemplateID, nullableStringPtr(e.CreditLineID), e.Amount.String(),
		nullable(e.Currency), nullable(e.StartDate), nullable(e.DueDate), e.Status,
		nullableStringPtr(e.CurrentStepID), e.CreatedAt, e.UpdatedAt, nullableStringPtr(e.SettledAt))
	return err
}

// UpdateEngagement persists status, current step pointer and settlement time.
func (r Repo) UpdateEngagement(ctx context.Context, tx *sql.Tx, e domain.Engagement) error {
	res, err := tx.ExecContext(ctx, `UPDATE engagements SET status=?, current_step_id=?, updated_at=?, settled_at=? WHERE id=?`,
		e.Status, nullableStringPtr(e.CurrentStepID), e.UpdatedAt, nullableStringPtr(e.SettledAt), e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetEngagement(ctx context.Context, id string) (domain.Engagement, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+engagementColumns+` FROM engagements WHERE id=?`, id)
	return scanEngagement(row.Scan)
}

func (r Repo) GetEngagementTx(ctx context.Context, tx *sql.Tx, id string) (domain.Engagement, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+engagementColumns+` FROM engagements WHERE id=?`, id)
	return scanEngagement(row.Scan)
}

func (r Repo) GetEngagementByReference(ctx context.Context, reference string) (domain.Engagement, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+engagementColumns+` FROM engagements WHERE reference=?`, reference)
	return scanEngagement(row.Scan)
}

type EngagementFilter struct {
	TemplateID   string
	CreditLineID string
	Status       string
	Limit        int
	Cursor       string
}

// ListEngagements returns engagements newest first with cursor pagination.
// The cursor is "<created_at>|<id>" of the last row from the previous page.
func (r Repo) ListEngagements(ctx context.Context, f EngagementFilter) ([]domain.Engagement, string, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.TemplateID != "" {
		clauses = append(clauses, "template_id=?")
		args = append(args, f.TemplateID)
	}
	if f.CreditLineID != "" {
		clauses = append(clauses, "credit_line_id=?")
		args = append(args, f.CreditLineID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Cursor != "" {
		parts := strings.SplitN(f.Cursor, "|", 2)
		if len(parts) != 2 {
			return nil, "", fmt.Errorf("invalid cursor")
		}
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, parts[0], parts[0], parts[1])
	}
	query := fmt.Sprintf(`SELECT `+engagementColumns+` FROM engagements WHERE %s ORDER BY created_at DESC, id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, f.Limit+1)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var res []domain.Engagement
	for rows.Next() {
		e, err := scanEngagement(rows.Scan)
		if err != nil {
			return nil, "", err
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(res) > f.Limit {
		res = res[:f.Limit]
		last := res[len(res)-1]
		next = last.CreatedAt + "|" + last.ID
	}
	return res, next, nil
}

func (r Repo) InsertStepCompletion(ctx context.Context, tx *sql.Tx, c domain.StepCompletion) error {
	fields, err := json.Marshal(orEmptyFieldValues(c.Fields))
	if err != nil {
		return err
	}
	documents, err := json.Marshal(orEmptyDocuments(c.Documents))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO step_completions(id,engagement_id,step_id,fields_json,documents_json,completed_by,completed_at) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.EngagementID, c.StepID, string(fields), string(documents), nullableStringPtr(c.CompletedBy), c.CompletedAt)
	return err
}

// ListStepCompletions returns the completion history of an engagement in
// chronological order. Completions sharing a timestamp keep their insertion
// order, so the history always reads in the order steps were completed.
func (r Repo) ListStepCompletions(ctx context.Context, engagementID string) ([]domain.StepCompletion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,engagement_id,step_id,fields_json,documents_json,completed_by,completed_at FROM step_completions WHERE engagement_id=? ORDER BY completed_at ASC, rowid ASC`, engagementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepCompletion
	for rows.Next() {
		var c domain.StepCompletion
		var fields, documents string
		var completedBy sql.NullString
		if err := rows.Scan(&c.ID, &c.EngagementID, &c.StepID, &fields, &documents, &completedBy, &c.CompletedAt); err != nil {
			return nil, err
		}
		if completedBy.Valid {
			c.CompletedBy = &completedBy.String
		}
		if err := json.Unmarshal([]byte(fields), &c.Fields); err != nil {
			return nil, fmt.Errorf("completion %s fields: %w", c.ID, err)
		}
		if err := json.Unmarshal([]byte(documents), &c.Documents); err != nil {
			return nil, fmt.Errorf("completion %s documents: %w", c.ID, err)
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func orEmptyFieldValues(m map[string]domain.FieldValue) map[string]domain.FieldValue {
	if m == nil {
		return map[string]domain.FieldValue{}
	}
	return m
}

func orEmptyDocuments(d []domain.DocumentRef) []domain.DocumentRef {
	if d == nil {
		return []domain.DocumentRef{}
	}
	return d
}
