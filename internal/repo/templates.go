package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"tradeline/internal/domain"
)

func (r Repo) InsertTemplate(ctx context.Context, tx *sql.Tx, t domain.WorkflowTemplate) error {
	initialFields, err := json.Marshal(orEmptyFields(t.InitialFields))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO workflow_templates(id,code,label,active,draw_category,initial_fields_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.Code, t.Label, boolToInt(t.Active), nullable(t.DrawCategory), string(initialFields), t.CreatedAt)
	if err != nil {
		return err
	}
	for _, s := range t.Steps {
		if err := r.insertStep(ctx, tx, s); err != nil {
			return fmt.Errorf("step %s: %w", s.Code, err)
		}
	}
	return nil
}

func (r Repo) insertStep(ctx context.Context, tx *sql.Tx, s domain.WorkflowStep) error {
	fields, err := json.Marshal(orEmptyFields(s.Fields))
	if err != nil {
		return err
	}
	documents, err := json.Marshal(orEmptyStrings(s.Documents))
	if err != nil {
		return err
	}
	roles, err := json.Marshal(orEmptyStrings(s.ApprovalRoles))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO workflow_steps(id,template_id,step_order,code,label,fields_json,documents_json,requires_approval,approval_roles_json) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.TemplateID, s.StepOrder, s.Code, s.Label, string(fields), string(documents), boolToInt(s.RequiresApproval), string(roles))
	return err
}

func (r Repo) SetTemplateActive(ctx context.Context, tx *sql.Tx, id string, active bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflow_templates SET active=? WHERE id=?`, boolToInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const templateColumns = `id,code,label,active,COALESCE(draw_category,''),initial_fields_json,created_at`

func scanTemplate(scan func(dest ...any) error) (domain.WorkflowTemplate, error) {
	var t domain.WorkflowTemplate
	var active int
	var initialFields string
	err := scan(&t.ID, &t.Code, &t.Label, &active, &t.DrawCategory, &initialFields, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Active = active != 0
	if err := json.Unmarshal([]byte(initialFields), &t.InitialFields); err != nil {
		return t, fmt.Errorf("template %s initial fields: %w", t.ID, err)
	}
	return t, nil
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.WorkflowTemplate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM workflow_templates WHERE id=?`, id)
	t, err := scanTemplate(row.Scan)
	if err != nil {
		return t, err
	}
	t.Steps, err = r.templateSteps(ctx, t.ID)
	return t, err
}

func (r Repo) GetTemplateByCode(ctx context.Context, code string) (domain.WorkflowTemplate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM workflow_templates WHERE code=?`, code)
	t, err := scanTemplate(row.Scan)
	if err != nil {
		return t, err
	}
	t.Steps, err = r.templateSteps(ctx, t.ID)
	return t, err
}

func (r Repo) ListTemplates(ctx context.Context, activeOnly bool) ([]domain.WorkflowTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM workflow_templates`
	if activeOnly {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowTemplate
	for rows.Next() {
		t, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Steps, err = r.templateSteps(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r Repo) templateSteps(ctx context.Context, templateID string) ([]domain.WorkflowStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,template_id,step_order,code,label,fields_json,documents_json,requires_approval,approval_roles_json FROM workflow_steps WHERE template_id=?`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var steps []domain.WorkflowStep
	for rows.Next() {
		var s domain.WorkflowStep
		var fields, documents, roles string
		var approval int
		if err := rows.Scan(&s.ID, &s.TemplateID, &s.StepOrder, &s.Code, &s.Label, &fields, &documents, &approval, &roles); err != nil {
			return nil, err
		}
		s.RequiresApproval = approval != 0
		if err := json.Unmarshal([]byte(fields), &s.Fields); err != nil {
			return nil, fmt.Errorf("step %s fields: %w", s.ID, err)
		}
		if err := json.Unmarshal([]byte(documents), &s.Documents); err != nil {
			return nil, fmt.Errorf("step %s documents: %w", s.ID, err)
		}
		if err := json.Unmarshal([]byte(roles), &s.ApprovalRoles); err != nil {
			return nil, fmt.Errorf("step %s approval roles: %w", s.ID, err)
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
	return steps, nil
}

func orEmptyFields(fields []domain.FieldSpec) []domain.FieldSpec {
	if fields == nil {
		return []domain.FieldSpec{}
	}
	return fields
}

func orEmptyStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
