package server

import (
	"github.com/shopspring/decimal"

	"tradeline/internal/domain"
)

// Request payloads. Amounts travel as decimal strings so no precision is
// lost in JSON number parsing.

type CreateCreditLineRequest struct {
	ID             *string           `json:"id,omitempty"`
	Label          string            `json:"label"`
	Ceiling        string            `json:"ceiling" example:"100000"`
	Currency       *string           `json:"currency,omitempty"`
	InterestRate   *string           `json:"interest_rate,omitempty"`
	CommissionRate *string           `json:"commission_rate,omitempty"`
	StartDate      string            `json:"start_date" format:"date"`
	ExpiryDate     string            `json:"expiry_date" format:"date"`
	Thresholds     map[string]string `json:"thresholds,omitempty"`
	MaxTolerance   *string           `json:"max_tolerance,omitempty"`
	MinTolerance   *string           `json:"min_tolerance,omitempty"`
}

type DrawDownRequest struct {
	Amount    string `json:"amount" example:"25000"`
	Category  string `json:"category"`
	Reference string `json:"reference,omitempty"`
}

type AttachGuaranteeRequest struct {
	Type        string  `json:"type"`
	Amount      string  `json:"amount"`
	ExpiryDate  string  `json:"expiry_date" format:"date"`
	Description *string `json:"description,omitempty"`
}

type SuspendCreditLineRequest struct {
	Reason string `json:"reason"`
}

type FieldSpecPayload struct {
	Name      string   `json:"name"`
	Label     string   `json:"label,omitempty"`
	Type      string   `json:"type" enum:"text,number,date,select,checkbox,relation,calculated"`
	Required  bool     `json:"required,omitempty"`
	Options   []string `json:"options,omitempty"`
	Relation  string   `json:"relation,omitempty"`
	Formula   string   `json:"formula,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}

type StepPayload struct {
	Order            int                `json:"order"`
	Code             string             `json:"code"`
	Label            string             `json:"label"`
	Fields           []FieldSpecPayload `json:"fields,omitempty"`
	Documents        []string           `json:"documents,omitempty"`
	RequiresApproval bool               `json:"requires_approval,omitempty"`
	ApprovalRoles    []string           `json:"approval_roles,omitempty"`
}

type ImportTemplateRequest struct {
	Code         string        `json:"code"`
	Label        string        `json:"label"`
	DrawCategory *string       `json:"draw_category,omitempty"`
	Steps        []StepPayload `json:"steps"`
}

type CreateEngagementRequest struct {
	TemplateCode string  `json:"template_code"`
	CreditLineID *string `json:"credit_line_id,omitempty"`
	Amount       *string `json:"amount,omitempty"`
	Currency     *string `json:"currency,omitempty"`
	StartDate    *string `json:"start_date,omitempty" format:"date"`
	DueDate      *string `json:"due_date,omitempty" format:"date"`
}

type DocumentPayload struct {
	Name string `json:"name"`
	URI  string `json:"uri,omitempty"`
}

type CompleteStepRequest struct {
	StepID    string                       `json:"step_id,omitempty"`
	Fields    map[string]domain.FieldValue `json:"fields,omitempty"`
	Documents []DocumentPayload            `json:"documents,omitempty"`
}

type CancelEngagementRequest struct {
	Reason string `json:"reason,omitempty"`
}

type GrantRoleRequest struct {
	Role string `json:"role"`
}

// Response payloads

type CreditLineResponse struct {
	ID             string            `json:"id"`
	Label          string            `json:"label"`
	Ceiling        string            `json:"ceiling"`
	Currency       string            `json:"currency"`
	InterestRate   string            `json:"interest_rate"`
	CommissionRate string            `json:"commission_rate"`
	StartDate      string            `json:"start_date" format:"date"`
	ExpiryDate     string            `json:"expiry_date" format:"date"`
	Status         string            `json:"status" enum:"open,in_use,suspended,closed"`
	Thresholds     map[string]string `json:"thresholds,omitempty"`
	Consumed       map[string]string `json:"consumed,omitempty"`
	TotalConsumed  string            `json:"total_consumed"`
	Available      string            `json:"available"`
	MaxTolerance   string            `json:"max_tolerance"`
	MinTolerance   string            `json:"min_tolerance"`
	CreatedAt      string            `json:"created_at" format:"date-time"`
	UpdatedAt      string            `json:"updated_at" format:"date-time"`
}

type GuaranteeResponse struct {
	ID           string `json:"id"`
	CreditLineID string `json:"credit_line_id"`
	Type         string `json:"type"`
	Amount       string `json:"amount"`
	ExpiryDate   string `json:"expiry_date" format:"date"`
	Description  string `json:"description,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type TemplateResponse struct {
	ID           string        `json:"id"`
	Code         string        `json:"code"`
	Label        string        `json:"label"`
	Active       bool          `json:"active"`
	DrawCategory string        `json:"draw_category,omitempty"`
	Steps        []StepPayload `json:"steps,omitempty"`
	CreatedAt    string        `json:"created_at" format:"date-time"`
}

type EngagementResponse struct {
	ID            string  `json:"id"`
	Reference     string  `json:"reference"`
	TemplateID    string  `json:"template_id"`
	CreditLineID  *string `json:"credit_line_id,omitempty"`
	Amount        string  `json:"amount"`
	Currency      string  `json:"currency,omitempty"`
	StartDate     string  `json:"start_date,omitempty" format:"date"`
	DueDate       string  `json:"due_date,omitempty" format:"date"`
	Status        string  `json:"status" enum:"in_progress,settled,cancelled"`
	CurrentStepID *string `json:"current_step_id,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
	SettledAt     *string `json:"settled_at,omitempty" format:"date-time"`
}

type StepCompletionResponse struct {
	ID           string                       `json:"id"`
	EngagementID string                       `json:"engagement_id"`
	StepID       string                       `json:"step_id"`
	Fields       map[string]domain.FieldValue `json:"fields,omitempty"`
	Documents    []DocumentPayload            `json:"documents,omitempty"`
	CompletedBy  *string                      `json:"completed_by,omitempty"`
	CompletedAt  string                       `json:"completed_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

func decimalStringMap(m map[string]decimal.Decimal) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v.String()
	}
	return out
}

func creditLineResponse(c domain.CreditLine) CreditLineResponse {
	return CreditLineResponse{
		ID:             c.ID,
		Label:          c.Label,
		Ceiling:        c.Ceiling.String(),
		Currency:       c.Currency,
		InterestRate:   c.InterestRate.String(),
		CommissionRate: c.CommissionRate.String(),
		StartDate:      c.StartDate,
		ExpiryDate:     c.ExpiryDate,
		Status:         c.Status,
		Thresholds:     decimalStringMap(c.Thresholds),
		Consumed:       decimalStringMap(c.Consumed),
		TotalConsumed:  c.TotalConsumed.String(),
		Available:      c.Available().String(),
		MaxTolerance:   c.MaxTolerance.String(),
		MinTolerance:   c.MinTolerance.String(),
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func guaranteeResponse(g domain.Guarantee) GuaranteeResponse {
	return GuaranteeResponse{
		ID:           g.ID,
		CreditLineID: g.CreditLineID,
		Type:         g.Type,
		Amount:       g.Amount.String(),
		ExpiryDate:   g.ExpiryDate,
		Description:  g.Description,
		CreatedAt:    g.CreatedAt,
	}
}

func templateResponse(t domain.WorkflowTemplate) TemplateResponse {
	steps := make([]StepPayload, 0, len(t.Steps))
	for _, s := range t.Steps {
		steps = append(steps, StepPayload{
			Order:            s.StepOrder,
			Code:             s.Code,
			Label:            s.Label,
			Fields:           fieldSpecPayloads(s.Fields),
			Documents:        s.Documents,
			RequiresApproval: s.RequiresApproval,
			ApprovalRoles:    s.ApprovalRoles,
		})
	}
	return TemplateResponse{
		ID:           t.ID,
		Code:         t.Code,
		Label:        t.Label,
		Active:       t.Active,
		DrawCategory: t.DrawCategory,
		Steps:        steps,
		CreatedAt:    t.CreatedAt,
	}
}

func fieldSpecPayloads(fields []domain.FieldSpec) []FieldSpecPayload {
	if len(fields) == 0 {
		return nil
	}
	out := make([]FieldSpecPayload, 0, len(fields))
	for _, f := range fields {
		out = append(out, FieldSpecPayload{
			Name:      f.Name,
			Label:     f.Label,
			Type:      f.Type,
			Required:  f.Required,
			Options:   f.Options,
			Relation:  f.Relation,
			Formula:   f.Formula,
			DependsOn: f.DependsOn,
		})
	}
	return out
}

func fieldSpecsFromPayloads(payloads []FieldSpecPayload) []domain.FieldSpec {
	if len(payloads) == 0 {
		return nil
	}
	out := make([]domain.FieldSpec, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, domain.FieldSpec{
			Name:      p.Name,
			Label:     p.Label,
			Type:      p.Type,
			Required:  p.Required,
			Options:   p.Options,
			Relation:  p.Relation,
			Formula:   p.Formula,
			DependsOn: p.DependsOn,
		})
	}
	return out
}

func engagementResponse(e domain.Engagement) EngagementResponse {
	return EngagementResponse{
		ID:            e.ID,
		Reference:     e.Reference,
		TemplateID:    e.TemplateID,
		CreditLineID:  e.CreditLineID,
		Amount:        e.Amount.String(),
		Currency:      e.Currency,
		StartDate:     e.StartDate,
		DueDate:       e.DueDate,
		Status:        e.Status,
		CurrentStepID: e.CurrentStepID,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
		SettledAt:     e.SettledAt,
	}
}

func completionResponse(c domain.StepCompletion) StepCompletionResponse {
	docs := make([]DocumentPayload, 0, len(c.Documents))
	for _, d := range c.Documents {
		docs = append(docs, DocumentPayload{Name: d.Name, URI: d.URI})
	}
	if len(docs) == 0 {
		docs = nil
	}
	return StepCompletionResponse{
		ID:           c.ID,
		EngagementID: c.EngagementID,
		StepID:       c.StepID,
		Fields:       c.Fields,
		Documents:    docs,
		CompletedBy:  c.CompletedBy,
		CompletedAt:  c.CompletedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func documentsFromPayloads(payloads []DocumentPayload) []domain.DocumentRef {
	if len(payloads) == 0 {
		return nil
	}
	out := make([]domain.DocumentRef, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, domain.DocumentRef{Name: p.Name, URI: p.URI})
	}
	return out
}
