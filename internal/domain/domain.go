package domain

import "github.com/shopspring/decimal"

// Credit line statuses.
const (
	CreditLineOpen      = "open"
	CreditLineInUse     = "in_use"
	CreditLineSuspended = "suspended"
	CreditLineClosed    = "closed"
)

// Engagement statuses.
const (
	EngagementInProgress = "in_progress"
	EngagementSettled    = "settled"
	EngagementCancelled  = "cancelled"
)

// Field types accepted in workflow step schemas.
const (
	FieldText       = "text"
	FieldNumber     = "number"
	FieldDate       = "date"
	FieldSelect     = "select"
	FieldCheckbox   = "checkbox"
	FieldRelation   = "relation"
	FieldCalculated = "calculated"
)

type CreditLine struct {
	ID             string                     `json:"id"`
	Label          string                     `json:"label"`
	Ceiling        decimal.Decimal            `json:"ceiling"`
	Currency       string                     `json:"currency"`
	InterestRate   decimal.Decimal            `json:"interest_rate"`
	CommissionRate decimal.Decimal            `json:"commission_rate"`
	StartDate      string                     `json:"start_date" format:"date"`
	ExpiryDate     string                     `json:"expiry_date" format:"date"`
	Status         string                     `json:"status" enum:"open,in_use,suspended,closed"`
	Thresholds     map[string]decimal.Decimal `json:"thresholds,omitempty"`
	Consumed       map[string]decimal.Decimal `json:"consumed,omitempty"`
	TotalConsumed  decimal.Decimal            `json:"total_consumed"`
	MaxTolerance   decimal.Decimal            `json:"max_tolerance"`
	MinTolerance   decimal.Decimal            `json:"min_tolerance"`
	CreatedAt      string                     `json:"created_at" format:"date-time"`
	UpdatedAt      string                     `json:"updated_at" format:"date-time"`
}

// Available returns the remaining capacity under the ceiling, tolerance excluded.
func (c CreditLine) Available() decimal.Decimal {
	return c.Ceiling.Sub(c.TotalConsumed)
}

type Guarantee struct {
	ID           string          `json:"id"`
	CreditLineID string          `json:"credit_line_id"`
	Type         string          `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	ExpiryDate   string          `json:"expiry_date" format:"date"`
	Description  string          `json:"description,omitempty"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
}

type WorkflowTemplate struct {
	ID            string         `json:"id"`
	Code          string         `json:"code"`
	Label         string         `json:"label"`
	Active        bool           `json:"active"`
	DrawCategory  string         `json:"draw_category,omitempty"`
	InitialFields []FieldSpec    `json:"initial_fields,omitempty"`
	Steps         []WorkflowStep `json:"steps,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
}

// FirstStep returns the step with the lowest order value. Steps are kept
// sorted ascending by order once loaded.
func (t WorkflowTemplate) FirstStep() (WorkflowStep, bool) {
	if len(t.Steps) == 0 {
		return WorkflowStep{}, false
	}
	return t.Steps[0], true
}

// StepByID looks a step up within the template.
func (t WorkflowTemplate) StepByID(id string) (WorkflowStep, bool) {
	for _, s := range t.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return WorkflowStep{}, false
}

// NextStep returns the step whose order immediately follows the given one.
func (t WorkflowTemplate) NextStep(after WorkflowStep) (WorkflowStep, bool) {
	for _, s := range t.Steps {
		if s.StepOrder > after.StepOrder {
			return s, true
		}
	}
	return WorkflowStep{}, false
}

type WorkflowStep struct {
	ID               string      `json:"id"`
	TemplateID       string      `json:"template_id"`
	StepOrder        int         `json:"step_order"`
	Code             string      `json:"code"`
	Label            string      `json:"label"`
	Fields           []FieldSpec `json:"fields,omitempty"`
	Documents        []string    `json:"documents,omitempty"`
	RequiresApproval bool        `json:"requires_approval"`
	ApprovalRoles    []string    `json:"approval_roles,omitempty"`
}

// CalculatedFields returns the step's calculated field specs in declaration order.
func (s WorkflowStep) CalculatedFields() []FieldSpec {
	var out []FieldSpec
	for _, f := range s.Fields {
		if f.Type == FieldCalculated {
			out = append(out, f)
		}
	}
	return out
}

type FieldSpec struct {
	Name      string   `json:"name"`
	Label     string   `json:"label,omitempty"`
	Type      string   `json:"type" enum:"text,number,date,select,checkbox,relation,calculated"`
	Required  bool     `json:"required,omitempty"`
	Options   []string `json:"options,omitempty"`
	Relation  string   `json:"relation,omitempty"`
	Formula   string   `json:"formula,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}

type Engagement struct {
	ID            string          `json:"id"`
	Reference     string          `json:"reference"`
	TemplateID    string          `json:"template_id"`
	CreditLineID  *string         `json:"credit_line_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency,omitempty"`
	StartDate     string          `json:"start_date,omitempty" format:"date"`
	DueDate       string          `json:"due_date,omitempty" format:"date"`
	Status        string          `json:"status" enum:"in_progress,settled,cancelled"`
	CurrentStepID *string         `json:"current_step_id,omitempty"`
	CreatedAt     string          `json:"created_at" format:"date-time"`
	UpdatedAt     string          `json:"updated_at" format:"date-time"`
	SettledAt     *string         `json:"settled_at,omitempty" format:"date-time"`
}

type DocumentRef struct {
	Name string `json:"name"`
	URI  string `json:"uri,omitempty"`
}

type StepCompletion struct {
	ID           string                `json:"id"`
	EngagementID string                `json:"engagement_id"`
	StepID       string                `json:"step_id"`
	Fields       map[string]FieldValue `json:"fields,omitempty"`
	Documents    []DocumentRef         `json:"documents,omitempty"`
	CompletedBy  *string               `json:"completed_by,omitempty"`
	CompletedAt  string                `json:"completed_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
