package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeline/internal/config"
	"tradeline/internal/domain"
	"tradeline/internal/engine/auth"
	"tradeline/internal/events"
	"tradeline/internal/formula"
	"tradeline/internal/ledger"
	"tradeline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// events returns the writer bound to the engine's clock, so event timestamps
// follow an injected Now.
func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

// CreditLineCreateOptions are parameters for opening a credit line.
// Thresholds are keyed by threshold key, not category name; every key must be
// bound to a category in the workspace config. Nil tolerances fall back to the
// configured defaults.
type CreditLineCreateOptions struct {
	ID             string
	Label          string
	Ceiling        decimal.Decimal
	Currency       string
	InterestRate   decimal.Decimal
	CommissionRate decimal.Decimal
	StartDate      string
	ExpiryDate     string
	Thresholds     map[string]decimal.Decimal
	MaxTolerance   *decimal.Decimal
	MinTolerance   *decimal.Decimal
	ActorID        string
}

func (e Engine) CreateCreditLine(ctx context.Context, opts CreditLineCreateOptions) (domain.CreditLine, error) {
	if e.Config == nil {
		return domain.CreditLine{}, errors.New("config not loaded")
	}
	if opts.Label == "" {
		return domain.CreditLine{}, domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "label is required")
	}
	knownKeys := map[string]string{}
	for name, cat := range e.Config.Categories {
		knownKeys[cat.ThresholdKey] = name
	}
	for key, v := range opts.Thresholds {
		if _, ok := knownKeys[key]; !ok {
			return domain.CreditLine{}, domain.Reject(domain.KindValidation, domain.CodeUnknownCategory,
				"threshold key %s is not bound to any category", key)
		}
		if v.IsNegative() {
			return domain.CreditLine{}, domain.Reject(domain.KindValidation, domain.CodeInvalidInput,
				"threshold %s must not be negative", key)
		}
	}
	currency := opts.Currency
	if currency == "" {
		currency = e.Config.Workspace.Currency
	}
	maxTol := e.Config.DefaultMaxTolerance()
	if opts.MaxTolerance != nil {
		maxTol = *opts.MaxTolerance
	}
	minTol := e.Config.DefaultMinTolerance()
	if opts.MinTolerance != nil {
		minTol = *opts.MinTolerance
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.nowRFC3339()
	line := domain.CreditLine{
		ID:             id,
		Label:          opts.Label,
		Ceiling:        opts.Ceiling,
		Currency:       currency,
		InterestRate:   opts.InterestRate,
		CommissionRate: opts.CommissionRate,
		StartDate:      opts.StartDate,
		ExpiryDate:     opts.ExpiryDate,
		Status:         domain.CreditLineOpen,
		Thresholds:     opts.Thresholds,
		Consumed:       map[string]decimal.Decimal{},
		TotalConsumed:  decimal.Zero,
		MaxTolerance:   maxTol,
		MinTolerance:   minTol,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if line.Thresholds == nil {
		line.Thresholds = map[string]decimal.Decimal{}
	}
	if err := ledger.ValidateNew(line); err != nil {
		return domain.CreditLine{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CreditLine{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertCreditLine(ctx, tx, line); err != nil {
		return domain.CreditLine{}, fmt.Errorf("insert credit line: %w", err)
	}
	if err := e.events().Append(ctx, tx, "credit_line.created", "credit_line", line.ID, opts.ActorID, events.EventPayload{
		"label":   line.Label,
		"ceiling": line.Ceiling.String(),
	}); err != nil {
		return domain.CreditLine{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CreditLine{}, err
	}
	return line, nil
}

// DrawDownOptions are parameters for consuming credit line capacity.
type DrawDownOptions struct {
	CreditLineID string
	Amount       decimal.Decimal
	Category     string
	Reference    string
	ActorID      string
}

func (e Engine) DrawDown(ctx context.Context, opts DrawDownOptions) (domain.CreditLine, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CreditLine{}, err
	}
	defer tx.Rollback()

	line, err := e.drawDownTx(ctx, tx, opts)
	if err != nil {
		return domain.CreditLine{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CreditLine{}, err
	}
	return line, nil
}

// drawDownTx applies a draw inside an existing transaction so engagement
// creation can reuse it.
func (e Engine) drawDownTx(ctx context.Context, tx *sql.Tx, opts DrawDownOptions) (domain.CreditLine, error) {
	if e.Config == nil {
		return domain.CreditLine{}, errors.New("config not loaded")
	}
	key, ok := e.Config.CategoryKey(opts.Category)
	if !ok {
		return domain.CreditLine{}, domain.Reject(domain.KindValidation, domain.CodeUnknownCategory,
			"category %s is not declared in the workspace config", opts.Category)
	}
	line, err := e.Repo.GetCreditLineTx(ctx, tx, opts.CreditLineID)
	if err == repo.ErrNotFound {
		return domain.CreditLine{}, domain.Reject(domain.KindNotFound, domain.CodeInvalidInput,
			"credit line %s not found", opts.CreditLineID)
	}
	if err != nil {
		return domain.CreditLine{}, err
	}
	led := ledger.New(line, nil)
	if err := led.DrawDown(opts.Amount, key); err != nil {
		return domain.CreditLine{}, err
	}
	led.Line.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateCreditLine(ctx, tx, led.Line); err != nil {
		return domain.CreditLine{}, err
	}
	if err := e.events().Append(ctx, tx, "credit_line.drawn", "credit_line", line.ID, opts.ActorID, events.EventPayload{
		"amount":         opts.Amount.String(),
		"category":       opts.Category,
		"threshold_key":  key,
		"reference":      opts.Reference,
		"total_consumed": led.Line.TotalConsumed.String(),
	}); err != nil {
		return domain.CreditLine{}, err
	}
	return led.Line, nil
}

// GuaranteeAttachOptions are parameters for attaching a guarantee.
type GuaranteeAttachOptions struct {
	CreditLineID string
	Type         string
	Amount       decimal.Decimal
	ExpiryDate   string
	Description  string
	ActorID      string
}

func (e Engine) AttachGuarantee(ctx context.Context, opts GuaranteeAttachOptions) (domain.Guarantee, error) {
	if opts.Type == "" {
		return domain.Guarantee{}, domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "guarantee type is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Guarantee{}, err
	}
	defer tx.Rollback()

	line, err := e.Repo.GetCreditLineTx(ctx, tx, opts.CreditLineID)
	if err == repo.ErrNotFound {
		return domain.Guarantee{}, domain.Reject(domain.KindNotFound, domain.CodeInvalidInput,
			"credit line %s not found", opts.CreditLineID)
	}
	if err != nil {
		return domain.Guarantee{}, err
	}
	now := e.now()
	g := domain.Guarantee{
		ID:           uuid.NewString(),
		CreditLineID: line.ID,
		Type:         opts.Type,
		Amount:       opts.Amount,
		ExpiryDate:   opts.ExpiryDate,
		Description:  opts.Description,
		CreatedAt:    now.UTC().Format(time.RFC3339),
	}
	led := ledger.New(line, nil)
	if err := led.AttachGuarantee(g, now); err != nil {
		return domain.Guarantee{}, err
	}
	if err := e.Repo.InsertGuarantee(ctx, tx, g); err != nil {
		return domain.Guarantee{}, err
	}
	if err := e.events().Append(ctx, tx, "guarantee.attached", "credit_line", line.ID, opts.ActorID, events.EventPayload{
		"guarantee_id": g.ID,
		"type":         g.Type,
		"amount":       g.Amount.String(),
		"expiry_date":  g.ExpiryDate,
	}); err != nil {
		return domain.Guarantee{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Guarantee{}, err
	}
	return g, nil
}

func (e Engine) SuspendCreditLine(ctx context.Context, id, reason, actorID string) (domain.CreditLine, error) {
	return e.transitionCreditLine(ctx, id, actorID, "credit_line.suspended",
		events.EventPayload{"reason": reason},
		func(l *ledger.Ledger) error { return l.Suspend() })
}

func (e Engine) CloseCreditLine(ctx context.Context, id, actorID string) (domain.CreditLine, error) {
	return e.transitionCreditLine(ctx, id, actorID, "credit_line.closed",
		events.EventPayload{},
		func(l *ledger.Ledger) error { return l.Close() })
}

func (e Engine) transitionCreditLine(ctx context.Context, id, actorID, evtType string, payload events.EventPayload, apply func(*ledger.Ledger) error) (domain.CreditLine, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CreditLine{}, err
	}
	defer tx.Rollback()

	line, err := e.Repo.GetCreditLineTx(ctx, tx, id)
	if err == repo.ErrNotFound {
		return domain.CreditLine{}, domain.Reject(domain.KindNotFound, domain.CodeInvalidInput, "credit line %s not found", id)
	}
	if err != nil {
		return domain.CreditLine{}, err
	}
	led := ledger.New(line, nil)
	if err := apply(led); err != nil {
		return domain.CreditLine{}, err
	}
	led.Line.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateCreditLine(ctx, tx, led.Line); err != nil {
		return domain.CreditLine{}, err
	}
	payload["status"] = led.Line.Status
	if err := e.events().Append(ctx, tx, evtType, "credit_line", line.ID, actorID, payload); err != nil {
		return domain.CreditLine{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CreditLine{}, err
	}
	return led.Line, nil
}

// context variables available to calculated fields beyond the step's own
// number fields.
var contextVariables = map[string]bool{
	"amount":          true,
	"ceiling":         true,
	"available":       true,
	"interest_rate":   true,
	"commission_rate": true,
}

// ValidateTemplate checks the structural invariants of a workflow template
// before import: at least one step, unique strictly positive orders, unique
// step codes, known field types and resolvable calculated-field dependencies.
func (e Engine) ValidateTemplate(t domain.WorkflowTemplate) error {
	if t.Code == "" {
		return domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "template code is required")
	}
	if len(t.Steps) == 0 {
		return domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "template %s has no steps", t.Code)
	}
	if t.DrawCategory != "" && e.Config != nil && !e.Config.KnownCategory(t.DrawCategory) {
		return domain.Reject(domain.KindValidation, domain.CodeUnknownCategory,
			"template %s draw category %s is not declared in the workspace config", t.Code, t.DrawCategory)
	}
	seenOrders := map[int]string{}
	seenCodes := map[string]bool{}
	for _, s := range t.Steps {
		if s.Code == "" {
			return domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "template %s has a step with no code", t.Code)
		}
		if seenCodes[s.Code] {
			return domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "template %s repeats step code %s", t.Code, s.Code)
		}
		seenCodes[s.Code] = true
		if s.StepOrder <= 0 {
			return domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "step %s order must be positive", s.Code)
		}
		if other, dup := seenOrders[s.StepOrder]; dup {
			return domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "steps %s and %s share order %d", other, s.Code, s.StepOrder)
		}
		seenOrders[s.StepOrder] = s.Code
		if s.RequiresApproval && len(s.ApprovalRoles) == 0 {
			return domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "step %s requires approval but names no roles", s.Code)
		}
		if err := validateStepFields(s); err != nil {
			return err
		}
	}
	return nil
}

func validateStepFields(s domain.WorkflowStep) error {
	validTypes := map[string]bool{
		domain.FieldText: true, domain.FieldNumber: true, domain.FieldDate: true,
		domain.FieldSelect: true, domain.FieldCheckbox: true, domain.FieldRelation: true,
		domain.FieldCalculated: true,
	}
	numberFields := map[string]bool{}
	names := map[string]bool{}
	for _, f := range s.Fields {
		if f.Name == "" {
			return domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "step %s has a field with no name", s.Code)
		}
		if names[f.Name] {
			return domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "step %s repeats field %s", s.Code, f.Name)
		}
		names[f.Name] = true
		if !validTypes[f.Type] {
			return domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "field %s.%s has unknown type %s", s.Code, f.Name, f.Type)
		}
		if f.Type == domain.FieldSelect && len(f.Options) == 0 {
			return domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "select field %s.%s has no options", s.Code, f.Name)
		}
		if f.Type == domain.FieldNumber {
			numberFields[f.Name] = true
		}
	}
	// Calculated fields resolve against number fields of the same step,
	// earlier calculated fields, and engagement context variables.
	resolvable := map[string]bool{}
	for name := range numberFields {
		resolvable[name] = true
	}
	for name := range contextVariables {
		resolvable[name] = true
	}
	for _, f := range s.Fields {
		if f.Type != domain.FieldCalculated {
			continue
		}
		if f.Formula == "" {
			return domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "calculated field %s.%s has no formula", s.Code, f.Name)
		}
		for _, dep := range f.DependsOn {
			if dep == f.Name {
				return domain.Reject(domain.KindValidation, domain.CodeInvalidInput, "calculated field %s.%s depends on itself", s.Code, f.Name)
			}
			if !resolvable[dep] {
				return domain.Reject(domain.KindValidation, domain.CodeInvalidInput,
					"calculated field %s.%s depends on %s which is not a number field of step %s nor a context variable",
					s.Code, f.Name, dep, s.Code)
			}
		}
		resolvable[f.Name] = true
	}
	return nil
}

// ImportTemplate validates and stores a workflow template with its steps.
func (e Engine) ImportTemplate(ctx context.Context, t domain.WorkflowTemplate, actorID string) (domain.WorkflowTemplate, error) {
	if err := e.ValidateTemplate(t); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Active = true
	t.CreatedAt = e.nowRFC3339()
	for i := range t.Steps {
		if t.Steps[i].ID == "" {
			t.Steps[i].ID = uuid.NewString()
		}
		t.Steps[i].TemplateID = t.ID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowTemplate{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetTemplateByCode(ctx, t.Code); err == nil {
		return domain.WorkflowTemplate{}, domain.Reject(domain.KindStateConflict, domain.CodeInvalidInput,
			"template code %s already exists", t.Code)
	} else if err != repo.ErrNotFound {
		return domain.WorkflowTemplate{}, err
	}
	if err := e.Repo.InsertTemplate(ctx, tx, t); err != nil {
		return domain.WorkflowTemplate{}, fmt.Errorf("insert template: %w", err)
	}
	if err := e.events().Append(ctx, tx, "template.imported", "template", t.ID, actorID, events.EventPayload{
		"code":  t.Code,
		"steps": len(t.Steps),
	}); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	return t, nil
}

// EngagementCreateOptions are parameters for opening an engagement.
type EngagementCreateOptions struct {
	TemplateCode string
	CreditLineID string
	Amount       decimal.Decimal
	Currency     string
	StartDate    string
	DueDate      string
	ActorID      string
}

// CreateEngagement opens an engagement on a template. When the template
// declares a draw category and a credit line is given, the engagement amount
// is drawn from the line in the same transaction, so a rejected draw rejects
// the engagement as a whole.
func (e Engine) CreateEngagement(ctx context.Context, opts EngagementCreateOptions) (domain.Engagement, error) {
	t, err := e.Repo.GetTemplateByCode(ctx, opts.TemplateCode)
	if err == repo.ErrNotFound {
		return domain.Engagement{}, domain.Reject(domain.KindNotFound, domain.CodeTemplateNotFound,
			"template %s not found", opts.TemplateCode)
	}
	if err != nil {
		return domain.Engagement{}, err
	}
	if !t.Active {
		return domain.Engagement{}, domain.Reject(domain.KindStateConflict, domain.CodeTemplateNotFound,
			"template %s is inactive", opts.TemplateCode)
	}
	first, ok := t.FirstStep()
	if !ok {
		return domain.Engagement{}, domain.Reject(domain.KindInvariant, domain.CodeTemplateMissing,
			"template %s has no steps", t.Code)
	}
	if t.DrawCategory != "" && opts.CreditLineID != "" && !opts.Amount.IsPositive() {
		return domain.Engagement{}, domain.Reject(domain.KindValidation, domain.CodeInvalidInput,
			"amount must be positive to draw on a credit line")
	}
	now := e.now()
	eng := domain.Engagement{
		ID:            uuid.NewString(),
		Reference:     fmt.Sprintf("%s-%d", t.Code, now.UnixMilli()),
		TemplateID:    t.ID,
		Amount:        opts.Amount,
		Currency:      opts.Currency,
		StartDate:     opts.StartDate,
		DueDate:       opts.DueDate,
		Status:        domain.EngagementInProgress,
		CurrentStepID: &first.ID,
		CreatedAt:     now.UTC().Format(time.RFC3339),
		UpdatedAt:     now.UTC().Format(time.RFC3339),
	}
	if opts.CreditLineID != "" {
		eng.CreditLineID = &opts.CreditLineID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Engagement{}, err
	}
	defer tx.Rollback()

	if t.DrawCategory != "" && opts.CreditLineID != "" {
		if _, err := e.drawDownTx(ctx, tx, DrawDownOptions{
			CreditLineID: opts.CreditLineID,
			Amount:       opts.Amount,
			Category:     t.DrawCategory,
			Reference:    eng.Reference,
			ActorID:      opts.ActorID,
		}); err != nil {
			return domain.Engagement{}, err
		}
	}
	if err := e.Repo.InsertEngagement(ctx, tx, eng); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: engagements.reference") {
			return domain.Engagement{}, domain.Reject(domain.KindStateConflict, domain.CodeDuplicateReference,
				"reference %s already exists", eng.Reference)
		}
		return domain.Engagement{}, fmt.Errorf("insert engagement: %w", err)
	}
	if err := e.events().Append(ctx, tx, "engagement.created", "engagement", eng.ID, opts.ActorID, events.EventPayload{
		"reference": eng.Reference,
		"template":  t.Code,
		"amount":    eng.Amount.String(),
	}); err != nil {
		return domain.Engagement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Engagement{}, err
	}
	return eng, nil
}

// StepCompleteOptions are parameters for completing the current step.
type StepCompleteOptions struct {
	EngagementID string
	StepID       string
	Fields       map[string]domain.FieldValue
	Documents    []domain.DocumentRef
	ActorID      string
}

// CompleteStep records a completion of the engagement's current step and
// advances the pointer, settling the engagement after the last step. All
// checks run before any write: a rejected completion leaves both the
// engagement and its history untouched.
func (e Engine) CompleteStep(ctx context.Context, opts StepCompleteOptions) (domain.Engagement, domain.StepCompletion, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Engagement{}, domain.StepCompletion{}, err
	}
	defer tx.Rollback()

	eng, err := e.Repo.GetEngagementTx(ctx, tx, opts.EngagementID)
	if err == repo.ErrNotFound {
		return domain.Engagement{}, domain.StepCompletion{}, domain.Reject(domain.KindNotFound, domain.CodeEngagementNotFound,
			"engagement %s not found", opts.EngagementID)
	}
	if err != nil {
		return domain.Engagement{}, domain.StepCompletion{}, err
	}
	if eng.Status != domain.EngagementInProgress {
		return domain.Engagement{}, domain.StepCompletion{}, domain.Reject(domain.KindStateConflict, domain.CodeStatusBlocked,
			"engagement %s is %s", eng.Reference, eng.Status)
	}
	if eng.CurrentStepID == nil {
		return domain.Engagement{}, domain.StepCompletion{}, domain.Reject(domain.KindInvariant, domain.CodeStepNotFound,
			"engagement %s has no current step", eng.Reference)
	}
	t, err := e.Repo.GetTemplate(ctx, eng.TemplateID)
	if err == repo.ErrNotFound {
		return domain.Engagement{}, domain.StepCompletion{}, domain.Reject(domain.KindInvariant, domain.CodeTemplateMissing,
			"template %s of engagement %s is missing", eng.TemplateID, eng.Reference)
	}
	if err != nil {
		return domain.Engagement{}, domain.StepCompletion{}, err
	}
	step, ok := t.StepByID(*eng.CurrentStepID)
	if !ok {
		return domain.Engagement{}, domain.StepCompletion{}, domain.Reject(domain.KindInvariant, domain.CodeStepNotFound,
			"step %s of engagement %s is missing from template %s", *eng.CurrentStepID, eng.Reference, t.Code)
	}
	if opts.StepID != "" && opts.StepID != step.ID {
		return domain.Engagement{}, domain.StepCompletion{}, domain.Reject(domain.KindStateConflict, domain.CodeStepNotFound,
			"engagement %s is at step %s, not %s", eng.Reference, step.Code, opts.StepID)
	}
	if step.RequiresApproval {
		if err := e.Auth.RequireAnyRole(ctx, tx, opts.ActorID, step.ApprovalRoles); err != nil {
			return domain.Engagement{}, domain.StepCompletion{}, err
		}
	}
	if err := checkRequiredDocuments(step, opts.Documents); err != nil {
		return domain.Engagement{}, domain.StepCompletion{}, err
	}

	fields, err := e.resolveStepFields(ctx, tx, step, eng, opts.Fields)
	if err != nil {
		return domain.Engagement{}, domain.StepCompletion{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	completion := domain.StepCompletion{
		ID:           uuid.NewString(),
		EngagementID: eng.ID,
		StepID:       step.ID,
		Fields:       fields,
		Documents:    opts.Documents,
		CompletedAt:  now,
	}
	if opts.ActorID != "" {
		completion.CompletedBy = &opts.ActorID
	}
	if err := e.Repo.InsertStepCompletion(ctx, tx, completion); err != nil {
		return domain.Engagement{}, domain.StepCompletion{}, err
	}

	eng.UpdatedAt = now
	next, hasNext := t.NextStep(step)
	if hasNext {
		eng.CurrentStepID = &next.ID
	} else {
		eng.Status = domain.EngagementSettled
		eng.CurrentStepID = nil
		eng.SettledAt = &now
	}
	if err := e.Repo.UpdateEngagement(ctx, tx, eng); err != nil {
		return domain.Engagement{}, domain.StepCompletion{}, err
	}
	if err := e.events().Append(ctx, tx, "engagement.step_completed", "engagement", eng.ID, opts.ActorID, events.EventPayload{
		"step_code":  step.Code,
		"step_order": step.StepOrder,
	}); err != nil {
		return domain.Engagement{}, domain.StepCompletion{}, err
	}
	if eng.Status == domain.EngagementSettled {
		if err := e.events().Append(ctx, tx, "engagement.settled", "engagement", eng.ID, opts.ActorID, events.EventPayload{
			"reference": eng.Reference,
		}); err != nil {
			return domain.Engagement{}, domain.StepCompletion{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Engagement{}, domain.StepCompletion{}, err
	}
	return eng, completion, nil
}

// checkRequiredDocuments verifies every document the step names was submitted.
func checkRequiredDocuments(step domain.WorkflowStep, submitted []domain.DocumentRef) error {
	for _, name := range step.Documents {
		found := false
		for _, d := range submitted {
			if d.Name == name {
				found = true
				break
			}
		}
		if !found {
			return domain.Reject(domain.KindValidation, domain.CodeInvalidInput,
				"required document %s of step %s is missing", name, step.Code)
		}
	}
	return nil
}

// resolveStepFields validates submitted fields against the step schema and
// evaluates calculated fields. The returned map contains submitted and
// calculated values together.
func (e Engine) resolveStepFields(ctx context.Context, tx *sql.Tx, step domain.WorkflowStep, eng domain.Engagement, submitted map[string]domain.FieldValue) (map[string]domain.FieldValue, error) {
	specs := map[string]domain.FieldSpec{}
	for _, f := range step.Fields {
		specs[f.Name] = f
	}
	for name := range submitted {
		spec, ok := specs[name]
		if !ok {
			return nil, domain.Reject(domain.KindValidation, domain.CodeInvalidInput,
				"field %s is not part of step %s", name, step.Code)
		}
		if spec.Type == domain.FieldCalculated {
			return nil, domain.Reject(domain.KindValidation, domain.CodeInvalidInput,
				"field %s is calculated and cannot be submitted", name)
		}
	}

	out := map[string]domain.FieldValue{}
	bindings := e.contextBindings(ctx, tx, eng)
	for _, f := range step.Fields {
		if f.Type == domain.FieldCalculated {
			continue
		}
		v, present := submitted[f.Name]
		if !present {
			if f.Required {
				return nil, domain.Reject(domain.KindValidation, domain.CodeInvalidInput,
					"required field %s of step %s is missing", f.Name, step.Code)
			}
			continue
		}
		if err := checkFieldValue(step.Code, f, v); err != nil {
			return nil, err
		}
		out[f.Name] = v
		if n, ok := v.Float(); ok {
			bindings[f.Name] = n
		}
	}

	// Calculated fields run in declaration order; earlier results are
	// visible to later formulas.
	for _, f := range step.CalculatedFields() {
		result, err := formula.Evaluate(f.Formula, bindings)
		if err != nil {
			return nil, domain.Reject(domain.KindCalculation, domain.CodeCalculationFailed,
				"field %s of step %s: %v", f.Name, step.Code, err)
		}
		out[f.Name] = domain.NumberValue(decimal.NewFromFloat(result))
		bindings[f.Name] = result
	}
	return out, nil
}

func (e Engine) contextBindings(ctx context.Context, tx *sql.Tx, eng domain.Engagement) map[string]float64 {
	bindings := map[string]float64{
		"amount": eng.Amount.InexactFloat64(),
	}
	if eng.CreditLineID != nil {
		line, err := e.Repo.GetCreditLineTx(ctx, tx, *eng.CreditLineID)
		if err == nil {
			bindings["ceiling"] = line.Ceiling.InexactFloat64()
			bindings["available"] = line.Available().InexactFloat64()
			bindings["interest_rate"] = line.InterestRate.InexactFloat64()
			bindings["commission_rate"] = line.CommissionRate.InexactFloat64()
		}
	}
	return bindings
}

func checkFieldValue(stepCode string, spec domain.FieldSpec, v domain.FieldValue) error {
	mismatch := func(want string) error {
		return domain.Reject(domain.KindValidation, domain.CodeInvalidInput,
			"field %s of step %s expects a %s value, got %s", spec.Name, stepCode, want, v.Kind)
	}
	switch spec.Type {
	case domain.FieldNumber:
		if v.Kind != domain.ValueNumber {
			return mismatch("number")
		}
	case domain.FieldDate:
		if v.Kind != domain.ValueDate {
			return mismatch("date")
		}
	case domain.FieldCheckbox:
		if v.Kind != domain.ValueBool {
			return mismatch("boolean")
		}
	case domain.FieldSelect:
		if v.Kind != domain.ValueString {
			return mismatch("string")
		}
		for _, opt := range spec.Options {
			if v.Str == opt {
				return nil
			}
		}
		return domain.Reject(domain.KindValidation, domain.CodeInvalidInput,
			"field %s of step %s does not accept option %q", spec.Name, stepCode, v.Str)
	case domain.FieldRelation:
		if v.Kind != domain.ValueString && v.Kind != domain.ValueDocument {
			return mismatch("string")
		}
	default:
		if v.Kind != domain.ValueString {
			return mismatch("string")
		}
	}
	return nil
}

// CancelEngagement abandons an in-progress engagement. The step pointer is
// kept so the history shows where the workflow stopped.
func (e Engine) CancelEngagement(ctx context.Context, id, reason, actorID string) (domain.Engagement, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Engagement{}, err
	}
	defer tx.Rollback()

	eng, err := e.Repo.GetEngagementTx(ctx, tx, id)
	if err == repo.ErrNotFound {
		return domain.Engagement{}, domain.Reject(domain.KindNotFound, domain.CodeEngagementNotFound, "engagement %s not found", id)
	}
	if err != nil {
		return domain.Engagement{}, err
	}
	if eng.Status != domain.EngagementInProgress {
		return domain.Engagement{}, domain.Reject(domain.KindStateConflict, domain.CodeStatusBlocked,
			"engagement %s is %s", eng.Reference, eng.Status)
	}
	eng.Status = domain.EngagementCancelled
	eng.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateEngagement(ctx, tx, eng); err != nil {
		return domain.Engagement{}, err
	}
	if err := e.events().Append(ctx, tx, "engagement.cancelled", "engagement", eng.ID, actorID, events.EventPayload{
		"reference": eng.Reference,
		"reason":    reason,
	}); err != nil {
		return domain.Engagement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Engagement{}, err
	}
	return eng, nil
}

// History returns the completion trail of an engagement in chronological
// order, read fresh on every call.
func (e Engine) History(ctx context.Context, engagementID string) ([]domain.StepCompletion, error) {
	if _, err := e.Repo.GetEngagement(ctx, engagementID); err == repo.ErrNotFound {
		return nil, domain.Reject(domain.KindNotFound, domain.CodeEngagementNotFound, "engagement %s not found", engagementID)
	} else if err != nil {
		return nil, err
	}
	return e.Repo.ListStepCompletions(ctx, engagementID)
}

// GetCreditLine reads a credit line, mapping absence to a typed rejection.
func (e Engine) GetCreditLine(ctx context.Context, id string) (domain.CreditLine, error) {
	line, err := e.Repo.GetCreditLine(ctx, id)
	if err == repo.ErrNotFound {
		return domain.CreditLine{}, domain.Reject(domain.KindNotFound, domain.CodeInvalidInput, "credit line %s not found", id)
	}
	return line, err
}

// GetEngagement reads an engagement, mapping absence to a typed rejection.
func (e Engine) GetEngagement(ctx context.Context, id string) (domain.Engagement, error) {
	eng, err := e.Repo.GetEngagement(ctx, id)
	if err == repo.ErrNotFound {
		return domain.Engagement{}, domain.Reject(domain.KindNotFound, domain.CodeEngagementNotFound, "engagement %s not found", id)
	}
	return eng, err
}

// GrantRole assigns a workspace role to an actor.
func (e Engine) GrantRole(ctx context.Context, actorID, roleID, grantedBy string) error {
	if e.Config != nil {
		if _, ok := e.Config.Roles[roleID]; !ok {
			return domain.Reject(domain.KindValidation, domain.CodeInvalidInput,
				"role %s is not declared in the workspace config", roleID)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.AssignRole(ctx, tx, actorID, roleID); err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, "actor.role_granted", "actor", actorID, grantedBy, events.EventPayload{
		"role": roleID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes a role assignment.
func (e Engine) RevokeRole(ctx context.Context, actorID, roleID, revokedBy string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.RevokeRole(ctx, tx, actorID, roleID); err != nil {
		if err == repo.ErrNotFound {
			return domain.Reject(domain.KindNotFound, domain.CodeInvalidInput,
				"actor %s does not hold role %s", actorID, roleID)
		}
		return err
	}
	if err := e.events().Append(ctx, tx, "actor.role_revoked", "actor", actorID, revokedBy, events.EventPayload{
		"role": roleID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
