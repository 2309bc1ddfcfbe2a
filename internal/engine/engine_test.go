package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeline/internal/config"
	"tradeline/internal/db"
	"tradeline/internal/domain"
	"tradeline/internal/engine"
	"tradeline/internal/engine/auth"
	"tradeline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("ws-1")
	eng := engine.New(conn, cfg)
	// Each call advances by a second so engagement references stay unique.
	tick := 0
	eng.Now = func() time.Time {
		tick++
		return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(tick) * time.Second)
	}
	ctx := context.Background()
	if err := eng.Repo.UpsertWorkspaceConfig(ctx, "ws-1", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func rejection(t *testing.T, err error) domain.Rejection {
	t.Helper()
	var rej domain.Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected rejection, got %v", err)
	}
	return rej
}

func threeStepTemplate() domain.WorkflowTemplate {
	return domain.WorkflowTemplate{
		Code:  "import-lc",
		Label: "Import letter of credit",
		Steps: []domain.WorkflowStep{
			{StepOrder: 1, Code: "open", Label: "Opening", Fields: []domain.FieldSpec{
				{Name: "beneficiary", Type: domain.FieldText, Required: true},
			}},
			{StepOrder: 2, Code: "ship", Label: "Shipment", Fields: []domain.FieldSpec{
				{Name: "shipment_date", Type: domain.FieldDate, Required: true},
			}},
			{StepOrder: 3, Code: "settle", Label: "Settlement"},
		},
	}
}

func mustImport(t *testing.T, env testEnv, tpl domain.WorkflowTemplate) domain.WorkflowTemplate {
	t.Helper()
	out, err := env.Engine.ImportTemplate(env.Ctx, tpl, "tester")
	if err != nil {
		t.Fatalf("import template: %v", err)
	}
	return out
}

func mustCreateEngagement(t *testing.T, env testEnv, opts engine.EngagementCreateOptions) domain.Engagement {
	t.Helper()
	if opts.ActorID == "" {
		opts.ActorID = "tester"
	}
	eng, err := env.Engine.CreateEngagement(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create engagement: %v", err)
	}
	return eng
}

func TestEngagementWalksStepsAndSettles(t *testing.T) {
	env := newTestEnv(t)
	tpl := mustImport(t, env, threeStepTemplate())
	eng := mustCreateEngagement(t, env, engine.EngagementCreateOptions{TemplateCode: "import-lc"})

	if eng.Status != domain.EngagementInProgress {
		t.Fatalf("status = %s", eng.Status)
	}
	if eng.CurrentStepID == nil || *eng.CurrentStepID != tpl.Steps[0].ID {
		t.Fatalf("expected pointer at first step")
	}

	eng2, _, err := env.Engine.CompleteStep(env.Ctx, engine.StepCompleteOptions{
		EngagementID: eng.ID,
		Fields:       map[string]domain.FieldValue{"beneficiary": domain.StringValue("ACME Trading")},
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("complete step 1: %v", err)
	}
	if eng2.Status != domain.EngagementInProgress || eng2.CurrentStepID == nil || *eng2.CurrentStepID != tpl.Steps[1].ID {
		t.Fatalf("expected pointer at step 2, got %+v", eng2)
	}

	eng3, _, err := env.Engine.CompleteStep(env.Ctx, engine.StepCompleteOptions{
		EngagementID: eng.ID,
		Fields:       map[string]domain.FieldValue{"shipment_date": domain.DateValue("2025-02-10")},
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("complete step 2: %v", err)
	}
	if eng3.Status != domain.EngagementInProgress || *eng3.CurrentStepID != tpl.Steps[2].ID {
		t.Fatalf("expected pointer at step 3")
	}

	final, _, err := env.Engine.CompleteStep(env.Ctx, engine.StepCompleteOptions{EngagementID: eng.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("complete step 3: %v", err)
	}
	if final.Status != domain.EngagementSettled {
		t.Fatalf("status = %s, want settled", final.Status)
	}
	if final.CurrentStepID != nil {
		t.Fatalf("settled engagement keeps step pointer %s", *final.CurrentStepID)
	}
	if final.SettledAt == nil {
		t.Fatalf("settled_at not set")
	}

	history, err := env.Engine.History(env.Ctx, eng.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history length = %d, want 3", len(history))
	}
	for i, c := range history {
		if c.StepID != tpl.Steps[i].ID {
			t.Fatalf("history[%d] step = %s, want %s", i, c.StepID, tpl.Steps[i].ID)
		}
	}
}

func TestSettledEngagementRejectsFurtherCompletions(t *testing.T) {
	env := newTestEnv(t)
	mustImport(t, env, domain.WorkflowTemplate{
		Code:  "one-step",
		Label: "Single step",
		Steps: []domain.WorkflowStep{{StepOrder: 1, Code: "only", Label: "Only"}},
	})
	eng := mustCreateEngagement(t, env, engine.EngagementCreateOptions{TemplateCode: "one-step"})
	if _, _, err := env.Engine.CompleteStep(env.Ctx, engine.StepCompleteOptions{EngagementID: eng.ID, ActorID: "tester"}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	_, _, err := env.Engine.CompleteStep(env.Ctx, engine.StepCompleteOptions{EngagementID: eng.ID, ActorID: "tester"})
	rej := rejection(t, err)
	if rej.Kind != domain.KindStateConflict {
		t.Fatalf("kind = %s, want state_conflict", rej.Kind)
	}
	history, err := env.Engine.History(env.Ctx, eng.ID)
	if err != nil || len(history) != 1 {
		t.Fatalf("history after rejected completion: %d entries, err %v", len(history), err)
	}
}

func TestHistoryIsStableAcrossReads(t *testing.T) {
	env := newTestEnv(t)
	tpl := threeStepTemplate()
	tpl.Code = "stable"
	mustImport(t, env, tpl)
	eng := mustCreateEngagement(t, env, engine.EngagementCreateOptions{TemplateCode: "stable"})
	if _, _, err := env.Engine.CompleteStep(env.Ctx, engine.StepCompleteOptions{
		EngagementID: eng.ID,
		Fields:       map[string]domain.FieldValue{"beneficiary": domain.StringValue("ACME")},
		ActorID:      "tester",
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	first, err := env.Engine.History(env.Ctx, eng.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.History(env.Ctx, eng.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) || first[0].ID != second[0].ID {
		t.Fatalf("history changed between reads")
	}
}

func TestCalculatedFieldsEvaluateInOrder(t *testing.T) {
	env := newTestEnv(t)
	mustImport(t, env, domain.WorkflowTemplate{
		Code:  "calc",
		Label: "Calculation",
		Steps: []domain.WorkflowStep{{
			StepOrder: 1, Code: "terms", Label: "Terms",
			Fields: []domain.FieldSpec{
				{Name: "principal", Type: domain.FieldNumber, Required: true},
				{Name: "rate", Type: domain.FieldNumber, Required: true},
				{Name: "interest", Type: domain.FieldCalculated, Formula: "principal * rate / 100", DependsOn: []string{"principal", "rate"}},
				{Name: "total", Type: domain.FieldCalculated, Formula: "principal + interest", DependsOn: []string{"principal", "interest"}},
			},
		}},
	})
	eng := mustCreateEngagement(t, env, engine.EngagementCreateOptions{TemplateCode: "calc"})
	_, completion, err := env.Engine.CompleteStep(env.Ctx, engine.StepCompleteOptions{
		EngagementID: eng.ID,
		Fields: map[string]domain.FieldValue{
			"principal": domain.NumberValue(dec("10000")),
			"rate":      domain.NumberValue(dec("5")),
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	interest, ok := completion.Fields["interest"].Float()
	if !ok || interest != 500 {
		t.Fatalf("interest = %v, want 500", interest)
	}
	total, ok := completion.Fields["total"].Float()
	if !ok || total != 10500 {
		t.Fatalf("total = %v, want 10500", total)
	}
}

func TestCalculationFailureWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	mustImport(t, env, domain.WorkflowTemplate{
		Code:  "calc-fail",
		Label: "Calculation failure",
		Steps: []domain.WorkflowStep{{
			StepOrder: 1, Code: "terms", Label: "Terms",
			Fields: []domain.FieldSpec{
				{Name: "principal", Type: domain.FieldNumber},
				{Name: "ratio", Type: domain.FieldCalculated, Formula: "principal / divisor", DependsOn: []string{"amount"}},
			},
		}},
	})
	eng := mustCreateEngagement(t, env, engine.EngagementCreateOptions{TemplateCode: "calc-fail"})
	_, _, err := env.Engine.CompleteStep(env.Ctx, engine.StepCompleteOptions{
		EngagementID: eng.ID,
		Fields:       map[string]domain.FieldValue{"principal": domain.NumberValue(dec("100"))},
		ActorID:      "tester",
	})
	rej := rejection(t, err)
	if rej.Kind != domain.KindCalculation || rej.Code != domain.CodeCalculationFailed {
		t.Fatalf("rejection = %+v", rej)
	}
	got, err := env.Engine.GetEngagement(env.Ctx, eng.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentStepID == nil || got.Status != domain.EngagementInProgress {
		t.Fatalf("engagement advanced despite calculation failure: %+v", got)
	}
	history, err := env.Engine.History(env.Ctx, eng.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Fatalf("history has %d entries after failed completion", len(history))
	}
}

func TestFieldValidation(t *testing.T) {
	env := newTestEnv(t)
	mustImport(t, env, domain.WorkflowTemplate{
		Code:  "fields",
		Label: "Field checks",
		Steps: []domain.WorkflowStep{{
			StepOrder: 1, Code: "input", Label: "Input",
			Fields: []domain.FieldSpec{
				{Name: "kind", Type: domain.FieldSelect, Required: true, Options: []string{"sight", "usance"}},
				{Name: "amount", Type: domain.FieldNumber, Required: true},
			},
		}},
	})
	eng := mustCreateEngagement(t, env, engine.EngagementCreateOptions{TemplateCode: "fields"})

	// missing required field
	_, _, err := env.Engine.CompleteStep(env.Ctx, engine.StepCompleteOptions{
		EngagementID: eng.ID,
		Fields:       map[string]domain.FieldValue{"kind": domain.StringValue("sight")},
		ActorID:      "tester",
	})
	if rejection(t, err).Kind != domain.KindValidation {
		t.Fatalf("expected validation rejection for missing field")
	}

	// wrong value kind
	_, _, err = env.Engine.CompleteStep(env.Ctx, engine.StepCompleteOptions{
		EngagementID: eng.ID,
		Fields: map[string]domain.FieldValue{
			"kind":   domain.StringValue("sight"),
			"amount": domain.StringValue("not a number"),
		},
		ActorID: "tester",
	})
	if rejection(t, err).Kind != domain.KindValidation {
		t.Fatalf("expected validation rejection for wrong kind")
	}

	// option outside the list
	_, _, err = env.Engine.CompleteStep(env.Ctx, engine.StepCompleteOptions{
		EngagementID: eng.ID,
		Fields: map[string]domain.FieldValue{
			"kind":   domain.StringValue("deferred"),
			"amount": domain.NumberValue(dec("10")),
		},
		ActorID: "tester",
	})
	if rejection(t, err).Kind != domain.KindValidation {
		t.Fatalf("expected validation rejection for unknown option")
	}
}

func TestApprovalGate(t *testing.T) {
	env := newTestEnv(t)
	mustImport(t, env, domain.WorkflowTemplate{
		Code:  "approved",
		Label: "Gated",
		Steps: []domain.WorkflowStep{{
			StepOrder: 1, Code: "review", Label: "Review",
			RequiresApproval: true,
			ApprovalRoles:    []string{"branch-manager"},
		}},
	})
	eng := mustCreateEngagement(t, env, engine.EngagementCreateOptions{TemplateCode: "approved"})

	_, _, err := env.Engine.CompleteStep(env.Ctx, engine.StepCompleteOptions{EngagementID: eng.ID, ActorID: "clerk"})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	if err := env.Engine.GrantRole(env.Ctx, "manager", "branch-manager", "tester"); err != nil {
		t.Fatalf("grant role: %v", err)
	}
	if _, _, err := env.Engine.CompleteStep(env.Ctx, engine.StepCompleteOptions{EngagementID: eng.ID, ActorID: "manager"}); err != nil {
		t.Fatalf("complete with role: %v", err)
	}
}

func TestCancelKeepsStepPointer(t *testing.T) {
	env := newTestEnv(t)
	tpl := mustImport(t, env, threeStepTemplate())
	eng := mustCreateEngagement(t, env, engine.EngagementCreateOptions{TemplateCode: "import-lc"})
	cancelled, err := env.Engine.CancelEngagement(env.Ctx, eng.ID, "client withdrew", "tester")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.EngagementCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}
	if cancelled.CurrentStepID == nil || *cancelled.CurrentStepID != tpl.Steps[0].ID {
		t.Fatalf("cancel cleared the step pointer")
	}
	if _, err := env.Engine.CancelEngagement(env.Ctx, eng.ID, "again", "tester"); err == nil {
		t.Fatalf("expected state conflict on double cancel")
	}
}

func TestCreateEngagementUnknownTemplate(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateEngagement(env.Ctx, engine.EngagementCreateOptions{TemplateCode: "ghost", ActorID: "tester"})
	rej := rejection(t, err)
	if rej.Kind != domain.KindNotFound || rej.Code != domain.CodeTemplateNotFound {
		t.Fatalf("rejection = %+v", rej)
	}
}

func TestEngagementDrawsOnCreditLine(t *testing.T) {
	env := newTestEnv(t)
	line, err := env.Engine.CreateCreditLine(env.Ctx, engine.CreditLineCreateOptions{
		Label:      "Facility A",
		Ceiling:    dec("100000"),
		StartDate:  "2025-01-01",
		ExpiryDate: "2026-01-01",
		Thresholds: map[string]decimal.Decimal{"THRESHOLD_STOCK": dec("50000")},
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("create line: %v", err)
	}
	tpl := threeStepTemplate()
	tpl.Code = "stock-advance"
	tpl.DrawCategory = "stock"
	mustImport(t, env, tpl)

	eng := mustCreateEngagement(t, env, engine.EngagementCreateOptions{
		TemplateCode: "stock-advance",
		CreditLineID: line.ID,
		Amount:       dec("40000"),
	})
	if eng.CreditLineID == nil || *eng.CreditLineID != line.ID {
		t.Fatalf("engagement not bound to line")
	}
	got, err := env.Engine.GetCreditLine(env.Ctx, line.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.TotalConsumed.Equal(dec("40000")) {
		t.Fatalf("total consumed = %s, want 40000", got.TotalConsumed)
	}
	if got.Status != domain.CreditLineInUse {
		t.Fatalf("line status = %s", got.Status)
	}

	// A draw over the threshold rejects the engagement as a whole.
	_, err = env.Engine.CreateEngagement(env.Ctx, engine.EngagementCreateOptions{
		TemplateCode: "stock-advance",
		CreditLineID: line.ID,
		Amount:       dec("20000"),
		ActorID:      "tester",
	})
	rej := rejection(t, err)
	if rej.Code != domain.CodeThresholdExceeded {
		t.Fatalf("code = %s, want threshold_exceeded", rej.Code)
	}
	after, err := env.Engine.GetCreditLine(env.Ctx, line.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !after.TotalConsumed.Equal(dec("40000")) {
		t.Fatalf("consumption changed on rejected engagement: %s", after.TotalConsumed)
	}
}

func TestSuspendedLineBlocksDraws(t *testing.T) {
	env := newTestEnv(t)
	line, err := env.Engine.CreateCreditLine(env.Ctx, engine.CreditLineCreateOptions{
		Label:      "Facility B",
		Ceiling:    dec("50000"),
		StartDate:  "2025-01-01",
		ExpiryDate: "2026-01-01",
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SuspendCreditLine(env.Ctx, line.ID, "documentation incident", "tester"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	_, err = env.Engine.DrawDown(env.Ctx, engine.DrawDownOptions{
		CreditLineID: line.ID, Amount: dec("100"), Category: "invoice", ActorID: "tester",
	})
	rej := rejection(t, err)
	if rej.Code != domain.CodeStatusBlocked {
		t.Fatalf("code = %s, want status_blocked", rej.Code)
	}
}

func TestUnknownDrawCategory(t *testing.T) {
	env := newTestEnv(t)
	line, err := env.Engine.CreateCreditLine(env.Ctx, engine.CreditLineCreateOptions{
		Label:      "Facility C",
		Ceiling:    dec("50000"),
		StartDate:  "2025-01-01",
		ExpiryDate: "2026-01-01",
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.DrawDown(env.Ctx, engine.DrawDownOptions{
		CreditLineID: line.ID, Amount: dec("100"), Category: "speculation", ActorID: "tester",
	})
	rej := rejection(t, err)
	if rej.Code != domain.CodeUnknownCategory {
		t.Fatalf("code = %s, want unknown_category", rej.Code)
	}
}

func TestHistoryKeepsCompletionOrderWithinSameInstant(t *testing.T) {
	env := newTestEnv(t)
	tpl := domain.WorkflowTemplate{Code: "long-chain", Label: "Long chain"}
	codes := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for i, code := range codes {
		tpl.Steps = append(tpl.Steps, domain.WorkflowStep{StepOrder: i + 1, Code: code, Label: code})
	}
	imported := mustImport(t, env, tpl)
	eng := mustCreateEngagement(t, env, engine.EngagementCreateOptions{TemplateCode: "long-chain"})

	// Freeze the clock so every completion lands on the same timestamp.
	env.Engine.Now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	for range codes {
		if _, _, err := env.Engine.CompleteStep(env.Ctx, engine.StepCompleteOptions{EngagementID: eng.ID, ActorID: "tester"}); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	history, err := env.Engine.History(env.Ctx, eng.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != len(codes) {
		t.Fatalf("history length = %d, want %d", len(history), len(codes))
	}
	for i, c := range history {
		if c.StepID != imported.Steps[i].ID {
			t.Fatalf("history[%d] step = %s, want %s", i, c.StepID, imported.Steps[i].ID)
		}
	}
}

func TestEventTimestampsFollowInjectedClock(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateCreditLine(env.Ctx, engine.CreditLineCreateOptions{
		Label:      "Facility D",
		Ceiling:    dec("1000"),
		StartDate:  "2025-01-01",
		ExpiryDate: "2026-01-01",
		ActorID:    "tester",
	}); err != nil {
		t.Fatal(err)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 1, "credit_line.created", "", "")
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if !strings.HasPrefix(events[0].TS, "2025-01-01T") {
		t.Fatalf("event ts = %s, want the test clock's date", events[0].TS)
	}
}

func TestRequiredDocuments(t *testing.T) {
	env := newTestEnv(t)
	mustImport(t, env, domain.WorkflowTemplate{
		Code:  "documented",
		Label: "Documented",
		Steps: []domain.WorkflowStep{{
			StepOrder: 1, Code: "present", Label: "Presentation",
			Documents: []string{"commercial_invoice", "bill_of_lading"},
		}},
	})
	eng := mustCreateEngagement(t, env, engine.EngagementCreateOptions{TemplateCode: "documented"})

	_, _, err := env.Engine.CompleteStep(env.Ctx, engine.StepCompleteOptions{
		EngagementID: eng.ID,
		Documents:    []domain.DocumentRef{{Name: "commercial_invoice"}},
		ActorID:      "tester",
	})
	if rejection(t, err).Kind != domain.KindValidation {
		t.Fatalf("expected validation rejection for missing document")
	}
	history, err := env.Engine.History(env.Ctx, eng.ID)
	if err != nil || len(history) != 0 {
		t.Fatalf("history after rejected completion: %d entries, err %v", len(history), err)
	}

	if _, _, err := env.Engine.CompleteStep(env.Ctx, engine.StepCompleteOptions{
		EngagementID: eng.ID,
		Documents: []domain.DocumentRef{
			{Name: "commercial_invoice", URI: "file:///invoice.pdf"},
			{Name: "bill_of_lading"},
		},
		ActorID: "tester",
	}); err != nil {
		t.Fatalf("complete with documents: %v", err)
	}
}

func TestDuplicateReferenceRejected(t *testing.T) {
	env := newTestEnv(t)
	mustImport(t, env, threeStepTemplate())

	// Same instant means the same <code>-<millis> reference.
	env.Engine.Now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	mustCreateEngagement(t, env, engine.EngagementCreateOptions{TemplateCode: "import-lc"})
	_, err := env.Engine.CreateEngagement(env.Ctx, engine.EngagementCreateOptions{TemplateCode: "import-lc", ActorID: "tester"})
	rej := rejection(t, err)
	if rej.Kind != domain.KindStateConflict || rej.Code != domain.CodeDuplicateReference {
		t.Fatalf("rejection = %+v", rej)
	}
}

func TestTemplateValidation(t *testing.T) {
	env := newTestEnv(t)

	noSteps := domain.WorkflowTemplate{Code: "empty", Label: "Empty"}
	if _, err := env.Engine.ImportTemplate(env.Ctx, noSteps, "tester"); err == nil {
		t.Fatalf("expected rejection for template without steps")
	}

	dupOrder := domain.WorkflowTemplate{
		Code: "dup", Label: "Dup",
		Steps: []domain.WorkflowStep{
			{StepOrder: 1, Code: "a", Label: "A"},
			{StepOrder: 1, Code: "b", Label: "B"},
		},
	}
	if _, err := env.Engine.ImportTemplate(env.Ctx, dupOrder, "tester"); err == nil {
		t.Fatalf("expected rejection for duplicate step order")
	}

	badDep := domain.WorkflowTemplate{
		Code: "bad-dep", Label: "Bad dep",
		Steps: []domain.WorkflowStep{{
			StepOrder: 1, Code: "s", Label: "S",
			Fields: []domain.FieldSpec{
				{Name: "x", Type: domain.FieldCalculated, Formula: "y * 2", DependsOn: []string{"y"}},
			},
		}},
	}
	if _, err := env.Engine.ImportTemplate(env.Ctx, badDep, "tester"); err == nil {
		t.Fatalf("expected rejection for unresolvable dependency")
	}

	mustImport(t, env, threeStepTemplate())
	if _, err := env.Engine.ImportTemplate(env.Ctx, threeStepTemplate(), "tester"); err == nil {
		t.Fatalf("expected rejection for duplicate template code")
	}
}
