package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"tradeline/internal/domain"
	"tradeline/internal/engine"
	"tradeline/internal/engine/auth"
	"tradeline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"ThresholdExceeded"`
	Message string         `json:"message" example:"draw would exceed the category threshold"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Tradeline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Tradeline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCreditLines(group, cfg.Engine)
	registerTemplates(group, cfg.Engine)
	registerEngagements(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRoles(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps domain rejections onto the HTTP error envelope. The
// rejection code travels unchanged so clients can branch on it.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"roles": fe.Roles})
	}
	var rej domain.Rejection
	if errors.As(err, &rej) {
		status := http.StatusInternalServerError
		switch rej.Kind {
		case domain.KindValidation:
			status = http.StatusBadRequest
		case domain.KindInvariant, domain.KindCalculation:
			status = http.StatusUnprocessableEntity
		case domain.KindStateConflict:
			status = http.StatusConflict
		case domain.KindNotFound:
			status = http.StatusNotFound
		}
		return newAPIError(status, rej.Code, rej.Reason, map[string]any{"kind": string(rej.Kind)})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func parseAmount(field, value string) (decimal.Decimal, huma.StatusError) {
	if strings.TrimSpace(value) == "" {
		return decimal.Zero, newAPIError(http.StatusBadRequest, "bad_request", field+" is required", nil)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("%s is not a decimal: %q", field, value), nil)
	}
	return d, nil
}

func parseOptionalAmount(field string, value *string) (*decimal.Decimal, huma.StatusError) {
	if value == nil {
		return nil, nil
	}
	d, err := parseAmount(field, *value)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Tradeline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerCreditLines(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-credit-line",
		Method:        http.MethodPost,
		Path:          "/credit-lines",
		Summary:       "Open a credit line",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateCreditLineRequest `json:"body"`
	}) (*struct {
		Body CreditLineResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ceiling, perr := parseAmount("ceiling", input.Body.Ceiling)
		if perr != nil {
			return nil, perr
		}
		opts := engine.CreditLineCreateOptions{
			Label:      input.Body.Label,
			Ceiling:    ceiling,
			StartDate:  input.Body.StartDate,
			ExpiryDate: input.Body.ExpiryDate,
			ActorID:    actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Currency != nil {
			opts.Currency = *input.Body.Currency
		}
		if input.Body.InterestRate != nil {
			d, perr := parseAmount("interest_rate", *input.Body.InterestRate)
			if perr != nil {
				return nil, perr
			}
			opts.InterestRate = d
		}
		if input.Body.CommissionRate != nil {
			d, perr := parseAmount("commission_rate", *input.Body.CommissionRate)
			if perr != nil {
				return nil, perr
			}
			opts.CommissionRate = d
		}
		if len(input.Body.Thresholds) > 0 {
			opts.Thresholds = map[string]decimal.Decimal{}
			for key, v := range input.Body.Thresholds {
				d, perr := parseAmount("thresholds."+key, v)
				if perr != nil {
					return nil, perr
				}
				opts.Thresholds[key] = d
			}
		}
		var perr2 huma.StatusError
		if opts.MaxTolerance, perr2 = parseOptionalAmount("max_tolerance", input.Body.MaxTolerance); perr2 != nil {
			return nil, perr2
		}
		if opts.MinTolerance, perr2 = parseOptionalAmount("min_tolerance", input.Body.MinTolerance); perr2 != nil {
			return nil, perr2
		}
		line, err := e.CreateCreditLine(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreditLineResponse `json:"body"`
		}{Body: creditLineResponse(line)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-credit-lines",
		Method:      http.MethodGet,
		Path:        "/credit-lines",
		Summary:     "List credit lines",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"open,in_use,suspended,closed,"`
	}) (*struct {
		Body []CreditLineResponse `json:"body"`
	}, error) {
		lines, err := e.Repo.ListCreditLines(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]CreditLineResponse, 0, len(lines))
		for _, l := range lines {
			out = append(out, creditLineResponse(l))
		}
		return &struct {
			Body []CreditLineResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-credit-line",
		Method:      http.MethodGet,
		Path:        "/credit-lines/{line_id}",
		Summary:     "Get credit line",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LineID string `path:"line_id"`
	}) (*struct {
		Body CreditLineResponse `json:"body"`
	}, error) {
		line, err := e.GetCreditLine(ctx, input.LineID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreditLineResponse `json:"body"`
		}{Body: creditLineResponse(line)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "draw-down",
		Method:      http.MethodPost,
		Path:        "/credit-lines/{line_id}/draw",
		Summary:     "Draw down on a credit line",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		LineID string          `path:"line_id"`
		Body   DrawDownRequest `json:"body"`
	}) (*struct {
		Body CreditLineResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, perr := parseAmount("amount", input.Body.Amount)
		if perr != nil {
			return nil, perr
		}
		line, err := e.DrawDown(ctx, engine.DrawDownOptions{
			CreditLineID: input.LineID,
			Amount:       amount,
			Category:     input.Body.Category,
			Reference:    input.Body.Reference,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreditLineResponse `json:"body"`
		}{Body: creditLineResponse(line)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "attach-guarantee",
		Method:        http.MethodPost,
		Path:          "/credit-lines/{line_id}/guarantees",
		Summary:       "Attach a guarantee",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		LineID string                 `path:"line_id"`
		Body   AttachGuaranteeRequest `json:"body"`
	}) (*struct {
		Body GuaranteeResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, perr := parseAmount("amount", input.Body.Amount)
		if perr != nil {
			return nil, perr
		}
		opts := engine.GuaranteeAttachOptions{
			CreditLineID: input.LineID,
			Type:         input.Body.Type,
			Amount:       amount,
			ExpiryDate:   input.Body.ExpiryDate,
			ActorID:      actorID,
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		g, err := e.AttachGuarantee(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GuaranteeResponse `json:"body"`
		}{Body: guaranteeResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-guarantees",
		Method:      http.MethodGet,
		Path:        "/credit-lines/{line_id}/guarantees",
		Summary:     "List guarantees of a credit line",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LineID string `path:"line_id"`
	}) (*struct {
		Body []GuaranteeResponse `json:"body"`
	}, error) {
		if _, err := e.GetCreditLine(ctx, input.LineID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListGuarantees(ctx, input.LineID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]GuaranteeResponse, 0, len(items))
		for _, g := range items {
			out = append(out, guaranteeResponse(g))
		}
		return &struct {
			Body []GuaranteeResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "suspend-credit-line",
		Method:      http.MethodPost,
		Path:        "/credit-lines/{line_id}/suspend",
		Summary:     "Suspend a credit line",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		LineID string                   `path:"line_id"`
		Body   SuspendCreditLineRequest `json:"body"`
	}) (*struct {
		Body CreditLineResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		line, err := e.SuspendCreditLine(ctx, input.LineID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreditLineResponse `json:"body"`
		}{Body: creditLineResponse(line)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-credit-line",
		Method:      http.MethodPost,
		Path:        "/credit-lines/{line_id}/close",
		Summary:     "Close a credit line",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		LineID string `path:"line_id"`
	}) (*struct {
		Body CreditLineResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		line, err := e.CloseCreditLine(ctx, input.LineID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreditLineResponse `json:"body"`
		}{Body: creditLineResponse(line)}, nil
	})
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "import-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Import a workflow template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ImportTemplateRequest `json:"body"`
	}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t := domain.WorkflowTemplate{
			Code:  input.Body.Code,
			Label: input.Body.Label,
		}
		if input.Body.DrawCategory != nil {
			t.DrawCategory = *input.Body.DrawCategory
		}
		for _, s := range input.Body.Steps {
			t.Steps = append(t.Steps, domain.WorkflowStep{
				StepOrder:        s.Order,
				Code:             s.Code,
				Label:            s.Label,
				Fields:           fieldSpecsFromPayloads(s.Fields),
				Documents:        s.Documents,
				RequiresApproval: s.RequiresApproval,
				ApprovalRoles:    s.ApprovalRoles,
			})
		}
		imported, err := e.ImportTemplate(ctx, t, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TemplateResponse `json:"body"`
		}{Body: templateResponse(imported)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List workflow templates",
	}, func(ctx context.Context, input *struct {
		Active bool `query:"active"`
	}) (*struct {
		Body []TemplateResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTemplates(ctx, input.Active)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TemplateResponse, 0, len(items))
		for _, t := range items {
			out = append(out, templateResponse(t))
		}
		return &struct {
			Body []TemplateResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{code}",
		Summary:     "Get a workflow template by code",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Code string `path:"code"`
	}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTemplateByCode(ctx, input.Code)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TemplateResponse `json:"body"`
		}{Body: templateResponse(t)}, nil
	})
}

func registerEngagements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-engagement",
		Method:        http.MethodPost,
		Path:          "/engagements",
		Summary:       "Open an engagement",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateEngagementRequest `json:"body"`
	}) (*struct {
		Body EngagementResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.EngagementCreateOptions{
			TemplateCode: input.Body.TemplateCode,
			ActorID:      actorID,
		}
		if input.Body.CreditLineID != nil {
			opts.CreditLineID = *input.Body.CreditLineID
		}
		if input.Body.Amount != nil {
			d, perr := parseAmount("amount", *input.Body.Amount)
			if perr != nil {
				return nil, perr
			}
			opts.Amount = d
		}
		if input.Body.Currency != nil {
			opts.Currency = *input.Body.Currency
		}
		if input.Body.StartDate != nil {
			opts.StartDate = *input.Body.StartDate
		}
		if input.Body.DueDate != nil {
			opts.DueDate = *input.Body.DueDate
		}
		eng, err := e.CreateEngagement(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EngagementResponse `json:"body"`
		}{Body: engagementResponse(eng)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-engagements",
		Method:      http.MethodGet,
		Path:        "/engagements",
		Summary:     "List engagements",
	}, func(ctx context.Context, input *struct {
		TemplateID   string `query:"template_id"`
		CreditLineID string `query:"credit_line_id"`
		Status       string `query:"status" enum:"in_progress,settled,cancelled,"`
		Limit        int    `query:"limit"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body struct {
			Items      []EngagementResponse `json:"items"`
			NextCursor string               `json:"next_cursor,omitempty"`
		} `json:"body"`
	}, error) {
		items, next, err := e.Repo.ListEngagements(ctx, repo.EngagementFilter{
			TemplateID:   input.TemplateID,
			CreditLineID: input.CreditLineID,
			Status:       input.Status,
			Limit:        input.Limit,
			Cursor:       input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items      []EngagementResponse `json:"items"`
				NextCursor string               `json:"next_cursor,omitempty"`
			} `json:"body"`
		}{}
		out.Body.Items = make([]EngagementResponse, 0, len(items))
		for _, eng := range items {
			out.Body.Items = append(out.Body.Items, engagementResponse(eng))
		}
		out.Body.NextCursor = next
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-engagement",
		Method:      http.MethodGet,
		Path:        "/engagements/{engagement_id}",
		Summary:     "Get engagement",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EngagementID string `path:"engagement_id"`
	}) (*struct {
		Body EngagementResponse `json:"body"`
	}, error) {
		eng, err := e.GetEngagement(ctx, input.EngagementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EngagementResponse `json:"body"`
		}{Body: engagementResponse(eng)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-step",
		Method:      http.MethodPost,
		Path:        "/engagements/{engagement_id}/complete",
		Summary:     "Complete the current step",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		EngagementID string              `path:"engagement_id"`
		Body         CompleteStepRequest `json:"body"`
	}) (*struct {
		Body struct {
			Engagement EngagementResponse     `json:"engagement"`
			Completion StepCompletionResponse `json:"completion"`
		} `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		eng, completion, err := e.CompleteStep(ctx, engine.StepCompleteOptions{
			EngagementID: input.EngagementID,
			StepID:       input.Body.StepID,
			Fields:       input.Body.Fields,
			Documents:    documentsFromPayloads(input.Body.Documents),
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Engagement EngagementResponse     `json:"engagement"`
				Completion StepCompletionResponse `json:"completion"`
			} `json:"body"`
		}{}
		out.Body.Engagement = engagementResponse(eng)
		out.Body.Completion = completionResponse(completion)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-engagement",
		Method:      http.MethodPost,
		Path:        "/engagements/{engagement_id}/cancel",
		Summary:     "Cancel an engagement",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		EngagementID string                  `path:"engagement_id"`
		Body         CancelEngagementRequest `json:"body"`
	}) (*struct {
		Body EngagementResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		eng, err := e.CancelEngagement(ctx, input.EngagementID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EngagementResponse `json:"body"`
		}{Body: engagementResponse(eng)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "engagement-history",
		Method:      http.MethodGet,
		Path:        "/engagements/{engagement_id}/history",
		Summary:     "Step completion history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EngagementID string `path:"engagement_id"`
	}) (*struct {
		Body []StepCompletionResponse `json:"body"`
	}, error) {
		history, err := e.History(ctx, input.EngagementID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]StepCompletionResponse, 0, len(history))
		for _, c := range history {
			out = append(out, completionResponse(c))
		}
		return &struct {
			Body []StepCompletionResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest audit events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerRoles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPost,
		Path:          "/actors/{actor_id}/roles",
		Summary:       "Grant a role to an actor",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ActorID string           `path:"actor_id"`
		Body    GrantRoleRequest `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		grantedBy, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.GrantRole(ctx, input.ActorID, input.Body.Role, grantedBy); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"actor_id": input.ActorID, "role": input.Body.Role}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodDelete,
		Path:        "/actors/{actor_id}/roles/{role_id}",
		Summary:     "Revoke a role from an actor",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
		RoleID  string `path:"role_id"`
	}) (*struct{}, error) {
		revokedBy, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeRole(ctx, input.ActorID, input.RoleID, revokedBy); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actor-roles",
		Method:      http.MethodGet,
		Path:        "/actors/{actor_id}/roles",
		Summary:     "List roles of an actor",
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
	}) (*struct {
		Body []string `json:"body"`
	}, error) {
		roles, err := e.Repo.ActorRoles(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		if roles == nil {
			roles = []string{}
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: roles}, nil
	})
}
