package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"creditline/internal/chain"
	"creditline/internal/domain"
	"creditline/internal/engine"
	"creditline/internal/ledger"
	"creditline/internal/repo"
	"creditline/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"step verification is pending; current step is initial-review"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the creditline API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	hcfg := huma.DefaultConfig("Creditline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, cfg.Engine, cfg.Auth)
	registerWorkflows(group, cfg.Engine)
	registerCalculations(group, cfg.Engine)
	registerLedger(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe domain.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, domain.ErrInvalidAmount):
		return newAPIError(http.StatusBadRequest, "invalid_amount", msg, nil)
	case errors.Is(err, domain.ErrMissingRecipient):
		return newAPIError(http.StatusBadRequest, "missing_recipient", msg, nil)
	case errors.Is(err, domain.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, domain.ErrInvalidCredentials):
		return newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case errors.Is(err, domain.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, domain.ErrInsufficientCredits):
		return newAPIError(http.StatusConflict, "insufficient_credits", msg, nil)
	case errors.Is(err, domain.ErrPreconditionFailed):
		return newAPIError(http.StatusUnprocessableEntity, "precondition_failed", msg, nil)
	case errors.Is(err, domain.ErrConfirmationTimeout):
		return newAPIError(http.StatusGatewayTimeout, "confirmation_timeout", msg, nil)
	case errors.Is(err, chain.ErrUnreachable):
		return newAPIError(http.StatusServiceUnavailable, "ledger_unavailable", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "precondition_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):     true,
		path.Join(basePath, "auth/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Creditline API Docs</title>
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

func registerAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange email and password for a bearer token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		actor, err := e.Login(ctx, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		token, exp, err := signToken(authCfg.JWTSecret, actor, time.Now(), authCfg.ttl())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{Token: token, ActorID: actor.ID, Role: string(actor.Role), ExpiresAt: exp.UTC().Format(time.RFC3339)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register",
		Method:        http.MethodPost,
		Path:          "/auth/register",
		Summary:       "Register a profile",
		Description:   "The first profile of a workspace must be an admin and needs no credentials. Later registrations require user.create.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest `json:"body"`
	}) (*struct {
		Body ProfileResponse `json:"body"`
	}, error) {
		var caller *domain.Actor
		if p, ok := principalFromContext(ctx); ok {
			caller = &p.Actor
		}
		prof, err := e.Register(ctx, caller, input.Body.Email, input.Body.Password, domain.Role(input.Body.Role))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProfileResponse `json:"body"`
		}{Body: profileResponse(prof)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     actor.ID,
			Role:        string(actor.Role),
			Permissions: nonNilSlice(e.Auth.Permissions(actor.Role)),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Issue an API key for the caller",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plain, key, err := e.CreateAPIKey(ctx, actor, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: key.ID, Name: key.Name, Key: plain, CreatedAt: key.CreatedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List the caller's API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.ListAPIKeys(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		out := []APIKeyResponse{}
		for _, k := range keys {
			out = append(out, APIKeyResponse{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt, LastUsedAt: k.LastUsedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{key_id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteAPIKey(ctx, actor, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

type workflowBody struct {
	Body domain.ReportWorkflow `json:"body"`
}

func registerWorkflows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-report",
		Method:        http.MethodPost,
		Path:          "/workflows",
		Summary:       "Submit a monitoring report",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body SubmitReportRequest `json:"body"`
	}) (*workflowBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var raw []byte
		if len(input.Body.Report) > 0 {
			var err error
			if raw, err = json.Marshal(input.Body.Report); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid report", nil)
			}
		}
		wf, err := e.SubmitReport(ctx, actor, engine.SubmitOptions{
			ProjectID:    input.Body.ProjectID,
			ReportPeriod: input.Body.ReportPeriod,
			Report:       raw,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowBody{Body: wf}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Status    string `query:"status" enum:"submitted,under-review,verified,rejected,credits-minted"`
		Assignee  string `query:"assignee"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.ReportWorkflow `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListWorkflows(ctx, actor, repo.WorkflowFilters{
			ProjectID: input.ProjectID,
			Status:    input.Status,
			Assignee:  input.Assignee,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ReportWorkflow `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}",
		Summary:     "Get workflow",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*workflowBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		wf, err := e.GetWorkflow(ctx, actor, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowBody{Body: wf}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-step",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/steps/{step_id}/advance",
		Summary:     "Complete or reject the current step",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		StepID     string `path:"step_id"`
		Body       AdvanceStepRequest
	}) (*workflowBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		wf, err := e.AdvanceStep(ctx, actor, engine.AdvanceOptions{
			WorkflowID:      input.WorkflowID,
			StepID:          input.StepID,
			Outcome:         workflow.Outcome(input.Body.Outcome),
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowBody{Body: wf}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-step",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/steps/{step_id}/assign",
		Summary:     "Assign a pending or in-progress step",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		StepID     string `path:"step_id"`
		Body       AssignStepRequest
	}) (*workflowBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		wf, err := e.AssignStep(ctx, actor, input.WorkflowID, input.StepID, input.Body.Assignee)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowBody{Body: wf}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attach-report",
		Method:      http.MethodPut,
		Path:        "/workflows/{workflow_id}/report",
		Summary:     "Store the monitoring report of a workflow",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		WorkflowID string         `path:"workflow_id"`
		Body       map[string]any `json:"body"`
	}) (*workflowBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw, err := json.Marshal(input.Body)
		if err != nil || len(input.Body) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "report body required", nil)
		}
		wf, err := e.AttachReport(ctx, actor, input.WorkflowID, raw)
		if err != nil {
			return nil, handleError(err)
		}
		return &workflowBody{Body: wf}, nil
	})
}

func registerCalculations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "estimate-credits",
		Method:        http.MethodPost,
		Path:          "/workflows/{workflow_id}/calculations",
		Summary:       "Estimate credits for a verified report",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*struct {
		Body domain.CreditCalculationResult `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Estimate(ctx, actor, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CreditCalculationResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-calculations",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/calculations",
		Summary:     "Calculation history, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*struct {
		Body []domain.CreditCalculationResult `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Calculations(ctx, actor, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CreditCalculationResult `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

type transactionBody struct {
	Body domain.Transaction `json:"body"`
}

type ledgerBody struct {
	Body LedgerResponse `json:"body"`
}

var submitErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusConflict,
	http.StatusServiceUnavailable,
}

func registerLedger(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-ledger",
		Method:      http.MethodGet,
		Path:        "/ledger",
		Summary:     "Wallet, balance and transaction state",
	}, func(ctx context.Context, _ *struct{}) (*ledgerBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.LedgerSnapshot(actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &ledgerBody{Body: ledgerResponse(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-wallet",
		Method:      http.MethodPatch,
		Path:        "/ledger/wallet",
		Summary:     "Merge wallet fields",
	}, func(ctx context.Context, input *struct {
		Body WalletRequest
	}) (*ledgerBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.SetWallet(actor, ledger.WalletPatch{
			Address:     input.Body.Address,
			Balance:     input.Body.Balance,
			ChainID:     input.Body.ChainID,
			IsConnected: input.Body.IsConnected,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &ledgerBody{Body: ledgerResponse(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "reset-ledger",
		Method:        http.MethodPost,
		Path:          "/ledger/reset",
		Summary:       "Clear wallet and transaction state",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ResetLedger(ctx, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "mint",
		Method:        http.MethodPost,
		Path:          "/ledger/mint",
		Summary:       "Submit a mint",
		DefaultStatus: http.StatusAccepted,
		Errors:        submitErrors,
	}, func(ctx context.Context, input *struct {
		Body MintRequest
	}) (*transactionBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tx, err := e.Mint(ctx, actor, input.Body.Amount, input.Body.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &transactionBody{Body: tx}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "lease",
		Method:        http.MethodPost,
		Path:          "/ledger/lease",
		Summary:       "Submit a lease",
		DefaultStatus: http.StatusAccepted,
		Errors:        submitErrors,
	}, func(ctx context.Context, input *struct {
		Body LeaseRequest
	}) (*transactionBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tx, err := e.Lease(ctx, actor, input.Body.To, input.Body.ProjectID, input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &transactionBody{Body: tx}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "burn",
		Method:        http.MethodPost,
		Path:          "/ledger/burn",
		Summary:       "Submit a burn",
		DefaultStatus: http.StatusAccepted,
		Errors:        submitErrors,
	}, func(ctx context.Context, input *struct {
		Body BurnRequest
	}) (*transactionBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tx, err := e.Burn(ctx, actor, input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &transactionBody{Body: tx}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-transaction",
		Method:      http.MethodGet,
		Path:        "/ledger/transactions/{hash}",
		Summary:     "Get a pending or completed transaction",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Hash string `path:"hash"`
	}) (*transactionBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tx, err := e.Transaction(actor, input.Hash)
		if err != nil {
			return nil, handleError(err)
		}
		return &transactionBody{Body: tx}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "retry-transaction",
		Method:        http.MethodPost,
		Path:          "/ledger/transactions/{hash}/retry",
		Summary:       "Resubmit a failed transaction",
		DefaultStatus: http.StatusAccepted,
		Errors:        append([]int{http.StatusNotFound, http.StatusUnprocessableEntity}, submitErrors...),
	}, func(ctx context.Context, input *struct {
		Hash string `path:"hash"`
	}) (*transactionBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tx, err := e.RetryTransaction(ctx, actor, input.Hash)
		if err != nil {
			return nil, handleError(err)
		}
		return &transactionBody{Body: tx}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"workflow,calculation,transaction,ledger,profile"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.EventLog(ctx, actor, repo.EventFilters{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
