// Package server exposes the lifecycle engine over HTTP. Errors use a
// {code,message,details} envelope; auth accepts JWT bearer tokens or API
// keys resolved against the local key store.
package server

import (
	"bytes"
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

	"buildline/internal/engine"
	"buildline/internal/ledger"
	"buildline/internal/repo"
	"buildline/internal/verify"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"insufficient_credits"`
	Message string         `json:"message" example:"need 100, available 10"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Buildline API.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Buildline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerRequests(group, cfg.Engine)
	registerSubtasks(group, cfg.Engine)
	registerCredits(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return newAPIError(http.StatusPaymentRequired, "insufficient_credits", msg, map[string]any{
			"hint": "top up credits via POST /credits/topup",
		})
	case errors.Is(err, engine.ErrConflictInProgress):
		return newAPIError(http.StatusConflict, "conflict_in_progress", msg, nil)
	case errors.Is(err, ledger.ErrReservationNotHeld):
		return newAPIError(http.StatusConflict, "reservation_not_held", msg, nil)
	case errors.Is(err, engine.ErrCycleRejected):
		return newAPIError(http.StatusBadRequest, "cycle_rejected", msg, nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", msg, nil)
	case errors.Is(err, engine.ErrSubtasksPending):
		return newAPIError(http.StatusUnprocessableEntity, "subtasks_pending", msg, nil)
	case errors.Is(err, engine.ErrSubtaskBlocked):
		return newAPIError(http.StatusUnprocessableEntity, "subtask_blocked", msg, nil)
	case errors.Is(err, engine.ErrVerificationFailed):
		return newAPIError(http.StatusUnprocessableEntity, "verification_failed", msg, map[string]any{
			"hint": "inspect GET /requests/{id}/attempts, then override or abandon",
		})
	case errors.Is(err, verify.ErrLoopAborted):
		return newAPIError(http.StatusBadGateway, "loop_aborted", msg, nil)
	case errors.Is(err, engine.ErrCollaboratorTimeout):
		return newAPIError(http.StatusGatewayTimeout, "collaborator_timeout", msg, nil)
	}
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusPaymentRequired:
		return "insufficient_credits"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
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
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Buildline API Docs</title>
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Account status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		accountID := e.Config.Account.ID
		balance, err := e.Ledger.Balance(ctx, accountID)
		if err != nil {
			return nil, handleError(err)
		}
		available, err := e.Ledger.Available(ctx, accountID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountRequestsByState(ctx, accountID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"account_id":     accountID,
			"balance":        balance,
			"available":      available,
			"request_counts": counts,
		}}, nil
	})
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Submit a request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitRequestBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Submit(ctx, engine.SubmitOptions{
			AccountID:   e.Config.Account.ID,
			ActorID:     actorID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Complexity:  input.Body.Complexity,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List requests",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State string `query:"state"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body []RequestResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := e.Repo.ListRequests(ctx, repo.RequestFilters{AccountID: e.Config.Account.ID, State: input.State, Limit: limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RequestResponse `json:"body"`
		}{Body: mapRequests(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}",
		Summary:     "Get request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		req, err := e.Repo.GetRequest(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/advance",
		Summary:     "Advance a request to its next lifecycle state",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusPaymentRequired,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusGatewayTimeout,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string             `path:"request_id"`
		Body      AdvanceRequestBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		if input.Body.Target == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "target is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Advance(ctx, input.RequestID, input.Body.Target, actorID, input.Body.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/approve",
		Summary:     "Approve a proposal, gated on all subtasks being approved",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Advance(ctx, input.RequestID, "approved", actorID, false)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abandon-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/abandon",
		Summary:     "Abandon a request",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Abandon(ctx, input.RequestID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refine-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/refine",
		Summary:     "Refine the proposal of a request",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusPaymentRequired,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string            `path:"request_id"`
		Body      RefineRequestBody `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		if input.Body.Instructions == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "instructions are required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Refine(ctx, input.RequestID, input.Body.Instructions, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-attempts",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/attempts",
		Summary:     "List validation attempts for a request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body []AttemptResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRequest(ctx, input.RequestID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAttempts(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AttemptResponse `json:"body"`
		}{Body: mapAttempts(items)}, nil
	})
}

func registerSubtasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-subtask",
		Method:        http.MethodPost,
		Path:          "/requests/{request_id}/subtasks",
		Summary:       "Add a subtask to a request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string            `path:"request_id"`
		Body      CreateSubtaskBody `json:"body"`
	}) (*struct {
		Body SubtaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.AddSubtask(ctx, engine.SubtaskCreateOptions{
			RequestID:     input.RequestID,
			Title:         input.Body.Title,
			Order:         input.Body.Order,
			DependsOn:     input.Body.DependsOn,
			EstimatedCost: input.Body.EstimatedCost,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubtaskResponse `json:"body"`
		}{Body: subtaskResponse(st, nil)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-subtask-batch",
		Method:        http.MethodPost,
		Path:          "/requests/{request_id}/subtasks/batch",
		Summary:       "Add a whole decomposition in one transaction",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string           `path:"request_id"`
		Body      SubtaskBatchBody `json:"body"`
	}) (*struct {
		Body []SubtaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		drafts := make([]engine.SubtaskDraft, 0, len(input.Body.Subtasks))
		for _, d := range input.Body.Subtasks {
			dep := -1
			if d.DependsOn != nil {
				dep = *d.DependsOn
			}
			drafts = append(drafts, engine.SubtaskDraft{
				Title:         d.Title,
				Order:         d.Order,
				DependsOn:     dep,
				EstimatedCost: d.EstimatedCost,
			})
		}
		items, err := e.AddSubtaskBatch(ctx, input.RequestID, drafts, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SubtaskResponse `json:"body"`
		}{Body: mapSubtasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-subtasks",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/subtasks",
		Summary:     "List a request's subtasks in execution order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body []SubtaskResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRequest(ctx, input.RequestID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListSubtasks(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SubtaskResponse `json:"body"`
		}{Body: mapSubtasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ready-subtasks",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/subtasks/ready",
		Summary:     "List subtasks ready to start",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body []SubtaskResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRequest(ctx, input.RequestID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ReadySubtasks(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SubtaskResponse `json:"body"`
		}{Body: mapSubtasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-all-subtasks",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/subtasks/approve-all",
		Summary:     "Approve every pending subtask",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		approved, err := e.ApproveAllSubtasks(ctx, input.RequestID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"approved": approved}}, nil
	})

	type subtaskAction struct {
		SubtaskID string `path:"subtask_id"`
	}
	actions := []struct {
		id, pathSuffix, summary string
		call                    func(ctx context.Context, subtaskID, actorID string) (SubtaskResponse, error)
	}{
		{"approve-subtask", "approve", "Approve a subtask", func(ctx context.Context, id, actor string) (SubtaskResponse, error) {
			st, err := e.ApproveSubtask(ctx, id, actor)
			return subtaskResponse(st, nil), err
		}},
		{"start-subtask", "start", "Start an approved subtask", func(ctx context.Context, id, actor string) (SubtaskResponse, error) {
			st, err := e.StartSubtask(ctx, id, actor)
			return subtaskResponse(st, nil), err
		}},
		{"complete-subtask", "complete", "Complete a subtask", func(ctx context.Context, id, actor string) (SubtaskResponse, error) {
			st, err := e.CompleteSubtask(ctx, id, actor)
			return subtaskResponse(st, nil), err
		}},
	}
	for _, action := range actions {
		call := action.call
		huma.Register(api, huma.Operation{
			OperationID: action.id,
			Method:      http.MethodPost,
			Path:        "/subtasks/{subtask_id}/" + action.pathSuffix,
			Summary:     action.summary,
			Errors: []int{
				http.StatusNotFound,
				http.StatusUnprocessableEntity,
			},
		}, func(ctx context.Context, input *subtaskAction) (*struct {
			Body SubtaskResponse `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			st, err := call(ctx, input.SubtaskID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body SubtaskResponse `json:"body"`
			}{Body: st}, nil
		})
	}
}

func registerCredits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "credit-balance",
		Method:      http.MethodGet,
		Path:        "/credits/balance",
		Summary:     "Account balance and availability",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BalanceResponse `json:"body"`
	}, error) {
		accountID := e.Config.Account.ID
		balance, err := e.Ledger.Balance(ctx, accountID)
		if err != nil {
			return nil, handleError(err)
		}
		available, err := e.Ledger.Available(ctx, accountID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BalanceResponse `json:"body"`
		}{Body: BalanceResponse{AccountID: accountID, Balance: balance, Available: available}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "credit-history",
		Method:      http.MethodGet,
		Path:        "/credits/history",
		Summary:     "Transaction history, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body []TransactionResponse `json:"body"`
	}, error) {
		items, err := e.Ledger.History(ctx, e.Config.Account.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TransactionResponse `json:"body"`
		}{Body: mapTransactions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "credit-topup",
		Method:      http.MethodPost,
		Path:        "/credits/topup",
		Summary:     "Credit the account",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body TopUpBody `json:"body"`
	}) (*struct {
		Body BalanceResponse `json:"body"`
	}, error) {
		if input.Body.Amount <= 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "amount must be positive", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := input.Body.Reason
		if reason == "" {
			reason = "topup"
		}
		accountID := e.Config.Account.ID
		balance, err := e.Ledger.Credit(ctx, accountID, input.Body.Amount, reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		available, err := e.Ledger.Available(ctx, accountID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BalanceResponse `json:"body"`
		}{Body: BalanceResponse{AccountID: accountID, Balance: balance, Available: available}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "credit-audit",
		Method:      http.MethodGet,
		Path:        "/credits/audit",
		Summary:     "Replay the transaction log and check conservation",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ledger.AuditReport `json:"body"`
	}, error) {
		report, err := e.Ledger.VerifyConservation(ctx, e.Config.Account.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ledger.AuditReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest engine events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		Cursor     int64  `query:"cursor"`
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
		items, err := e.Repo.LatestEventsFrom(ctx, limit, input.Cursor, e.Config.Account.ID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Mint an API key; the secret is shown once",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Name string `json:"name,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, raw, err := e.Repo.CreateAPIKey(ctx, actorID, input.Body.Name, e.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: key.ID, ActorID: key.ActorID, Name: key.Name, CreatedAt: key.CreatedAt, Key: raw}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAPIKeys(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			out = append(out, APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-apikey",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete an API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
