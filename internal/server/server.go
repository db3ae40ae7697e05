package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"bidline/internal/domain"
	"bidline/internal/engine"
	"bidline/internal/engine/auth"
	"bidline/internal/evidence"
	"bidline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Repo     repo.Repo
	Evidence evidence.Store
	BasePath string
	Auth     AuthConfig
	Log      *logrus.Logger
	// MaxUploadBytes caps evidence uploads; zero means 32 MiB.
	MaxUploadBytes int64
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stale_state"`
	Message string         `json:"message" example:"state changed, please refresh"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the bidline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Log
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema errors share the 400 of engine validation
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	hcfg := huma.DefaultConfig("Bidline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerProjects(group, cfg.Engine, cfg.Repo)
	registerTransitions(group, cfg.Engine)
	registerConflicts(group, cfg.Engine, cfg.Repo)
	registerEvents(group, cfg.Repo)
	registerAPIKeys(group, cfg.Repo)
	registerEvidence(router, basePath, cfg)
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
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		details := map[string]any{}
		if len(ve.Fields) > 0 {
			details["fields"] = ve.Fields
		}
		if ve.Reason != "" {
			details["reason"] = ve.Reason
		}
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), details)
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ae engine.AuthorizationError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var stale engine.StaleStateError
	if errors.As(err, &stale) {
		return newAPIError(http.StatusConflict, "stale_state", "state changed, please refresh", map[string]any{
			"project_id": stale.ProjectID,
			"expected":   stale.Expected,
			"actual":     stale.Actual,
		})
	}
	if errors.Is(err, repo.ErrAlreadyResolved) {
		return newAPIError(http.StatusConflict, "already_resolved", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, evidence.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
		return "validation_failed"
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
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	ref := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
					"application/json": {Schema: ref},
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
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Bidline API Docs</title>
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     p.ActorID,
			Roles:       nonNilSlice(p.Roles),
			Permissions: nonNilSlice(p.Permissions),
			Source:      p.Source,
		}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*projectOutput, error) {
		principal, err := requirePermission(ctx, auth.PermProjectCreate)
		if err != nil {
			return nil, err
		}
		p, err := e.CreateProject(ctx, engine.CreateProjectOptions{
			Name:                 input.Body.Name,
			Company:              input.Body.Company,
			RegistrationDeadline: input.Body.RegistrationDeadline,
			BiddingDeadline:      input.Body.BiddingDeadline,
			ActorID:              principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Name     string `query:"name"`
		Status   string `query:"status" enum:"pending,registration,deposit,preparation,bidding,completed"`
		Operator string `query:"operator"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body ProjectList `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, err
		}
		items, err := r.FindProjects(ctx, repo.ProjectFilter{
			Name:             input.Name,
			Status:           domain.Status(input.Status),
			AssignedOperator: input.Operator,
			Limit:            normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectList `json:"body"`
		}{Body: ProjectList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*projectOutput, error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, err
		}
		p, err := r.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Project counts by status",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermProjectRead); err != nil {
			return nil, err
		}
		counts, err := r.CountProjectsByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		for _, s := range domain.Statuses {
			if _, ok := counts[string(s)]; !ok {
				counts[string(s)] = 0
			}
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: counts}, nil
	})
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

var transitionErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
}

func registerTransitions(api huma.API, e engine.Engine) {
	submit := func(ctx context.Context, perm, projectID string, target domain.Status, payload domain.StagePayload) (*projectOutput, error) {
		principal, err := requirePermission(ctx, perm)
		if err != nil {
			return nil, err
		}
		p, err := e.Submit(ctx, engine.SubmitRequest{
			ProjectID: projectID,
			Target:    target,
			ActorID:   principal.ActorID,
			Payload:   payload,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &projectOutput{Body: p}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "take-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/take",
		Summary:     "Take a pending project",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *projectPath) (*projectOutput, error) {
		return submit(ctx, auth.PermProjectTake, input.ProjectID, domain.StatusRegistration, nil)
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/cancel",
		Summary:     "Cancel registration and release the project",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *projectPath) (*projectOutput, error) {
		return submit(ctx, auth.PermProjectSubmit, input.ProjectID, domain.StatusPending, nil)
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-registration",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/registration",
		Summary:     "Submit registration evidence",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      RegistrationRequest `json:"body"`
	}) (*projectOutput, error) {
		return submit(ctx, auth.PermProjectSubmit, input.ProjectID, domain.StatusDeposit, input.Body.payload())
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-deposit",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/deposit",
		Summary:     "Submit deposit evidence",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      DepositRequest `json:"body"`
	}) (*projectOutput, error) {
		return submit(ctx, auth.PermProjectSubmit, input.ProjectID, domain.StatusPreparation, input.Body.payload())
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-preparation",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/preparation",
		Summary:     "Submit bid preparation evidence",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      PreparationRequest `json:"body"`
	}) (*projectOutput, error) {
		return submit(ctx, auth.PermProjectSubmit, input.ProjectID, domain.StatusBidding, input.Body.payload())
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-completion",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/completion",
		Summary:     "Submit final bid evidence and complete",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CompletionRequest `json:"body"`
	}) (*projectOutput, error) {
		return submit(ctx, auth.PermProjectSubmit, input.ProjectID, domain.StatusCompleted, input.Body.payload())
	})
}

func registerConflicts(api huma.API, e engine.Engine, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "scan-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/scan",
		Summary:     "Scan a project against same-name siblings",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ScanResponse `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, auth.PermConflictScan)
		if err != nil {
			return nil, err
		}
		check, err := e.Scan(ctx, input.ProjectID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScanResponse `json:"body"`
		}{Body: ScanResponse{Check: check}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-conflicts",
		Method:      http.MethodGet,
		Path:        "/conflicts",
		Summary:     "List conflict checks",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Resolved  string `query:"resolved" enum:"true,false"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body ConflictList `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermConflictRead); err != nil {
			return nil, err
		}
		filter := repo.ConflictFilter{ProjectID: input.ProjectID, Limit: normalizeLimit(input.Limit)}
		if input.Resolved != "" {
			v, err := strconv.ParseBool(input.Resolved)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid resolved filter", nil)
			}
			filter.Resolved = &v
		}
		items, err := r.ListConflictChecks(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConflictList `json:"body"`
		}{Body: ConflictList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-conflict",
		Method:      http.MethodGet,
		Path:        "/conflicts/{check_id}",
		Summary:     "Get conflict check",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CheckID string `path:"check_id"`
	}) (*conflictOutput, error) {
		if _, err := requirePermission(ctx, auth.PermConflictRead); err != nil {
			return nil, err
		}
		c, err := r.GetConflictCheck(ctx, input.CheckID)
		if err != nil {
			return nil, handleError(err)
		}
		return &conflictOutput{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-conflict",
		Method:      http.MethodPost,
		Path:        "/conflicts/{check_id}/resolve",
		Summary:     "Resolve a conflict check",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		CheckID string                 `path:"check_id"`
		Body    ResolveConflictRequest `json:"body"`
	}) (*conflictOutput, error) {
		principal, err := requirePermission(ctx, auth.PermConflictResolve)
		if err != nil {
			return nil, err
		}
		c, err := e.ResolveConflict(ctx, input.CheckID, principal.ActorID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &conflictOutput{Body: c}, nil
	})
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,conflict_check"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermEventsRead); err != nil {
			return nil, err
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
		items, err := r.LatestEvents(ctx, repo.EventFilter{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
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

func eventResponse(evt domain.Event) EventResponse {
	var payload any = map[string]any{}
	if evt.Payload != "" {
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err != nil {
			payload = evt.Payload
		}
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
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
