// Package server exposes the workflow API over HTTP.
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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"specforge/internal/domain"
	"specforge/internal/engine"
	"specforge/internal/eventbus"
	"specforge/internal/manager"
	"specforge/internal/repo"
	"specforge/internal/specstore"
)

// Config for the HTTP API handler.
type Config struct {
	Repo     repo.Repo
	Specs    *specstore.Store
	Bus      *eventbus.Bus
	Engine   *engine.Engine
	Manager  *manager.Manager
	BasePath string
	Log      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"feature FEAT-20250101-001 not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the SpecForge API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	if cfg.Log != nil {
		router.Use(requestLogger(cfg.Log))
	}
	hcfg := huma.DefaultConfig("SpecForge API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg)
	registerSpecs(group, cfg)
	registerWorkflows(group, cfg)
	registerEvents(group, cfg)
	registerSearch(group, cfg)
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
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, specstore.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrDuplicate):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, manager.ErrAlreadyRunning):
		return newAPIError(http.StatusConflict, "workflow_running", err.Error(), nil)
	case errors.Is(err, manager.ErrNotRunning):
		return newAPIError(http.StatusConflict, "workflow_not_running", err.Error(), nil)
	case errors.Is(err, engine.ErrPhaseNotApproved):
		return newAPIError(http.StatusConflict, "phase_not_approved", err.Error(), nil)
	case errors.Is(err, engine.ErrWorkflowFinished):
		return newAPIError(http.StatusConflict, "workflow_finished", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerProjects(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-project",
		Method:        http.MethodPost,
		Path:          "/projects/register",
		Summary:       "Register project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body RegisterProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		p, err := cfg.Repo.RegisterProject(ctx, input.Body.Name, input.Body.Path)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{name}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := cfg.Repo.GetProject(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-project-features",
		Method:      http.MethodGet,
		Path:        "/projects/{name}/features",
		Summary:     "List features",
		Description: "Merges registry rows with spec directories found on disk.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body []FeatureListItem `json:"body"`
	}, error) {
		p, err := cfg.Repo.GetProject(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		features, err := cfg.Repo.ListFeaturesByProject(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]FeatureListItem, 0, len(features))
		seen := make(map[string]bool, len(features))
		for _, f := range features {
			items = append(items, featureListItem(f))
			seen[f.FeatureID] = true
		}
		onDisk, err := cfg.Specs.ListFeatures(p.Name)
		if err != nil {
			return nil, handleError(err)
		}
		for _, id := range onDisk {
			if !seen[id] {
				items = append(items, FeatureListItem{FeatureID: id})
			}
		}
		return &struct {
			Body []FeatureListItem `json:"body"`
		}{Body: items}, nil
	})
}

func registerSpecs(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-specs",
		Method:      http.MethodGet,
		Path:        "/specs/{name}/{feature_id}",
		Summary:     "Get phase specs",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name      string `path:"name"`
		FeatureID string `path:"feature_id"`
	}) (*struct {
		Body SpecsResponse `json:"body"`
	}, error) {
		if !domain.ValidateFeatureID(input.FeatureID) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid feature id", nil)
		}
		specs, err := cfg.Specs.ListAll(input.Name, input.FeatureID)
		if err != nil {
			return nil, handleError(err)
		}
		if len(specs) == 0 {
			return nil, newAPIError(http.StatusNotFound, "not_found",
				fmt.Sprintf("no specs for %s", input.FeatureID), nil)
		}
		phases := make(map[string]domain.SpecPhase, len(specs))
		for phase, spec := range specs {
			phases[string(phase)] = spec
		}
		return &struct {
			Body SpecsResponse `json:"body"`
		}{Body: SpecsResponse{FeatureID: input.FeatureID, Phases: phases}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-spec",
		Method:      http.MethodPost,
		Path:        "/specs/approve",
		Summary:     "Approve or reject a phase spec",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ApproveSpecRequest `json:"body"`
	}) (*struct {
		Body domain.SpecPhase `json:"body"`
	}, error) {
		if !domain.ValidateFeatureID(input.Body.FeatureID) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid feature id", nil)
		}
		phase, err := domain.ParsePhase(input.Body.Phase)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		approved := input.Body.Approved == nil || *input.Body.Approved
		user := input.Body.User
		if user == "" {
			user = "api"
		}
		spec, err := cfg.Engine.ReviewPhase(ctx, input.Body.FeatureID, phase, approved, input.Body.Comment, user)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SpecPhase `json:"body"`
		}{Body: spec}, nil
	})
}

func registerWorkflows(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows/start",
		Summary:       "Start workflow",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body StartWorkflowRequest `json:"body"`
	}) (*struct {
		Body StartWorkflowResponse `json:"body"`
	}, error) {
		if input.Body.Project == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "project is required", nil)
		}
		if input.Body.Description == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "description is required", nil)
		}
		p, err := cfg.Repo.RegisterProject(ctx, input.Body.Project, "")
		if err != nil {
			return nil, handleError(err)
		}
		featureID := input.Body.FeatureID
		if featureID == "" {
			featureID, err = cfg.Repo.GenerateFeatureID(ctx)
			if err != nil {
				return nil, handleError(err)
			}
		} else if !domain.ValidateFeatureID(featureID) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid feature id", nil)
		}
		f, err := cfg.Repo.CreateFeature(ctx, featureID, p.ID, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		auto := input.Body.AutoApprove != nil && *input.Body.AutoApprove
		runID, err := cfg.Manager.Start(engine.RunOptions{
			FeatureID:   f.FeatureID,
			Project:     p.Name,
			Description: f.Description,
			AutoApprove: auto,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StartWorkflowResponse `json:"body"`
		}{Body: StartWorkflowResponse{
			FeatureID: f.FeatureID,
			RunID:     runID,
			Project:   p.Name,
			Status:    string(domain.StatusInProgress),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workflow-status",
		Method:      http.MethodGet,
		Path:        "/workflows/{feature_id}/status",
		Summary:     "Workflow status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		FeatureID string `path:"feature_id"`
		LogLimit  int    `query:"log_limit" default:"20"`
	}) (*struct {
		Body manager.Status `json:"body"`
	}, error) {
		if !domain.ValidateFeatureID(input.FeatureID) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid feature id", nil)
		}
		st, err := cfg.Manager.Status(ctx, input.FeatureID, input.LogLimit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body manager.Status `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-running",
		Method:      http.MethodGet,
		Path:        "/workflows/running",
		Summary:     "List running workflows",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: mapRuns(cfg.Manager.ListRunning())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "advance-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows/{feature_id}/advance",
		Summary:       "Advance workflow",
		Description:   "Runs the next phase after the current one was approved.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		FeatureID string `path:"feature_id"`
	}) (*struct {
		Body AdvanceResponse `json:"body"`
	}, error) {
		if !domain.ValidateFeatureID(input.FeatureID) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid feature id", nil)
		}
		// Gate failures (unknown id, unapproved phase, finished workflow)
		// surface here instead of inside the detached run.
		runID, err := cfg.Manager.Advance(ctx, input.FeatureID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AdvanceResponse `json:"body"`
		}{Body: AdvanceResponse{FeatureID: input.FeatureID, RunID: runID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{feature_id}/cancel",
		Summary:     "Cancel workflow",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		FeatureID string `path:"feature_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if !domain.ValidateFeatureID(input.FeatureID) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid feature id", nil)
		}
		if err := cfg.Manager.Cancel(input.FeatureID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"feature_id": input.FeatureID, "status": "cancelling"}}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	sse.Register(api, huma.Operation{
		OperationID: "workflow-events",
		Method:      http.MethodGet,
		Path:        "/workflows/{feature_id}/events",
		Summary:     "Stream workflow events",
		Description: "Server-sent events published after the subscription starts.",
	}, map[string]any{
		"log": eventbus.Event{},
	}, func(ctx context.Context, input *struct {
		FeatureID string `path:"feature_id"`
	}, send sse.Sender) {
		// Headers are only flushed on the first write; send an opening
		// event so clients of an idle feature are not left waiting for
		// the response to begin.
		if err := send.Data(eventbus.Event{
			Message:   "stream opened",
			Level:     "debug",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			return
		}
		for evt := range cfg.Bus.Subscribe(ctx, input.FeatureID) {
			if err := send.Data(evt); err != nil {
				return
			}
		}
	})
}

func registerSearch(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "search-features",
		Method:      http.MethodGet,
		Path:        "/search",
		Summary:     "Search features",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Q       string `query:"q"`
		Project string `query:"project"`
		Status  string `query:"status"`
		Phase   string `query:"phase"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []FeatureListItem `json:"body"`
	}, error) {
		filter := repo.FeatureFilter{
			Query:   input.Q,
			Project: input.Project,
			Limit:   input.Limit,
		}
		if input.Q == "" && input.Project == "" && input.Status == "" && input.Phase == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "at least one filter is required", nil)
		}
		if input.Status != "" {
			st, err := domain.ParseStatus(input.Status)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			filter.Status = st
		}
		if input.Phase != "" {
			phase, err := domain.ParsePhase(input.Phase)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			filter.Phase = phase
		}
		features, err := cfg.Repo.SearchFeatures(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]FeatureListItem, 0, len(features))
		for _, f := range features {
			items = append(items, featureListItem(f))
		}
		return &struct {
			Body []FeatureListItem `json:"body"`
		}{Body: items}, nil
	})
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			log.Debug("request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
		})
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
    <title>SpecForge API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({ url: %q, dom_id: '#swagger-ui' });
      };
    </script>
  </body>
</html>`, specURL)
}
