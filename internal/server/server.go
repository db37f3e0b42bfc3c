package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"meshval/internal/analyzer"
	"meshval/internal/ctxlog"
	"meshval/internal/depgraph"
	"meshval/internal/domain"
	"meshval/internal/engine"
	"meshval/internal/engine/auth"
	"meshval/internal/repo"
	"meshval/internal/specfile"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"unknown_node"`
	Message string         `json:"message" example:"unknown node: Account.missing"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"node\":\"Account.missing\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the meshval API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Disabled {
		logger.Warn("api authentication disabled; every request acts as the local actor")
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	hcfg := huma.DefaultConfig("meshval API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"ok"}`)
	})
	registerHealth(group)
	registerValidate(group, cfg.Engine)
	registerSpecs(group, cfg.Engine)
	registerBackups(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerKeys(group, cfg.Engine)
	registerMe(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// requestLogger puts a request-scoped logger into the context and logs
// each completed request.
func requestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			logger := base.With("request_id", middleware.GetReqID(r.Context()))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctxlog.WithLogger(r.Context(), logger)))
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start))
		})
	}
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"scope": fe.Scope})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, depgraph.ErrUnknownNode):
		return newAPIError(http.StatusNotFound, "unknown_node", err.Error(), nil)
	case errors.Is(err, analyzer.ErrNotMapping):
		return newAPIError(http.StatusBadRequest, "not_a_mapping", err.Error(), nil)
	case errors.Is(err, engine.ErrNotValidated):
		return newAPIError(http.StatusConflict, "not_validated", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidSpec):
		return newAPIError(http.StatusUnprocessableEntity, "spec_invalid", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown scope"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
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
    <title>meshval API Docs</title>
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

type documentInput struct {
	Body map[string]any `doc:"Spec document"`
}

func registerValidate(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-document",
		Method:      http.MethodPost,
		Path:        "/validate",
		Summary:     "Validate an unstored spec document",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, _ *documentInput) (*struct {
		Body ValidationResponse `json:"body"`
	}, error) {
		p, err := requireScope(ctx, auth.ScopeSpecsValidate)
		if err != nil {
			return nil, err
		}
		doc, err := documentFromBody(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		rep, err := e.ValidateDocument(ctx, doc, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValidationResponse `json:"body"`
		}{Body: validationResponse(rep)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "impact-document",
		Method:      http.MethodPost,
		Path:        "/impact",
		Summary:     "Impact analysis for an unstored spec document",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Node string         `query:"node" required:"true"`
		Body map[string]any `doc:"Spec document"`
	}) (*struct {
		Body engine.ImpactReport `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, auth.ScopeSpecsRead); err != nil {
			return nil, err
		}
		doc, err := documentFromBody(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		rep, err := e.ImpactOf(ctx, doc, input.Node)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ImpactReport `json:"body"`
		}{Body: rep}, nil
	})
}

type specPath struct {
	SpecID string `path:"spec_id"`
}

func registerSpecs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-specs",
		Method:      http.MethodGet,
		Path:        "/specs",
		Summary:     "List stored specs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Spec `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, auth.ScopeSpecsRead); err != nil {
			return nil, err
		}
		specs, err := e.Repo.ListSpecs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Spec `json:"body"`
		}{Body: nonNilSlice(specs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-spec",
		Method:      http.MethodPut,
		Path:        "/specs/{spec_id}",
		Summary:     "Store a new version of a spec",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		SpecID string         `path:"spec_id"`
		Body   map[string]any `doc:"Spec document"`
	}) (*struct {
		Body SaveSpecResponse `json:"body"`
	}, error) {
		p, err := requireScope(ctx, auth.ScopeSpecsWrite)
		if err != nil {
			return nil, err
		}
		doc, err := documentFromBody(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		v, created, err := e.SaveSpec(ctx, input.SpecID, doc, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SaveSpecResponse `json:"body"`
		}{Body: SaveSpecResponse{Version: specVersionResponse(v), Created: created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-spec",
		Method:      http.MethodGet,
		Path:        "/specs/{spec_id}",
		Summary:     "Get a spec version with its document",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		SpecID  string `path:"spec_id"`
		Version int    `query:"version" minimum:"0" doc:"Version number; 0 or absent for the current version"`
	}) (*struct {
		Body SpecVersionResponse `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, auth.ScopeSpecsRead); err != nil {
			return nil, err
		}
		v, err := e.GetSpec(ctx, input.SpecID, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SpecVersionResponse `json:"body"`
		}{Body: specVersionResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-spec",
		Method:        http.MethodDelete,
		Path:          "/specs/{spec_id}",
		Summary:       "Delete a spec with its versions, backups and runs",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *specPath) (*struct{}, error) {
		p, err := requireScope(ctx, auth.ScopeSpecsWrite)
		if err != nil {
			return nil, err
		}
		if err := e.DeleteSpec(ctx, input.SpecID, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-spec",
		Method:      http.MethodPost,
		Path:        "/specs/{spec_id}/validate",
		Summary:     "Validate a stored spec version",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		SpecID  string `path:"spec_id"`
		Version int    `query:"version" minimum:"0"`
	}) (*struct {
		Body ValidationResponse `json:"body"`
	}, error) {
		p, err := requireScope(ctx, auth.ScopeSpecsValidate)
		if err != nil {
			return nil, err
		}
		rep, err := e.ValidateSpec(ctx, input.SpecID, input.Version, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValidationResponse `json:"body"`
		}{Body: validationResponse(rep)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "spec-impact",
		Method:      http.MethodGet,
		Path:        "/specs/{spec_id}/impact",
		Summary:     "What a change to one node affects",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		SpecID  string `path:"spec_id"`
		Node    string `query:"node" required:"true" doc:"Node id, Entity.field, entity, derived value or command name"`
		Version int    `query:"version" minimum:"0"`
	}) (*struct {
		Body engine.ImpactReport `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, auth.ScopeSpecsRead); err != nil {
			return nil, err
		}
		rep, err := e.Impact(ctx, input.SpecID, input.Version, input.Node)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ImpactReport `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-spec-versions",
		Method:      http.MethodGet,
		Path:        "/specs/{spec_id}/versions",
		Summary:     "List versions of a spec, newest first",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *specPath) (*struct {
		Body []SpecVersionResponse `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, auth.ScopeSpecsRead); err != nil {
			return nil, err
		}
		versions, err := e.Repo.ListVersions(ctx, input.SpecID)
		if err != nil {
			return nil, handleError(err)
		}
		out := []SpecVersionResponse{}
		for _, v := range versions {
			out = append(out, specVersionResponse(v))
		}
		return &struct {
			Body []SpecVersionResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "spec-history",
		Method:      http.MethodGet,
		Path:        "/specs/{spec_id}/history",
		Summary:     "Versions, backups and recent runs of a spec",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		SpecID string `path:"spec_id"`
		Limit  int    `query:"limit" default:"50" doc:"Maximum runs to include"`
	}) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, auth.ScopeSpecsRead); err != nil {
			return nil, err
		}
		h, err := e.History(ctx, input.SpecID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: historyResponse(h)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "spec-gate",
		Method:      http.MethodGet,
		Path:        "/specs/{spec_id}/gate",
		Summary:     "Check that the current version passed validation",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *specPath) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, auth.ScopeSpecsRead); err != nil {
			return nil, err
		}
		run, err := e.GenerateGate(ctx, input.SpecID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})
}

func registerBackups(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-backup",
		Method:        http.MethodPost,
		Path:          "/specs/{spec_id}/backups",
		Summary:       "Back up the current version of a spec",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		SpecID string        `path:"spec_id"`
		Body   BackupRequest `json:"body"`
	}) (*struct {
		Body BackupResponse `json:"body"`
	}, error) {
		p, err := requireScope(ctx, auth.ScopeSpecsWrite)
		if err != nil {
			return nil, err
		}
		b, err := e.Backup(ctx, input.SpecID, strings.TrimSpace(input.Body.Label), p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BackupResponse `json:"body"`
		}{Body: backupResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-backups",
		Method:      http.MethodGet,
		Path:        "/specs/{spec_id}/backups",
		Summary:     "List backups of a spec, newest first",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *specPath) (*struct {
		Body []BackupResponse `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, auth.ScopeSpecsRead); err != nil {
			return nil, err
		}
		if _, err := e.Repo.GetSpec(ctx, input.SpecID); err != nil {
			return nil, handleError(err)
		}
		backups, err := e.Repo.ListBackups(ctx, input.SpecID)
		if err != nil {
			return nil, handleError(err)
		}
		out := []BackupResponse{}
		for _, b := range backups {
			out = append(out, backupResponse(b))
		}
		return &struct {
			Body []BackupResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-backup",
		Method:      http.MethodPost,
		Path:        "/specs/{spec_id}/restore",
		Summary:     "Restore a backup as the newest version",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		SpecID string         `path:"spec_id"`
		Body   RestoreRequest `json:"body"`
	}) (*struct {
		Body SpecVersionResponse `json:"body"`
	}, error) {
		p, err := requireScope(ctx, auth.ScopeSpecsWrite)
		if err != nil {
			return nil, err
		}
		v, err := e.Restore(ctx, input.SpecID, input.Body.BackupID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		v.Document = nil
		return &struct {
			Body SpecVersionResponse `json:"body"`
		}{Body: specVersionResponse(v)}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/specs/{spec_id}/runs",
		Summary:     "List validation runs of a spec, newest first",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		SpecID string `path:"spec_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, auth.ScopeSpecsRead); err != nil {
			return nil, err
		}
		if _, err := e.Repo.GetSpec(ctx, input.SpecID); err != nil {
			return nil, handleError(err)
		}
		runs, err := e.Repo.ListRuns(ctx, input.SpecID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := []RunResponse{}
		for _, r := range runs {
			out = append(out, runResponse(r))
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get a validation run with its diagnostics",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, auth.ScopeSpecsRead); err != nil {
			return nil, err
		}
		run, err := e.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		SpecID     string `query:"spec_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"spec,validation_run,backup,api_key"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, auth.ScopeEventsRead); err != nil {
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
		items, err := e.Repo.LatestEvents(ctx, limit+1, cursorID, repo.EventFilter{
			SpecID:     input.SpecID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
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

func registerKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Issue an API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		p, err := requireScope(ctx, auth.ScopeKeysAdmin)
		if err != nil {
			return nil, err
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			actor = p.ActorID
		}
		key, secret, err := e.CreateAPIKey(ctx, actor, input.Body.Name, input.Body.Scopes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: apiKeyResponse(key, secret)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if _, err := requireScope(ctx, auth.ScopeKeysAdmin); err != nil {
			return nil, err
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := []APIKeyResponse{}
		for _, k := range keys {
			out = append(out, apiKeyResponse(k, ""))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/keys/{key_id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		p, err := requireScope(ctx, auth.ScopeKeysAdmin)
		if err != nil {
			return nil, err
		}
		if err := e.RevokeAPIKey(ctx, input.KeyID, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Scopes:  nonNilSlice(principal.Scopes),
			Source:  principal.Source,
		}}, nil
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

// documentFromBody decodes the raw request body keeping integer and float
// literals distinct, which huma's map decoding would collapse.
func documentFromBody(ctx context.Context) (map[string]any, error) {
	data := bodyBytes(ctx)
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty body", analyzer.ErrNotMapping)
	}
	doc, err := specfile.DecodeJSON(data)
	if err != nil {
		return nil, fmt.Errorf("invalid json body: %w", err)
	}
	root, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", analyzer.ErrNotMapping, doc)
	}
	return root, nil
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
