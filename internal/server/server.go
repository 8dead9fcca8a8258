package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"formline/internal/bank"
	"formline/internal/domain"
	"formline/internal/engine"
	"formline/internal/flow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Flow     flow.Controller
	Bank     bank.Indexer
	Log      *slog.Logger
	BasePath string
	Auth     AuthConfig
}

func (c Config) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"validation failed: income: Must contain only numbers."`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"fields\":{\"income\":[\"Must contain only numbers.\"]}}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// response wraps a JSON body for huma outputs.
type response[T any] struct {
	Body T `json:"body"`
}

func respond[T any](body T) *response[T] {
	return &response[T]{Body: body}
}

// New returns an HTTP handler exposing the Formline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if strings.TrimSpace(cfg.Auth.AdminRole) == "" {
		return nil, errors.New("server: admin role is required")
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.logger()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		// schema failures are 400; domain validation keeps 422
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
	router.Use(withLogging(cfg.logger()))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Formline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerQuestions(group, cfg)
	registerPrograms(group, cfg)
	registerPublish(group, cfg)
	registerApplications(group, cfg)
	registerEvents(group, cfg)
	spec, err := buildOpenAPI(api, basePath)
	if err != nil {
		return nil, err
	}
	registerOpenAPI(router, spec, basePath)

	return router, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func withLogging(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			log.Debug("request started",
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
			)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			level := slog.LevelInfo
			if rec.status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			log.Log(r.Context(), level, "request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
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
	var (
		nf  domain.NotFoundError
		ae  domain.AlreadyExistsError
		ie  domain.ImmutableError
		nav domain.NoActiveVersionError
		ntp domain.NothingToPublishError
		ov  domain.ObsoleteVersionError
		ve  domain.ValidationError
		pce domain.PredicateConfigError
		inc domain.IncompleteApplicationError
	)
	msg := err.Error()
	switch {
	case errors.As(err, &nf):
		details := map[string]any{"kind": nf.Kind, "name": nf.Name}
		if nf.Version != "" {
			details["version"] = nf.Version
		}
		return newAPIError(http.StatusNotFound, "not_found", msg, details)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.As(err, &ae):
		return newAPIError(http.StatusConflict, "already_exists", msg, map[string]any{"kind": ae.Kind, "name": ae.Name})
	case errors.As(err, &ie):
		return newAPIError(http.StatusConflict, "immutable", msg, map[string]any{"kind": ie.Kind, "name": ie.Name, "state": ie.State})
	case errors.As(err, &nav):
		return newAPIError(http.StatusConflict, "no_active_version", msg, map[string]any{"kind": nav.Kind, "name": nav.Name})
	case errors.As(err, &ov):
		return newAPIError(http.StatusConflict, "obsolete_version", msg, map[string]any{"kind": ov.Kind, "name": ov.Name, "version": ov.Version})
	case errors.As(err, &ntp):
		return newAPIError(http.StatusConflict, "nothing_to_publish", msg, map[string]any{"missing": ntp.Missing})
	case errors.As(err, &ve):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, map[string]any{"fields": ve.Fields})
	case errors.As(err, &pce):
		return newAPIError(http.StatusUnprocessableEntity, "predicate_config", msg, map[string]any{"question": pce.Question, "reason": pce.Reason})
	case errors.As(err, &inc):
		return newAPIError(http.StatusUnprocessableEntity, "incomplete_application", msg, map[string]any{"blocks": inc.Blocks, "questions": inc.Questions})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", "request cancelled", nil)
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

func badRequest(msg string, details map[string]any) huma.StatusError {
	return newAPIError(http.StatusBadRequest, "bad_request", msg, details)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

// buildOpenAPI renders the document once every operation is registered.
func buildOpenAPI(api huma.API, basePath string) ([]byte, error) {
	oas := api.OpenAPI()
	ensureDefaultErrorResponses(oas)
	applyAuthSecurity(oas, basePath)
	spec, err := json.Marshal(oas)
	if err != nil {
		return nil, fmt.Errorf("server: render openapi: %w", err)
	}
	return spec, nil
}

func registerOpenAPI(r chi.Router, spec []byte, basePath string) {
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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

func operations(item *huma.PathItem) []*huma.Operation {
	var out []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			out = append(out, op)
		}
	}
	return out
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
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
    <title>Formline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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
	}, func(ctx context.Context, _ *struct{}) (*response[map[string]string], error) {
		return respond(map[string]string{"status": "ok"}), nil
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
