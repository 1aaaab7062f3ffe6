// Package server exposes the switch over HTTP: status and activity for the
// owner's devices, credential submission for owner and recipients, and the
// audit surfaces. Credential endpoints are unauthenticated on purpose; the
// submitted code is the credential.
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

	"vigil/internal/domain"
	"vigil/internal/engine"
	"vigil/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"credential is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Vigil API.
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
	hcfg := huma.DefaultConfig("Vigil API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerActivity(group, cfg.Engine)
	registerVerify(group, cfg.Engine)
	registerAccess(group, cfg.Engine)
	registerKillSwitch(group, cfg.Engine)
	registerArmDisarm(group, cfg.Engine)
	registerRecipients(group, cfg.Engine)
	registerDocuments(group, cfg.Engine)
	registerDeliveries(group, cfg.Engine)
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already released"), strings.Contains(lowered, "cannot disarm"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
	open := map[string]bool{}
	for _, p := range openPaths(basePath) {
		open[p] = true
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
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Vigil API Docs</title>
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Trigger status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.StatusReport `json:"body"`
	}, error) {
		rep, err := e.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StatusReport `json:"body"`
		}{Body: rep}, nil
	})
}

func registerActivity(api huma.API, e engine.Engine) {
	type activityInput struct {
		Body struct {
			Kind   string `json:"kind,omitempty" enum:"heartbeat,manual-checkin,device-signal"`
			Source string `json:"source,omitempty" maxLength:"128"`
			Note   string `json:"note,omitempty" maxLength:"512"`
		} `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "record-activity",
		Method:        http.MethodPost,
		Path:          "/activity",
		Summary:       "Record proof-of-life activity",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *activityInput) (*struct {
		Body domain.ActivityEvent `json:"body"`
	}, error) {
		ev, err := e.RecordActivity(ctx, input.Body.Kind, input.Body.Source, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ActivityEvent `json:"body"`
		}{Body: ev}, nil
	})

	type listInput struct {
		Limit int `query:"limit" minimum:"1" maximum:"500" default:"50"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-activity",
		Method:      http.MethodGet,
		Path:        "/activity",
		Summary:     "Recent activity events",
	}, func(ctx context.Context, input *listInput) (*struct {
		Body []domain.ActivityEvent `json:"body"`
	}, error) {
		events, err := e.Ledger.Recent(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ActivityEvent `json:"body"`
		}{Body: events}, nil
	})
}

func registerVerify(api huma.API, e engine.Engine) {
	type verifyInput struct {
		Body struct {
			Credential string `json:"credential" minLength:"1" maxLength:"256"`
		} `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "verify",
		Method:      http.MethodPost,
		Path:        "/verify",
		Summary:     "Submit a verification code or kill-switch secret",
	}, func(ctx context.Context, input *verifyInput) (*struct {
		Body engine.ResponseResult `json:"body"`
	}, error) {
		res, err := e.SubmitResponse(ctx, input.Body.Credential)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ResponseResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerAccess(api huma.API, e engine.Engine) {
	type accessInput struct {
		Body struct {
			Recipient string `json:"recipient" minLength:"1" maxLength:"128"`
			Code      string `json:"code" minLength:"1" maxLength:"64"`
		} `json:"body"`
	}
	type accessBody struct {
		Granted   bool              `json:"granted"`
		Documents []domain.Document `json:"documents,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "verify-access",
		Method:      http.MethodPost,
		Path:        "/access",
		Summary:     "Redeem a recipient access code",
	}, func(ctx context.Context, input *accessInput) (*struct {
		Body accessBody `json:"body"`
	}, error) {
		ok, err := e.VerifyAccess(ctx, input.Body.Recipient, input.Body.Code)
		if err != nil {
			return nil, handleError(err)
		}
		body := accessBody{Granted: ok}
		if ok {
			body.Documents = e.Config.Documents
		}
		return &struct {
			Body accessBody `json:"body"`
		}{Body: body}, nil
	})
}

func registerKillSwitch(api huma.API, e engine.Engine) {
	type killSwitchInput struct {
		Body struct {
			Secret string `json:"secret" minLength:"8" maxLength:"256"`
		} `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "set-kill-switch",
		Method:      http.MethodPut,
		Path:        "/killswitch",
		Summary:     "Set or replace the kill-switch secret",
	}, func(ctx context.Context, input *killSwitchInput) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		if err := e.SetKillSwitch(ctx, input.Body.Secret); err != nil {
			return nil, handleError(err)
		}
		if p, ok := principalFromContext(ctx); ok {
			e.Log.Info().Str("subject", p.Subject).Str("auth", p.Source).Msg("kill switch updated")
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"configured": true}}, nil
	})
}

func registerArmDisarm(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "arm",
		Method:      http.MethodPost,
		Path:        "/arm",
		Summary:     "Re-arm monitoring from a terminal state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.StatusReport `json:"body"`
	}, error) {
		if err := e.Arm(ctx); err != nil {
			return nil, handleError(err)
		}
		rep, err := e.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StatusReport `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "disarm",
		Method:      http.MethodPost,
		Path:        "/disarm",
		Summary:     "Permanently disarm the switch",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.StatusReport `json:"body"`
	}, error) {
		if err := e.Disarm(ctx); err != nil {
			return nil, handleError(err)
		}
		if p, ok := principalFromContext(ctx); ok {
			e.Log.Info().Str("subject", p.Subject).Str("auth", p.Source).Msg("switch disarmed via api")
		}
		rep, err := e.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StatusReport `json:"body"`
		}{Body: rep}, nil
	})
}

func registerRecipients(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-recipients",
		Method:      http.MethodGet,
		Path:        "/recipients",
		Summary:     "Configured recipients",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Recipient `json:"body"`
	}, error) {
		return &struct {
			Body []domain.Recipient `json:"body"`
		}{Body: e.Config.Recipients}, nil
	})
}

func registerDocuments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/documents",
		Summary:     "Configured documents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Document `json:"body"`
	}, error) {
		return &struct {
			Body []domain.Document `json:"body"`
		}{Body: e.Config.Documents}, nil
	})
}

func registerDeliveries(api huma.API, e engine.Engine) {
	type listInput struct {
		Limit int `query:"limit" minimum:"1" maximum:"500" default:"100"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-deliveries",
		Method:      http.MethodGet,
		Path:        "/deliveries",
		Summary:     "Delivery outcomes",
	}, func(ctx context.Context, input *listInput) (*struct {
		Body []domain.Delivery `json:"body"`
	}, error) {
		res, err := e.Repo.ListDeliveries(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Delivery `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-deliveries",
		Method:      http.MethodPost,
		Path:        "/deliveries/retry",
		Summary:     "Retry failed deliveries",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		n, err := e.RetryFailedDeliveries(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"retried_pairs": n}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	type listInput struct {
		Limit int `query:"limit" minimum:"1" maximum:"500" default:"50"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit events",
	}, func(ctx context.Context, input *listInput) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		res, err := e.Repo.LatestEvents(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: res}, nil
	})
}
