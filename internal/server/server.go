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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"venality/internal/config"
	"venality/internal/domain"
	"venality/internal/engine"
	"venality/internal/events"
	"venality/internal/observability"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      zerolog.Logger
	Webhooks []config.Webhook
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bid_rejected"`
	Message string         `json:"message" example:"office 7f3a...: bid rejected"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Venality API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the error envelope.
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
	router.Use(observability.RequestLogger(cfg.Log))
	router.Use(observability.RequestMetrics())
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Venality API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	registerHealth(group)
	registerRegistry(group, cfg.Engine)
	registerOffices(group, cfg.Engine)
	registerIdentities(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	if len(cfg.Webhooks) > 0 {
		StartWebhookDispatcher(cfg.Engine, cfg.Webhooks, cfg.Log)
	}

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
	case errors.Is(err, domain.ErrAlreadyInitialized):
		return newAPIError(http.StatusConflict, "already_initialized", err.Error(), nil)
	case errors.Is(err, domain.ErrDuplicateID):
		return newAPIError(http.StatusConflict, "duplicate_id", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidNonce):
		return newAPIError(http.StatusConflict, "invalid_nonce", err.Error(), nil)
	case errors.Is(err, domain.ErrBidRejected):
		return newAPIError(http.StatusConflict, "bid_rejected", err.Error(), nil)
	case errors.Is(err, domain.ErrNotExpired):
		return newAPIError(http.StatusConflict, "not_expired", err.Error(), nil)
	case errors.Is(err, domain.ErrLeaseLapsed):
		return newAPIError(http.StatusConflict, "lease_lapsed", err.Error(), nil)
	case errors.Is(err, domain.ErrUnauthorized):
		return newAPIError(http.StatusForbidden, "unauthorized", err.Error(), nil)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrTransferFailed):
		return newAPIError(http.StatusPaymentRequired, "transfer_failed", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "required") || strings.Contains(lowered, "invalid") || strings.Contains(lowered, "must"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusPaymentRequired:
		return "transfer_failed"
	case http.StatusForbidden:
		return "unauthorized"
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

func opOutcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
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
    <title>Venality API Docs</title>
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

func registerRegistry(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "initialize-registry",
		Method:        http.MethodPost,
		Path:          "/registry",
		Summary:       "Initialize the registry",
		Description:   "Writes the deployment configuration. Succeeds exactly once.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body InitializeRegistryRequest `json:"body"`
	}) (*struct {
		Body RegistryResponse `json:"body"`
	}, error) {
		cfg := domain.Configuration{
			Admin:      domain.Identity(input.Body.Admin),
			Currency:   domain.AssetID(input.Body.Currency),
			RenewalFee: domain.Amount(input.Body.RenewalFee),
		}
		err := e.Initialize(ctx, cfg)
		observability.RecordOperation("initialize", opOutcome(err))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RegistryResponse `json:"body"`
		}{Body: registryResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-registry",
		Method:      http.MethodGet,
		Path:        "/registry",
		Summary:     "Get registry configuration",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RegistryResponse `json:"body"`
	}, error) {
		cfg, err := e.Registry.GetConfiguration(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RegistryResponse `json:"body"`
		}{Body: registryResponse(cfg)}, nil
	})
}

func registerOffices(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-office",
		Method:        http.MethodPost,
		Path:          "/offices",
		Summary:       "Create office",
		Description:   "Provisions a decay auction for a fresh office and puts it up for sale. Admin only.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateOfficeRequest `json:"body"`
	}) (*struct {
		Body OfficeResponse `json:"body"`
	}, error) {
		id, err := domain.ParseOfficeID(input.Body.ID)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		sig, err := input.Body.Auth.signature(ctx)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		params := domain.AuctionParams{
			ID:         domain.AuctionID(input.Body.AuctionID),
			StartPrice: domain.Amount(input.Body.StartPrice),
			FloorPrice: domain.Amount(input.Body.FloorPrice),
			DecaySlope: input.Body.DecaySlope,
		}
		st, err := e.NewOffice(ctx, sig, input.Body.Auth.claimedNonce(), id, params)
		observability.RecordOperation("new_office", opOutcome(err))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OfficeResponse `json:"body"`
		}{Body: officeResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-office",
		Method:      http.MethodGet,
		Path:        "/offices/{office_id}",
		Summary:     "Get office",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OfficeID string `path:"office_id" format:"uuid"`
	}) (*struct {
		Body OfficeResponse `json:"body"`
	}, error) {
		id, err := domain.ParseOfficeID(input.OfficeID)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		st, err := e.Office(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OfficeResponse `json:"body"`
		}{Body: officeResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-office-price",
		Method:      http.MethodGet,
		Path:        "/offices/{office_id}/price",
		Summary:     "Quote the office's auction price",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OfficeID string `path:"office_id" format:"uuid"`
	}) (*struct {
		Body PriceResponse `json:"body"`
	}, error) {
		id, err := domain.ParseOfficeID(input.OfficeID)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		price, err := e.GetPrice(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		currency, err := e.Registry.Currency(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PriceResponse `json:"body"`
		}{Body: PriceResponse{Price: int64(price), Currency: string(currency)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "buy-office",
		Method:      http.MethodPost,
		Path:        "/offices/{office_id}/buy",
		Summary:     "Buy office",
		Description: "Settles the auction at the current price and starts the lease. A rejected bid leaves the office for sale.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OfficeID string           `path:"office_id" format:"uuid"`
		Body     BuyOfficeRequest `json:"body"`
	}) (*struct {
		Body OfficeResponse `json:"body"`
	}, error) {
		id, err := domain.ParseOfficeID(input.OfficeID)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		st, err := e.Buy(ctx, domain.Identity(input.Body.Buyer), id)
		observability.RecordOperation("buy", opOutcome(err))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OfficeResponse `json:"body"`
		}{Body: officeResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pay-office-tax",
		Method:      http.MethodPost,
		Path:        "/offices/{office_id}/tax",
		Summary:     "Pay renewal tax",
		Description: "Charges the flat renewal fee and extends the lease by one period from its current end.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusPaymentRequired,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OfficeID string        `path:"office_id" format:"uuid"`
		Body     PayTaxRequest `json:"body"`
	}) (*struct {
		Body OfficeResponse `json:"body"`
	}, error) {
		id, err := domain.ParseOfficeID(input.OfficeID)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		st, err := e.PayTax(ctx, domain.Identity(input.Body.Payer), id)
		observability.RecordOperation("pay_tax", opOutcome(err))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OfficeResponse `json:"body"`
		}{Body: officeResponse(st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-office",
		Method:      http.MethodPost,
		Path:        "/offices/{office_id}/revoke",
		Summary:     "Revoke office",
		Description: "Reclaims an office whose lease ran out and puts it back up for sale. Admin only.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OfficeID string              `path:"office_id" format:"uuid"`
		Body     RevokeOfficeRequest `json:"body"`
	}) (*struct {
		Body OfficeResponse `json:"body"`
	}, error) {
		id, err := domain.ParseOfficeID(input.OfficeID)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		sig, err := input.Body.Auth.signature(ctx)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		params := domain.AuctionParams{
			ID:         domain.AuctionID(input.Body.AuctionID),
			StartPrice: domain.Amount(input.Body.StartPrice),
			FloorPrice: domain.Amount(input.Body.FloorPrice),
			DecaySlope: input.Body.DecaySlope,
		}
		st, err := e.Revoke(ctx, sig, input.Body.Auth.claimedNonce(), id, params)
		observability.RecordOperation("revoke", opOutcome(err))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OfficeResponse `json:"body"`
		}{Body: officeResponse(st)}, nil
	})
}

func registerIdentities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-nonce",
		Method:      http.MethodGet,
		Path:        "/identities/{identity}/nonce",
		Summary:     "Get an identity's nonce counter",
	}, func(ctx context.Context, input *struct {
		Identity string `path:"identity"`
	}) (*struct {
		Body NonceResponse `json:"body"`
	}, error) {
		nonce, err := e.Nonce(ctx, domain.Identity(input.Identity))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NonceResponse `json:"body"`
		}{Body: NonceResponse{Identity: input.Identity, Nonce: nonce}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List lifecycle events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after" minimum:"0" doc:"Return events with IDs greater than this cursor"`
		Limit int   `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		resp := []EventResponse{}
		if e.Events == nil || e.Events.DB == nil {
			return &struct {
				Body []EventResponse `json:"body"`
			}{Body: resp}, nil
		}
		items, err := events.After(ctx, e.Events.DB, input.After, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		for _, evt := range items {
			resp = append(resp, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: resp}, nil
	})
}
