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

	"scootfleet/internal/domain"
	"scootfleet/internal/engine"
	"scootfleet/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	// WS, when set, is mounted at /ws on the root router for live updates.
	WS http.Handler
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"scooter is not available for rent"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the fleet API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
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
	hcfg := huma.DefaultConfig("Scootfleet API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerScooters(group, cfg.Engine)
	registerRentals(group, cfg.Engine)
	registerMaintenance(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	if cfg.WS != nil {
		router.Handle("/ws", cfg.WS)
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var se engine.StateError
	if errors.As(err, &se) {
		return newAPIError(http.StatusBadRequest, "invalid_state", se.Reason, nil)
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Error(), details)
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
    <title>Scootfleet API Docs</title>
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

func registerScooters(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-scooters",
		Method:      http.MethodGet,
		Path:        "/scooters",
		Summary:     "List scooters",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Scooter `json:"body"`
	}, error) {
		items, err := e.Repo.ListScooters(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Scooter `json:"body"`
		}{Body: nonNilScooters(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-available-scooters",
		Method:      http.MethodGet,
		Path:        "/scooters/available",
		Summary:     "List scooters available for rent",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Scooter `json:"body"`
	}, error) {
		items, err := e.Repo.ListAvailableScooters(ctx, e.Config.Rental.MinBattery)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Scooter `json:"body"`
		}{Body: nonNilScooters(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-scooter",
		Method:      http.MethodGet,
		Path:        "/scooters/{id}",
		Summary:     "Get scooter",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Scooter `json:"body"`
	}, error) {
		s, err := e.Repo.GetScooter(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Scooter `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-scooter",
		Method:        http.MethodPost,
		Path:          "/scooters",
		Summary:       "Register scooter",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateScooterRequest `json:"body"`
	}) (*struct {
		Body domain.Scooter `json:"body"`
	}, error) {
		s, err := e.CreateScooter(ctx, engine.CreateScooterInput{
			Model:    input.Body.Model,
			Battery:  input.Body.Battery,
			Status:   input.Body.Status,
			Location: input.Body.Location,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Scooter `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-scooter",
		Method:      http.MethodPatch,
		Path:        "/scooters/{id}",
		Summary:     "Update scooter",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpdateScooterRequest `json:"body"`
	}) (*struct {
		Body domain.Scooter `json:"body"`
	}, error) {
		s, err := e.UpdateScooter(ctx, input.ID, toScooterUpdate(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Scooter `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-scooter-battery",
		Method:      http.MethodPatch,
		Path:        "/scooters/{id}/battery",
		Summary:     "Report battery level",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpdateBatteryRequest `json:"body"`
	}) (*struct {
		Body domain.Scooter `json:"body"`
	}, error) {
		s, err := e.UpdateBattery(ctx, input.ID, input.Body.Battery)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Scooter `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-scooter",
		Method:      http.MethodDelete,
		Path:        "/scooters/{id}",
		Summary:     "Remove scooter",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteScooter(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-scooter-maintenance",
		Method:      http.MethodGet,
		Path:        "/scooters/{id}/maintenance",
		Summary:     "List maintenance tasks for a scooter",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.MaintenanceTask `json:"body"`
	}, error) {
		if _, err := e.Repo.GetScooter(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListMaintenanceForScooter(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.MaintenanceTask `json:"body"`
		}{Body: nonNilMaintenance(items)}, nil
	})
}

func registerRentals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "rent-scooter",
		Method:        http.MethodPost,
		Path:          "/rentals",
		Summary:       "Rent a scooter",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RentScooterRequest `json:"body"`
	}) (*struct {
		Body domain.Trip `json:"body"`
	}, error) {
		t, err := e.RentScooter(ctx, input.Body.ScooterID, input.Body.RiderName)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Trip `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-trips",
		Method:      http.MethodGet,
		Path:        "/trips",
		Summary:     "List trips",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Trip `json:"body"`
	}, error) {
		items, err := e.Repo.ListTrips(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Trip `json:"body"`
		}{Body: nonNilTrips(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-active-trips",
		Method:      http.MethodGet,
		Path:        "/trips/active",
		Summary:     "List active trips",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Trip `json:"body"`
	}, error) {
		items, err := e.Repo.ListActiveTrips(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Trip `json:"body"`
		}{Body: nonNilTrips(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-trip",
		Method:      http.MethodGet,
		Path:        "/trips/{id}",
		Summary:     "Get trip",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Trip `json:"body"`
	}, error) {
		t, err := e.Repo.GetTrip(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Trip `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "end-trip",
		Method:      http.MethodPatch,
		Path:        "/trips/{id}/end",
		Summary:     "Finalize trip",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body EndTripRequest `json:"body"`
	}) (*struct {
		Body domain.Trip `json:"body"`
	}, error) {
		t, err := e.EndTrip(ctx, input.ID, input.Body.DistanceKM)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Trip `json:"body"`
		}{Body: t}, nil
	})
}

func registerMaintenance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-maintenance",
		Method:      http.MethodGet,
		Path:        "/maintenance",
		Summary:     "List maintenance tasks",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.MaintenanceTask `json:"body"`
	}, error) {
		items, err := e.Repo.ListMaintenance(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.MaintenanceTask `json:"body"`
		}{Body: nonNilMaintenance(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pending-maintenance",
		Method:      http.MethodGet,
		Path:        "/maintenance/pending",
		Summary:     "List pending maintenance tasks",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.MaintenanceTask `json:"body"`
	}, error) {
		items, err := e.Repo.ListPendingMaintenance(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.MaintenanceTask `json:"body"`
		}{Body: nonNilMaintenance(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-maintenance",
		Method:      http.MethodGet,
		Path:        "/maintenance/{id}",
		Summary:     "Get maintenance task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.MaintenanceTask `json:"body"`
	}, error) {
		m, err := e.Repo.GetMaintenance(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MaintenanceTask `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "schedule-maintenance",
		Method:        http.MethodPost,
		Path:          "/maintenance",
		Summary:       "Schedule maintenance",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ScheduleMaintenanceRequest `json:"body"`
	}) (*struct {
		Body domain.MaintenanceTask `json:"body"`
	}, error) {
		m, err := e.ScheduleMaintenance(ctx, toScheduleInput(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MaintenanceTask `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-maintenance",
		Method:      http.MethodPatch,
		Path:        "/maintenance/{id}",
		Summary:     "Update maintenance task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body UpdateMaintenanceRequest `json:"body"`
	}) (*struct {
		Body domain.MaintenanceTask `json:"body"`
	}, error) {
		m, err := e.UpdateMaintenance(ctx, input.ID, toMaintenanceUpdate(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MaintenanceTask `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-maintenance",
		Method:      http.MethodPatch,
		Path:        "/maintenance/{id}/start",
		Summary:     "Start maintenance",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.MaintenanceTask `json:"body"`
	}, error) {
		m, err := e.StartMaintenance(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MaintenanceTask `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-maintenance",
		Method:      http.MethodPatch,
		Path:        "/maintenance/{id}/complete",
		Summary:     "Complete maintenance",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                     `path:"id"`
		Body CompleteMaintenanceRequest `json:"body"`
	}) (*struct {
		Body domain.MaintenanceTask `json:"body"`
	}, error) {
		m, err := e.CompleteMaintenance(ctx, input.ID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MaintenanceTask `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-maintenance",
		Method:      http.MethodPatch,
		Path:        "/maintenance/{id}/cancel",
		Summary:     "Cancel maintenance",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.MaintenanceTask `json:"body"`
	}, error) {
		m, err := e.CancelMaintenance(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.MaintenanceTask `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-maintenance",
		Method:      http.MethodDelete,
		Path:        "/maintenance/{id}",
		Summary:     "Delete maintenance task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteMaintenance(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after"`
		Limit int   `query:"limit" default:"100"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		events, err := e.Repo.EventsAfter(ctx, limit+1, input.After)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(events) > limit {
			events = events[:limit]
			resp.NextCursor = fmt.Sprintf("%d", events[limit-1].ID)
		}
		for _, evt := range events {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
