package scootfleetsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Scootfleet HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "api",
		Timeout:  10 * time.Second,
	}
}

// Scooter mirrors the API scooter model.
type Scooter struct {
	ID        string `json:"id"`
	Model     string `json:"modelo"`
	Battery   int    `json:"bateria"`
	Status    string `json:"status"`
	Location  string `json:"localizacao"`
	UpdatedAt string `json:"ultimaAtualizacao"`
}

// Trip mirrors the API rental trip model.
type Trip struct {
	ID         string  `json:"id"`
	ScooterID  string  `json:"scooterId"`
	RiderName  string  `json:"usuarioNome"`
	StartedAt  string  `json:"dataInicio"`
	EndedAt    *string `json:"dataFim,omitempty"`
	DistanceKM *string `json:"distanciaKm,omitempty"`
}

// MaintenanceTask mirrors the API maintenance model.
type MaintenanceTask struct {
	ID          string  `json:"id"`
	ScooterID   string  `json:"scooterId"`
	Technician  string  `json:"tecnicoNome"`
	Description string  `json:"descricao"`
	Priority    string  `json:"prioridade"`
	Status      string  `json:"status"`
	ScheduledAt string  `json:"dataAgendada"`
	CompletedAt *string `json:"dataConclusao,omitempty"`
	Notes       *string `json:"observacoes,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListScooters returns all scooters.
func (c *Client) ListScooters(ctx context.Context) ([]Scooter, error) {
	var resp []Scooter
	err := c.do(ctx, http.MethodGet, c.apiPath("scooters"), nil, &resp)
	return resp, err
}

// AvailableScooters returns scooters that can be rented right now.
func (c *Client) AvailableScooters(ctx context.Context) ([]Scooter, error) {
	var resp []Scooter
	err := c.do(ctx, http.MethodGet, c.apiPath("scooters/available"), nil, &resp)
	return resp, err
}

// GetScooter fetches one scooter.
func (c *Client) GetScooter(ctx context.Context, id string) (Scooter, error) {
	var resp Scooter
	err := c.do(ctx, http.MethodGet, c.apiPath("scooters/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// CreateScooter registers a new scooter.
func (c *Client) CreateScooter(ctx context.Context, model, location string) (Scooter, error) {
	body := map[string]any{
		"modelo":      model,
		"localizacao": location,
	}
	var resp Scooter
	err := c.do(ctx, http.MethodPost, c.apiPath("scooters"), body, &resp)
	return resp, err
}

// ReportBattery updates a scooter's battery level.
func (c *Client) ReportBattery(ctx context.Context, id string, level int) (Scooter, error) {
	body := map[string]any{"bateria": level}
	var resp Scooter
	endpoint := c.apiPath("scooters/" + url.PathEscape(id) + "/battery")
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// Rent opens a trip on a scooter.
func (c *Client) Rent(ctx context.Context, scooterID, riderName string) (Trip, error) {
	body := map[string]any{
		"scooterId":   scooterID,
		"usuarioNome": riderName,
	}
	var resp Trip
	err := c.do(ctx, http.MethodPost, c.apiPath("rentals"), body, &resp)
	return resp, err
}

// EndTrip finalizes a trip with the distance travelled.
func (c *Client) EndTrip(ctx context.Context, tripID, distanceKM string) (Trip, error) {
	body := map[string]any{}
	if distanceKM != "" {
		body["distanciaKm"] = distanceKM
	}
	var resp Trip
	endpoint := c.apiPath("trips/" + url.PathEscape(tripID) + "/end")
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// ActiveTrips lists trips that have not ended.
func (c *Client) ActiveTrips(ctx context.Context) ([]Trip, error) {
	var resp []Trip
	err := c.do(ctx, http.MethodGet, c.apiPath("trips/active"), nil, &resp)
	return resp, err
}

// ScheduleMaintenance creates a maintenance task for a scooter.
func (c *Client) ScheduleMaintenance(ctx context.Context, scooterID, technician, description, scheduledAt string) (MaintenanceTask, error) {
	body := map[string]any{
		"scooterId":    scooterID,
		"tecnicoNome":  technician,
		"descricao":    description,
		"dataAgendada": scheduledAt,
	}
	var resp MaintenanceTask
	err := c.do(ctx, http.MethodPost, c.apiPath("maintenance"), body, &resp)
	return resp, err
}

// CompleteMaintenance closes a task and returns the scooter to service.
func (c *Client) CompleteMaintenance(ctx context.Context, taskID string, notes string) (MaintenanceTask, error) {
	body := map[string]any{}
	if notes != "" {
		body["observacoes"] = notes
	}
	var resp MaintenanceTask
	endpoint := c.apiPath("maintenance/" + url.PathEscape(taskID) + "/complete")
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, 0)
	return page.Items, err
}

// EventsPage returns events after the given id.
func (c *Client) EventsPage(ctx context.Context, limit int, after int64) (PaginatedEvents, error) {
	endpoint := c.apiPath("events")
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if after > 0 {
		params.Set("after", fmt.Sprintf("%d", after))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		base = "api"
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
