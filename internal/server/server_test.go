package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"scootfleet/internal/config"
	"scootfleet/internal/db"
	"scootfleet/internal/domain"
	"scootfleet/internal/engine"
	"scootfleet/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/api"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createScooter(t *testing.T, srv *testServer, battery int) domain.Scooter {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/scooters", map[string]any{
		"modelo":      "Xiaomi M365",
		"bateria":     battery,
		"localizacao": "Centro",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create scooter status %d: %s", res.StatusCode, string(data))
	}
	var s domain.Scooter
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("unmarshal scooter: %v", err)
	}
	return s
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func TestRentalFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	s := createScooter(t, srv, 90)

	rentRes, rentBody := doJSON(t, client, http.MethodPost, srv.URL+"/api/rentals", map[string]any{
		"scooterId":   s.ID,
		"usuarioNome": "Maria",
	})
	if rentRes.StatusCode != http.StatusCreated {
		t.Fatalf("rent status %d: %s", rentRes.StatusCode, string(rentBody))
	}
	var trip domain.Trip
	if err := json.Unmarshal(rentBody, &trip); err != nil {
		t.Fatalf("unmarshal trip: %v", err)
	}

	// renting an occupied scooter must yield the invalid_state envelope
	againRes, againBody := doJSON(t, client, http.MethodPost, srv.URL+"/api/rentals", map[string]any{
		"scooterId":   s.ID,
		"usuarioNome": "Pedro",
	})
	if againRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", againRes.StatusCode, string(againBody))
	}
	var envlp errorEnvelope
	if err := json.Unmarshal(againBody, &envlp); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envlp.Error.Code != "invalid_state" {
		t.Fatalf("expected invalid_state, got %q (%s)", envlp.Error.Code, string(againBody))
	}

	endRes, endBody := doJSON(t, client, http.MethodPatch, srv.URL+"/api/trips/"+trip.ID+"/end", map[string]any{
		"distanciaKm": "4.20",
	})
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end trip status %d: %s", endRes.StatusCode, string(endBody))
	}
	var ended domain.Trip
	_ = json.Unmarshal(endBody, &ended)
	if ended.EndedAt == nil || ended.DistanceKM == nil || *ended.DistanceKM != "4.20" {
		t.Fatalf("unexpected finalized trip: %s", string(endBody))
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/api/scooters/"+s.ID, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get scooter: %d", getRes.StatusCode)
	}
	var fetched domain.Scooter
	_ = json.Unmarshal(getBody, &fetched)
	if fetched.Status != domain.ScooterFree {
		t.Fatalf("expected livre, got %s", fetched.Status)
	}
}

func TestLowBatteryRentRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	s := createScooter(t, srv, 15)

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/rentals", map[string]any{
		"scooterId":   s.ID,
		"usuarioNome": "Maria",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(body))
	}
	var envlp errorEnvelope
	_ = json.Unmarshal(body, &envlp)
	if envlp.Error.Code != "invalid_state" {
		t.Fatalf("expected invalid_state, got %s", string(body))
	}
}

func TestRentUnknownScooter(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	// the scooter id lives in the request body, so a bad one is a 400
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/rentals", map[string]any{
		"scooterId":   "missing",
		"usuarioNome": "Maria",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(body))
	}
	var envlp errorEnvelope
	_ = json.Unmarshal(body, &envlp)
	if envlp.Error.Code != "invalid_state" {
		t.Fatalf("expected invalid_state, got %s", string(body))
	}
}

func TestMaintenanceEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	s := createScooter(t, srv, 90)

	schedRes, schedBody := doJSON(t, client, http.MethodPost, srv.URL+"/api/maintenance", map[string]any{
		"scooterId":    s.ID,
		"tecnicoNome":  "Carlos",
		"descricao":    "troca de pneu",
		"prioridade":   "alta",
		"dataAgendada": "2025-06-02T09:00:00Z",
	})
	if schedRes.StatusCode != http.StatusCreated {
		t.Fatalf("schedule status %d: %s", schedRes.StatusCode, string(schedBody))
	}
	var task domain.MaintenanceTask
	if err := json.Unmarshal(schedBody, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.Status != domain.MaintenancePending {
		t.Fatalf("expected pendente, got %s", task.Status)
	}

	_, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/api/scooters/"+s.ID, nil)
	var fetched domain.Scooter
	_ = json.Unmarshal(getBody, &fetched)
	if fetched.Status != domain.ScooterMaintenance {
		t.Fatalf("expected manutencao, got %s", fetched.Status)
	}

	startRes, startBody := doJSON(t, client, http.MethodPatch, srv.URL+"/api/maintenance/"+task.ID+"/start", nil)
	if startRes.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", startRes.StatusCode, string(startBody))
	}

	doneRes, doneBody := doJSON(t, client, http.MethodPatch, srv.URL+"/api/maintenance/"+task.ID+"/complete", map[string]any{
		"observacoes": "tudo certo",
	})
	if doneRes.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", doneRes.StatusCode, string(doneBody))
	}
	var done domain.MaintenanceTask
	_ = json.Unmarshal(doneBody, &done)
	if done.Status != domain.MaintenanceCompleted || done.CompletedAt == nil {
		t.Fatalf("unexpected completed task: %s", string(doneBody))
	}

	_, getBody = doJSON(t, client, http.MethodGet, srv.URL+"/api/scooters/"+s.ID, nil)
	_ = json.Unmarshal(getBody, &fetched)
	if fetched.Status != domain.ScooterFree {
		t.Fatalf("expected livre after completion, got %s", fetched.Status)
	}

	// history endpoint returns the closed task
	histRes, histBody := doJSON(t, client, http.MethodGet, srv.URL+"/api/scooters/"+s.ID+"/maintenance", nil)
	if histRes.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", histRes.StatusCode, string(histBody))
	}
	var history []domain.MaintenanceTask
	_ = json.Unmarshal(histBody, &history)
	if len(history) != 1 || history[0].ID != task.ID {
		t.Fatalf("unexpected history: %s", string(histBody))
	}
}

func TestNotFoundEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/scooters/missing", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(body))
	}
	var envlp errorEnvelope
	if err := json.Unmarshal(body, &envlp); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envlp.Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %s", string(body))
	}
}

func TestAvailableScooters(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ok := createScooter(t, srv, 80)
	createScooter(t, srv, 10)

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/api/scooters/available", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("available status %d: %s", res.StatusCode, string(body))
	}
	var items []domain.Scooter
	if err := json.Unmarshal(body, &items); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(items) != 1 || items[0].ID != ok.ID {
		t.Fatalf("expected only %s, got %s", ok.ID, string(body))
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	s := createScooter(t, srv, 90)
	doJSON(t, client, http.MethodPost, srv.URL+"/api/rentals", map[string]any{
		"scooterId":   s.ID,
		"usuarioNome": "Maria",
	})

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/api/events", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(body))
	}
	var page paginatedEvents
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("expected 3 events, got %d: %s", len(page.Items), string(body))
	}
	if page.Items[0].Type != string(domain.EventScooterCreated) {
		t.Fatalf("expected scooter:created first, got %s", page.Items[0].Type)
	}
}
