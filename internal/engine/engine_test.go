package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"scootfleet/internal/config"
	"scootfleet/internal/db"
	"scootfleet/internal/domain"
	"scootfleet/internal/engine"
	"scootfleet/internal/migrate"
	"scootfleet/internal/repo"
)

type recordingNotifier struct {
	events []domain.EventType
}

func (n *recordingNotifier) Publish(t domain.EventType, payload any) {
	n.events = append(n.events, t)
}

type testEnv struct {
	Engine   engine.Engine
	Notifier *recordingNotifier
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	notifier := &recordingNotifier{}
	eng.Notifier = notifier
	return testEnv{Engine: eng, Notifier: notifier, Ctx: context.Background()}
}

func newScooter(t *testing.T, env testEnv, battery int) domain.Scooter {
	t.Helper()
	s, err := env.Engine.CreateScooter(env.Ctx, engine.CreateScooterInput{
		Model:    "Xiaomi M365",
		Battery:  &battery,
		Location: "Centro",
	})
	if err != nil {
		t.Fatalf("create scooter: %v", err)
	}
	return s
}

func TestRentalLifecycle(t *testing.T) {
	env := newTestEnv(t)
	s := newScooter(t, env, 90)

	trip, err := env.Engine.RentScooter(env.Ctx, s.ID, "Maria")
	if err != nil {
		t.Fatalf("rent: %v", err)
	}
	if !trip.Active() {
		t.Fatalf("expected active trip")
	}
	got, err := env.Engine.Repo.GetScooter(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ScooterInUse {
		t.Fatalf("expected ocupado, got %s", got.Status)
	}

	// second rental on the same scooter must fail
	_, err = env.Engine.RentScooter(env.Ctx, s.ID, "Pedro")
	var se engine.StateError
	if !errors.As(err, &se) {
		t.Fatalf("expected StateError, got %v", err)
	}

	ended, err := env.Engine.EndTrip(env.Ctx, trip.ID, "3.75")
	if err != nil {
		t.Fatalf("end trip: %v", err)
	}
	if ended.Active() {
		t.Fatalf("expected finalized trip")
	}
	if ended.DistanceKM == nil || *ended.DistanceKM != "3.75" {
		t.Fatalf("expected distance 3.75, got %v", ended.DistanceKM)
	}
	got, _ = env.Engine.Repo.GetScooter(env.Ctx, s.ID)
	if got.Status != domain.ScooterFree {
		t.Fatalf("expected livre after trip, got %s", got.Status)
	}

	// finalizing twice must fail
	if _, err := env.Engine.EndTrip(env.Ctx, trip.ID, ""); !errors.As(err, &se) {
		t.Fatalf("expected StateError on double end, got %v", err)
	}
}

func TestEndTripDefaultsDistance(t *testing.T) {
	env := newTestEnv(t)
	s := newScooter(t, env, 80)
	trip, err := env.Engine.RentScooter(env.Ctx, s.ID, "Ana")
	if err != nil {
		t.Fatal(err)
	}
	ended, err := env.Engine.EndTrip(env.Ctx, trip.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if ended.DistanceKM == nil || *ended.DistanceKM != "0.00" {
		t.Fatalf("expected default 0.00, got %v", ended.DistanceKM)
	}
}

func TestRentRequiresBattery(t *testing.T) {
	env := newTestEnv(t)
	s := newScooter(t, env, 20) // the bound is exclusive
	_, err := env.Engine.RentScooter(env.Ctx, s.ID, "Maria")
	var se engine.StateError
	if !errors.As(err, &se) {
		t.Fatalf("expected StateError for low battery, got %v", err)
	}
	got, _ := env.Engine.Repo.GetScooter(env.Ctx, s.ID)
	if got.Status != domain.ScooterFree {
		t.Fatalf("failed rental must not change status, got %s", got.Status)
	}
}

func TestRentValidation(t *testing.T) {
	env := newTestEnv(t)
	s := newScooter(t, env, 90)

	var ve engine.ValidationError
	if _, err := env.Engine.RentScooter(env.Ctx, s.ID, ""); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for missing rider, got %v", err)
	}
	// an unknown scooter is a failed rental rule, not a 404
	var se engine.StateError
	if _, err := env.Engine.RentScooter(env.Ctx, "missing", "Maria"); !errors.As(err, &se) {
		t.Fatalf("expected StateError for unknown scooter, got %v", err)
	}
}

func TestMaintenanceWorkflow(t *testing.T) {
	env := newTestEnv(t)
	s := newScooter(t, env, 90)

	m, err := env.Engine.ScheduleMaintenance(env.Ctx, engine.ScheduleMaintenanceInput{
		ScooterID:   s.ID,
		Technician:  "Carlos",
		Description: "troca de pneu",
		Priority:    string(domain.PriorityHigh),
		ScheduledAt: "2025-06-02T09:00:00Z",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if m.Status != domain.MaintenancePending {
		t.Fatalf("expected pendente, got %s", m.Status)
	}
	got, _ := env.Engine.Repo.GetScooter(env.Ctx, s.ID)
	if got.Status != domain.ScooterMaintenance {
		t.Fatalf("expected manutencao, got %s", got.Status)
	}

	// a scooter in maintenance cannot be rented
	var se engine.StateError
	if _, err := env.Engine.RentScooter(env.Ctx, s.ID, "Maria"); !errors.As(err, &se) {
		t.Fatalf("expected StateError, got %v", err)
	}

	m, err = env.Engine.StartMaintenance(env.Ctx, m.ID)
	if err != nil || m.Status != domain.MaintenanceInProgress {
		t.Fatalf("start: %v (status %s)", err, m.Status)
	}
	// starting twice must fail
	if _, err := env.Engine.StartMaintenance(env.Ctx, m.ID); !errors.As(err, &se) {
		t.Fatalf("expected StateError on double start, got %v", err)
	}

	notes := "tudo certo"
	m, err = env.Engine.CompleteMaintenance(env.Ctx, m.ID, &notes)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if m.Status != domain.MaintenanceCompleted || m.CompletedAt == nil {
		t.Fatalf("expected concluida with completion time, got %+v", m)
	}
	got, _ = env.Engine.Repo.GetScooter(env.Ctx, s.ID)
	if got.Status != domain.ScooterFree {
		t.Fatalf("expected livre after completion, got %s", got.Status)
	}

	// completing or cancelling a closed task must fail
	if _, err := env.Engine.CompleteMaintenance(env.Ctx, m.ID, nil); !errors.As(err, &se) {
		t.Fatalf("expected StateError on double complete, got %v", err)
	}
	if _, err := env.Engine.CancelMaintenance(env.Ctx, m.ID); !errors.As(err, &se) {
		t.Fatalf("expected StateError cancelling completed task, got %v", err)
	}
}

func TestScheduleMaintenanceMissingScooter(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ScheduleMaintenance(env.Ctx, engine.ScheduleMaintenanceInput{
		ScooterID:   "missing",
		Technician:  "Carlos",
		Description: "revisao",
		ScheduledAt: "2025-06-02T09:00:00Z",
	})
	var se engine.StateError
	if !errors.As(err, &se) {
		t.Fatalf("expected StateError for missing scooter, got %v", err)
	}
}

func TestCancelMaintenanceReleasesScooter(t *testing.T) {
	env := newTestEnv(t)
	s := newScooter(t, env, 90)

	first, err := env.Engine.ScheduleMaintenance(env.Ctx, engine.ScheduleMaintenanceInput{
		ScooterID: s.ID, Technician: "Carlos", Description: "freios", ScheduledAt: "2025-06-02T09:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.ScheduleMaintenance(env.Ctx, engine.ScheduleMaintenanceInput{
		ScooterID: s.ID, Technician: "Joana", Description: "bateria", ScheduledAt: "2025-06-03T09:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}

	// cancelling one of two open tasks keeps the scooter in maintenance
	if _, err := env.Engine.CancelMaintenance(env.Ctx, first.ID); err != nil {
		t.Fatalf("cancel first: %v", err)
	}
	got, _ := env.Engine.Repo.GetScooter(env.Ctx, s.ID)
	if got.Status != domain.ScooterMaintenance {
		t.Fatalf("expected manutencao while second task open, got %s", got.Status)
	}

	// cancelling the last open task frees it
	if _, err := env.Engine.CancelMaintenance(env.Ctx, second.ID); err != nil {
		t.Fatalf("cancel second: %v", err)
	}
	got, _ = env.Engine.Repo.GetScooter(env.Ctx, s.ID)
	if got.Status != domain.ScooterFree {
		t.Fatalf("expected livre after last cancel, got %s", got.Status)
	}
}

func TestDeleteScooterGuards(t *testing.T) {
	env := newTestEnv(t)
	s := newScooter(t, env, 90)
	trip, err := env.Engine.RentScooter(env.Ctx, s.ID, "Maria")
	if err != nil {
		t.Fatal(err)
	}

	var se engine.StateError
	if err := env.Engine.DeleteScooter(env.Ctx, s.ID); !errors.As(err, &se) {
		t.Fatalf("expected StateError while trip active, got %v", err)
	}
	if _, err := env.Engine.EndTrip(env.Ctx, trip.ID, "1.00"); err != nil {
		t.Fatal(err)
	}

	m, err := env.Engine.ScheduleMaintenance(env.Ctx, engine.ScheduleMaintenanceInput{
		ScooterID: s.ID, Technician: "Carlos", Description: "revisao", ScheduledAt: "2025-06-02T09:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteScooter(env.Ctx, s.ID); !errors.As(err, &se) {
		t.Fatalf("expected StateError while maintenance open, got %v", err)
	}
	if _, err := env.Engine.CancelMaintenance(env.Ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteScooter(env.Ctx, s.ID); err != nil {
		t.Fatalf("delete after guards clear: %v", err)
	}
	if _, err := env.Engine.Repo.GetScooter(env.Ctx, s.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDeleteMaintenanceReleasesScooter(t *testing.T) {
	env := newTestEnv(t)
	s := newScooter(t, env, 90)
	m, err := env.Engine.ScheduleMaintenance(env.Ctx, engine.ScheduleMaintenanceInput{
		ScooterID: s.ID, Technician: "Carlos", Description: "revisao", ScheduledAt: "2025-06-02T09:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteMaintenance(env.Ctx, m.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ := env.Engine.Repo.GetScooter(env.Ctx, s.ID)
	if got.Status != domain.ScooterFree {
		t.Fatalf("expected livre after delete, got %s", got.Status)
	}
	if _, err := env.Engine.Repo.GetMaintenance(env.Ctx, m.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateBatteryBounds(t *testing.T) {
	env := newTestEnv(t)
	s := newScooter(t, env, 50)
	var ve engine.ValidationError
	if _, err := env.Engine.UpdateBattery(env.Ctx, s.ID, 101); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for 101, got %v", err)
	}
	if _, err := env.Engine.UpdateBattery(env.Ctx, s.ID, -1); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError for -1, got %v", err)
	}
	got, err := env.Engine.UpdateBattery(env.Ctx, s.ID, 0)
	if err != nil || got.Battery != 0 {
		t.Fatalf("expected battery 0, got %d (%v)", got.Battery, err)
	}
	got, err = env.Engine.UpdateBattery(env.Ctx, s.ID, 100)
	if err != nil || got.Battery != 100 {
		t.Fatalf("expected battery 100, got %d (%v)", got.Battery, err)
	}
	// the update stamps the injected clock
	if got.UpdatedAt != "2025-06-01T12:00:00Z" {
		t.Fatalf("expected clock timestamp, got %s", got.UpdatedAt)
	}
}

func TestScheduleMaintenancePullsRentedScooter(t *testing.T) {
	env := newTestEnv(t)
	s := newScooter(t, env, 90)
	if _, err := env.Engine.RentScooter(env.Ctx, s.ID, "Maria"); err != nil {
		t.Fatal(err)
	}

	// scheduling wins over the rental: the scooter leaves ocupado
	m, err := env.Engine.ScheduleMaintenance(env.Ctx, engine.ScheduleMaintenanceInput{
		ScooterID: s.ID, Technician: "Carlos", Description: "roda travada", ScheduledAt: "2025-06-02T09:00:00Z",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if m.Status != domain.MaintenancePending {
		t.Fatalf("expected pendente, got %s", m.Status)
	}
	got, _ := env.Engine.Repo.GetScooter(env.Ctx, s.ID)
	if got.Status != domain.ScooterMaintenance {
		t.Fatalf("expected manutencao, got %s", got.Status)
	}
}

func TestCompleteMaintenanceFromPending(t *testing.T) {
	env := newTestEnv(t)
	s := newScooter(t, env, 90)
	m, err := env.Engine.ScheduleMaintenance(env.Ctx, engine.ScheduleMaintenanceInput{
		ScooterID: s.ID, Technician: "Carlos", Description: "revisao", ScheduledAt: "2025-06-02T09:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}

	// completing a task that was never started is allowed
	m, err = env.Engine.CompleteMaintenance(env.Ctx, m.ID, nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if m.Status != domain.MaintenanceCompleted || m.CompletedAt == nil {
		t.Fatalf("expected concluida with completion time, got %+v", m)
	}
	got, _ := env.Engine.Repo.GetScooter(env.Ctx, s.ID)
	if got.Status != domain.ScooterFree {
		t.Fatalf("expected livre, got %s", got.Status)
	}
}

func TestCancelMaintenanceKeepsForeignStatus(t *testing.T) {
	env := newTestEnv(t)
	s := newScooter(t, env, 90)
	m, err := env.Engine.ScheduleMaintenance(env.Ctx, engine.ScheduleMaintenanceInput{
		ScooterID: s.ID, Technician: "Carlos", Description: "revisao", ScheduledAt: "2025-06-02T09:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}

	// an administrative edit moves the scooter out of manutencao
	inUse := string(domain.ScooterInUse)
	if _, err := env.Engine.UpdateScooter(env.Ctx, s.ID, engine.UpdateScooterInput{Status: &inUse}); err != nil {
		t.Fatal(err)
	}

	// cancelling must not clobber the status the scooter has meanwhile taken
	if _, err := env.Engine.CancelMaintenance(env.Ctx, m.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := env.Engine.Repo.GetScooter(env.Ctx, s.ID)
	if got.Status != domain.ScooterInUse {
		t.Fatalf("expected ocupado untouched, got %s", got.Status)
	}
}

func TestEventsAndNotifications(t *testing.T) {
	env := newTestEnv(t)
	s := newScooter(t, env, 90)
	trip, err := env.Engine.RentScooter(env.Ctx, s.ID, "Maria")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.EndTrip(env.Ctx, trip.ID, "2.00"); err != nil {
		t.Fatal(err)
	}

	events, err := env.Engine.Repo.EventsAfter(env.Ctx, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, evt := range events {
		types = append(types, evt.Type)
	}
	want := []string{
		string(domain.EventScooterCreated),
		string(domain.EventTripCreated),
		string(domain.EventScooterUpdated),
		string(domain.EventTripFinalized),
		string(domain.EventScooterUpdated),
	}
	if len(types) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}

	// one notification per appended event
	if len(env.Notifier.events) != len(want) {
		t.Fatalf("expected %d notifications, got %v", len(want), env.Notifier.events)
	}
}

func TestListAvailableScooters(t *testing.T) {
	env := newTestEnv(t)
	ok := newScooter(t, env, 80)
	newScooter(t, env, 10) // below minimum
	busy := newScooter(t, env, 95)
	if _, err := env.Engine.RentScooter(env.Ctx, busy.ID, "Maria"); err != nil {
		t.Fatal(err)
	}

	items, err := env.Engine.Repo.ListAvailableScooters(env.Ctx, env.Engine.Config.Rental.MinBattery)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != ok.ID {
		t.Fatalf("expected only %s available, got %+v", ok.ID, items)
	}
}
