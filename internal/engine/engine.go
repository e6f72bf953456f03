package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"scootfleet/internal/config"
	"scootfleet/internal/domain"
	"scootfleet/internal/events"
	"scootfleet/internal/repo"
)

// Notifier receives one call per changed entity after a mutation commits.
// The websocket hub implements it; tests substitute a recorder.
type Notifier interface {
	Publish(t domain.EventType, payload any)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Notifier Notifier
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) minBattery() int {
	if e.Config != nil {
		return e.Config.Rental.MinBattery
	}
	return 20
}

func (e Engine) notify(t domain.EventType, payload any) {
	if e.Notifier != nil {
		e.Notifier.Publish(t, payload)
	}
}

// --- scooters ---

type CreateScooterInput struct {
	Model    string
	Battery  *int
	Status   string
	Location string
}

func (e Engine) CreateScooter(ctx context.Context, in CreateScooterInput) (domain.Scooter, error) {
	if in.Model == "" {
		return domain.Scooter{}, ValidationError{Field: "modelo", Reason: "is required"}
	}
	if in.Location == "" {
		return domain.Scooter{}, ValidationError{Field: "localizacao", Reason: "is required"}
	}
	battery := 100
	if in.Battery != nil {
		battery = *in.Battery
	}
	if battery < 0 || battery > 100 {
		return domain.Scooter{}, ValidationError{Field: "bateria", Reason: "must be within [0,100]"}
	}
	status := domain.ScooterFree
	if in.Status != "" {
		status = domain.ScooterStatus(in.Status)
		if !validScooterStatus(status) {
			return domain.Scooter{}, ValidationError{Field: "status", Reason: "unknown status " + in.Status}
		}
	}
	s := domain.Scooter{
		ID:        uuid.NewString(),
		Model:     in.Model,
		Battery:   battery,
		Status:    status,
		Location:  in.Location,
		UpdatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Scooter{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertScooterTx(ctx, tx, s); err != nil {
		return domain.Scooter{}, err
	}
	if err := e.Events.Append(ctx, tx, domain.EventScooterCreated, "scooter", s.ID, events.EventPayload{
		"model": s.Model, "status": string(s.Status),
	}); err != nil {
		return domain.Scooter{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Scooter{}, err
	}
	e.notify(domain.EventScooterCreated, s)
	return s, nil
}

// UpdateScooterInput merges into the stored row. This is the administrative
// escape hatch: status may be set directly, bypassing the guarded workflows.
// Only the battery bound is still enforced.
type UpdateScooterInput struct {
	Model    *string
	Battery  *int
	Status   *string
	Location *string
}

func (e Engine) UpdateScooter(ctx context.Context, id string, in UpdateScooterInput) (domain.Scooter, error) {
	s, err := e.Repo.GetScooter(ctx, id)
	if err != nil {
		return s, err
	}
	if in.Model != nil {
		s.Model = *in.Model
	}
	if in.Battery != nil {
		if *in.Battery < 0 || *in.Battery > 100 {
			return s, ValidationError{Field: "bateria", Reason: "must be within [0,100]"}
		}
		s.Battery = *in.Battery
	}
	if in.Status != nil {
		status := domain.ScooterStatus(*in.Status)
		if !validScooterStatus(status) {
			return s, ValidationError{Field: "status", Reason: "unknown status " + *in.Status}
		}
		s.Status = status
	}
	if in.Location != nil {
		s.Location = *in.Location
	}
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateScooterTx(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, domain.EventScooterUpdated, "scooter", s.ID, events.EventPayload{
		"status": string(s.Status), "battery": s.Battery,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	e.notify(domain.EventScooterUpdated, s)
	return s, nil
}

func (e Engine) UpdateBattery(ctx context.Context, id string, level int) (domain.Scooter, error) {
	if level < 0 || level > 100 {
		return domain.Scooter{}, ValidationError{Field: "bateria", Reason: "must be within [0,100]"}
	}
	s, err := e.Repo.GetScooter(ctx, id)
	if err != nil {
		return s, err
	}
	s.Battery = level
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateScooterTx(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, domain.EventScooterUpdated, "scooter", s.ID, events.EventPayload{
		"battery": s.Battery,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	e.notify(domain.EventScooterUpdated, s)
	return s, nil
}

// DeleteScooter refuses while the scooter has an active trip or an open
// maintenance task.
func (e Engine) DeleteScooter(ctx context.Context, id string) error {
	if _, err := e.Repo.GetScooter(ctx, id); err != nil {
		return err
	}
	if _, err := e.Repo.ActiveTripForScooter(ctx, id); err == nil {
		return StateError{Reason: "scooter has an active trip and cannot be removed"}
	} else if err != repo.ErrNotFound {
		return err
	}
	open, err := e.Repo.HasOpenMaintenance(ctx, id, "")
	if err != nil {
		return err
	}
	if open {
		return StateError{Reason: "scooter has open maintenance and cannot be removed"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteScooterTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, domain.EventScooterDeleted, "scooter", id, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.notify(domain.EventScooterDeleted, map[string]string{"id": id})
	return nil
}

// --- rental workflow ---

// RentScooter opens a trip and takes the scooter out of the free pool.
// Preconditions are checked in order; the first failure wins.
func (e Engine) RentScooter(ctx context.Context, scooterID, riderName string) (domain.Trip, error) {
	if riderName == "" {
		return domain.Trip{}, ValidationError{Field: "usuarioNome", Reason: "is required"}
	}
	s, err := e.Repo.GetScooter(ctx, scooterID)
	if err != nil {
		if err == repo.ErrNotFound {
			// A rental names its scooter in the body, so a bad id is a
			// failed precondition, not a missing resource.
			return domain.Trip{}, StateError{Reason: "scooter not found"}
		}
		return domain.Trip{}, err
	}
	if s.Status != domain.ScooterFree {
		return domain.Trip{}, StateError{Reason: "scooter is not available for rent"}
	}
	if s.Battery <= e.minBattery() {
		return domain.Trip{}, StateError{Reason: fmt.Sprintf("insufficient battery, minimum %d%%", e.minBattery())}
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Trip{
		ID:        uuid.NewString(),
		ScooterID: scooterID,
		RiderName: riderName,
		StartedAt: now,
	}
	s.Status = domain.ScooterInUse
	s.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Trip{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTripTx(ctx, tx, t); err != nil {
		return domain.Trip{}, err
	}
	if err := e.Repo.SetScooterStatusTx(ctx, tx, s.ID, s.Status, s.UpdatedAt); err != nil {
		return domain.Trip{}, err
	}
	if err := e.Events.Append(ctx, tx, domain.EventTripCreated, "trip", t.ID, events.EventPayload{
		"scooter_id": s.ID, "rider": t.RiderName,
	}); err != nil {
		return domain.Trip{}, err
	}
	if err := e.Events.Append(ctx, tx, domain.EventScooterUpdated, "scooter", s.ID, events.EventPayload{
		"status": string(s.Status),
	}); err != nil {
		return domain.Trip{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Trip{}, err
	}
	e.notify(domain.EventTripCreated, t)
	e.notify(domain.EventScooterUpdated, s)
	return t, nil
}

// EndTrip finalizes an active trip. Distance is client-supplied, never
// computed; empty defaults to "0.00".
func (e Engine) EndTrip(ctx context.Context, tripID, distanceKM string) (domain.Trip, error) {
	t, err := e.Repo.GetTrip(ctx, tripID)
	if err != nil {
		return t, err
	}
	if !t.Active() {
		return t, StateError{Reason: "trip already finalized"}
	}
	if distanceKM == "" {
		distanceKM = "0.00"
	}
	if v, err := strconv.ParseFloat(distanceKM, 64); err != nil || v < 0 {
		return t, ValidationError{Field: "distanciaKm", Reason: "must be a non-negative decimal"}
	}
	s, err := e.Repo.GetScooter(ctx, t.ScooterID)
	if err != nil {
		return t, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	t.EndedAt = &now
	t.DistanceKM = &distanceKM
	s.Status = domain.ScooterFree
	s.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.FinalizeTripTx(ctx, tx, t.ID, now, distanceKM); err != nil {
		return t, err
	}
	if err := e.Repo.SetScooterStatusTx(ctx, tx, s.ID, s.Status, s.UpdatedAt); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, domain.EventTripFinalized, "trip", t.ID, events.EventPayload{
		"scooter_id": s.ID, "distance_km": distanceKM,
	}); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, domain.EventScooterUpdated, "scooter", s.ID, events.EventPayload{
		"status": string(s.Status),
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	e.notify(domain.EventTripFinalized, t)
	e.notify(domain.EventScooterUpdated, s)
	return t, nil
}

// --- maintenance workflow ---

type ScheduleMaintenanceInput struct {
	ScooterID   string
	Technician  string
	Description string
	Priority    string
	ScheduledAt string
	Notes       *string
}

// ScheduleMaintenance creates a pending task and unconditionally takes the
// scooter out of service, whatever its prior status.
func (e Engine) ScheduleMaintenance(ctx context.Context, in ScheduleMaintenanceInput) (domain.MaintenanceTask, error) {
	if in.Technician == "" {
		return domain.MaintenanceTask{}, ValidationError{Field: "tecnicoNome", Reason: "is required"}
	}
	if in.Description == "" {
		return domain.MaintenanceTask{}, ValidationError{Field: "descricao", Reason: "is required"}
	}
	priority := domain.PriorityMedium
	if in.Priority != "" {
		priority = domain.MaintenancePriority(in.Priority)
		if !validPriority(priority) {
			return domain.MaintenanceTask{}, ValidationError{Field: "prioridade", Reason: "unknown priority " + in.Priority}
		}
	}
	scheduledAt, err := parseTimestamp(in.ScheduledAt)
	if err != nil {
		return domain.MaintenanceTask{}, ValidationError{Field: "dataAgendada", Reason: "must be an RFC 3339 timestamp"}
	}
	s, err := e.Repo.GetScooter(ctx, in.ScooterID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.MaintenanceTask{}, StateError{Reason: "scooter not found"}
		}
		return domain.MaintenanceTask{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	m := domain.MaintenanceTask{
		ID:          uuid.NewString(),
		ScooterID:   s.ID,
		Technician:  in.Technician,
		Description: in.Description,
		Priority:    priority,
		Status:      domain.MaintenancePending,
		ScheduledAt: scheduledAt,
		Notes:       in.Notes,
		CreatedAt:   now,
	}
	s.Status = domain.ScooterMaintenance
	s.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMaintenanceTx(ctx, tx, m); err != nil {
		return m, err
	}
	if err := e.Repo.SetScooterStatusTx(ctx, tx, s.ID, s.Status, s.UpdatedAt); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, domain.EventMaintenanceCreated, "maintenance", m.ID, events.EventPayload{
		"scooter_id": s.ID, "priority": string(m.Priority),
	}); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, domain.EventScooterUpdated, "scooter", s.ID, events.EventPayload{
		"status": string(s.Status),
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	e.notify(domain.EventMaintenanceCreated, m)
	e.notify(domain.EventScooterUpdated, s)
	return m, nil
}

func (e Engine) StartMaintenance(ctx context.Context, taskID string) (domain.MaintenanceTask, error) {
	m, err := e.Repo.GetMaintenance(ctx, taskID)
	if err != nil {
		return m, err
	}
	if m.Status != domain.MaintenancePending {
		return m, StateError{Reason: "maintenance task is not pending"}
	}
	m.Status = domain.MaintenanceInProgress
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMaintenanceTx(ctx, tx, m); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, domain.EventMaintenanceUpdated, "maintenance", m.ID, events.EventPayload{
		"status": string(m.Status),
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	e.notify(domain.EventMaintenanceUpdated, m)
	return m, nil
}

// CompleteMaintenance closes the task and returns the scooter to service
// unconditionally.
func (e Engine) CompleteMaintenance(ctx context.Context, taskID string, notes *string) (domain.MaintenanceTask, error) {
	m, err := e.Repo.GetMaintenance(ctx, taskID)
	if err != nil {
		return m, err
	}
	if !m.Open() {
		return m, StateError{Reason: "maintenance task cannot be completed"}
	}
	s, err := e.Repo.GetScooter(ctx, m.ScooterID)
	if err != nil {
		return m, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	m.Status = domain.MaintenanceCompleted
	m.CompletedAt = &now
	if notes != nil {
		m.Notes = notes
	}
	s.Status = domain.ScooterFree
	s.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMaintenanceTx(ctx, tx, m); err != nil {
		return m, err
	}
	if err := e.Repo.SetScooterStatusTx(ctx, tx, s.ID, s.Status, s.UpdatedAt); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, domain.EventMaintenanceCompleted, "maintenance", m.ID, events.EventPayload{
		"scooter_id": s.ID,
	}); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, domain.EventScooterUpdated, "scooter", s.ID, events.EventPayload{
		"status": string(s.Status),
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	e.notify(domain.EventMaintenanceCompleted, m)
	e.notify(domain.EventScooterUpdated, s)
	return m, nil
}

// CancelMaintenance cancels a task that has not completed. The scooter is
// released back to the free pool only if its status is still manutencao and
// no other open task claims it; this guards against clobbering a status the
// scooter acquired from a different task.
func (e Engine) CancelMaintenance(ctx context.Context, taskID string) (domain.MaintenanceTask, error) {
	m, err := e.Repo.GetMaintenance(ctx, taskID)
	if err != nil {
		return m, err
	}
	if m.Status == domain.MaintenanceCompleted {
		return m, StateError{Reason: "maintenance task already completed"}
	}
	s, err := e.Repo.GetScooter(ctx, m.ScooterID)
	if err != nil {
		return m, err
	}
	release, err := e.shouldReleaseScooter(ctx, s, m.ID)
	if err != nil {
		return m, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	m.Status = domain.MaintenanceCancelled

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMaintenanceTx(ctx, tx, m); err != nil {
		return m, err
	}
	if release {
		s.Status = domain.ScooterFree
		s.UpdatedAt = now
		if err := e.Repo.SetScooterStatusTx(ctx, tx, s.ID, s.Status, s.UpdatedAt); err != nil {
			return m, err
		}
		if err := e.Events.Append(ctx, tx, domain.EventScooterUpdated, "scooter", s.ID, events.EventPayload{
			"status": string(s.Status),
		}); err != nil {
			return m, err
		}
	}
	if err := e.Events.Append(ctx, tx, domain.EventMaintenanceCancelled, "maintenance", m.ID, events.EventPayload{
		"scooter_id": s.ID,
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	e.notify(domain.EventMaintenanceCancelled, m)
	if release {
		e.notify(domain.EventScooterUpdated, s)
	}
	return m, nil
}

// UpdateMaintenanceInput merges into the stored row. Like UpdateScooter this
// is permissive: status may be set directly, bypassing the transition guards.
type UpdateMaintenanceInput struct {
	Technician  *string
	Description *string
	Priority    *string
	Status      *string
	ScheduledAt *string
	Notes       *string
}

func (e Engine) UpdateMaintenance(ctx context.Context, taskID string, in UpdateMaintenanceInput) (domain.MaintenanceTask, error) {
	m, err := e.Repo.GetMaintenance(ctx, taskID)
	if err != nil {
		return m, err
	}
	if in.Technician != nil {
		m.Technician = *in.Technician
	}
	if in.Description != nil {
		m.Description = *in.Description
	}
	if in.Priority != nil {
		priority := domain.MaintenancePriority(*in.Priority)
		if !validPriority(priority) {
			return m, ValidationError{Field: "prioridade", Reason: "unknown priority " + *in.Priority}
		}
		m.Priority = priority
	}
	if in.Status != nil {
		status := domain.MaintenanceStatus(*in.Status)
		if !validMaintenanceStatus(status) {
			return m, ValidationError{Field: "status", Reason: "unknown status " + *in.Status}
		}
		m.Status = status
	}
	if in.ScheduledAt != nil {
		scheduledAt, err := parseTimestamp(*in.ScheduledAt)
		if err != nil {
			return m, ValidationError{Field: "dataAgendada", Reason: "must be an RFC 3339 timestamp"}
		}
		m.ScheduledAt = scheduledAt
	}
	if in.Notes != nil {
		m.Notes = in.Notes
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateMaintenanceTx(ctx, tx, m); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, domain.EventMaintenanceUpdated, "maintenance", m.ID, events.EventPayload{
		"status": string(m.Status),
	}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	e.notify(domain.EventMaintenanceUpdated, m)
	return m, nil
}

// DeleteMaintenance removes the task, releasing the scooter under the same
// guard as cancellation.
func (e Engine) DeleteMaintenance(ctx context.Context, taskID string) error {
	m, err := e.Repo.GetMaintenance(ctx, taskID)
	if err != nil {
		return err
	}
	s, err := e.Repo.GetScooter(ctx, m.ScooterID)
	if err != nil {
		return err
	}
	release, err := e.shouldReleaseScooter(ctx, s, m.ID)
	if err != nil {
		return err
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteMaintenanceTx(ctx, tx, m.ID); err != nil {
		return err
	}
	if release {
		s.Status = domain.ScooterFree
		s.UpdatedAt = now
		if err := e.Repo.SetScooterStatusTx(ctx, tx, s.ID, s.Status, s.UpdatedAt); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, domain.EventScooterUpdated, "scooter", s.ID, events.EventPayload{
			"status": string(s.Status),
		}); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, domain.EventMaintenanceDeleted, "maintenance", m.ID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.notify(domain.EventMaintenanceDeleted, map[string]string{"id": m.ID})
	if release {
		e.notify(domain.EventScooterUpdated, s)
	}
	return nil
}

// shouldReleaseScooter decides whether closing the given task frees its
// scooter: only when the scooter is still in manutencao and no other open
// task claims it.
func (e Engine) shouldReleaseScooter(ctx context.Context, s domain.Scooter, excludeTaskID string) (bool, error) {
	if s.Status != domain.ScooterMaintenance {
		return false, nil
	}
	open, err := e.Repo.HasOpenMaintenance(ctx, s.ID, excludeTaskID)
	if err != nil {
		return false, err
	}
	return !open, nil
}

// --- helpers ---

func validScooterStatus(s domain.ScooterStatus) bool {
	switch s {
	case domain.ScooterFree, domain.ScooterInUse, domain.ScooterMaintenance:
		return true
	}
	return false
}

func validPriority(p domain.MaintenancePriority) bool {
	switch p {
	case domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh, domain.PriorityUrgent:
		return true
	}
	return false
}

func validMaintenanceStatus(s domain.MaintenanceStatus) bool {
	switch s {
	case domain.MaintenancePending, domain.MaintenanceInProgress,
		domain.MaintenanceCompleted, domain.MaintenanceCancelled:
		return true
	}
	return false
}

func parseTimestamp(in string) (string, error) {
	if in == "" {
		return "", fmt.Errorf("empty timestamp")
	}
	t, err := time.Parse(time.RFC3339, in)
	if err != nil {
		return "", err
	}
	return t.UTC().Format(time.RFC3339), nil
}
