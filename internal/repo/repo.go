package repo

import (
	"context"
	"database/sql"
	"errors"

	"scootfleet/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const scooterCols = `id,model,battery,status,location,updated_at`

func scanScooter(row *sql.Row) (domain.Scooter, error) {
	var s domain.Scooter
	err := row.Scan(&s.ID, &s.Model, &s.Battery, &s.Status, &s.Location, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func collectScooters(rows *sql.Rows) ([]domain.Scooter, error) {
	defer rows.Close()
	var res []domain.Scooter
	for rows.Next() {
		var s domain.Scooter
		if err := rows.Scan(&s.ID, &s.Model, &s.Battery, &s.Status, &s.Location, &s.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) GetScooter(ctx context.Context, id string) (domain.Scooter, error) {
	return scanScooter(r.DB.QueryRowContext(ctx, `SELECT `+scooterCols+` FROM scooters WHERE id=?`, id))
}

func (r Repo) ListScooters(ctx context.Context) ([]domain.Scooter, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+scooterCols+` FROM scooters ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	return collectScooters(rows)
}

// ListAvailableScooters returns scooters that can actually be rented: free
// and with enough battery.
func (r Repo) ListAvailableScooters(ctx context.Context, minBattery int) ([]domain.Scooter, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+scooterCols+` FROM scooters WHERE status=? AND battery>? ORDER BY updated_at DESC`,
		string(domain.ScooterFree), minBattery)
	if err != nil {
		return nil, err
	}
	return collectScooters(rows)
}

func (r Repo) InsertScooterTx(ctx context.Context, tx *sql.Tx, s domain.Scooter) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO scooters(`+scooterCols+`) VALUES (?,?,?,?,?,?)`,
		s.ID, s.Model, s.Battery, string(s.Status), s.Location, s.UpdatedAt)
	return err
}

// UpdateScooterTx writes the full row; callers mutate the struct first.
func (r Repo) UpdateScooterTx(ctx context.Context, tx *sql.Tx, s domain.Scooter) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE scooters SET model=?,battery=?,status=?,location=?,updated_at=? WHERE id=?`,
		s.Model, s.Battery, string(s.Status), s.Location, s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetScooterStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.ScooterStatus, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE scooters SET status=?,updated_at=? WHERE id=?`,
		string(status), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteScooterTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM scooters WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const tripCols = `id,scooter_id,rider_name,started_at,ended_at,distance_km`

func scanTrip(row *sql.Row) (domain.Trip, error) {
	var t domain.Trip
	var ended, dist sql.NullString
	err := row.Scan(&t.ID, &t.ScooterID, &t.RiderName, &t.StartedAt, &ended, &dist)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if ended.Valid {
		t.EndedAt = &ended.String
	}
	if dist.Valid {
		t.DistanceKM = &dist.String
	}
	return t, err
}

func collectTrips(rows *sql.Rows) ([]domain.Trip, error) {
	defer rows.Close()
	var res []domain.Trip
	for rows.Next() {
		var t domain.Trip
		var ended, dist sql.NullString
		if err := rows.Scan(&t.ID, &t.ScooterID, &t.RiderName, &t.StartedAt, &ended, &dist); err != nil {
			return nil, err
		}
		if ended.Valid {
			e := ended.String
			t.EndedAt = &e
		}
		if dist.Valid {
			d := dist.String
			t.DistanceKM = &d
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) GetTrip(ctx context.Context, id string) (domain.Trip, error) {
	return scanTrip(r.DB.QueryRowContext(ctx, `SELECT `+tripCols+` FROM trips WHERE id=?`, id))
}

func (r Repo) ListTrips(ctx context.Context) ([]domain.Trip, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+tripCols+` FROM trips ORDER BY started_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	return collectTrips(rows)
}

func (r Repo) ListActiveTrips(ctx context.Context) ([]domain.Trip, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+tripCols+` FROM trips WHERE ended_at IS NULL ORDER BY started_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	return collectTrips(rows)
}

// ActiveTripForScooter returns the scooter's open trip, or ErrNotFound.
func (r Repo) ActiveTripForScooter(ctx context.Context, scooterID string) (domain.Trip, error) {
	return scanTrip(r.DB.QueryRowContext(ctx,
		`SELECT `+tripCols+` FROM trips WHERE scooter_id=? AND ended_at IS NULL LIMIT 1`, scooterID))
}

func (r Repo) InsertTripTx(ctx context.Context, tx *sql.Tx, t domain.Trip) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO trips(`+tripCols+`) VALUES (?,?,?,?,?,?)`,
		t.ID, t.ScooterID, t.RiderName, t.StartedAt, nullablePtr(t.EndedAt), nullablePtr(t.DistanceKM))
	return err
}

func (r Repo) FinalizeTripTx(ctx context.Context, tx *sql.Tx, id, endedAt, distanceKM string) error {
	res, err := tx.ExecContext(ctx, `UPDATE trips SET ended_at=?,distance_km=? WHERE id=?`,
		endedAt, distanceKM, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const maintCols = `id,scooter_id,technician,description,priority,status,scheduled_at,completed_at,notes,created_at`

func scanMaintenance(row *sql.Row) (domain.MaintenanceTask, error) {
	var m domain.MaintenanceTask
	var completed, notes sql.NullString
	err := row.Scan(&m.ID, &m.ScooterID, &m.Technician, &m.Description, &m.Priority, &m.Status,
		&m.ScheduledAt, &completed, &notes, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if completed.Valid {
		m.CompletedAt = &completed.String
	}
	if notes.Valid {
		m.Notes = &notes.String
	}
	return m, err
}

func collectMaintenance(rows *sql.Rows) ([]domain.MaintenanceTask, error) {
	defer rows.Close()
	var res []domain.MaintenanceTask
	for rows.Next() {
		var m domain.MaintenanceTask
		var completed, notes sql.NullString
		if err := rows.Scan(&m.ID, &m.ScooterID, &m.Technician, &m.Description, &m.Priority, &m.Status,
			&m.ScheduledAt, &completed, &notes, &m.CreatedAt); err != nil {
			return nil, err
		}
		if completed.Valid {
			c := completed.String
			m.CompletedAt = &c
		}
		if notes.Valid {
			n := notes.String
			m.Notes = &n
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) GetMaintenance(ctx context.Context, id string) (domain.MaintenanceTask, error) {
	return scanMaintenance(r.DB.QueryRowContext(ctx, `SELECT `+maintCols+` FROM maintenance_tasks WHERE id=?`, id))
}

func (r Repo) ListMaintenance(ctx context.Context) ([]domain.MaintenanceTask, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+maintCols+` FROM maintenance_tasks ORDER BY scheduled_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	return collectMaintenance(rows)
}

func (r Repo) ListPendingMaintenance(ctx context.Context) ([]domain.MaintenanceTask, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+maintCols+` FROM maintenance_tasks WHERE status=? ORDER BY scheduled_at DESC, id DESC`,
		string(domain.MaintenancePending))
	if err != nil {
		return nil, err
	}
	return collectMaintenance(rows)
}

func (r Repo) ListMaintenanceForScooter(ctx context.Context, scooterID string) ([]domain.MaintenanceTask, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+maintCols+` FROM maintenance_tasks WHERE scooter_id=? ORDER BY scheduled_at DESC, id DESC`,
		scooterID)
	if err != nil {
		return nil, err
	}
	return collectMaintenance(rows)
}

// HasOpenMaintenance reports whether the scooter has another pending or
// in-progress task besides excludeID (pass "" to consider all tasks).
func (r Repo) HasOpenMaintenance(ctx context.Context, scooterID, excludeID string) (bool, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT 1 FROM maintenance_tasks WHERE scooter_id=? AND id!=? AND status IN (?,?) LIMIT 1`,
		scooterID, excludeID, string(domain.MaintenancePending), string(domain.MaintenanceInProgress))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), nil
}

func (r Repo) InsertMaintenanceTx(ctx context.Context, tx *sql.Tx, m domain.MaintenanceTask) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO maintenance_tasks(`+maintCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ScooterID, m.Technician, m.Description, string(m.Priority), string(m.Status),
		m.ScheduledAt, nullablePtr(m.CompletedAt), nullablePtr(m.Notes), m.CreatedAt)
	return err
}

// UpdateMaintenanceTx writes the full row; callers mutate the struct first.
func (r Repo) UpdateMaintenanceTx(ctx context.Context, tx *sql.Tx, m domain.MaintenanceTask) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE maintenance_tasks SET technician=?,description=?,priority=?,status=?,scheduled_at=?,completed_at=?,notes=? WHERE id=?`,
		m.Technician, m.Description, string(m.Priority), string(m.Status),
		m.ScheduledAt, nullablePtr(m.CompletedAt), nullablePtr(m.Notes), m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteMaintenanceTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM maintenance_tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.Payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns up to limit events with id greater than after, oldest
// first. Feeds the webhook dispatcher cursor and GET /events.
func (r Repo) EventsAfter(ctx context.Context, limit int, after int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,entity_kind,entity_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`,
		after, limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
