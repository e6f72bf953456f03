package server

import (
	"encoding/json"

	"scootfleet/internal/domain"
	"scootfleet/internal/engine"
)

// Request payloads. Wire keys match the stored dashboard and existing
// integrations, hence the Portuguese names.

type CreateScooterRequest struct {
	Model    string `json:"modelo"`
	Battery  *int   `json:"bateria,omitempty" minimum:"0" maximum:"100"`
	Status   string `json:"status,omitempty" enum:"livre,ocupado,manutencao"`
	Location string `json:"localizacao"`
}

type UpdateScooterRequest struct {
	Model    *string `json:"modelo,omitempty"`
	Battery  *int    `json:"bateria,omitempty" minimum:"0" maximum:"100"`
	Status   *string `json:"status,omitempty" enum:"livre,ocupado,manutencao"`
	Location *string `json:"localizacao,omitempty"`
}

type UpdateBatteryRequest struct {
	Battery int `json:"bateria" minimum:"0" maximum:"100"`
}

type RentScooterRequest struct {
	ScooterID string `json:"scooterId"`
	RiderName string `json:"usuarioNome"`
}

type EndTripRequest struct {
	DistanceKM string `json:"distanciaKm,omitempty"`
}

type ScheduleMaintenanceRequest struct {
	ScooterID   string  `json:"scooterId"`
	Technician  string  `json:"tecnicoNome"`
	Description string  `json:"descricao"`
	Priority    string  `json:"prioridade,omitempty" enum:"baixa,media,alta,urgente"`
	ScheduledAt string  `json:"dataAgendada" format:"date-time"`
	Notes       *string `json:"observacoes,omitempty"`
}

type UpdateMaintenanceRequest struct {
	Technician  *string `json:"tecnicoNome,omitempty"`
	Description *string `json:"descricao,omitempty"`
	Priority    *string `json:"prioridade,omitempty" enum:"baixa,media,alta,urgente"`
	Status      *string `json:"status,omitempty" enum:"pendente,em_andamento,concluida,cancelada"`
	ScheduledAt *string `json:"dataAgendada,omitempty" format:"date-time"`
	Notes       *string `json:"observacoes,omitempty"`
}

type CompleteMaintenanceRequest struct {
	Notes *string `json:"observacoes,omitempty"`
}

// Response payloads. Scooters, trips, and maintenance tasks serialize
// straight from the domain structs; only events need decoding.

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// Conversion helpers

func toScheduleInput(req ScheduleMaintenanceRequest) engine.ScheduleMaintenanceInput {
	return engine.ScheduleMaintenanceInput{
		ScooterID:   req.ScooterID,
		Technician:  req.Technician,
		Description: req.Description,
		Priority:    req.Priority,
		ScheduledAt: req.ScheduledAt,
		Notes:       req.Notes,
	}
}

func toScooterUpdate(req UpdateScooterRequest) engine.UpdateScooterInput {
	return engine.UpdateScooterInput{
		Model:    req.Model,
		Battery:  req.Battery,
		Status:   req.Status,
		Location: req.Location,
	}
}

func toMaintenanceUpdate(req UpdateMaintenanceRequest) engine.UpdateMaintenanceInput {
	return engine.UpdateMaintenanceInput{
		Technician:  req.Technician,
		Description: req.Description,
		Priority:    req.Priority,
		Status:      req.Status,
		ScheduledAt: req.ScheduledAt,
		Notes:       req.Notes,
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilScooters(in []domain.Scooter) []domain.Scooter {
	if in == nil {
		return []domain.Scooter{}
	}
	return in
}

func nonNilTrips(in []domain.Trip) []domain.Trip {
	if in == nil {
		return []domain.Trip{}
	}
	return in
}

func nonNilMaintenance(in []domain.MaintenanceTask) []domain.MaintenanceTask {
	if in == nil {
		return []domain.MaintenanceTask{}
	}
	return in
}
