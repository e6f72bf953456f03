package domain

// ScooterStatus is persisted as a string. The Portuguese wire values are kept
// because stored rows and the dashboard depend on them.
type ScooterStatus string

const (
	ScooterFree        ScooterStatus = "livre"
	ScooterInUse       ScooterStatus = "ocupado"
	ScooterMaintenance ScooterStatus = "manutencao"
)

type MaintenancePriority string

const (
	PriorityLow    MaintenancePriority = "baixa"
	PriorityMedium MaintenancePriority = "media"
	PriorityHigh   MaintenancePriority = "alta"
	PriorityUrgent MaintenancePriority = "urgente"
)

type MaintenanceStatus string

const (
	MaintenancePending    MaintenanceStatus = "pendente"
	MaintenanceInProgress MaintenanceStatus = "em_andamento"
	MaintenanceCompleted  MaintenanceStatus = "concluida"
	MaintenanceCancelled  MaintenanceStatus = "cancelada"
)

// EventType is the closed set of broadcast/event-log types. Consumers switch
// over these constants instead of freeform strings.
type EventType string

const (
	EventScooterCreated       EventType = "scooter:created"
	EventScooterUpdated       EventType = "scooter:updated"
	EventScooterDeleted       EventType = "scooter:deleted"
	EventTripCreated          EventType = "trip:created"
	EventTripUpdated          EventType = "trip:updated"
	EventTripFinalized        EventType = "trip:finalized"
	EventMaintenanceCreated   EventType = "maintenance:created"
	EventMaintenanceUpdated   EventType = "maintenance:updated"
	EventMaintenanceCompleted EventType = "maintenance:completed"
	EventMaintenanceCancelled EventType = "maintenance:cancelled"
	EventMaintenanceDeleted   EventType = "maintenance:deleted"
)

// EventTypes lists every known event type in a stable order.
func EventTypes() []EventType {
	return []EventType{
		EventScooterCreated, EventScooterUpdated, EventScooterDeleted,
		EventTripCreated, EventTripUpdated, EventTripFinalized,
		EventMaintenanceCreated, EventMaintenanceUpdated,
		EventMaintenanceCompleted, EventMaintenanceCancelled,
		EventMaintenanceDeleted,
	}
}

// KnownEventType reports whether s names a member of the closed event set.
func KnownEventType(s string) bool {
	for _, t := range EventTypes() {
		if string(t) == s {
			return true
		}
	}
	return false
}

type Scooter struct {
	ID        string        `json:"id"`
	Model     string        `json:"modelo"`
	Battery   int           `json:"bateria" minimum:"0" maximum:"100"`
	Status    ScooterStatus `json:"status" enum:"livre,ocupado,manutencao"`
	Location  string        `json:"localizacao"`
	UpdatedAt string        `json:"ultimaAtualizacao" format:"date-time"`
}

type Trip struct {
	ID         string  `json:"id"`
	ScooterID  string  `json:"scooterId"`
	RiderName  string  `json:"usuarioNome"`
	StartedAt  string  `json:"dataInicio" format:"date-time"`
	EndedAt    *string `json:"dataFim,omitempty" format:"date-time"`
	DistanceKM *string `json:"distanciaKm,omitempty"`
}

// Active reports whether the trip has not been finalized.
func (t Trip) Active() bool { return t.EndedAt == nil }

type MaintenanceTask struct {
	ID          string              `json:"id"`
	ScooterID   string              `json:"scooterId"`
	Technician  string              `json:"tecnicoNome"`
	Description string              `json:"descricao"`
	Priority    MaintenancePriority `json:"prioridade" enum:"baixa,media,alta,urgente"`
	Status      MaintenanceStatus   `json:"status" enum:"pendente,em_andamento,concluida,cancelada"`
	ScheduledAt string              `json:"dataAgendada" format:"date-time"`
	CompletedAt *string             `json:"dataConclusao,omitempty" format:"date-time"`
	Notes       *string             `json:"observacoes,omitempty"`
	CreatedAt   string              `json:"createdAt" format:"date-time"`
}

// Open reports whether the task still holds a claim on its scooter.
func (m MaintenanceTask) Open() bool {
	return m.Status == MaintenancePending || m.Status == MaintenanceInProgress
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
