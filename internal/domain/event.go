package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventKind identifies one incident lifecycle transition.
// Params: constants "CREATE_INCIDENT" or "RESOLVE_INCIDENT".
// Returns: closed event tag matched exhaustively by consumers.
type EventKind string

const (
	// EventCreateIncident marks a freshly opened incident.
	EventCreateIncident EventKind = "CREATE_INCIDENT"
	// EventResolveIncident marks an incident closed by service recovery.
	EventResolveIncident EventKind = "RESOLVE_INCIDENT"
)

// LifecycleEvent is one message between monitoring and escalation engines.
// Params: event kind, service/incident identity, and emission time.
// Returns: validated payload delivered at-least-once over the event channel.
type LifecycleEvent struct {
	Kind       EventKind `json:"type"`
	ServiceID  int64     `json:"service_id"`
	IncidentID int64     `json:"incident_id"`
	At         time.Time `json:"timestamp"`
}

// Validate validates one lifecycle event against the contract.
// Params: event fields parsed from transport.
// Returns: validation error when schema is violated.
func (e LifecycleEvent) Validate() error {
	switch e.Kind {
	case EventCreateIncident, EventResolveIncident:
	default:
		return fmt.Errorf("unsupported event type %q", e.Kind)
	}
	if e.ServiceID <= 0 {
		return errors.New("service_id must be >0")
	}
	if e.IncidentID <= 0 {
		return errors.New("incident_id must be >0")
	}
	if e.At.IsZero() {
		return errors.New("timestamp is required")
	}
	return nil
}

// DecodeLifecycleEvent decodes and validates one event payload.
// Params: JSON document bytes.
// Returns: validated event or decode/validation error.
func DecodeLifecycleEvent(raw []byte) (LifecycleEvent, error) {
	var event LifecycleEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return LifecycleEvent{}, fmt.Errorf("decode lifecycle event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return LifecycleEvent{}, err
	}
	return event, nil
}

// EncodeLifecycleEvent encodes one event for transport.
// Params: validated event.
// Returns: JSON payload or encode error.
func EncodeLifecycleEvent(event LifecycleEvent) ([]byte, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode lifecycle event: %w", err)
	}
	return body, nil
}
