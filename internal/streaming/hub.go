package streaming

import "context"

// Event types published on the hub.
const (
	TypeAttributeChanged = "attribute_changed"
	TypeRunEvent         = "run_event"
)

// Event is a change notification: an entity attribute update or a run event.
type Event struct {
	Type     string `json:"type"`
	EntityID string `json:"entity_id,omitempty"`
	RunID    string `json:"run_id,omitempty"`
	StepID   string `json:"step_id,omitempty"`
	Name     string `json:"name"`
	Value    any    `json:"value,omitempty"`
}

// Filter specifies which events a subscriber wants to receive.
// Empty fields match everything.
type Filter struct {
	Types    []string `json:"types,omitempty"`
	EntityID string   `json:"entity_id,omitempty"`
	RunID    string   `json:"run_id,omitempty"`
	Names    []string `json:"names,omitempty"`
}

// Hub provides pub/sub for attribute changes and run events.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
