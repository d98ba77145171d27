package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entity names the kind of row an outbox entry writes.
type Entity string

const (
	EntityTask       Entity = "task"
	EntityList       Entity = "list"
	EntitySubtask    Entity = "subtask"
	EntityRule       Entity = "recurrence_rule"
	EntityRuleActive Entity = "recurrence_rule_active"
	EntityOverride   Entity = "recurrence_override"
)

// Valid reports whether e is a known entity.
func (e Entity) Valid() bool {
	switch e {
	case EntityTask, EntityList, EntitySubtask, EntityRule, EntityRuleActive, EntityOverride:
		return true
	}
	return false
}

// Op is the remote operation an outbox entry encodes.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// OutboxEntry is one pending remote write. Entries for the same
// (Entity, EntityID) key are replayed in ID order.
type OutboxEntry struct {
	ID        int64           `json:"id"`
	Entity    Entity          `json:"entity"`
	EntityID  string          `json:"entity_id"`
	Op        Op              `json:"op"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`

	Attempts      int        `json:"attempts"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Dead          bool       `json:"dead"`
}

// Key identifies the entity the entry writes.
func (e *OutboxEntry) Key() string {
	return string(e.Entity) + ":" + e.EntityID
}

// Ready reports whether the entry may be replayed at now.
func (e *OutboxEntry) Ready(now time.Time) bool {
	return !e.Dead && (e.NextAttemptAt == nil || !e.NextAttemptAt.After(now))
}

// ActivePayload is the payload of a recurrence_rule_active entry.
type ActivePayload struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

// ListMovePayload is the payload of a bulk list operation that must replay
// before the list is deleted remotely.
type ListMovePayload struct {
	ID     string  `json:"id"`
	MoveTo *string `json:"move_to,omitempty"`
	Purge  bool    `json:"purge,omitempty"`
}

// RewritePayloadID replaces the top-level "id" member of a JSON object
// payload. Other members are preserved byte for byte.
func RewritePayloadID(payload json.RawMessage, id string) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	enc, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	obj["id"] = enc
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return out, nil
}
