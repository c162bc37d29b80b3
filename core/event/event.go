package event

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a queue lifecycle notification with metadata and payload.
type Event struct {
	ID        string    `json:"id"`         // Unique identifier for the event
	Name      string    `json:"name"`       // Event name (e.g., "request.completed")
	Payload   any       `json:"payload"`    // Typed payload, see payloads.go
	CreatedAt time.Time `json:"created_at"` // When the event was created
}

// NewEvent creates a new Event with auto-generated ID and timestamp.
func NewEvent(name string, payload any) Event {
	return Event{
		ID:        uuid.New().String(),
		Name:      name,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}
