package domain

import "time"

// GenerationStatus enumerates generation lifecycle states.
type GenerationStatus string

const (
	GenerationStatusStarting   GenerationStatus = "starting"
	GenerationStatusInProgress GenerationStatus = "in_progress"
	GenerationStatusCompleted  GenerationStatus = "completed"
	GenerationStatusFailed     GenerationStatus = "failed"
	GenerationStatusCancelled  GenerationStatus = "cancelled"
)

// Terminal reports whether no further status transitions may occur.
func (s GenerationStatus) Terminal() bool {
	switch s {
	case GenerationStatusCompleted, GenerationStatusFailed, GenerationStatusCancelled:
		return true
	}
	return false
}

// Generation is one external prediction job fulfilling part of an order.
// Its ID is the external service's prediction id.
type Generation struct {
	ID             string
	OrderID        string
	Model          string
	Prompt         string
	Parameters     map[string]any
	Status         GenerationStatus
	ErrorMessage   string
	ReturnMetadata map[string]any
	CreatedAt      time.Time
}
