package events

import (
	"time"

	"imagen/internal/domain"
)

// Kind identifies what happened as a dotted domain+verb string.
type Kind string

const (
	OrderCreated       Kind = "order.created"
	OrderStatusChanged Kind = "order.status_changed"
	OrderFulfilled     Kind = "order.fulfilled"
	OrderFailed        Kind = "order.failed"
	OrderCanceled      Kind = "order.canceled"

	GenerationStarted   Kind = "generation.started"
	GenerationCompleted Kind = "generation.completed"
	GenerationFailed    Kind = "generation.failed"
	GenerationCanceled  Kind = "generation.canceled"
)

// Entity types carried in the event envelope.
const (
	EntityOrder      = "order"
	EntityGeneration = "generation"
)

// OrderKinds lists every order event kind.
func OrderKinds() []Kind {
	return []Kind{OrderCreated, OrderStatusChanged, OrderFulfilled, OrderFailed, OrderCanceled}
}

// GenerationKinds lists every generation event kind.
func GenerationKinds() []Kind {
	return []Kind{GenerationStarted, GenerationCompleted, GenerationFailed, GenerationCanceled}
}

// Event is the immutable envelope delivered to subscribers. Payload fields
// are populated according to the entity type: order events carry Order,
// generation events carry the prediction id as EntityID plus, depending on
// the kind, the raw Outputs published by the poller or the Generation and
// Products attached by the orchestrator.
type Event struct {
	Kind       Kind
	EntityID   string
	EntityType string
	Timestamp  time.Time

	Order      *domain.Order
	Generation *domain.Generation
	Products   []domain.Product
	Outputs    []string
	Error      string
}

// NewOrderEvent builds an order event envelope.
func NewOrderEvent(kind Kind, order *domain.Order) Event {
	return Event{
		Kind:       kind,
		EntityID:   order.ID,
		EntityType: EntityOrder,
		Timestamp:  time.Now().UTC(),
		Order:      order,
	}
}

// NewGenerationEvent builds a generation event envelope keyed by the
// external prediction id.
func NewGenerationEvent(kind Kind, generationID string) Event {
	return Event{
		Kind:       kind,
		EntityID:   generationID,
		EntityType: EntityGeneration,
		Timestamp:  time.Now().UTC(),
	}
}
