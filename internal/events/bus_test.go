package events

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type recordingHandler struct {
	name string
	log  *deliveryLog
}

func (h *recordingHandler) HandleEvent(evt Event) {
	h.log.record(h.name, evt)
}

type panickingHandler struct{}

func (h *panickingHandler) HandleEvent(Event) {
	panic("subscriber blew up")
}

type deliveryLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *deliveryLog) record(name string, evt Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, name+":"+string(evt.Kind))
}

func (l *deliveryLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func newTestBus() *Bus {
	return NewBus(zerolog.Nop())
}

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	bus := newTestBus()
	log := &deliveryLog{}
	first := &recordingHandler{name: "first", log: log}
	second := &recordingHandler{name: "second", log: log}

	bus.Subscribe(OrderCreated, first)
	bus.Subscribe(OrderCreated, second)

	bus.Publish(Event{Kind: OrderCreated, EntityID: "ord_1", EntityType: EntityOrder})

	got := log.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d: %v", len(got), got)
	}
	if got[0] != "first:order.created" || got[1] != "second:order.created" {
		t.Fatalf("unexpected delivery order: %v", got)
	}
}

func TestPublishOnlyMatchingKind(t *testing.T) {
	bus := newTestBus()
	log := &deliveryLog{}
	handler := &recordingHandler{name: "h", log: log}

	bus.Subscribe(GenerationCompleted, handler)
	bus.Publish(Event{Kind: GenerationFailed, EntityID: "pred_1", EntityType: EntityGeneration})

	if got := log.snapshot(); len(got) != 0 {
		t.Fatalf("expected no deliveries, got %v", got)
	}
}

func TestSubscribeIdempotent(t *testing.T) {
	bus := newTestBus()
	log := &deliveryLog{}
	handler := &recordingHandler{name: "h", log: log}

	bus.Subscribe(OrderFulfilled, handler)
	bus.Subscribe(OrderFulfilled, handler)

	bus.Publish(Event{Kind: OrderFulfilled, EntityID: "ord_1", EntityType: EntityOrder})

	if got := log.snapshot(); len(got) != 1 {
		t.Fatalf("duplicate subscription delivered %d times: %v", len(got), got)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	bus := newTestBus()
	log := &deliveryLog{}
	handler := &recordingHandler{name: "h", log: log}

	// Never subscribed: must not panic.
	bus.Unsubscribe(OrderCreated, handler)

	bus.Subscribe(OrderCreated, handler)
	bus.Unsubscribe(OrderCreated, handler)
	bus.Unsubscribe(OrderCreated, handler)

	bus.Publish(Event{Kind: OrderCreated, EntityID: "ord_1", EntityType: EntityOrder})
	if got := log.snapshot(); len(got) != 0 {
		t.Fatalf("expected no deliveries after unsubscribe, got %v", got)
	}
}

func TestClearSubscribers(t *testing.T) {
	bus := newTestBus()
	log := &deliveryLog{}
	bus.Subscribe(OrderCreated, &recordingHandler{name: "a", log: log})
	bus.Subscribe(OrderCreated, &recordingHandler{name: "b", log: log})

	bus.ClearSubscribers(OrderCreated)
	// Clearing an empty kind is a no-op.
	bus.ClearSubscribers(OrderCreated)

	bus.Publish(Event{Kind: OrderCreated, EntityID: "ord_1", EntityType: EntityOrder})
	if got := log.snapshot(); len(got) != 0 {
		t.Fatalf("expected no deliveries after clear, got %v", got)
	}
}

func TestPanickingHandlerDoesNotBlockDelivery(t *testing.T) {
	bus := newTestBus()
	log := &deliveryLog{}
	bus.Subscribe(GenerationFailed, &panickingHandler{})
	bus.Subscribe(GenerationFailed, &recordingHandler{name: "survivor", log: log})

	bus.Publish(Event{Kind: GenerationFailed, EntityID: "pred_1", EntityType: EntityGeneration})

	got := log.snapshot()
	if len(got) != 1 || got[0] != "survivor:generation.failed" {
		t.Fatalf("expected delivery to survivor, got %v", got)
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	bus := newTestBus()
	log := &deliveryLog{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handler := &recordingHandler{name: "h", log: log}
			for j := 0; j < 50; j++ {
				bus.Subscribe(GenerationCompleted, handler)
				bus.Publish(Event{Kind: GenerationCompleted, EntityID: "pred_1", EntityType: EntityGeneration})
				bus.Unsubscribe(GenerationCompleted, handler)
			}
		}()
	}
	wg.Wait()
}
