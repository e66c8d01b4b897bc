package prediction

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"imagen/internal/events"
	"imagen/internal/replicate"
)

type stubClient struct {
	mu        sync.Mutex
	createID  string
	createErr error
	getErr    error
	// statuses is consumed one per GetPrediction call; the last entry
	// repeats once exhausted.
	statuses  []replicate.Prediction
	gets      int
	canceled  []string
	cancelErr error
}

func (c *stubClient) CreatePrediction(ctx context.Context, model string, input map[string]any) (*replicate.Prediction, error) {
	if c.createErr != nil {
		return nil, c.createErr
	}
	id := c.createID
	if id == "" {
		id = "pred_1"
	}
	return &replicate.Prediction{ID: id, Status: replicate.StatusStarting}, nil
}

func (c *stubClient) GetPrediction(ctx context.Context, predictionID string) (*replicate.Prediction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.getErr != nil {
		return nil, c.getErr
	}
	idx := c.gets - 1
	if idx >= len(c.statuses) {
		idx = len(c.statuses) - 1
	}
	pred := c.statuses[idx]
	pred.ID = predictionID
	return &pred, nil
}

func (c *stubClient) CancelPrediction(ctx context.Context, predictionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelErr != nil {
		return c.cancelErr
	}
	c.canceled = append(c.canceled, predictionID)
	return nil
}

// chanRecorder forwards received events into a channel so tests can wait
// on asynchronous poller publications.
type chanRecorder struct {
	ch chan events.Event
}

func newChanRecorder() *chanRecorder {
	return &chanRecorder{ch: make(chan events.Event, 16)}
}

func (r *chanRecorder) HandleEvent(evt events.Event) {
	r.ch <- evt
}

func (r *chanRecorder) next(t *testing.T) events.Event {
	t.Helper()
	select {
	case evt := <-r.ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func (r *chanRecorder) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case evt := <-r.ch:
		t.Fatalf("unexpected event %s for %s", evt.Kind, evt.EntityID)
	case <-time.After(wait):
	}
}

func newTestPoller(client Client) (*Poller, *chanRecorder) {
	bus := events.NewBus(zerolog.Nop())
	recorder := newChanRecorder()
	for _, kind := range events.GenerationKinds() {
		bus.Subscribe(kind, recorder)
	}
	poller := NewPoller(client, bus, zerolog.Nop(), Options{
		PollInterval: time.Millisecond,
		MaxAttempts:  5,
	})
	return poller, recorder
}

func startAndWatch(t *testing.T, poller *Poller, client *stubClient) string {
	t.Helper()
	id, err := poller.StartPrediction(context.Background(), "owner/model", map[string]any{"prompt": "a cat"})
	if err != nil {
		t.Fatalf("StartPrediction error: %v", err)
	}
	if !poller.Tracked(id) {
		t.Fatalf("prediction %s not tracked after start", id)
	}
	poller.Watch(context.Background(), id)
	return id
}

func TestPollSucceeded(t *testing.T) {
	client := &stubClient{statuses: []replicate.Prediction{
		{Status: replicate.StatusSucceeded, Output: "http://x/img.png"},
	}}
	poller, recorder := newTestPoller(client)

	id := startAndWatch(t, poller, client)

	evt := recorder.next(t)
	if evt.Kind != events.GenerationCompleted {
		t.Fatalf("expected generation.completed, got %s", evt.Kind)
	}
	if evt.EntityID != id {
		t.Fatalf("expected entity %s, got %s", id, evt.EntityID)
	}
	if !reflect.DeepEqual(evt.Outputs, []string{"http://x/img.png"}) {
		t.Fatalf("unexpected outputs: %v", evt.Outputs)
	}
	if poller.Tracked(id) {
		t.Fatal("prediction still tracked after terminal event")
	}
	recorder.expectNone(t, 20*time.Millisecond)
}

func TestPollFailedWithErrorText(t *testing.T) {
	client := &stubClient{statuses: []replicate.Prediction{
		{Status: replicate.StatusProcessing},
		{Status: replicate.StatusFailed, Error: "quota exceeded"},
	}}
	poller, recorder := newTestPoller(client)

	startAndWatch(t, poller, client)

	evt := recorder.next(t)
	if evt.Kind != events.GenerationFailed {
		t.Fatalf("expected generation.failed, got %s", evt.Kind)
	}
	if evt.Error != "quota exceeded" {
		t.Fatalf("expected provider error text, got %q", evt.Error)
	}
}

func TestPollFailedWithoutDetail(t *testing.T) {
	client := &stubClient{statuses: []replicate.Prediction{
		{Status: replicate.StatusFailed},
	}}
	poller, recorder := newTestPoller(client)

	startAndWatch(t, poller, client)

	evt := recorder.next(t)
	if evt.Kind != events.GenerationFailed {
		t.Fatalf("expected generation.failed, got %s", evt.Kind)
	}
	if evt.Error == "" {
		t.Fatal("expected placeholder error message")
	}
}

func TestPollCanceledByProvider(t *testing.T) {
	client := &stubClient{statuses: []replicate.Prediction{
		{Status: replicate.StatusCanceled},
	}}
	poller, recorder := newTestPoller(client)

	id := startAndWatch(t, poller, client)

	evt := recorder.next(t)
	if evt.Kind != events.GenerationCanceled {
		t.Fatalf("expected generation.canceled, got %s", evt.Kind)
	}
	if poller.Tracked(id) {
		t.Fatal("prediction still tracked after cancel")
	}
}

func TestProviderErrorEndsPoll(t *testing.T) {
	client := &stubClient{
		statuses: []replicate.Prediction{{Status: replicate.StatusProcessing}},
		getErr:   errors.New("connection refused"),
	}
	poller, recorder := newTestPoller(client)

	id := startAndWatch(t, poller, client)

	evt := recorder.next(t)
	if evt.Kind != events.GenerationFailed {
		t.Fatalf("expected generation.failed, got %s", evt.Kind)
	}
	if !strings.Contains(evt.Error, "connection refused") {
		t.Fatalf("expected transport error text, got %q", evt.Error)
	}
	client.mu.Lock()
	gets := client.gets
	client.mu.Unlock()
	if gets != 1 {
		t.Fatalf("provider error must not be retried, got %d queries", gets)
	}
	if poller.Tracked(id) {
		t.Fatal("prediction still tracked after provider error")
	}
}

func TestPollTimeout(t *testing.T) {
	client := &stubClient{statuses: []replicate.Prediction{
		{Status: replicate.StatusProcessing},
	}}
	poller, recorder := newTestPoller(client)

	id := startAndWatch(t, poller, client)

	evt := recorder.next(t)
	if evt.Kind != events.GenerationFailed {
		t.Fatalf("expected generation.failed, got %s", evt.Kind)
	}
	if !strings.Contains(evt.Error, "timed out") {
		t.Fatalf("expected timeout message, got %q", evt.Error)
	}
	if poller.Tracked(id) {
		t.Fatal("prediction still tracked after timeout")
	}
	if poller.ActiveCount() != 0 {
		t.Fatalf("expected empty registry, got %d", poller.ActiveCount())
	}
	recorder.expectNone(t, 20*time.Millisecond)
}

func TestCancelPublishesImmediately(t *testing.T) {
	client := &stubClient{statuses: []replicate.Prediction{
		{Status: replicate.StatusProcessing},
	}}
	poller, recorder := newTestPoller(client)
	// Generous budget so the loop cannot time out during the test.
	poller.options.MaxAttempts = 10000

	id := startAndWatch(t, poller, client)

	if err := poller.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}

	evt := recorder.next(t)
	if evt.Kind != events.GenerationCanceled {
		t.Fatalf("expected generation.canceled, got %s", evt.Kind)
	}
	client.mu.Lock()
	canceled := append([]string(nil), client.canceled...)
	client.mu.Unlock()
	if len(canceled) != 1 || canceled[0] != id {
		t.Fatalf("expected provider cancel for %s, got %v", id, canceled)
	}

	// Second cancel is a no-op and publishes nothing.
	if err := poller.Cancel(context.Background(), id); err != nil {
		t.Fatalf("second Cancel error: %v", err)
	}
	recorder.expectNone(t, 20*time.Millisecond)
}

func TestCancelUnknownIDIsNoop(t *testing.T) {
	client := &stubClient{statuses: []replicate.Prediction{{Status: replicate.StatusProcessing}}}
	poller, recorder := newTestPoller(client)

	if err := poller.Cancel(context.Background(), "pred_unknown"); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	recorder.expectNone(t, 20*time.Millisecond)
}

func TestNormalizeOutput(t *testing.T) {
	cases := []struct {
		name   string
		input  any
		expect []string
	}{
		{"nil", nil, []string{}},
		{"single string", "http://x/a.png", []string{"http://x/a.png"}},
		{"string list", []any{"a", "b"}, []string{"a", "b"}},
		{"typed string list", []string{"a", "b"}, []string{"a", "b"}},
		{"number", float64(42), []string{"42"}},
		{"mixed list", []any{"a", float64(7)}, []string{"a", "7"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := normalizeOutput(tc.input)
			if !reflect.DeepEqual(got, tc.expect) {
				t.Fatalf("normalizeOutput(%v) = %v, want %v", tc.input, got, tc.expect)
			}
		})
	}
}

func TestStartPredictionCreateError(t *testing.T) {
	client := &stubClient{createErr: errors.New("api down")}
	poller, recorder := newTestPoller(client)

	if _, err := poller.StartPrediction(context.Background(), "owner/model", nil); err == nil {
		t.Fatal("expected error from StartPrediction")
	}
	if poller.ActiveCount() != 0 {
		t.Fatalf("expected empty registry, got %d", poller.ActiveCount())
	}
	recorder.expectNone(t, 20*time.Millisecond)
}
