// Package prediction bridges the external prediction API into bus events.
// One goroutine polls per active prediction; the poller never touches
// persistence, it only publishes.
package prediction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"imagen/internal/events"
	"imagen/internal/replicate"
)

const (
	defaultPollInterval = time.Second
	defaultMaxAttempts  = 60
)

// Client is the slice of the prediction API the poller consumes.
// *replicate.Client satisfies it.
type Client interface {
	CreatePrediction(ctx context.Context, model string, input map[string]any) (*replicate.Prediction, error)
	GetPrediction(ctx context.Context, predictionID string) (*replicate.Prediction, error)
	CancelPrediction(ctx context.Context, predictionID string) error
}

type Options struct {
	PollInterval time.Duration
	MaxAttempts  int
}

// Poller starts predictions and monitors them until a terminal state,
// translating provider responses into generation events. The active
// registry holds at most one entry per prediction id, and removal is the
// gate that makes every terminal event exactly-once.
type Poller struct {
	client  Client
	bus     *events.Bus
	logger  zerolog.Logger
	options Options

	mu     sync.Mutex
	active map[string]struct{}
}

func NewPoller(client Client, bus *events.Bus, logger zerolog.Logger, opts Options) *Poller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	return &Poller{
		client:  client,
		bus:     bus,
		logger:  logger.With().Str("component", "poller").Logger(),
		options: opts,
		active:  make(map[string]struct{}),
	}
}

// StartPrediction creates a prediction for the model and registers it as
// active. Polling does not begin until Watch is called, so the caller can
// finish its own bookkeeping for the returned id before events start
// flowing.
func (p *Poller) StartPrediction(ctx context.Context, model string, input map[string]any) (string, error) {
	pred, err := p.client.CreatePrediction(ctx, model, input)
	if err != nil {
		return "", fmt.Errorf("start prediction: %w", err)
	}

	p.mu.Lock()
	p.active[pred.ID] = struct{}{}
	p.mu.Unlock()

	p.logger.Info().Str("prediction_id", pred.ID).Str("model", model).Msg("prediction started")
	return pred.ID, nil
}

// Watch launches the polling goroutine for a registered prediction.
// Watching an id that is no longer active is a no-op.
func (p *Poller) Watch(ctx context.Context, predictionID string) {
	go p.poll(ctx, predictionID)
}

// Cancel asks the provider to cancel the prediction and publishes the
// terminal canceled event immediately, without waiting for the next tick.
// Unknown ids are a no-op.
func (p *Poller) Cancel(ctx context.Context, predictionID string) error {
	// Claiming the registry entry first keeps the terminal event unique
	// even if the poll goroutine reaches a terminal state concurrently.
	if !p.untrack(predictionID) {
		return nil
	}
	if err := p.client.CancelPrediction(ctx, predictionID); err != nil {
		p.logger.Error().Err(err).Str("prediction_id", predictionID).Msg("cancel prediction failed")
		p.publishFailed(predictionID, fmt.Sprintf("failed to cancel prediction: %v", err))
		return fmt.Errorf("cancel prediction %s: %w", predictionID, err)
	}
	p.logger.Info().Str("prediction_id", predictionID).Msg("prediction canceled")
	p.bus.Publish(events.NewGenerationEvent(events.GenerationCanceled, predictionID))
	return nil
}

// Tracked reports whether the prediction is still registered as active.
func (p *Poller) Tracked(predictionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[predictionID]
	return ok
}

// ActiveCount returns the number of predictions currently being polled.
func (p *Poller) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// untrack removes the prediction from the active registry and reports
// whether this call performed the removal.
func (p *Poller) untrack(predictionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.active[predictionID]; !ok {
		return false
	}
	delete(p.active, predictionID)
	return true
}

// poll queries the provider until the prediction reaches a terminal state,
// the attempt budget runs out, or the prediction is externally canceled.
func (p *Poller) poll(ctx context.Context, predictionID string) {
	attempts := 0
	for p.Tracked(predictionID) {
		pred, err := p.client.GetPrediction(ctx, predictionID)
		if err != nil {
			// One provider error ends the poll; no retry.
			if p.untrack(predictionID) {
				p.logger.Error().Err(err).Str("prediction_id", predictionID).Msg("prediction status query failed")
				p.publishFailed(predictionID, err.Error())
			}
			return
		}

		switch pred.Status {
		case replicate.StatusSucceeded:
			if p.untrack(predictionID) {
				outputs := normalizeOutput(pred.Output)
				p.logger.Info().Str("prediction_id", predictionID).Int("outputs", len(outputs)).Msg("prediction succeeded")
				evt := events.NewGenerationEvent(events.GenerationCompleted, predictionID)
				evt.Outputs = outputs
				p.bus.Publish(evt)
			}
			return
		case replicate.StatusFailed:
			if p.untrack(predictionID) {
				msg := pred.Error
				if msg == "" {
					msg = "prediction failed without error detail"
				}
				p.logger.Error().Str("prediction_id", predictionID).Str("error", msg).Msg("prediction failed")
				p.publishFailed(predictionID, msg)
			}
			return
		case replicate.StatusCanceled:
			if p.untrack(predictionID) {
				p.logger.Info().Str("prediction_id", predictionID).Msg("prediction canceled by provider")
				p.bus.Publish(events.NewGenerationEvent(events.GenerationCanceled, predictionID))
			}
			return
		}

		attempts++
		if attempts >= p.options.MaxAttempts {
			if p.untrack(predictionID) {
				p.logger.Error().Str("prediction_id", predictionID).Int("attempts", attempts).Msg("prediction poll budget exhausted")
				p.publishFailed(predictionID, fmt.Sprintf("prediction timed out after %d attempts", attempts))
			}
			return
		}

		select {
		case <-ctx.Done():
			if p.untrack(predictionID) {
				p.publishFailed(predictionID, ctx.Err().Error())
			}
			return
		case <-time.After(p.options.PollInterval):
		}
	}
}

func (p *Poller) publishFailed(predictionID, message string) {
	evt := events.NewGenerationEvent(events.GenerationFailed, predictionID)
	evt.Error = message
	p.bus.Publish(evt)
}

// normalizeOutput flattens the provider's model-dependent output value into
// a list of strings: absent becomes empty, a single value becomes a
// one-element list, anything non-string is stringified.
func normalizeOutput(output any) []string {
	switch v := output.(type) {
	case nil:
		return []string{}
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		outputs := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				outputs = append(outputs, s)
				continue
			}
			outputs = append(outputs, fmt.Sprint(item))
		}
		return outputs
	default:
		return []string{fmt.Sprint(v)}
	}
}
