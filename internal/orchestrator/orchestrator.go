// Package orchestrator sequences the order -> generation -> product
// pipeline and aggregates generation outcomes into order outcomes.
package orchestrator

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"imagen/internal/domain"
	"imagen/internal/events"
	"imagen/internal/prediction"
)

// Downloader retrieves a generation output and stores it locally. The
// returned path is what gets recorded on the product.
type Downloader interface {
	Fetch(ctx context.Context, generationID, url string, index int) (path string, size int64, format string, err error)
}

// Orchestrator creates orders, starts their predictions, and reacts to the
// poller's generation events to persist outcomes. It is a bus subscriber
// for the generation kinds from construction until Close.
type Orchestrator struct {
	orders      domain.OrderRepository
	generations domain.GenerationRepository
	products    domain.ProductRepository
	poller      *prediction.Poller
	bus         *events.Bus
	downloader  Downloader
	logger      zerolog.Logger

	mu      sync.Mutex
	tracked map[string]string // prediction id -> order id

	// Serializes sibling aggregation so two generations completing at the
	// same time cannot both observe a non-terminal order.
	fulfillMu sync.Mutex
}

// Config carries the orchestrator's collaborators. Orders and Generations
// are required; Products and Downloader are optional (without them
// completed generations simply record no files).
type Config struct {
	Orders      domain.OrderRepository
	Generations domain.GenerationRepository
	Products    domain.ProductRepository
	Poller      *prediction.Poller
	Bus         *events.Bus
	Downloader  Downloader
	Logger      zerolog.Logger
}

// New wires an orchestrator and subscribes it to generation events.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		orders:      cfg.Orders,
		generations: cfg.Generations,
		products:    cfg.Products,
		poller:      cfg.Poller,
		bus:         cfg.Bus,
		downloader:  cfg.Downloader,
		logger:      cfg.Logger.With().Str("component", "orchestrator").Logger(),
		tracked:     make(map[string]string),
	}
	o.bus.Subscribe(events.GenerationCompleted, o)
	o.bus.Subscribe(events.GenerationFailed, o)
	o.bus.Subscribe(events.GenerationCanceled, o)
	return o
}

// Close unsubscribes the orchestrator from the bus.
func (o *Orchestrator) Close() {
	o.bus.Unsubscribe(events.GenerationCompleted, o)
	o.bus.Unsubscribe(events.GenerationFailed, o)
	o.bus.Unsubscribe(events.GenerationCanceled, o)
}

// CreateOrder persists a new order, starts its first generation and
// registers the prediction for tracking. It returns the order and the
// prediction id. On a step failure after the order row exists, the order
// is marked failed before the error is returned.
func (o *Orchestrator) CreateOrder(ctx context.Context, model, prompt string, parameters map[string]any, projectID string) (*domain.Order, string, error) {
	if o.orders == nil || o.generations == nil {
		return nil, "", domain.ErrRepositoriesNotConfigured
	}

	order := &domain.Order{
		ID:             uuid.NewString(),
		Model:          model,
		Prompt:         prompt,
		BaseParameters: parameters,
		Status:         domain.OrderStatusPending,
		ProjectID:      projectID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := o.orders.Create(ctx, order); err != nil {
		return nil, "", fmt.Errorf("create order: %w", err)
	}
	o.bus.Publish(events.NewOrderEvent(events.OrderCreated, order))

	predictionID, err := o.startGeneration(ctx, order, parameters)
	if err != nil {
		o.failOrder(ctx, order, err.Error())
		return nil, "", err
	}

	if err := o.orders.UpdateStatus(ctx, order.ID, domain.OrderStatusProcessing); err != nil {
		o.failOrder(ctx, order, err.Error())
		if cancelErr := o.poller.Cancel(ctx, predictionID); cancelErr != nil {
			o.logger.Error().Err(cancelErr).Str("prediction_id", predictionID).Msg("cancel prediction failed")
		}
		return nil, "", fmt.Errorf("update order status: %w", err)
	}
	order.Status = domain.OrderStatusProcessing
	o.bus.Publish(events.NewOrderEvent(events.OrderStatusChanged, order))

	o.bus.Publish(events.NewGenerationEvent(events.GenerationStarted, predictionID))
	// Polling starts only after the order and generation rows exist and the
	// prediction is tracked; events cannot race the creation pipeline. The
	// watch context must outlive the request.
	o.poller.Watch(context.WithoutCancel(ctx), predictionID)

	o.logger.Info().Str("order_id", order.ID).Str("prediction_id", predictionID).Str("model", model).Msg("order created")
	return order, predictionID, nil
}

// AddGeneration starts an additional generation under an existing active
// order, using the order's model and prompt with per-generation parameter
// overrides.
func (o *Orchestrator) AddGeneration(ctx context.Context, orderID string, parameters map[string]any) (string, error) {
	if o.orders == nil || o.generations == nil {
		return "", domain.ErrRepositoriesNotConfigured
	}
	order, err := o.orders.GetByID(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("load order: %w", err)
	}
	if !order.Active() {
		return "", fmt.Errorf("order %s is %s, cannot add generation", orderID, order.Status)
	}
	if parameters == nil {
		parameters = order.BaseParameters
	}
	predictionID, err := o.startGeneration(ctx, order, parameters)
	if err != nil {
		return "", err
	}
	o.bus.Publish(events.NewGenerationEvent(events.GenerationStarted, predictionID))
	o.poller.Watch(context.WithoutCancel(ctx), predictionID)
	return predictionID, nil
}

// startGeneration creates the prediction, persists the generation row keyed
// by the prediction id and tracks it. The caller decides when polling
// begins.
func (o *Orchestrator) startGeneration(ctx context.Context, order *domain.Order, parameters map[string]any) (string, error) {
	input := make(map[string]any, len(parameters)+1)
	for k, v := range parameters {
		input[k] = v
	}
	if order.Prompt != "" {
		if _, ok := input["prompt"]; !ok {
			input["prompt"] = order.Prompt
		}
	}

	predictionID, err := o.poller.StartPrediction(ctx, order.Model, input)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrProviderFailure, err)
	}

	generation := &domain.Generation{
		ID:         predictionID,
		OrderID:    order.ID,
		Model:      order.Model,
		Prompt:     order.Prompt,
		Parameters: parameters,
		Status:     domain.GenerationStatusStarting,
		CreatedAt:  time.Now().UTC(),
	}
	if err := o.generations.Create(ctx, generation); err != nil {
		// The prediction is already running; stop it rather than leak an
		// untracked job at the provider.
		if cancelErr := o.poller.Cancel(ctx, predictionID); cancelErr != nil {
			o.logger.Error().Err(cancelErr).Str("prediction_id", predictionID).Msg("cancel orphaned prediction failed")
		}
		return "", fmt.Errorf("create generation: %w", err)
	}

	o.mu.Lock()
	o.tracked[predictionID] = order.ID
	o.mu.Unlock()

	return predictionID, nil
}

// CancelGeneration cancels a tracked prediction. Unknown ids are a no-op.
func (o *Orchestrator) CancelGeneration(ctx context.Context, predictionID string) error {
	o.mu.Lock()
	_, ok := o.tracked[predictionID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	return o.poller.Cancel(ctx, predictionID)
}

// CancelOrder cancels every generation of the order that is still active.
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID string) error {
	order, err := o.orders.GetByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}
	if !order.CanBeCanceled() {
		return domain.ErrOrderNotCancelable
	}
	generations, err := o.generations.ListByOrderID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("list generations: %w", err)
	}
	for _, generation := range generations {
		if generation.Status.Terminal() {
			continue
		}
		if err := o.CancelGeneration(ctx, generation.ID); err != nil {
			o.logger.Error().Err(err).Str("prediction_id", generation.ID).Msg("cancel generation failed")
		}
	}
	return nil
}

// HandleEvent reacts to the poller's generation events. Events for
// prediction ids that are no longer tracked are ignored; this also covers
// the enriched completion event the orchestrator republishes itself.
func (o *Orchestrator) HandleEvent(evt events.Event) {
	orderID, ok := o.claim(evt.EntityID)
	if !ok {
		o.logger.Debug().Str("event_kind", string(evt.Kind)).Str("prediction_id", evt.EntityID).Msg("event for untracked prediction")
		return
	}

	switch evt.Kind {
	case events.GenerationCompleted:
		o.handleCompleted(evt.EntityID, orderID, evt.Outputs)
	case events.GenerationFailed:
		o.handleFailed(evt.EntityID, orderID, evt.Error)
	case events.GenerationCanceled:
		o.handleCanceled(evt.EntityID, orderID)
	}
}

// claim removes the prediction from the tracked map, returning its order id.
func (o *Orchestrator) claim(predictionID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	orderID, ok := o.tracked[predictionID]
	if ok {
		delete(o.tracked, predictionID)
	}
	return orderID, ok
}

func (o *Orchestrator) handleCompleted(predictionID, orderID string, outputs []string) {
	ctx := context.Background()

	products := o.saveProducts(ctx, predictionID, outputs)

	if err := o.generations.UpdateStatus(ctx, predictionID, domain.GenerationStatusCompleted, nil); err != nil {
		o.logger.Error().Err(err).Str("prediction_id", predictionID).Msg("update generation status failed")
	}

	// Republish completion enriched with the created products. The
	// prediction id is already untracked, so the orchestrator ignores its
	// own publication.
	enriched := events.NewGenerationEvent(events.GenerationCompleted, predictionID)
	enriched.Products = products
	enriched.Outputs = outputs
	if generation, err := o.generations.GetByID(ctx, predictionID); err == nil {
		enriched.Generation = generation
	}
	o.bus.Publish(enriched)

	o.evaluateOrder(ctx, orderID)
}

// evaluateOrder fulfills the order once every sibling generation reached a
// terminal state. Runs serialized so concurrent completions cannot publish
// order.fulfilled twice.
func (o *Orchestrator) evaluateOrder(ctx context.Context, orderID string) {
	o.fulfillMu.Lock()
	defer o.fulfillMu.Unlock()

	order, err := o.orders.GetByID(ctx, orderID)
	if err != nil {
		o.logger.Error().Err(err).Str("order_id", orderID).Msg("load order failed")
		return
	}
	if !order.Active() {
		return
	}

	generations, err := o.generations.ListByOrderID(ctx, orderID)
	if err != nil {
		o.logger.Error().Err(err).Str("order_id", orderID).Msg("list generations failed")
		return
	}
	for _, generation := range generations {
		if !generation.Status.Terminal() {
			return
		}
	}

	if err := o.orders.UpdateStatus(ctx, orderID, domain.OrderStatusFulfilled); err != nil {
		o.logger.Error().Err(err).Str("order_id", orderID).Msg("update order status failed")
		return
	}
	order.Status = domain.OrderStatusFulfilled
	o.logger.Info().Str("order_id", orderID).Int("generations", len(generations)).Msg("order fulfilled")
	o.bus.Publish(events.NewOrderEvent(events.OrderFulfilled, order))
}

func (o *Orchestrator) handleFailed(predictionID, orderID, message string) {
	ctx := context.Background()

	errMsg := message
	if err := o.generations.UpdateStatus(ctx, predictionID, domain.GenerationStatusFailed, &errMsg); err != nil {
		o.logger.Error().Err(err).Str("prediction_id", predictionID).Msg("update generation status failed")
	}

	order, err := o.orders.GetByID(ctx, orderID)
	if err != nil {
		o.logger.Error().Err(err).Str("order_id", orderID).Msg("load order failed")
		return
	}
	if !order.Active() {
		return
	}
	o.failOrder(ctx, order, message)
}

func (o *Orchestrator) handleCanceled(predictionID, orderID string) {
	ctx := context.Background()

	if err := o.generations.UpdateStatus(ctx, predictionID, domain.GenerationStatusCancelled, nil); err != nil {
		o.logger.Error().Err(err).Str("prediction_id", predictionID).Msg("update generation status failed")
	}

	order, err := o.orders.GetByID(ctx, orderID)
	if err != nil {
		o.logger.Error().Err(err).Str("order_id", orderID).Msg("load order failed")
		return
	}
	if !order.Active() {
		return
	}
	if err := o.orders.UpdateStatus(ctx, orderID, domain.OrderStatusCanceled); err != nil {
		o.logger.Error().Err(err).Str("order_id", orderID).Msg("update order status failed")
		return
	}
	order.Status = domain.OrderStatusCanceled
	o.bus.Publish(events.NewOrderEvent(events.OrderCanceled, order))
}

// failOrder marks the order failed and publishes order.failed. Used both
// for event-driven failures and to reconcile partially created orders.
func (o *Orchestrator) failOrder(ctx context.Context, order *domain.Order, message string) {
	if err := o.orders.UpdateStatus(ctx, order.ID, domain.OrderStatusFailed); err != nil {
		o.logger.Error().Err(err).Str("order_id", order.ID).Msg("update order status failed")
		return
	}
	order.Status = domain.OrderStatusFailed
	evt := events.NewOrderEvent(events.OrderFailed, order)
	evt.Error = message
	o.bus.Publish(evt)
}

// saveProducts stores each raw output as a product. Failures on individual
// outputs are logged and skipped; completion of the generation itself is
// not blocked by a bad output.
func (o *Orchestrator) saveProducts(ctx context.Context, generationID string, outputs []string) []domain.Product {
	if o.products == nil {
		return nil
	}
	products := make([]domain.Product, 0, len(outputs))
	for i, output := range outputs {
		product := domain.Product{
			ID:           uuid.NewString(),
			GenerationID: generationID,
			Kind:         domain.ProductKindImage,
			FilePath:     output,
			Format:       formatFromURL(output),
			CreatedAt:    time.Now().UTC(),
			Metadata:     map[string]any{"source_url": output},
		}
		if o.downloader != nil {
			filePath, size, format, err := o.downloader.Fetch(ctx, generationID, output, i)
			if err != nil {
				o.logger.Error().Err(err).Str("prediction_id", generationID).Str("url", output).Msg("fetch output failed")
			} else {
				product.FilePath = filePath
				product.FileSize = size
				if format != "" {
					product.Format = format
				}
			}
		}
		if err := o.products.Create(ctx, &product); err != nil {
			o.logger.Error().Err(err).Str("prediction_id", generationID).Msg("create product failed")
			continue
		}
		products = append(products, product)
	}
	return products
}

func formatFromURL(rawURL string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(rawURL), "."))
	if idx := strings.IndexAny(ext, "?#"); idx >= 0 {
		ext = ext[:idx]
	}
	return ext
}
