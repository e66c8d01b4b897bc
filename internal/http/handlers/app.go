package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"imagen/internal/domain"
	"imagen/internal/infra"
)

// OrderService is the orchestrator surface the handlers drive.
type OrderService interface {
	CreateOrder(ctx context.Context, model, prompt string, parameters map[string]any, projectID string) (*domain.Order, string, error)
	AddGeneration(ctx context.Context, orderID string, parameters map[string]any) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelGeneration(ctx context.Context, predictionID string) error
}

// App bundles the handler dependencies.
type App struct {
	Logger      infra.Logger
	Service     OrderService
	Orders      domain.OrderRepository
	Generations domain.GenerationRepository
	Products    domain.ProductRepository
}

func NewApp(logger infra.Logger, service OrderService, orders domain.OrderRepository, generations domain.GenerationRepository, products domain.ProductRepository) *App {
	return &App{
		Logger:      logger,
		Service:     service,
		Orders:      orders,
		Generations: generations,
		Products:    products,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, errorResponse{Code: errCode, Message: message})
}
