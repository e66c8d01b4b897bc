package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"imagen/internal/domain"
)

type createOrderRequest struct {
	Model      string         `json:"model"`
	Prompt     string         `json:"prompt"`
	Parameters map[string]any `json:"parameters"`
	ProjectID  string         `json:"project_id"`
}

type orderResponse struct {
	OrderID      string    `json:"order_id"`
	PredictionID string    `json:"prediction_id,omitempty"`
	Model        string    `json:"model"`
	Prompt       string    `json:"prompt"`
	Status       string    `json:"status"`
	ProjectID    string    `json:"project_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type generationResponse struct {
	PredictionID string    `json:"prediction_id"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type orderDetailResponse struct {
	orderResponse
	Generations []generationResponse `json:"generations"`
}

// OrdersCreate starts a new order with its first generation.
func (a *App) OrdersCreate(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.Model == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "model is required")
		return
	}
	if req.Prompt == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "prompt is required")
		return
	}

	order, predictionID, err := a.Service.CreateOrder(r.Context(), req.Model, req.Prompt, req.Parameters, req.ProjectID)
	if err != nil {
		if errors.Is(err, domain.ErrRepositoriesNotConfigured) {
			a.error(w, http.StatusServiceUnavailable, "not_configured", "persistence not configured")
			return
		}
		a.Logger.Error().Err(err).Msg("create order failed")
		a.error(w, http.StatusBadGateway, "create_failed", err.Error())
		return
	}

	a.json(w, http.StatusAccepted, orderResponse{
		OrderID:      order.ID,
		PredictionID: predictionID,
		Model:        order.Model,
		Prompt:       order.Prompt,
		Status:       string(order.Status),
		ProjectID:    order.ProjectID,
		CreatedAt:    order.CreatedAt,
	})
}

// OrdersGet returns an order with its generations.
func (a *App) OrdersGet(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order_id")
	if orderID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "order_id required")
		return
	}
	order, err := a.Orders.GetByID(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "order not found")
			return
		}
		a.Logger.Error().Err(err).Str("order_id", orderID).Msg("load order failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load order")
		return
	}
	generations, err := a.Generations.ListByOrderID(r.Context(), orderID)
	if err != nil {
		a.Logger.Error().Err(err).Str("order_id", orderID).Msg("list generations failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load generations")
		return
	}

	resp := orderDetailResponse{
		orderResponse: orderResponse{
			OrderID:   order.ID,
			Model:     order.Model,
			Prompt:    order.Prompt,
			Status:    string(order.Status),
			ProjectID: order.ProjectID,
			CreatedAt: order.CreatedAt,
		},
		Generations: make([]generationResponse, 0, len(generations)),
	}
	for _, generation := range generations {
		resp.Generations = append(resp.Generations, generationResponse{
			PredictionID: generation.ID,
			Status:       string(generation.Status),
			Error:        generation.ErrorMessage,
			CreatedAt:    generation.CreatedAt,
		})
	}
	a.json(w, http.StatusOK, resp)
}

// OrdersCancel cancels every active generation of the order.
func (a *App) OrdersCancel(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order_id")
	if orderID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "order_id required")
		return
	}
	if err := a.Service.CancelOrder(r.Context(), orderID); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			a.error(w, http.StatusNotFound, "not_found", "order not found")
		case errors.Is(err, domain.ErrOrderNotCancelable):
			a.error(w, http.StatusConflict, "not_cancelable", "order is already terminal")
		default:
			a.Logger.Error().Err(err).Str("order_id", orderID).Msg("cancel order failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to cancel order")
		}
		return
	}
	a.json(w, http.StatusAccepted, map[string]string{"order_id": orderID, "status": "canceling"})
}

type addGenerationRequest struct {
	Parameters map[string]any `json:"parameters"`
}

// OrdersAddGeneration starts an additional generation under an order.
func (a *App) OrdersAddGeneration(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order_id")
	if orderID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "order_id required")
		return
	}
	var req addGenerationRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
			return
		}
	}
	predictionID, err := a.Service.AddGeneration(r.Context(), orderID, req.Parameters)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "order not found")
			return
		}
		a.Logger.Error().Err(err).Str("order_id", orderID).Msg("add generation failed")
		a.error(w, http.StatusBadGateway, "create_failed", err.Error())
		return
	}
	a.json(w, http.StatusAccepted, map[string]string{"order_id": orderID, "prediction_id": predictionID})
}
