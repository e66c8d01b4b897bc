package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type productResponse struct {
	ID           string         `json:"id"`
	GenerationID string         `json:"generation_id"`
	Kind         string         `json:"kind"`
	FilePath     string         `json:"file_path"`
	Width        int            `json:"width,omitempty"`
	Height       int            `json:"height,omitempty"`
	Format       string         `json:"format,omitempty"`
	FileSize     int64          `json:"file_size,omitempty"`
	Favorite     bool           `json:"favorite"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// GenerationProducts lists the products of a generation.
func (a *App) GenerationProducts(w http.ResponseWriter, r *http.Request) {
	generationID := chi.URLParam(r, "generation_id")
	if generationID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "generation_id required")
		return
	}
	products, err := a.Products.ListByGenerationID(r.Context(), generationID)
	if err != nil {
		a.Logger.Error().Err(err).Str("generation_id", generationID).Msg("list products failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load products")
		return
	}
	resp := make([]productResponse, 0, len(products))
	for _, product := range products {
		resp = append(resp, productResponse{
			ID:           product.ID,
			GenerationID: product.GenerationID,
			Kind:         string(product.Kind),
			FilePath:     product.FilePath,
			Width:        product.Width,
			Height:       product.Height,
			Format:       product.Format,
			FileSize:     product.FileSize,
			Favorite:     product.Favorite,
			Metadata:     product.Metadata,
			CreatedAt:    product.CreatedAt,
		})
	}
	a.json(w, http.StatusOK, resp)
}
