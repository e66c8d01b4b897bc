// Package replicate is a minimal HTTP client for the Replicate prediction
// API: create a prediction for a model, fetch its status, cancel it.
package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Prediction statuses reported by the API. Any other value is treated by
// callers as still in progress.
const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// Prediction is the subset of the API's prediction resource consumed here.
// Output keeps the raw decoded JSON value; its shape varies per model
// (null, a single URL, or a list of URLs).
type Prediction struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output any    `json:"output"`
	Error  string `json:"error"`
}

type Options struct {
	BaseURL    string
	APIToken   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

func NewClient(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://api.replicate.com/v1"
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: client,
		baseURL:    base,
		token:      strings.TrimSpace(opts.APIToken),
	}
}

type createRequest struct {
	Input map[string]any `json:"input"`
}

type apiError struct {
	Detail string `json:"detail"`
	Title  string `json:"title"`
}

// CreatePrediction starts a prediction for the given model identifier
// ("owner/name") and returns the created resource, including its id.
func (c *Client) CreatePrediction(ctx context.Context, model string, input map[string]any) (*Prediction, error) {
	if c == nil {
		return nil, errors.New("replicate client not configured")
	}
	if c.token == "" {
		return nil, errors.New("replicate: API token is missing")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("replicate: model identifier required")
	}
	if input == nil {
		input = map[string]any{}
	}
	endpoint := fmt.Sprintf("%s/models/%s/predictions", c.baseURL, model)
	body, err := json.Marshal(createRequest{Input: input})
	if err != nil {
		return nil, err
	}
	return c.doPrediction(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
}

// GetPrediction fetches the current state of a prediction.
func (c *Client) GetPrediction(ctx context.Context, predictionID string) (*Prediction, error) {
	if c == nil {
		return nil, errors.New("replicate client not configured")
	}
	predictionID = strings.TrimSpace(predictionID)
	if predictionID == "" {
		return nil, errors.New("replicate: prediction id required")
	}
	endpoint := fmt.Sprintf("%s/predictions/%s", c.baseURL, predictionID)
	return c.doPrediction(ctx, http.MethodGet, endpoint, nil)
}

// CancelPrediction asks the API to cancel a running prediction.
func (c *Client) CancelPrediction(ctx context.Context, predictionID string) error {
	if c == nil {
		return errors.New("replicate client not configured")
	}
	predictionID = strings.TrimSpace(predictionID)
	if predictionID == "" {
		return errors.New("replicate: prediction id required")
	}
	endpoint := fmt.Sprintf("%s/predictions/%s/cancel", c.baseURL, predictionID)
	_, err := c.doPrediction(ctx, http.MethodPost, endpoint, nil)
	return err
}

func (c *Client) doPrediction(ctx context.Context, method, endpoint string, body io.Reader) (*Prediction, error) {
	if body == nil {
		body = http.NoBody
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr apiError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil {
			if apiErr.Detail != "" {
				return nil, fmt.Errorf("replicate: %s", apiErr.Detail)
			}
			if apiErr.Title != "" {
				return nil, fmt.Errorf("replicate: %s", apiErr.Title)
			}
		}
		return nil, fmt.Errorf("replicate: http %d", resp.StatusCode)
	}

	var pred Prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, fmt.Errorf("replicate: decode response: %w", err)
	}
	if pred.ID == "" {
		return nil, errors.New("replicate: response missing prediction id")
	}
	return &pred, nil
}
