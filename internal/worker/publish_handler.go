package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"storefront-sync/internal/models"
	"storefront-sync/internal/publish"
)

// PublishHandler executes publish_to_<platform> jobs by posting the product
// to the platform's publish endpoint.
type PublishHandler struct {
	endpoints  map[string]string
	httpClient *http.Client
}

func NewPublishHandler(endpoints map[string]string) *PublishHandler {
	return &PublishHandler{
		endpoints: endpoints,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type publishResult struct {
	Platform   string `json:"platform"`
	ProductID  string `json:"product_id"`
	StoreID    string `json:"store_id"`
	StatusCode int    `json:"status_code"`
}

// Handle posts the publish payload to the platform. Non-2xx responses are
// failures, which the queue retries with backoff.
func (h *PublishHandler) Handle(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var payload publish.JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode publish payload: %w", err)
	}
	if payload.Platform == "" || payload.ProductID == "" {
		return nil, errors.New("publish payload missing platform or product_id")
	}

	endpoint, ok := h.endpoints[payload.Platform]
	if !ok {
		return nil, fmt.Errorf("no endpoint configured for platform %q", payload.Platform)
	}

	body, err := json.Marshal(map[string]string{
		"org_id":     job.OrgID,
		"product_id": payload.ProductID,
		"store_id":   payload.StoreID,
		"action":     payload.Action,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal publish body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("publish to %s: %w", payload.Platform, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("publish to %s: status %d", payload.Platform, resp.StatusCode)
	}

	return json.Marshal(publishResult{
		Platform:   payload.Platform,
		ProductID:  payload.ProductID,
		StoreID:    payload.StoreID,
		StatusCode: resp.StatusCode,
	})
}
