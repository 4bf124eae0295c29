package stealth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"autoposter/internal/models"
)

// HTTPPipeline delegates image preparation to a remote service.
type HTTPPipeline struct {
	baseURL string
	client  *http.Client
}

func NewHTTPPipeline(baseURL string, client *http.Client) *HTTPPipeline {
	if client == nil {
		client = httpClient(0)
	}
	return &HTTPPipeline{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type batchRequest struct {
	URLs    []string              `json:"urls"`
	Options models.StealthOptions `json:"options"`
}

func (p *HTTPPipeline) PrepareBatch(ctx context.Context, urls []string, opts models.StealthOptions) (*models.StealthBatch, error) {
	body, err := json.Marshal(batchRequest{URLs: urls, Options: opts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/prepare-batch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stealth service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("stealth service: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var batch models.StealthBatch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("decode stealth response: %w", err)
	}
	return &batch, nil
}
