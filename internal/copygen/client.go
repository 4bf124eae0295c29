// Package copygen writes listing copy through an OpenAI-compatible chat
// completions endpoint.
package copygen

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

	"autoposter/internal/config"
	"autoposter/internal/models"
)

const systemPrompt = `You write used-car marketplace listings. Reply with a JSON object
{"title": string, "description": string} and nothing else. Keep the title under
80 characters. Never invent features that are not in the vehicle data.`

// HTTPClient implements domain.CopyGenerator.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewHTTPClient(cfg config.CopyGenConfig, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      model,
		httpClient: httpClient,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *HTTPClient) Generate(ctx context.Context, vehicle *models.Vehicle, req models.CopyRequest) (*models.Copy, error) {
	if vehicle == nil {
		return nil, errors.New("copygen: vehicle is required")
	}
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt(vehicle, req)},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("copygen: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("copygen: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("copygen: read response: %w", err)
	}
	var decoded chatResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("copygen: status %d: decode response: %w", resp.StatusCode, err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("copygen: %s: %s", decoded.Error.Type, decoded.Error.Message)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("copygen: status %d", resp.StatusCode)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("copygen: empty response")
	}
	return parseCopy(decoded.Choices[0].Message.Content, vehicle), nil
}

func userPrompt(v *models.Vehicle, req models.CopyRequest) string {
	facts, _ := json.Marshal(map[string]any{
		"year":        v.Year,
		"make":        v.Make,
		"model":       v.Model,
		"trim":        v.Trim,
		"price":       v.Price,
		"mileage":     v.Mileage,
		"location":    v.Location,
		"description": v.Description,
	})

	var b strings.Builder
	b.WriteString("Vehicle: ")
	b.Write(facts)
	if req.Sentiment != "" {
		b.WriteString("\nTone: " + req.Sentiment)
	}
	if req.Instructions != "" {
		b.WriteString("\nInstructions: " + req.Instructions)
	}
	if req.Contact != "" {
		b.WriteString("\nEnd the description with this contact line: " + req.Contact)
	}
	return b.String()
}

// parseCopy accepts the JSON reply, optionally fenced. Anything else is taken
// as plain description text.
func parseCopy(content string, v *models.Vehicle) *models.Copy {
	text := strings.TrimSpace(content)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var out models.Copy
	if err := json.Unmarshal([]byte(text), &out); err != nil || out.Description == "" {
		out = models.Copy{Description: strings.TrimSpace(content)}
	}
	if out.Title == "" {
		out.Title = v.Headline()
	}
	return &out
}
