package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Provider is an HTTP client for the external embedding provider,
// adapted from the teacher's Ollama-shaped embedding_service.go client to
// the generic "get_embedding(text) -> vector<float>" contract spec.md §6
// requires of the external collaborator.
type Provider struct {
	client  *http.Client
	baseURL string
	model   string
	apiKey  string
}

// NewProvider returns a Provider posting to baseURL with the given timeout.
func NewProvider(baseURL, model, apiKey string, timeout time.Duration) *Provider {
	return &Provider{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		model:   model,
		apiKey:  apiKey,
	}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed calls the provider once for text and returns its vector.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("encoding embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling embedding provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding provider returned http %d", resp.StatusCode)
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding embed response: %w", err)
	}
	return decoded.Embedding, nil
}

// IsAvailable reports whether the provider is reachable.
func (p *Provider) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
