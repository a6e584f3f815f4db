// Package embed defines the Embedder external-collaborator boundary
// and its default Ollama-backed implementation.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/docpipe/ingestworker/pkg/resilience"
)

// Model embeds a batch of texts, returning one vector per input in order.
type Model interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Client talks to Ollama's HTTP /api/embeddings endpoint, one request per
// text (Ollama has no native batch-embeddings endpoint as of this
// client's target version).
type Client struct {
	baseURL string
	model   string
	http    *http.Client
	breaker *resilience.Breaker
}

// NewClient creates an Ollama embedding client. A backend that starts
// erroring out trips the circuit breaker after
// resilience.DefaultBreakerOpts.FailThreshold consecutive failures, so a
// stuck Ollama instance fails fast instead of piling up timed-out calls.
func NewClient(baseURL, model string) *Client {
	return &Client{
		baseURL: baseURL,
		model:   model,
		http:    &http.Client{},
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}
}

type embedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResp struct {
	Embedding []float64 `json:"embedding"`
}

func (c *Client) embedOne(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(embedReq{Model: c.model, Prompt: text})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("embed: ollama request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("embed: ollama status %d", resp.StatusCode)
		}

		var result embedResp
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("embed: decode ollama response: %w", err)
		}

		out = make([]float32, len(result.Embedding))
		for i, v := range result.Embedding {
			out[i] = float32(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Ping checks that the embedding backend answers at all, for readyz
// ("embedding adapter reachable") — cheaper than a real embedding call,
// since it only needs liveness, not a valid vector. It bypasses the
// breaker: a health probe needs the backend's real current state, not a
// fail-fast short-circuit left over from the last batch of embed calls.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("embed: ping: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

// Embed implements Model, embedding each text in sequence.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vals, err := c.embedOne(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed: text[%d]: %w", i, err)
		}
		out[i] = vals
	}
	return out, nil
}
