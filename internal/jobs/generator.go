package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aceteam-ai/talktime/internal/worker"
)

// Generator turns a transcript into summary content.
type Generator interface {
	Generate(ctx context.Context, transcript string) (string, error)
}

// HTTPGenerator calls a JSON content-generation endpoint:
//
//	POST {"transcript": "..."}  ->  {"content": "..."}
type HTTPGenerator struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	Client  *http.Client
}

type generateRequest struct {
	Transcript string `json:"transcript"`
}

type generateResponse struct {
	Content string `json:"content"`
}

// Generate calls the endpoint. Client errors (4xx) are permanent; transport
// errors and 5xx may succeed on another attempt.
func (g *HTTPGenerator) Generate(ctx context.Context, transcript string) (string, error) {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqBody, err := json.Marshal(generateRequest{Transcript: transcript})
	if err != nil {
		return "", worker.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(reqBody))
	if err != nil {
		return "", worker.Permanent(fmt.Errorf("invalid generator URL: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if g.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.APIKey)
	}

	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach generator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("generator returned status %d: %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", worker.Permanent(err)
		}
		return "", err
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode generator response: %w", err)
	}
	if out.Content == "" {
		return "", fmt.Errorf("generator returned empty content")
	}
	return out.Content, nil
}
