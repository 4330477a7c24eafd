package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"tutorlive/internal/models"
)

// Chunk is one streamed fragment of an assistant reply.
type Chunk struct {
	Content string
	Index   int
}

// GenerationStream delivers chunks as the provider produces them.
// Chunks() is closed when the stream ends; Err() is valid after that.
type GenerationStream struct {
	chunks chan Chunk
	err    error
	cancel context.CancelFunc
}

func (s *GenerationStream) Chunks() <-chan Chunk { return s.chunks }

// Err reports why the stream terminated. Nil means the provider sent
// its [DONE] marker and every chunk was delivered.
func (s *GenerationStream) Err() error { return s.err }

// Close abandons the stream early. Safe to call more than once.
func (s *GenerationStream) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// GenerationClient talks to an OpenAI-compatible completion endpoint.
type GenerationClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewGenerationClient(baseURL, apiKey, model string, timeout time.Duration) *GenerationClient {
	return &GenerationClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// Stream sends the session's context window plus the new user turn and
// returns a live stream of the assistant's reply. The stream runs until
// the provider signals completion, the context is cancelled, or an
// error occurs mid-stream.
func (g *GenerationClient) Stream(ctx context.Context, window []models.ContextEntry, content string) (*GenerationStream, error) {
	messages := make([]chatMessage, 0, len(window)+1)
	for _, entry := range window {
		messages = append(messages, chatMessage{Role: string(entry.Role), Content: entry.Content})
	}
	messages = append(messages, chatMessage{Role: string(models.RoleUser), Content: content})

	reqBody, err := json.Marshal(chatRequest{
		Model:    g.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, "POST", g.baseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		cancel()
		return nil, models.RetryableError("generation request", models.ErrUpstreamUnavailable)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, models.RetryableError(fmt.Sprintf("generation API (status %d)", resp.StatusCode), models.ErrUpstreamUnavailable)
		}
		return nil, fmt.Errorf("generation API error (status %d): %s", resp.StatusCode, string(body))
	}

	stream := &GenerationStream{
		chunks: make(chan Chunk, 32),
		cancel: cancel,
	}

	go func() {
		defer close(stream.chunks)
		defer resp.Body.Close()
		defer cancel()
		stream.err = g.processStream(streamCtx, resp.Body, stream.chunks)
	}()

	return stream, nil
}

// processStream parses the SSE stream from the provider.
func (g *GenerationClient) processStream(ctx context.Context, reader io.Reader, out chan<- Chunk) error {
	scanner := bufio.NewScanner(reader)

	// Increase buffer to 1MB for large SSE chunks (default is 64KB)
	const maxCapacity = 1024 * 1024
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)

	index := 0
	done := false

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			done = true
			break
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		if content := chunk.Choices[0].Delta.Content; content != "" {
			select {
			case out <- Chunk{Content: content, Index: index}:
				index++
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if chunk.Choices[0].FinishReason == "stop" {
			done = true
			break
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("⚠️  [GENERATION] Stream read error after %d chunks: %v", index, err)
		return models.RetryableError("generation stream", err)
	}
	if !done && ctx.Err() != nil {
		return ctx.Err()
	}
	if !done {
		return models.RetryableError("generation stream", fmt.Errorf("stream ended without completion marker"))
	}
	return nil
}

// HealthCheck probes the provider's model listing endpoint.
func (g *GenerationClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", g.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("generation service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("generation service returned status %d", resp.StatusCode)
	}
	return nil
}
