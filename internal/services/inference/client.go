// Package inference talks to the local model sidecar over HTTP. The
// sidecar owns the accelerator; this client maps its responses into the
// shared error taxonomy, in particular tagging memory exhaustion with
// services.ErrOutOfMemory so the batch engine can back off.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom/internal/services"
	"loom/internal/stages"
)

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

// Client drives one model on the inference sidecar. Construct one client
// per model; the sidecar keeps each loaded model resident until Close.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
}

// NewClient builds a client for the named model.
func NewClient(baseURL, model string, opts ...Option) *Client {
	client := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		http:    &http.Client{Timeout: 10 * time.Minute},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

type errorBody struct {
	Error string `json:"error"`
}

// post sends a JSON request and decodes the JSON response into out.
func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "inference", "request "+path, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var detail errorBody
		_ = json.Unmarshal(data, &detail)
		message := detail.Error
		if message == "" {
			message = strings.TrimSpace(string(data))
		}
		if isOOM(resp.StatusCode, message) {
			return services.Wrap(services.ErrOutOfMemory, "inference", "request "+path, message, nil)
		}
		return fmt.Errorf("inference %s: status %d: %s", path, resp.StatusCode, message)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// isOOM recognizes the sidecar's memory-exhaustion signal: a dedicated
// status code, or the cuda/torch wording in the error detail.
func isOOM(status int, message string) bool {
	if status == http.StatusInsufficientStorage {
		return true
	}
	lower := strings.ToLower(message)
	return strings.Contains(lower, "out of memory") || strings.Contains(lower, "oom")
}

// Load asks the sidecar to load this client's model.
func (c *Client) Load(ctx context.Context) error {
	err := c.post(ctx, "/models/load", map[string]string{"model": c.model}, nil)
	if err != nil {
		return fmt.Errorf("load model %s: %w", c.model, err)
	}
	return nil
}

// Close asks the sidecar to unload the model. Best effort; the sidecar
// also evicts idle models on its own.
func (c *Client) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = c.post(ctx, "/models/unload", map[string]string{"model": c.model}, nil)
}

// FreeCache asks the sidecar to drop cached accelerator memory.
func (c *Client) FreeCache() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = c.post(ctx, "/cache/free", map[string]string{}, nil)
}

type embedTextRequest struct {
	Model string   `json:"model"`
	Texts []string `json:"texts"`
}

type embedFramesRequest struct {
	Model  string   `json:"model"`
	Frames [][]byte `json:"frames"`
}

type embedResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

// EmbedText embeds transcript segments.
func (c *Client) EmbedText(ctx context.Context, texts []string) ([][]float32, error) {
	var resp embedResponse
	if err := c.post(ctx, "/embed/text", embedTextRequest{Model: c.model, Texts: texts}, &resp); err != nil {
		return nil, err
	}
	return resp.Vectors, nil
}

// EmbedFrames embeds a batch of encoded frames. Frame bytes travel as
// base64 inside the JSON body.
func (c *Client) EmbedFrames(ctx context.Context, frames [][]byte) ([][]float32, error) {
	var resp embedResponse
	if err := c.post(ctx, "/embed/frames", embedFramesRequest{Model: c.model, Frames: frames}, &resp); err != nil {
		return nil, err
	}
	return resp.Vectors, nil
}

type detectScenesRequest struct {
	Model  string   `json:"model"`
	Frames []string `json:"frame_paths"`
}

type detectScenesResponse struct {
	Scenes []stages.Scene `json:"scenes"`
}

// DetectScenes finds scene boundaries across an episode's frame files.
// Paths are passed by reference; the sidecar reads them directly.
func (c *Client) DetectScenes(ctx context.Context, framePaths []string) ([]stages.Scene, error) {
	var resp detectScenesResponse
	if err := c.post(ctx, "/detect/scenes", detectScenesRequest{Model: c.model, Frames: framePaths}, &resp); err != nil {
		return nil, err
	}
	return resp.Scenes, nil
}

type detectObjectsRequest struct {
	Model  string   `json:"model"`
	Frames [][]byte `json:"frames"`
}

type detectObjectsResponse struct {
	Frames [][]stages.Detection `json:"frames"`
}

// DetectObjects runs object detection over a batch of encoded frames.
func (c *Client) DetectObjects(ctx context.Context, frames [][]byte) ([][]stages.Detection, error) {
	var resp detectObjectsResponse
	if err := c.post(ctx, "/detect/objects", detectObjectsRequest{Model: c.model, Frames: frames}, &resp); err != nil {
		return nil, err
	}
	return resp.Frames, nil
}
