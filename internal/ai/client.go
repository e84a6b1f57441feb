package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vzahanych/plant-curator/internal/imaging"
	"github.com/vzahanych/plant-curator/internal/logger"
)

// Client is an HTTP client for the service hosting the embedding and
// quality models.
type Client struct {
	serviceURL    string
	httpClient    *http.Client
	logger        *logger.Logger
	retryAttempts int
	retryDelay    time.Duration
	imageSize     int
}

// ClientConfig contains configuration for the model client
type ClientConfig struct {
	ServiceURL    string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	ImageSize     int // crops are resized to ImageSize x ImageSize before upload; 0 sends them unchanged
}

// NewClient creates a new model service client
func NewClient(config ClientConfig, log *logger.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 3
	}

	return &Client{
		serviceURL:    strings.TrimRight(config.ServiceURL, "/"),
		httpClient:    &http.Client{Timeout: config.Timeout},
		logger:        log.Named("models"),
		retryAttempts: config.RetryAttempts,
		retryDelay:    config.RetryDelay,
		imageSize:     config.ImageSize,
	}
}

// Embed returns the feature vector of one image.
func (c *Client) Embed(ctx context.Context, image []byte) ([]float64, error) {
	encoded, err := c.prepare(image)
	if err != nil {
		return nil, err
	}

	var resp EmbeddingResponse
	err = withRetry(ctx, c.logger, "embedding", c.retryAttempts, c.retryDelay, func() error {
		return postJSON(ctx, c.httpClient, c.serviceURL+"/api/v1/embedding", EmbeddingRequest{Image: encoded}, &resp)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, ErrEmptyResponse
	}
	return resp.Embedding, nil
}

// EmbedBatch returns one feature vector per image, in input order.
func (c *Client) EmbedBatch(ctx context.Context, images [][]byte) ([][]float64, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("no images provided")
	}

	encoded := make([]string, len(images))
	for i, img := range images {
		e, err := c.prepare(img)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		encoded[i] = e
	}

	var resp BatchEmbeddingResponse
	err := withRetry(ctx, c.logger, "batch embedding", c.retryAttempts, c.retryDelay, func() error {
		return postJSON(ctx, c.httpClient, c.serviceURL+"/api/v1/embedding/batch", BatchEmbeddingRequest{Images: encoded}, &resp)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(images) {
		return nil, fmt.Errorf("batch embedding returned %d vectors for %d images", len(resp.Embeddings), len(images))
	}

	c.logger.Debug("Batch embedding completed", "image_count", len(images))
	return resp.Embeddings, nil
}

// Score returns the learned quality score of one image.
func (c *Client) Score(ctx context.Context, image []byte) (float64, error) {
	encoded, err := c.prepare(image)
	if err != nil {
		return 0, err
	}

	var resp QualityResponse
	err = withRetry(ctx, c.logger, "quality", c.retryAttempts, c.retryDelay, func() error {
		return postJSON(ctx, c.httpClient, c.serviceURL+"/api/v1/quality", QualityRequest{Image: encoded}, &resp)
	})
	if err != nil {
		return 0, err
	}
	if resp.Score == nil {
		return 0, ErrEmptyResponse
	}
	return *resp.Score, nil
}

// HealthCheck checks if the model service is healthy
func (c *Client) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serviceURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model service health check failed: status %d", resp.StatusCode)
	}
	return nil
}

// prepare resizes the crop to the model input size and base64-encodes it.
func (c *Client) prepare(data []byte) (string, error) {
	if c.imageSize <= 0 {
		return base64.StdEncoding.EncodeToString(data), nil
	}

	img, err := imaging.Decode(data)
	if err != nil {
		return "", err
	}
	resized, err := imaging.EncodeJPEG(imaging.Fit(img, c.imageSize), imaging.DefaultJPEGQuality)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(resized), nil
}

// postJSON posts body as JSON and decodes a 200 response into out.
func postJSON(ctx context.Context, client *http.Client, url string, body, out interface{}) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service returned status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
