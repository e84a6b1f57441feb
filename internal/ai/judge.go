package ai

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/vzahanych/plant-curator/internal/logger"
)

// JudgeClient talks to the vision-language model used for validation and
// identification.
type JudgeClient struct {
	endpoint      string
	httpClient    *http.Client
	logger        *logger.Logger
	retryAttempts int
	retryDelay    time.Duration
}

// JudgeConfig contains configuration for the judge client
type JudgeConfig struct {
	Endpoint      string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// NewJudgeClient creates a new judge client
func NewJudgeClient(config JudgeConfig, log *logger.Logger) *JudgeClient {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 3
	}

	return &JudgeClient{
		endpoint:      config.Endpoint,
		httpClient:    &http.Client{Timeout: config.Timeout},
		logger:        log.Named("judge"),
		retryAttempts: config.RetryAttempts,
		retryDelay:    config.RetryDelay,
	}
}

// Ask submits the prompt with the original image bytes and returns the
// free-text reply.
func (j *JudgeClient) Ask(ctx context.Context, prompt string, image []byte) (string, error) {
	req := JudgeRequest{
		Prompt: prompt,
		Image:  base64.StdEncoding.EncodeToString(image),
	}

	var resp JudgeResponse
	err := withRetry(ctx, j.logger, "judge", j.retryAttempts, j.retryDelay, func() error {
		resp = JudgeResponse{}
		if err := postJSON(ctx, j.httpClient, j.endpoint, req, &resp); err != nil {
			return err
		}
		if strings.TrimSpace(resp.Response) == "" {
			return ErrEmptyResponse
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return resp.Response, nil
}
