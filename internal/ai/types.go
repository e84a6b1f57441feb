package ai

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when a collaborator answers 200 with no payload.
var ErrEmptyResponse = errors.New("empty response from service")

// Embedder turns an image into a feature vector.
type Embedder interface {
	Embed(ctx context.Context, image []byte) ([]float64, error)
}

// BatchEmbedder is implemented by embedders that accept several images per call.
type BatchEmbedder interface {
	Embedder
	EmbedBatch(ctx context.Context, images [][]byte) ([][]float64, error)
}

// QualityScorer rates an image in [0, 1] with a learned aesthetic model.
type QualityScorer interface {
	Score(ctx context.Context, image []byte) (float64, error)
}

// Judge answers a free-text prompt about an image.
type Judge interface {
	Ask(ctx context.Context, prompt string, image []byte) (string, error)
}

// EmbeddingRequest represents a request to the embedding endpoint
type EmbeddingRequest struct {
	Image string `json:"image"` // Base64-encoded JPEG image
}

// EmbeddingResponse represents the response from the embedding endpoint
type EmbeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// BatchEmbeddingRequest represents a batch embedding request
type BatchEmbeddingRequest struct {
	Images []string `json:"images"`
}

// BatchEmbeddingResponse represents a batch embedding response, one vector per image in order
type BatchEmbeddingResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// QualityRequest represents a request to the quality endpoint
type QualityRequest struct {
	Image string `json:"image"`
}

// QualityResponse represents the response from the quality endpoint
type QualityResponse struct {
	Score *float64 `json:"score"`
}

// JudgeRequest is posted to the vision-language judge
type JudgeRequest struct {
	Prompt string `json:"prompt"`
	Image  string `json:"image"` // Base64-encoded original image bytes
}

// JudgeResponse is the judge's free-text reply
type JudgeResponse struct {
	Response string `json:"response"`
}
