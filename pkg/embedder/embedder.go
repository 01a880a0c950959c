// Package embedder defines the embedding provider contract and an HTTP
// client for the embedding sidecar.
//
// The provider is opaque to the engine: image bytes in, one unit-norm
// vector of fixed dimension out, deterministic for identical bytes. The
// sidecar may return several geometric-variant vectors (flips/rotations
// of the same image); the client merges them by mean and renormalizes.
package embedder

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
)

// Common errors.
var (
	// ErrEmptyInput is returned when the image is empty.
	ErrEmptyInput = errors.New("embedder: empty input")

	// ErrDimension is returned when the sidecar answers with vectors of
	// an unexpected length.
	ErrDimension = errors.New("embedder: dimension mismatch")
)

// Embedder converts image bytes into a dense unit-norm float32 vector.
type Embedder interface {
	Embed(ctx context.Context, image []byte) ([]float32, error)
	Dimension() int
}

// HTTP calls an embedding sidecar over its JSON API.
type HTTP struct {
	baseURL string
	dim     int
	client  *http.Client
}

// NewHTTP creates a sidecar client. Call deadlines come from the caller's
// context, not a client-level timeout.
func NewHTTP(baseURL string, dim int) *HTTP {
	return &HTTP{baseURL: baseURL, dim: dim, client: &http.Client{}}
}

// Dimension returns the configured vector dimension.
func (h *HTTP) Dimension() int { return h.dim }

type embedReq struct {
	ImageB64 string `json:"image_b64"`
}

type embedResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed posts the image and merges whatever variants come back into one
// unit-norm vector.
func (h *HTTP) Embed(ctx context.Context, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, ErrEmptyInput
	}

	body, _ := json.Marshal(embedReq{ImageB64: base64.StdEncoding.EncodeToString(image)})
	req, err := http.NewRequestWithContext(ctx, "POST", h.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("embedder: status %d", resp.StatusCode)
	}

	var result embedResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("embedder: decode: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("embedder: empty response")
	}
	for i, v := range result.Embeddings {
		if len(v) != h.dim {
			return nil, fmt.Errorf("%w: variant %d has %d dims, want %d", ErrDimension, i, len(v), h.dim)
		}
	}
	return MergeVariants(result.Embeddings), nil
}

// MergeVariants averages variant vectors element-wise and renormalizes to
// unit length. A single variant is just normalized. All vectors must have
// the same length.
func MergeVariants(vecs [][]float32) []float32 {
	dim := len(vecs[0])
	mean := make([]float64, dim)
	for _, v := range vecs {
		for i, x := range v {
			mean[i] += float64(x)
		}
	}
	n := float64(len(vecs))
	var sum float64
	for i := range mean {
		mean[i] /= n
		sum += mean[i] * mean[i]
	}

	out := make([]float32, dim)
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range mean {
		out[i] = float32(x * inv)
	}
	return out
}
