package embedder

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func sidecar(t *testing.T, embeddings [][]float32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req embedReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, err := base64.StdEncoding.DecodeString(req.ImageB64); err != nil {
			http.Error(w, "bad image", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(embedResp{Embeddings: embeddings})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbedSingleVariant(t *testing.T) {
	srv := sidecar(t, [][]float32{{3, 4, 0}})
	h := NewHTTP(srv.URL, 3)

	vec, err := h.Embed(context.Background(), []byte("photo"))
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("len = %d", len(vec))
	}
	// Normalized: {3,4,0} -> {0.6, 0.8, 0}.
	if math.Abs(float64(vec[0])-0.6) > 1e-6 || math.Abs(float64(vec[1])-0.8) > 1e-6 {
		t.Fatalf("vec = %v", vec)
	}
}

func TestEmbedMergesVariants(t *testing.T) {
	srv := sidecar(t, [][]float32{{1, 0}, {0, 1}})
	h := NewHTTP(srv.URL, 2)

	vec, err := h.Embed(context.Background(), []byte("photo"))
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	// Mean {0.5, 0.5} renormalizes to {1/√2, 1/√2}.
	want := 1 / math.Sqrt2
	if math.Abs(float64(vec[0])-want) > 1e-6 || math.Abs(float64(vec[1])-want) > 1e-6 {
		t.Fatalf("vec = %v", vec)
	}
}

func TestEmbedRejectsEmptyInput(t *testing.T) {
	h := NewHTTP("http://localhost:0", 2)
	if _, err := h.Embed(context.Background(), nil); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("want ErrEmptyInput, got %v", err)
	}
}

func TestEmbedRejectsWrongDimension(t *testing.T) {
	srv := sidecar(t, [][]float32{{1, 0, 0}})
	h := NewHTTP(srv.URL, 2)
	if _, err := h.Embed(context.Background(), []byte("photo")); !errors.Is(err, ErrDimension) {
		t.Fatalf("want ErrDimension, got %v", err)
	}
}

func TestEmbedSidecarError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	h := NewHTTP(srv.URL, 2)
	if _, err := h.Embed(context.Background(), []byte("photo")); err == nil {
		t.Fatal("expected an error")
	}
}

func TestEmbedHonorsContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-block
	}))
	t.Cleanup(func() { close(block); srv.Close() })

	h := NewHTTP(srv.URL, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.Embed(ctx, []byte("photo")); err == nil {
		t.Fatal("expected a context error")
	}
}

func TestMergeVariants(t *testing.T) {
	// Identical variants collapse to the normalized vector itself.
	out := MergeVariants([][]float32{{2, 0}, {2, 0}})
	if math.Abs(float64(out[0])-1) > 1e-6 || out[1] != 0 {
		t.Fatalf("out = %v", out)
	}

	// Opposite variants cancel to the zero vector, returned as-is.
	out = MergeVariants([][]float32{{1, 0}, {-1, 0}})
	if out[0] != 0 || out[1] != 0 {
		t.Fatalf("out = %v", out)
	}
}
