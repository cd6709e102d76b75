package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClientEmbedTextsProtocol(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed" {
			t.Errorf("expected /embed path, got %s", r.URL.Path)
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Texts) != 2 || req.MaxLength != DefaultMaxLength {
			t.Errorf("unexpected request %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float32{{1, 0}, {0, 1}},
		})
	}))
	defer server.Close()

	client := NewClient(ClientOptions{Endpoint: server.URL, Dimensions: 2})
	vectors, err := client.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed returned error: %v", err)
	}
	if len(vectors) != 2 || vectors[1][1] != 1 {
		t.Fatalf("unexpected vectors %v", vectors)
	}
}

func TestClientEmbedOpenAIProtocolReordersByIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Input) != 2 || len(req.Texts) != 0 {
			t.Errorf("expected input payload, got %+v", req)
		}
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,2]},{"index":0,"embedding":[3,0]}]}`))
	}))
	defer server.Close()

	client := NewClient(ClientOptions{Endpoint: server.URL + "/v1/embeddings"})
	vectors, err := client.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed returned error: %v", err)
	}
	if vectors[0][0] != 3 || vectors[1][1] != 2 {
		t.Fatalf("expected vectors ordered by index, got %v", vectors)
	}
}

func TestClientEmbedErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.RawQuery, "fail") {
			http.Error(w, "model loading", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"embeddings":[[1,2]]}`))
	}))
	defer server.Close()

	if _, err := NewClient(ClientOptions{Endpoint: server.URL + "/embed?fail=1"}).Embed(context.Background(), []string{"x"}); err == nil {
		t.Fatalf("expected status error")
	}
	if _, err := NewClient(ClientOptions{Endpoint: server.URL}).Embed(context.Background(), []string{"x", "y"}); err == nil {
		t.Fatalf("expected count mismatch error")
	}
	if _, err := NewClient(ClientOptions{Endpoint: server.URL, Dimensions: 3}).Embed(context.Background(), []string{"x"}); err == nil {
		t.Fatalf("expected dimension error")
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	if got := NormalizeEndpoint(""); got != DefaultEndpoint {
		t.Fatalf("expected default endpoint, got %s", got)
	}
	if got := NormalizeEndpoint("http://embed.local:9000"); got != "http://embed.local:9000/embed" {
		t.Fatalf("expected /embed suffix, got %s", got)
	}
}

func TestLiteralRoundTripAndValidation(t *testing.T) {
	literal, err := FormatLiteral([]float32{0.5, -1, 2.25})
	if err != nil {
		t.Fatalf("FormatLiteral returned error: %v", err)
	}
	if literal != "[0.5,-1,2.25]" {
		t.Fatalf("unexpected literal %s", literal)
	}
	parsed, err := ParseLiteral(literal)
	if err != nil || len(parsed) != 3 || parsed[2] != 2.25 {
		t.Fatalf("unexpected parse result %v %v", parsed, err)
	}
	if _, err := FormatLiteral([]float32{float32(math.NaN())}); err == nil {
		t.Fatalf("expected NaN to be rejected")
	}
	if _, err := ParseLiteral("0.1,0.2"); err == nil {
		t.Fatalf("expected missing brackets to be rejected")
	}
}

func TestCosineAndCentroid(t *testing.T) {
	if got := Cosine([]float32{1, 0}, []float32{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Fatalf("expected 1, got %f", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Fatalf("expected 0, got %f", got)
	}
	if got := Cosine([]float32{1}, []float32{1, 0}); got != 0 {
		t.Fatalf("expected 0 for length mismatch, got %f", got)
	}

	centroid := Centroid([][]float32{{2, 0}, {0, 2}, {9, 9}}, 2)
	if len(centroid) != 2 || centroid[0] != 1 || centroid[1] != 1 {
		t.Fatalf("expected [1 1] from the first two vectors, got %v", centroid)
	}
	if Centroid(nil, 4) != nil {
		t.Fatalf("expected nil centroid for no vectors")
	}
}
