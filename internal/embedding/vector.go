package embedding

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FormatLiteral renders a vector in pgvector text form: [0.1,0.2,...].
func FormatLiteral(values []float32) (string, error) {
	if len(values) == 0 {
		return "", fmt.Errorf("vector is empty")
	}

	var builder strings.Builder
	builder.Grow(len(values) * 8)
	builder.WriteByte('[')
	for i, value := range values {
		f := float64(value)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return "", fmt.Errorf("vector has non-finite value at index %d", i)
		}
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(f, 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}

func ParseLiteral(raw string) ([]float32, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "[") || !strings.HasSuffix(trimmed, "]") {
		return nil, fmt.Errorf("vector literal must be bracketed")
	}
	inner := strings.TrimSpace(trimmed[1 : len(trimmed)-1])
	if inner == "" {
		return nil, fmt.Errorf("vector literal is empty")
	}

	parts := strings.Split(inner, ",")
	values := make([]float32, 0, len(parts))
	for i, part := range parts {
		value, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector component %d: %w", i, err)
		}
		values = append(values, float32(value))
	}
	return values, nil
}

// Cosine returns the cosine similarity of a and b, or 0 when either is empty,
// zero, or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Centroid averages up to limit vectors (all when limit <= 0). Vectors whose
// length differs from the first are ignored.
func Centroid(vectors [][]float32, limit int) []float32 {
	var sum []float64
	used := 0
	for _, vector := range vectors {
		if limit > 0 && used >= limit {
			break
		}
		if len(vector) == 0 {
			continue
		}
		if sum == nil {
			sum = make([]float64, len(vector))
		}
		if len(vector) != len(sum) {
			continue
		}
		for i, value := range vector {
			sum[i] += float64(value)
		}
		used++
	}
	if used == 0 {
		return nil
	}
	centroid := make([]float32, len(sum))
	for i, value := range sum {
		centroid[i] = float32(value / float64(used))
	}
	return centroid
}
