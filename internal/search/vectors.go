package search

import (
	"encoding/binary"
	"math"
)

// CosineSimilarity computes the cosine similarity between two float32
// vectors. Returns 0 for mismatched or empty inputs.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// VectorToBytes converts a float32 slice to a little-endian byte slice for
// BLOB storage.
func VectorToBytes(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// BytesToVector converts a little-endian byte slice back to a float32 slice.
func BytesToVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// ScaleToUnit rescales raw scores into [0,1] by dividing by the maximum.
// Lexical and vector scores are each scaled independently before they are
// combined, so neither source dominates by magnitude alone.
func ScaleToUnit(scores []float64) []float64 {
	maxScore := 0.0
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}
	if maxScore == 0 {
		return scores
	}
	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = s / maxScore
	}
	return out
}
