package repository

import (
	"encoding/binary"
	"math"
	"sort"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/plume/pkg/model"
)

// cosineSimilarity calculates cosine similarity between two vectors.
// Mismatched dimensions and zero magnitude vectors score 0.
func cosineSimilarity(a, b firestore.Vector32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// encodeVector packs a vector as a little-endian element count followed
// by the float32 values.
func encodeVector(vec firestore.Vector32) []byte {
	buf := make([]byte, 4+4*len(vec))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(vec)))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4+i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector is the inverse of encodeVector.
func decodeVector(data []byte) (firestore.Vector32, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) < 4 {
		return nil, goerr.New("vector blob too short", goerr.Value("len", len(data)))
	}

	n := int(binary.LittleEndian.Uint32(data[0:4]))
	if len(data) != 4+4*n {
		return nil, goerr.New("vector blob length mismatch",
			goerr.Value("elements", n), goerr.Value("len", len(data)))
	}

	vec := make(firestore.Vector32, n)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4+i*4:]))
	}
	return vec, nil
}

type scoredEntry struct {
	entry *model.MemoryEntry
	sim   float64
	seq   int64
}

// rankEntries orders candidates by descending similarity. Equal
// similarity is broken by more recent CreatedAt, then by later insertion.
// Candidates scoring below threshold are dropped.
func rankEntries(candidates []scoredEntry, threshold float64, limit int) []*model.MemoryEntry {
	if limit <= 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].sim != candidates[j].sim {
			return candidates[i].sim > candidates[j].sim
		}
		if !candidates[i].entry.CreatedAt.Equal(candidates[j].entry.CreatedAt) {
			return candidates[i].entry.CreatedAt.After(candidates[j].entry.CreatedAt)
		}
		return candidates[i].seq > candidates[j].seq
	})

	results := make([]*model.MemoryEntry, 0, limit)
	for _, c := range candidates {
		if c.sim < threshold {
			break
		}
		results = append(results, c.entry)
		if len(results) >= limit {
			break
		}
	}
	return results
}

// maxEvictable returns how many of total entries may be evicted under
// capacity. The most recent ceil(capacity/2) entries always survive.
func maxEvictable(total, capacity int) int {
	if capacity <= 0 || total <= capacity {
		return 0
	}
	n := total - capacity
	if guard := total - (capacity+1)/2; n > guard {
		n = guard
	}
	if n < 0 {
		return 0
	}
	return n
}
