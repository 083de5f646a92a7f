// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package knowledge

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/viterin/vek/vek32"

	"github.com/pdiddy/novelist/pkg/types"
)

// Query returns up to topK chunks of the namespace ordered by descending
// cosine similarity to vec. Chunks whose dimensionality differs from vec
// (left over from a different embedding model) are skipped.
func (n *Namespace) Query(ctx context.Context, vec []float32, topK int) ([]types.ScoredChunk, error) {
	if topK <= 0 || len(vec) == 0 {
		return nil, nil
	}
	qnorm := norm(vec)
	if qnorm == 0 {
		return nil, nil
	}

	rows, err := n.store.db.QueryContext(ctx,
		`SELECT id, source, chapter, seq, text, vector, norm, created_at
		 FROM chunks WHERE project_id = ?`, n.project)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var results []types.ScoredChunk
	for rows.Next() {
		var (
			c       = types.KnowledgeChunk{ProjectID: n.project}
			source  string
			blob    []byte
			cnorm   float64
			created string
		)
		if err := rows.Scan(&c.ID, &source, &c.Chapter, &c.Seq, &c.Text, &blob, &cnorm, &created); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		v := decodeVector(blob)
		if len(v) != len(vec) || cnorm == 0 {
			continue
		}
		c.Source = types.ChunkSource(source)
		c.Vector = v
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		score := float64(vek32.Dot(vec, v)) / (qnorm * cnorm)
		results = append(results, types.ScoredChunk{KnowledgeChunk: c, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func norm(v []float32) float64 {
	return math.Sqrt(float64(vek32.Dot(v, v)))
}

// encodeVector packs v as little-endian float32s.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
