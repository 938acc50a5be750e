// Package vector implements the optional embedding index.
//
// The index is an accelerator over the authoritative relational store: every
// query path that uses it must also succeed when it is empty or unreachable.
// Upsert failures are logged and dropped; callers fall back to FTS.
package vector

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sort"
)

// Kinds of content tracked in the index.
const (
	KindObservation = "observation"
	KindSummary     = "summary"
	KindPrompt      = "prompt"
)

// Record is one indexed item.
type Record struct {
	Kind    string
	ID      int64
	Project string
	Text    string
}

// Hit is a similarity result.
type Hit struct {
	Kind  string
	ID    int64
	Score float64
}

// Embedder produces embeddings for text. Implemented by the ollama client.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index stores embeddings in the shared SQLite database.
type Index struct {
	db       *sql.DB
	embedder Embedder
}

// New creates an Index over the given database handle. The embedder may be
// nil, in which case every query reports no hits and upserts are dropped.
func New(db *sql.DB, embedder Embedder) (*Index, error) {
	schema := `
		CREATE TABLE IF NOT EXISTS vectors (
			kind             TEXT    NOT NULL,
			id               INTEGER NOT NULL,
			project          TEXT    NOT NULL DEFAULT '',
			embedding        BLOB    NOT NULL,
			created_at_epoch INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (kind, id)
		);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("vector: migrate: %w", err)
	}
	return &Index{db: db, embedder: embedder}, nil
}

// Enabled reports whether an embedder is configured.
func (x *Index) Enabled() bool {
	return x != nil && x.embedder != nil
}

// Upsert embeds and stores a record. Best-effort: failures are logged and
// swallowed so the write path never depends on the embedding backend.
func (x *Index) Upsert(ctx context.Context, rec Record, epoch int64) {
	if !x.Enabled() || rec.Text == "" {
		return
	}
	vec, err := x.embedder.Embed(ctx, rec.Text)
	if err != nil {
		slog.Debug("vector upsert skipped", "kind", rec.Kind, "id", rec.ID, "error", err)
		return
	}
	blob, err := EncodeVector(vec)
	if err != nil {
		slog.Debug("vector encode failed", "kind", rec.Kind, "id", rec.ID, "error", err)
		return
	}
	if _, err := x.db.Exec(`
		INSERT INTO vectors (kind, id, project, embedding, created_at_epoch)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET embedding = excluded.embedding, project = excluded.project
	`, rec.Kind, rec.ID, rec.Project, blob, epoch); err != nil {
		slog.Debug("vector upsert failed", "kind", rec.Kind, "id", rec.ID, "error", err)
	}
}

// Query embeds the text and returns the top-k most similar records of the
// given kind, optionally filtered by project. An empty result or an error
// both mean the caller should fall back to the relational store.
func (x *Index) Query(ctx context.Context, kind, text, project string, k int) ([]Hit, error) {
	if !x.Enabled() {
		return nil, nil
	}
	if k <= 0 {
		k = 10
	}

	queryVec, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("vector: embed query: %w", err)
	}

	sqlStr := `SELECT id, embedding FROM vectors WHERE kind = ?`
	args := []any{kind}
	if project != "" {
		sqlStr += " AND project = ?"
		args = append(args, project)
	}

	rows, err := x.db.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("vector: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []Hit
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			continue
		}
		score, err := CosineSimilarity(queryVec, vec)
		if err != nil {
			continue
		}
		hits = append(hits, Hit{Kind: kind, ID: id, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// ─── Blob encoding ───────────────────────────────────────────────────────────

const (
	vectorBlobHeaderSize = 4
	vectorValueByteSize  = 4
)

// EncodeVector encodes a float32 vector into a binary blob.
// Format: [4-byte little-endian dimension][N x 4-byte little-endian float32 values].
func EncodeVector(vector []float32) ([]byte, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector: encode: empty vector")
	}

	blob := make([]byte, vectorBlobHeaderSize+len(vector)*vectorValueByteSize)
	binary.LittleEndian.PutUint32(blob[:vectorBlobHeaderSize], uint32(len(vector)))

	offset := vectorBlobHeaderSize
	for i, value := range vector {
		if math.IsNaN(float64(value)) || math.IsInf(float64(value), 0) {
			return nil, fmt.Errorf("vector: encode: invalid value at index %d", i)
		}
		binary.LittleEndian.PutUint32(blob[offset:offset+vectorValueByteSize], math.Float32bits(value))
		offset += vectorValueByteSize
	}
	return blob, nil
}

// DecodeVector decodes a vector blob created by EncodeVector.
func DecodeVector(blob []byte) ([]float32, error) {
	if len(blob) < vectorBlobHeaderSize {
		return nil, fmt.Errorf("vector: decode: invalid blob length: %d", len(blob))
	}
	dim := int(binary.LittleEndian.Uint32(blob[:vectorBlobHeaderSize]))
	if dim <= 0 || len(blob) != vectorBlobHeaderSize+dim*vectorValueByteSize {
		return nil, fmt.Errorf("vector: decode: dimension mismatch: dim=%d payload=%d", dim, len(blob)-vectorBlobHeaderSize)
	}

	vector := make([]float32, dim)
	offset := vectorBlobHeaderSize
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[offset : offset+vectorValueByteSize]))
		offset += vectorValueByteSize
	}
	return vector, nil
}

// CosineSimilarity computes cosine similarity for two vectors.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fmt.Errorf("vector: cosine: empty vector")
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector: cosine: dimension mismatch: %d vs %d", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0, fmt.Errorf("vector: cosine: zero vector norm")
	}

	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if score > 1 {
		score = 1
	} else if score < -1 {
		score = -1
	}
	return score, nil
}
