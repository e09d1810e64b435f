package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/go-redis/redis/v8"
)

// QueryEmbedder embeds a single search query.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// CachedQueryEmbedder memoizes query embeddings in Redis. Cache failures
// are logged and never fail the query.
type CachedQueryEmbedder struct {
	next  QueryEmbedder
	rdb   redis.UniversalClient
	ttl   time.Duration
	model string
}

// NewCachedQueryEmbedder wraps next. Keys are scoped by model so switching
// models never serves stale vectors.
func NewCachedQueryEmbedder(next QueryEmbedder, rdb redis.UniversalClient, model string, ttl time.Duration) *CachedQueryEmbedder {
	return &CachedQueryEmbedder{next: next, rdb: rdb, ttl: ttl, model: model}
}

// EmbedQuery returns the cached vector for query, computing and storing it on a miss.
func (c *CachedQueryEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	key := c.key(query)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		vec, decErr := decodeVector(raw)
		if decErr == nil {
			return vec, nil
		}
		slog.Warn("Discarding corrupt cached embedding", "key", key, "error", decErr)
	case !errors.Is(err, redis.Nil):
		slog.Warn("Query cache lookup failed", "error", err)
	}

	vec, err := c.next.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	if err := c.rdb.Set(ctx, key, encodeVector(vec), c.ttl).Err(); err != nil {
		slog.Warn("Query cache store failed", "error", err)
	}
	return vec, nil
}

func (c *CachedQueryEmbedder) key(query string) string {
	sum := sha256.Sum256([]byte(query))
	return "qemb:" + c.model + ":" + hex.EncodeToString(sum[:])
}

// encodeVector packs float32s little-endian, 4 bytes each.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil, fmt.Errorf("invalid vector encoding of %d bytes", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec, nil
}
