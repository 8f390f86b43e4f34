// Package cache stores non-streaming chat completions so identical requests
// can be answered without an upstream call.
//
// Two byte-level backends are available, both implementing Cache:
//   - RedisCache  shared across replicas.
//   - MemoryCache in-process, bounded, for single-instance deployments.
//
// Responses layers the canonical key and (de)serialization on top.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/schema"
)

// DefaultTTL applies when Responses is built with a zero TTL.
const DefaultTTL = time.Hour

// Cache is a byte-level key/value store with per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Responses caches canonical chat completions.
type Responses struct {
	backend    Cache
	exclusions *ExclusionList
	ttl        time.Duration
	log        *slog.Logger
}

// NewResponses wraps backend. A nil exclusion list caches every model.
func NewResponses(backend Cache, exclusions *ExclusionList, ttl time.Duration, log *slog.Logger) *Responses {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Responses{backend: backend, exclusions: exclusions, ttl: ttl, log: log}
}

// Eligible reports whether req may be answered from or stored in the cache.
// Streams, multi-choice sampling and excluded models are never cached.
func (r *Responses) Eligible(req *schema.ChatRequest) bool {
	if r == nil || req.Stream || req.Choices() != 1 {
		return false
	}
	return !r.exclusions.Matches(req.Model)
}

// Lookup returns the cached completion for req, if any.
func (r *Responses) Lookup(ctx context.Context, principal string, req *schema.ChatRequest) (*schema.ChatResponse, bool) {
	data, ok := r.backend.Get(ctx, Key(principal, req))
	if !ok {
		return nil, false
	}
	var resp schema.ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		r.log.WarnContext(ctx, "cache_entry_corrupt", slog.String("error", err.Error()))
		return nil, false
	}
	return &resp, true
}

// Store saves resp as the answer to req.
func (r *Responses) Store(ctx context.Context, principal string, req *schema.ChatRequest, resp *schema.ChatResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return r.backend.Set(ctx, Key(principal, req), data, r.ttl)
}

// Key derives a deterministic key from every request field that can change
// the answer. Fallbacks are excluded, and so is the route hint unless it
// picks the model; the principal partitions the key space so callers never
// see each other's entries.
func Key(principal string, req *schema.ChatRequest) string {
	r := *req
	r.Stream = false
	r.StreamOptions = nil
	r.Fallbacks = nil
	if r.Model != "" && r.Model != schema.ModelAuto {
		r.Route = ""
	}
	data, _ := json.Marshal(struct {
		P string              `json:"p"`
		R *schema.ChatRequest `json:"r"`
	}{principal, &r})
	h := sha256.Sum256(data)
	return "chat:" + hex.EncodeToString(h[:])
}
