package rls

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ============================================================================
// ACCESS DECISION CACHE
// ============================================================================

// DecisionCache memoizes responses by key. Implementations must be safe for
// concurrent use; a lost race between two writers of the same key is fine
// because compilation is deterministic.
type DecisionCache interface {
	Get(ctx context.Context, key string) (*RLSFilterResponse, bool)
	Set(ctx context.Context, key string, resp *RLSFilterResponse, ttl time.Duration)
	Clear(ctx context.Context)
}

// RistrettoDecisionCache is the default in-process cache.
type RistrettoDecisionCache struct {
	cache *ristretto.Cache
}

// NewRistrettoDecisionCache builds a cache. Zero arguments pick defaults
// sized for roughly 100k decisions.
func NewRistrettoDecisionCache(numCounters, maxCost, bufferItems int64) (*RistrettoDecisionCache, error) {
	if numCounters <= 0 {
		numCounters = 1_000_000
	}
	if maxCost <= 0 {
		maxCost = 100_000
	}
	if bufferItems <= 0 {
		bufferItems = 64
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
		// every decision costs 1, so MaxCost is an entry count
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoDecisionCache{cache: c}, nil
}

func (r *RistrettoDecisionCache) Get(_ context.Context, key string) (*RLSFilterResponse, bool) {
	v, ok := r.cache.Get(key)
	if !ok {
		return nil, false
	}
	resp, ok := v.(*RLSFilterResponse)
	if !ok {
		return nil, false
	}
	return resp.clone(), true
}

// Set stores a copy of resp. Ristretto admits writes asynchronously, so Set
// waits for the write buffer to drain before returning.
func (r *RistrettoDecisionCache) Set(_ context.Context, key string, resp *RLSFilterResponse, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if r.cache.SetWithTTL(key, resp.clone(), 1, ttl) {
		r.cache.Wait()
	}
}

func (r *RistrettoDecisionCache) Clear(_ context.Context) {
	r.cache.Clear()
}

// Close releases the cache goroutines.
func (r *RistrettoDecisionCache) Close() {
	r.cache.Close()
}

// CacheKeyInput lists everything a cached decision depends on.
type CacheKeyInput struct {
	UserID       string
	ConnectionID string
	SchemaName   string
	TableName    string
	Roles        []string
	Attributes   map[string]any
	Generation   uint64
	Dialect      Dialect
	Config       RLSConfiguration
}

// CacheKey hashes the inputs into a fixed-length key. Roles are sorted and
// deduplicated; map keys are ordered by encoding/json.
func CacheKey(in CacheKeyInput) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(strconv.Itoa(len(s))))
		h.Write([]byte{':'})
		h.Write([]byte(s))
	}
	write(in.UserID)
	write(in.ConnectionID)
	write(in.SchemaName)
	write(in.TableName)
	for _, r := range sortedUnique(in.Roles) {
		write("role=" + r)
	}
	write(strconv.FormatUint(in.Generation, 10))
	write(string(in.Dialect))
	attrs, err := json.Marshal(in.Attributes)
	if err != nil {
		// unencodable attributes get a per-call key, which disables caching
		attrs = []byte(strconv.FormatInt(time.Now().UnixNano(), 10))
	}
	write(string(attrs))
	cfg, _ := json.Marshal(in.Config)
	write(string(cfg))
	return hex.EncodeToString(h.Sum(nil))
}
