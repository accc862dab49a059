// Package caching provides the ristretto-backed lookup caches the
// gap-filling engine consults before falling back to a storage scan:
// resolved sender memberships (spec.md §4.2.1 step 3) and neighbour
// fragment lookups (OverlapDetector). It generalizes the teacher's
// RistrettoCachePartition (internal/caching/cache_ristretto_test.go) with Go
// generics instead of one struct field per cached type.
package caching

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/initiative-elysion/hydrogen-web/setup/config"
)

// Metrics toggles ristretto's cost/hit-ratio metrics collection.
type Metrics bool

const (
	EnableMetrics  Metrics = true
	DisableMetrics Metrics = false
)

// Partition is a typed view onto one ristretto cache, keyed by a
// caller-chosen comparable key type and namespaced so multiple partitions
// can safely share the same underlying cache.
type Partition[K comparable, V any] struct {
	cache *ristretto.Cache
	ttl   time.Duration
	name  string
}

func newPartition[K comparable, V any](cache *ristretto.Cache, ttl time.Duration, name string) *Partition[K, V] {
	return &Partition[K, V]{cache: cache, ttl: ttl, name: name}
}

func (p *Partition[K, V]) Set(key K, value V) {
	if p.ttl > 0 {
		p.cache.SetWithTTL(p.namespaced(key), value, 1, p.ttl)
	} else {
		p.cache.Set(p.namespaced(key), value, 1)
	}
	p.cache.Wait()
}

func (p *Partition[K, V]) Get(key K) (V, bool) {
	var zero V
	raw, ok := p.cache.Get(p.namespaced(key))
	if !ok {
		return zero, false
	}
	value, ok := raw.(V)
	if !ok {
		return zero, false
	}
	return value, true
}

func (p *Partition[K, V]) Del(key K) {
	p.cache.Del(p.namespaced(key))
}

func (p *Partition[K, V]) namespaced(key K) string {
	return fmt.Sprintf("%s:%v", p.name, key)
}

// MembershipKey identifies a cached m.room.member content lookup.
type MembershipKey struct {
	RoomID string
	UserID string
}

// NeighbourKey identifies a cached "which fragment owns this duplicate
// event" lookup, keyed by the duplicate event id OverlapDetector resolved a
// neighbour fragment for.
type NeighbourKey struct {
	RoomID  string
	EventID string
}

// Caches bundles the two partitions the engine wires into EventInserter and
// OverlapDetector. Both share a single ristretto.Cache instance, matching
// the teacher's single-Cache-multi-partition layout.
type Caches struct {
	SenderMemberships  *Partition[MembershipKey, map[string]interface{}]
	NeighbourFragments *Partition[NeighbourKey, int64]
}

// NewRistrettoCache builds a Caches backed by a single ristretto.Cache sized
// to maxCost bytes, with entries expiring after maxAge (0 disables
// expiry). Mirrors the teacher's NewRistrettoCache(maxCost, maxAge,
// metrics) signature exercised by cache_ristretto_test.go.
func NewRistrettoCache(maxCost config.DataUnit, maxAge time.Duration, metrics Metrics) *Caches {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxCost) * 10,
		MaxCost:     int64(maxCost),
		BufferItems: 64,
		Metrics:     bool(metrics),
	})
	if err != nil {
		// ristretto.NewCache only fails on invalid Config field
		// combinations, which NewRistrettoCache never produces.
		panic(fmt.Sprintf("caching: invalid ristretto config: %v", err))
	}
	return &Caches{
		SenderMemberships:  newPartition[MembershipKey, map[string]interface{}](cache, maxAge, "sender_membership"),
		NeighbourFragments: newPartition[NeighbourKey, int64](cache, maxAge, "neighbour_fragment"),
	}
}

// NewFromConfig builds the two engine-specific partitions from a
// TimelineStore config's two cache blocks, each backed by its own
// ristretto.Cache so the two lookup kinds cannot evict each other.
func NewFromConfig(cfg config.TimelineStore) (*Caches, error) {
	senderMaxAge, err := time.ParseDuration(cfg.SenderMembershipCache.MaxAge)
	if err != nil {
		return nil, fmt.Errorf("caching: sender_membership_cache.max_age: %w", err)
	}
	neighbourMaxAge, err := time.ParseDuration(cfg.NeighbourFragmentCache.MaxAge)
	if err != nil {
		return nil, fmt.Errorf("caching: neighbour_fragment_cache.max_age: %w", err)
	}

	senderCache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(cfg.SenderMembershipCache.EstimatedMaxSize) * 10,
		MaxCost:     int64(cfg.SenderMembershipCache.EstimatedMaxSize),
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("caching: sender_membership_cache: %w", err)
	}
	neighbourCache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(cfg.NeighbourFragmentCache.EstimatedMaxSize) * 10,
		MaxCost:     int64(cfg.NeighbourFragmentCache.EstimatedMaxSize),
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("caching: neighbour_fragment_cache: %w", err)
	}

	return &Caches{
		SenderMemberships:  newPartition[MembershipKey, map[string]interface{}](senderCache, senderMaxAge, "sender_membership"),
		NeighbourFragments: newPartition[NeighbourKey, int64](neighbourCache, neighbourMaxAge, "neighbour_fragment"),
	}, nil
}
