package chunkstore

// dedup.go collapses concurrent WriteChunk calls for the same hash into a
// single write. It is the transformed descendant of the teacher's
// loaderGroup (pkg/loader.go in Voskan/arena-cache): that package used
// golang.org/x/sync/singleflight to dedupe concurrent *loads* of a missing
// cache key; here the same primitive dedupes concurrent *writes* of an
// identical chunk, which is the hot contention point under concurrent
// uploads of overlapping data.
//
// Only the synchronous Do path survives — the teacher's DoChan-based
// loadAsync has no counterpart here, since WriteChunk has no notion of a
// "miss" that benefits from fire-and-forget delivery.
//
// © 2025 chunkstore authors. MIT License.

import (
	"encoding/hex"

	"golang.org/x/sync/singleflight"
)

// dedupGroup wraps one singleflight.Group per shard so that a burst of
// writes to shard 0xAB never contends with a burst to shard 0xCD on the
// same flight map.
type dedupGroup struct {
	groups [256]singleflight.Group
}

func newDedupGroup() *dedupGroup {
	return &dedupGroup{}
}

// do runs fn at most once for the given hash across all concurrent
// callers in the same shard; every waiter receives the same Record/error.
func (d *dedupGroup) do(hash Hash, fn func() (Record, error)) (Record, error, bool) {
	shard := shardOf(hash)
	key := hex.EncodeToString(hash[:])
	v, err, shared := d.groups[shard].Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		return Record{}, err, shared
	}
	return v.(Record), nil, shared
}
