package database

import (
	"context"
	"hash/fnv"
	"sort"
)

// LockKey hashes a string key into the bigint space PostgreSQL advisory locks
// operate on. FNV-1a keeps the mapping deterministic across processes.
func LockKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// AcquireAdvisoryLocks takes pg_advisory_xact_lock on every key, in sorted
// hash order so two callers locking overlapping key sets cannot deadlock.
// The locks are transaction-scoped: PostgreSQL releases them on commit or
// rollback, so every exit path of the surrounding transaction releases them.
func AcquireAdvisoryLocks(ctx context.Context, q Querier, keys []string) error {
	ids := make([]int64, 0, len(keys))
	seen := make(map[int64]struct{}, len(keys))
	for _, key := range keys {
		id := LockKey(key)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if _, err := q.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", id); err != nil {
			return err
		}
	}
	return nil
}
