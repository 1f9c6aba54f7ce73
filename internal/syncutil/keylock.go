// Package syncutil holds small concurrency helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// KeyLock serializes work per string key using a fixed pool of shards, so
// memory stays bounded no matter how many keys are seen. Two keys that hash
// to the same shard also wait for each other.
type KeyLock struct {
	shards [shardCount]chan struct{}
}

// NewKeyLock returns a KeyLock with every shard unlocked.
func NewKeyLock() *KeyLock {
	k := &KeyLock{}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
	}
	return k
}

// Lock blocks until the shard for key is free or ctx is done. On success the
// caller must call the returned unlock exactly once.
func (k *KeyLock) Lock(ctx context.Context, key string) (unlock func(), err error) {
	shard := k.shards[shardOf(key)]
	select {
	case shard <- struct{}{}:
		return func() { <-shard }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
