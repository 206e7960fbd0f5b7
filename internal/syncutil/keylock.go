// Package syncutil holds concurrency helpers shared by the transfer engine.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// KeyLock serializes work per string key (idempotency keys, escrow ids) using
// a fixed pool of channel mutexes, so memory stays bounded however many keys
// are seen. Two keys may share a shard; that only costs a little contention.
type KeyLock struct {
	shards [shardCount]chan struct{}
}

// NewKeyLock returns a KeyLock with every shard unlocked.
func NewKeyLock() *KeyLock {
	l := &KeyLock{}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
		l.shards[i] <- struct{}{}
	}
	return l
}

// Lock waits for key's shard or for ctx to end. On success the caller must
// call the returned unlock exactly once.
func (l *KeyLock) Lock(ctx context.Context, key string) (unlock func(), err error) {
	ch := l.shards[shard(key)]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires key's shard only if it is free.
func (l *KeyLock) TryLock(key string) (unlock func(), ok bool) {
	ch := l.shards[shard(key)]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, true
	default:
		return nil, false
	}
}

func shard(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
