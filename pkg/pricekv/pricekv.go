// Package pricekv is the external KV store holding per-(payer,cid) x402
// prices (§3 glossary "x402 price", §4.2 piece-added/pieces-removed
// handlers). Writes are guarded by a strictly-increasing block number so
// a delayed webhook redelivery never regresses a newer price.
package pricekv

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Entry is the value stored per key.
type Entry struct {
	Price string `json:"price"`
	Block int64  `json:"block"`
}

// Store reads and writes x402 price entries keyed by "<payer>:<cid>".
type Store struct {
	rdb *redis.Client
}

// New builds a Store.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func key(payer, cid string) string {
	return fmt.Sprintf("x402price:%s:%s", payer, cid)
}

// SetIfNewer writes {price, block} under <payer>:<cid> only if block
// strictly exceeds the currently stored block, or no entry exists yet
// (§4.2 piece-added handler).
func (s *Store) SetIfNewer(ctx context.Context, payer, cid, price string, block int64) error {
	k := key(payer, cid)
	existing, err := s.get(ctx, k)
	if err != nil {
		return err
	}
	if existing != nil && existing.Block >= block {
		return nil
	}
	payload, err := json.Marshal(Entry{Price: price, Block: block})
	if err != nil {
		return fmt.Errorf("marshaling price kv entry: %w", err)
	}
	return s.rdb.Set(ctx, k, payload, 0).Err()
}

// Delete removes the entry for (payer, cid), used when the last
// non-deleted copy of a piece is removed (§3 invariant 3, §4.2
// pieces-removed handler).
func (s *Store) Delete(ctx context.Context, payer, cid string) error {
	return s.rdb.Del(ctx, key(payer, cid)).Err()
}

func (s *Store) get(ctx context.Context, k string) (*Entry, error) {
	raw, err := s.rdb.Get(ctx, k).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading price kv entry: %w", err)
	}
	var out Entry
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decoding price kv entry: %w", err)
	}
	return &out, nil
}
