// Package denylist is a thin client for the external bad-bits denylist
// store (§4.1 step 4). Ingestion of the denylist itself is an external
// collaborator (§1); this package only performs the lookup.
package denylist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/redis/go-redis/v9"
)

// Checker looks up whether a CID is flagged in the denylist.
type Checker interface {
	IsDenied(ctx context.Context, cid string) (bool, error)
}

// RedisChecker backs the denylist with a Redis set populated by the
// external ingestion collaborator, keyed on a double-SHA-256 hash of the
// CID (the scheme badbits.dwebops.pub itself uses).
type RedisChecker struct {
	rdb    *redis.Client
	setKey string
}

// NewRedisChecker builds a RedisChecker reading members of setKey.
func NewRedisChecker(rdb *redis.Client, setKey string) *RedisChecker {
	return &RedisChecker{rdb: rdb, setKey: setKey}
}

// IsDenied reports whether cid's denylist digest is a member of the set.
func (c *RedisChecker) IsDenied(ctx context.Context, cid string) (bool, error) {
	return c.rdb.SIsMember(ctx, c.setKey, digest(cid)).Result()
}

func digest(cid string) string {
	first := sha256.Sum256([]byte(cid))
	second := sha256.Sum256(first[:])
	return hex.EncodeToString(second[:])
}
