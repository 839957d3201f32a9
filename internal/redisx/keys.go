package redisx

import (
	"strconv"
	"time"
)

const (
	// Products awaiting an available-stock recalculation: SET of product ids.
	KeyInventoryDirty = "inventory:dirty"

	// Per-shop sync guard: lock:{name} -> owner token
	keyLockPrefix = "lock:"

	// Single-use values: nonce:{scope}:{value} -> 1
	keyNoncePrefix = "nonce:"
)

// MinNonceTTL keeps a nonce stored briefly even when asked for a zero TTL, so
// a replay racing the first use is still refused.
var MinNonceTTL = time.Second

func lockKey(name string) string { return keyLockPrefix + name }

func nonceKey(scope, nonce string) string { return keyNoncePrefix + scope + ":" + nonce }

func member(id int64) string { return strconv.FormatInt(id, 10) }
