// Package assign provides deterministic variant assignment for
// experiments. Users are hashed into buckets based on their user id and
// the experiment id, so the same user always receives the same variant
// for a given experiment and rollout configuration.
package assign

import (
	"crypto/md5"
	"math/big"
)

// hashBuckets is the resolution of the allocator. Two users landing in
// the same bucket for the same experiment is acceptable.
const hashBuckets = 10000

// Hash maps a (user id, experiment id) pair to a value in [0, 1).
//
// The pair is joined as "userID:experimentID", MD5-hashed, and the full
// 128-bit digest taken modulo 10000. This is a compatibility contract
// shared with client libraries in other languages: the same inputs must
// produce byte-identical assignments everywhere, so the algorithm must
// not change.
func Hash(userID, experimentID string) float64 {
	sum := md5.Sum([]byte(userID + ":" + experimentID))
	n := new(big.Int).SetBytes(sum[:])
	bucket := new(big.Int).Mod(n, big.NewInt(hashBuckets))
	return float64(bucket.Int64()) / hashBuckets
}
