// Package planner partitions a set of encrypted items into balanced
// chunks and scatters item IDs across those chunks with a deterministic,
// cryptographically seeded shuffle.
//
// Both operations are pure functions: given the same inputs they always
// produce the same outputs, which is what lets the scheduler and the
// worker pool reason about chunk counts without re-deriving them.
package planner

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// DefaultChunkSize is used when the caller does not override it via
// config ("chunk.size", default 64 per spec.md §6).
const DefaultChunkSize = 64

// Plan computes chunk sizes for n items against a target chunkSize.
//
// chunkSize is a target, not a hard cap: per spec.md §8's boundary
// rule, k = max(1, floor(n/chunkSize)) chunks are produced and the
// remainder is distributed across the first r of them, so the largest
// chunk is ceil(n/k), which exceeds chunkSize whenever n > chunkSize and
// n is not a multiple of it, by up to chunkSize-1 when k == 1 (e.g.
// n=65, chunkSize=64 yields one chunk of 65, not two chunks of 64+1;
// n=127 yields one chunk of 127).
//
// n == 0 returns a single chunk of size 0, reserved for interface
// uniformity; callers may skip scheduling it and complete the job
// immediately.
func Plan(n int, chunkSize int) []int {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if n <= chunkSize {
		return []int{n}
	}

	k := n / chunkSize
	if k < 1 {
		k = 1
	}
	base := n / k
	remainder := n % k

	sizes := make([]int, k)
	for i := 0; i < k; i++ {
		sizes[i] = base
		if i < remainder {
			sizes[i]++
		}
	}
	return sizes
}

// Assign scatters itemIDs across len(sizes) chunks using a deterministic
// shuffle seeded by electionID and operationType, returning a map from
// chunk number to the item IDs assigned to it.
//
// The shuffle is seeded (not random) so that re-planning the same job
// (e.g. after a crash, before any chunk has been persisted) reproduces
// the same assignment — useful for idempotent re-creation paths. It is
// a Fisher-Yates shuffle driven by an HMAC-SHA256 keystream rather than
// math/rand, so the assignment cannot be predicted by an adversary who
// knows the seed components without also knowing they're looking at a
// keyed HMAC rather than a PRNG with a guessable internal state.
func Assign(itemIDs []string, sizes []int, electionID string, operationType string) map[int][]string {
	n := len(itemIDs)
	shuffled := make([]string, n)
	copy(shuffled, itemIDs)

	seed := []byte(electionID + "|" + operationType)
	mac := hmac.New(sha256.New, seed)
	counter := uint64(0)
	nextUint64 := func() uint64 {
		mac.Reset()
		var ctr [8]byte
		binary.BigEndian.PutUint64(ctr[:], counter)
		counter++
		mac.Write(ctr[:])
		digest := mac.Sum(nil)
		return binary.BigEndian.Uint64(digest[:8])
	}

	// Fisher-Yates using the keystream for the bounded random index.
	for i := n - 1; i > 0; i-- {
		j := int(nextUint64() % uint64(i+1))
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}

	result := make(map[int][]string, len(sizes))
	offset := 0
	for chunkNumber, size := range sizes {
		result[chunkNumber] = append([]string(nil), shuffled[offset:offset+size]...)
		offset += size
	}
	return result
}

// Validate checks that an assignment produced by Assign covers every
// item exactly once, per spec.md §8's round-trip law.
func Validate(itemIDs []string, assignment map[int][]string) error {
	seen := make(map[string]bool, len(itemIDs))
	count := 0
	for _, ids := range assignment {
		for _, id := range ids {
			if seen[id] {
				return fmt.Errorf("planner: item %q assigned to more than one chunk", id)
			}
			seen[id] = true
			count++
		}
	}
	if count != len(itemIDs) {
		return fmt.Errorf("planner: assignment covers %d items, want %d", count, len(itemIDs))
	}
	for _, id := range itemIDs {
		if !seen[id] {
			return fmt.Errorf("planner: item %q missing from assignment", id)
		}
	}
	return nil
}
