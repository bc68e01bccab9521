// Package fingerprint computes the routing attribute each policy hashes
// or compares: a session id, a prefix-chunk hash, or a token-sequence
// hash.
package fingerprint

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// HashString returns a fast, non-cryptographic hash of s, used to map a
// fingerprint onto one of N sorted engines via `Hash(fp) mod N`.
func HashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

// PrefixChunks splits prompt into fixed-size chunks of chunkSize runes,
// the unit the prefix-aware router's trie keys on. The final chunk may
// be shorter than chunkSize.
func PrefixChunks(prompt string, chunkSize int) []string {
	if chunkSize <= 0 {
		chunkSize = 128
	}

	runes := []rune(prompt)
	if len(runes) == 0 {
		return nil
	}

	chunks := make([]string, 0, len(runes)/chunkSize+1)
	for start := 0; start < len(runes); start += chunkSize {
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// TokenSequenceHash hashes a token id sequence for KV-cache-aware
// routing, where the fingerprint is over token ids rather than raw text.
func TokenSequenceHash(tokens []int64) uint64 {
	h := xxhash.New()
	buf := make([]byte, 0, 20)
	for _, t := range tokens {
		buf = strconv.AppendInt(buf[:0], t, 10)
		_, _ = h.Write(buf)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}
