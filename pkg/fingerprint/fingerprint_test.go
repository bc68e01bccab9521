package fingerprint_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sgl-project/router/pkg/fingerprint"
)

func TestHashString_Deterministic(t *testing.T) {
	assert.Equal(t, fingerprint.HashString("abc"), fingerprint.HashString("abc"))
	assert.NotEqual(t, fingerprint.HashString("abc"), fingerprint.HashString("xyz"))
}

func TestPrefixChunks(t *testing.T) {
	chunks := fingerprint.PrefixChunks("AAAABBBBCCCC", 4)
	assert.Equal(t, []string{"AAAA", "BBBB", "CCCC"}, chunks)

	short := fingerprint.PrefixChunks("AA", 4)
	assert.Equal(t, []string{"AA"}, short)

	assert.Nil(t, fingerprint.PrefixChunks("", 4))
}

func TestPrefixChunks_SharedFirstChunk(t *testing.T) {
	a := fingerprint.PrefixChunks("AAAA", 4)
	b := fingerprint.PrefixChunks("AAAABBBB", 4)
	c := fingerprint.PrefixChunks("AAAABBBBCCCC", 4)

	assert.Equal(t, a[0], b[0])
	assert.Equal(t, b[0], c[0])
}

func TestTokenSequenceHash_Deterministic(t *testing.T) {
	a := fingerprint.TokenSequenceHash([]int64{1, 2, 3})
	b := fingerprint.TokenSequenceHash([]int64{1, 2, 3})
	c := fingerprint.TokenSequenceHash([]int64{1, 2, 4})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
