package samplers

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestKey(t *testing.T) {
	require.Equal(t, NewKey(42), NewKey(42))
	require.NotEqual(t, NewKey(42), NewKey(43))

	key := NewKey(42)
	next, current := key.Split()
	assert.NotEqual(t, key, next)
	assert.NotEqual(t, key, current)
	assert.NotEqual(t, next, current)

	// Split is a pure function of the key.
	next2, current2 := key.Split()
	require.Equal(t, next, next2)
	require.Equal(t, current, current2)

	// Threading the key never repeats a stream.
	seen := map[Key]bool{key: true}
	for range 100 {
		key, current = key.Split()
		require.False(t, seen[key])
		require.False(t, seen[current])
		seen[key], seen[current] = true, true
	}

	require.Equal(t, key.Rand().Uint64(), key.Rand().Uint64())
	require.Contains(t, key.String(), "Key(")
}
