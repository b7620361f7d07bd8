package model

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_Compare(t *testing.T) {
	keys := []Key{
		NewKey("space-b", "1"),
		NewKey("space-a", "2"),
		NewKey("space-a", "10"),
		NewKey("space-a", "1"),
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })

	assert.Equal(t, []Key{
		NewKey("space-a", "1"),
		NewKey("space-a", "10"),
		NewKey("space-a", "2"),
		NewKey("space-b", "1"),
	}, keys)
	assert.Equal(t, 0, NewKey("x", "y").Compare(NewKey("x", "y")))
}

func TestKey_HashSeparatesParts(t *testing.T) {
	assert.NotEqual(t, NewKey("ab", "c").Hash(), NewKey("a", "bc").Hash())
	assert.Equal(t, NewKey("ab", "c").Hash(), NewKey("ab", "c").Hash())
}

func TestKey_ShardInRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		k := NewKey("space", string(rune('a'+i%26))+string(rune('0'+i%10)))
		s := k.Shard(7)
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, 7)
		assert.Equal(t, s, k.Shard(7), "shard assignment must be deterministic")
	}
	assert.Equal(t, 0, NewKey("a", "b").Shard(1))
	assert.Equal(t, 0, NewKey("a", "b").Shard(0))
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("games/chess-1")
	require.NoError(t, err)
	assert.Equal(t, NewKey("games", "chess-1"), k)
	assert.Equal(t, "games/chess-1", k.String())

	k, err = ParseKey("games/a/b")
	require.NoError(t, err)
	assert.Equal(t, "a/b", k.ID)

	for _, bad := range []string{"", "games", "/id", "games/"} {
		_, err := ParseKey(bad)
		assert.True(t, IsCode(err, ErrInvalidKey), "expected invalid key for %q", bad)
	}
}
