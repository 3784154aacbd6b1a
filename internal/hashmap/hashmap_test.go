package hashmap

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func strHash(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

func strEqual(a, b string) bool { return a == b }

func TestPutNewReturnsNotExisted(t *testing.T) {
	m := New[string, int](strHash, strEqual)
	prev, existed := m.Put("a", 1)
	assert.False(t, existed)
	assert.Zero(t, prev)
}

func TestPutExistingReturnsPrevious(t *testing.T) {
	m := New[string, int](strHash, strEqual)
	m.Put("a", 1)
	prev, existed := m.Put("a", 2)
	assert.True(t, existed)
	assert.Equal(t, 1, prev)

	v, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestRemoveThenReinsert(t *testing.T) {
	m := New[string, int](strHash, strEqual)
	m.Put("a", 1)
	assert.True(t, m.Remove("a"))
	assert.False(t, m.Contains("a"))
	_, existed := m.Put("a", 9)
	assert.False(t, existed)
}

func TestGrowthPreservesAllEntries(t *testing.T) {
	m := CreateTuned[string, int](strHash, strEqual, 4)
	for i := 0; i < 100; i++ {
		m.Put(string(rune('a'+i%26))+string(rune(i)), i)
	}
	assert.Equal(t, 100, m.Len())
}

func TestKeysSnapshotThenRemove(t *testing.T) {
	m := New[string, int](strHash, strEqual)
	m.Put("a", 1)
	m.Put("b", 2)
	m.Put("c", 3)

	keys := m.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	for _, k := range keys {
		m.Remove(k)
	}
	assert.Zero(t, m.Len())
}
