package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemManagerOpenReturnsSameStoreForSameNum(t *testing.T) {
	m := NewMemManager()
	a, err := m.Open(0, true)
	assert.NoError(t, err)
	b, err := m.Open(0, true)
	assert.NoError(t, err)

	assert.NoError(t, a.Set([]byte("k"), []byte("v")))
	got, ok := b.Get([]byte("k"))
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), got, "Open must return the same underlying store for a given num")
}

func TestMemManagerOpenIsolatesDistinctNums(t *testing.T) {
	m := NewMemManager()
	a, _ := m.Open(0, true)
	b, _ := m.Open(1, true)

	assert.NoError(t, a.Set([]byte("k"), []byte("a")))
	_, ok := b.Get([]byte("k"))
	assert.False(t, ok)
}

func TestMemStoreIteratorIsSortedByKey(t *testing.T) {
	s := &MemStore{data: make(map[string][]byte)}
	assert.NoError(t, s.Set([]byte("b"), []byte("2")))
	assert.NoError(t, s.Set([]byte("a"), []byte("1")))
	assert.NoError(t, s.Set([]byte("c"), []byte("3")))

	it := s.Iterator()
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	it.Close()
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestMemStoreDeleteAndClear(t *testing.T) {
	s := &MemStore{data: make(map[string][]byte)}
	assert.NoError(t, s.Set([]byte("k"), []byte("v")))
	assert.NoError(t, s.Delete([]byte("k")))
	_, ok := s.Get([]byte("k"))
	assert.False(t, ok)

	assert.NoError(t, s.Set([]byte("k2"), []byte("v2")))
	assert.NoError(t, s.Clear())
	_, ok = s.Get([]byte("k2"))
	assert.False(t, ok)
}

func TestMemMetaStoreRoundTrip(t *testing.T) {
	m := NewMemMetaStore()
	assert.NoError(t, m.Set([]byte("status"), []byte("ready")))
	v, ok := m.Get([]byte("status"))
	assert.True(t, ok)
	assert.Equal(t, []byte("ready"), v)

	assert.NoError(t, m.Delete([]byte("status")))
	_, ok = m.Get([]byte("status"))
	assert.False(t, ok)
}
