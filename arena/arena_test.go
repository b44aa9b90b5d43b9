package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetFree(t *testing.T) {
	a := New[string]()
	ord := a.Put("read-1")
	assert.Equal(t, 1, a.Len())

	v, ok := a.Get(ord)
	require.True(t, ok)
	assert.Equal(t, "read-1", v)

	v, ok = a.Free(ord)
	require.True(t, ok)
	assert.Equal(t, "read-1", v)
	assert.Equal(t, 0, a.Len())

	_, ok = a.Get(ord)
	assert.False(t, ok)
}

func TestOrdinalsAreDenseAndDistinct(t *testing.T) {
	a := New[int]()
	seen := map[uint64]bool{}
	for i := 0; i < 100; i++ {
		ord := a.Put(i)
		assert.False(t, seen[ord], "ordinal %d reused", ord)
		seen[ord] = true
	}
	assert.Equal(t, 100, a.Len())
}

func TestUpdateOnlyAffectsPresentSlot(t *testing.T) {
	a := New[int]()
	ord := a.Put(1)
	a.Update(ord, 2)
	v, ok := a.Get(ord)
	require.True(t, ok)
	assert.Equal(t, 2, v)

	a.Free(ord)
	a.Update(ord, 3) // no-op, slot gone
	_, ok = a.Get(ord)
	assert.False(t, ok)
}

func TestNewReadGroupIDIsUnique(t *testing.T) {
	a := NewReadGroupID()
	b := NewReadGroupID()
	assert.NotEqual(t, a, b)
	assert.NotEmpty(t, a)
}
