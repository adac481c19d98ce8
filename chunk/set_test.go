package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetBasics(t *testing.T) {
	s := NewSet(130)
	assert.Equal(t, uint32(0), s.Cursor())
	assert.False(t, s.Complete())

	assert.True(t, s.Add(0))
	assert.False(t, s.Add(0), "duplicate add")
	assert.False(t, s.Add(130), "out of range")
	assert.True(t, s.Add(1))
	assert.True(t, s.Add(3))
	assert.Equal(t, uint32(3), s.Len())

	// Cursor stops at the gap at 2.
	assert.Equal(t, uint32(2), s.Cursor())
	missing := s.Missing()
	assert.Equal(t, uint32(2), missing[0])
	assert.Equal(t, uint32(4), missing[1])
	assert.Len(t, missing, 127)

	for i := uint32(0); i < 130; i++ {
		s.Add(i)
	}
	assert.True(t, s.Complete())
	assert.Equal(t, uint32(130), s.Cursor())
	assert.Empty(t, s.Missing())
}

func TestSetCursorAcrossWords(t *testing.T) {
	s := NewSet(200)
	for i := uint32(0); i < 64; i++ {
		s.Add(i)
	}
	assert.Equal(t, uint32(64), s.Cursor())
	s.Add(64)
	s.Add(66)
	assert.Equal(t, uint32(65), s.Cursor())
}

func TestSetMarshal(t *testing.T) {
	s := NewSet(21)
	for _, i := range []uint32{0, 5, 8, 20} {
		s.Add(i)
	}
	data, err := s.MarshalBinary()
	require.NoError(t, err)

	var back Set
	require.NoError(t, back.UnmarshalBinary(data))
	assert.Equal(t, s.Count(), back.Count())
	assert.Equal(t, s.Len(), back.Len())
	for i := uint32(0); i < 21; i++ {
		assert.Equal(t, s.Has(i), back.Has(i), "index %d", i)
	}

	assert.Error(t, back.UnmarshalBinary([]byte{0, 0}))
	assert.Error(t, back.UnmarshalBinary([]byte{0, 0, 0, 9}))
}

func TestSetUnionAndClone(t *testing.T) {
	a := NewSet(10)
	a.Add(1)
	b := NewSet(10)
	b.Add(2)
	b.Add(1)

	c := a.Clone()
	c.Union(b)
	assert.Equal(t, uint32(2), c.Len())
	assert.Equal(t, uint32(1), a.Len(), "clone is independent")
}

func TestEmptySet(t *testing.T) {
	s := NewSet(0)
	assert.True(t, s.Complete())
	assert.Equal(t, uint32(0), s.Cursor())
}
