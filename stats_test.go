package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatsMergePrefixesKeys(t *testing.T) {
	var s Stats
	s = s.Merge("chunker", Stats{"num_chunks_in": 3})
	s = s.Merge("runner", Stats{"num_batches": 2})

	assert.Equal(t, int64(3), s["chunker.num_chunks_in"])
	assert.Equal(t, int64(2), s["runner.num_batches"])
	assert.Len(t, s, 2)
}

func TestStatsMergeOnNilReceiver(t *testing.T) {
	var s Stats
	merged := s.Merge("a", Stats{"x": 1})
	assert.NotNil(t, merged)
	assert.Equal(t, int64(1), merged["a.x"])
}
