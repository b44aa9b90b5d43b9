package memory

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basecall.dev/pipeline/errkinds"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := New(2, 16)
	assert.Equal(t, 2, p.Size())
	assert.Equal(t, 16, p.SlabSize())

	slab, release := p.Acquire()
	assert.Len(t, slab, 16)
	slab[0] = 0xFF
	release()

	// Re-acquiring should see a zeroed slab, not the stale write above.
	slab2, release2 := p.Acquire()
	assert.Equal(t, byte(0), slab2[0])
	release2()
}

func TestTryAcquireExhausted(t *testing.T) {
	p := New(1, 8)
	_, release := p.Acquire()

	_, _, err := p.TryAcquire()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkinds.ErrPoolExhausted))

	release()
	slab, release2, err := p.TryAcquire()
	require.NoError(t, err)
	assert.Len(t, slab, 8)
	release2()
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	p := New(1, 4)
	_, release := p.Acquire()

	done := make(chan struct{})
	go func() {
		_, r := p.Acquire()
		r()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Acquire returned before the only slab was released")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Acquire never unblocked")
	}
}
