package base

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basecall.dev/pipeline"
)

func TestBaseDrainsQueueAcrossWorkers(t *testing.T) {
	var processed int64
	var b *Base
	b = New("worker", 8, 2, func() {
		for {
			_, ok := b.Queue.Pop()
			if !ok {
				return
			}
			atomic.AddInt64(&processed, 1)
		}
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Send(&pipeline.SimplexRead{}))
	}
	require.NoError(t, b.Terminate(pipeline.FlushOptions{}))
	assert.Equal(t, int64(10), atomic.LoadInt64(&processed))
}

func TestBaseTerminateIsIdempotent(t *testing.T) {
	b := New("n", 1, 1, func() {})
	require.NoError(t, b.Terminate(pipeline.FlushOptions{}))
	require.NoError(t, b.Terminate(pipeline.FlushOptions{}))
}

func TestBaseRestartReopensQueue(t *testing.T) {
	var rounds int32
	var b *Base
	b = New("n", 4, 1, func() {
		for {
			_, ok := b.Queue.Pop()
			if !ok {
				atomic.AddInt32(&rounds, 1)
				return
			}
		}
	})
	require.NoError(t, b.Send(&pipeline.SimplexRead{}))
	require.NoError(t, b.Terminate(pipeline.FlushOptions{}))

	b.Restart()
	require.NoError(t, b.Send(&pipeline.SimplexRead{}))
	require.NoError(t, b.Terminate(pipeline.FlushOptions{}))

	assert.Equal(t, int32(2), atomic.LoadInt32(&rounds))
}

func TestBaseGetName(t *testing.T) {
	b := New("my-node", 1, 1, func() {})
	assert.Equal(t, "my-node", b.GetName())
	require.NoError(t, b.Terminate(pipeline.FlushOptions{}))
}

func TestBaseSendAfterTerminateFails(t *testing.T) {
	var b *Base
	b = New("n", 1, 1, func() {
		for {
			_, ok := b.Queue.Pop()
			if !ok {
				return
			}
		}
	})
	require.NoError(t, b.Terminate(pipeline.FlushOptions{}))
	// Push against a terminated queue returns ErrQueueTerminated rather
	// than blocking forever.
	errc := make(chan error, 1)
	go func() { errc <- b.Send(&pipeline.SimplexRead{}) }()
	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Send blocked after Terminate")
	}
}
