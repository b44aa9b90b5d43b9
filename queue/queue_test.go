package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"basecall.dev/pipeline/errkinds"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPushPop(t *testing.T) {
	q := New[int](4)
	require.NoError(t, q.Push(1))
	require.NoError(t, q.Push(2))
	assert.Equal(t, 2, q.Len())

	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestPushBlocksWhileFull(t *testing.T) {
	q := New[int](1)
	require.NoError(t, q.Push(1))

	done := make(chan struct{})
	go func() {
		require.NoError(t, q.Push(2))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Push returned before room was freed")
	case <-time.After(50 * time.Millisecond):
	}

	_, ok := q.Pop()
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Push never unblocked after Pop freed a slot")
	}
}

func TestTerminateDrainsThenStops(t *testing.T) {
	q := New[int](4)
	require.NoError(t, q.Push(1))
	require.NoError(t, q.Push(2))
	q.TerminateInput()

	assert.ErrorIs(t, q.Push(3), errkinds.ErrQueueTerminated)

	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestRestartReopensQueue(t *testing.T) {
	q := New[int](2)
	q.TerminateInput()
	assert.True(t, q.Terminated())

	q.RestartInput()
	assert.False(t, q.Terminated())
	require.NoError(t, q.Push(5))
	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 5, v)
}

func TestPopContextDeadline(t *testing.T) {
	q := New[int](4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, ok := q.PopContext(ctx)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 9*time.Millisecond)
}

func TestPopContextDeliversBeforeDeadline(t *testing.T) {
	q := New[int](4)
	require.NoError(t, q.Push(7))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	v, ok := q.PopContext(ctx)
	require.True(t, ok)
	assert.Equal(t, 7, v)
}
