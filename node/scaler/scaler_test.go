package scaler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basecall.dev/pipeline"
)

type collectSink struct {
	mu   sync.Mutex
	msgs []pipeline.Message
}

func (c *collectSink) Send(m pipeline.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *collectSink) wait(t *testing.T, n int) []pipeline.Message {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.msgs)
		c.mu.Unlock()
		if got >= n {
			break
		}
		time.Sleep(time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pipeline.Message(nil), c.msgs...)
}

func TestScalerMedianMADNormalizesAndTrims(t *testing.T) {
	sink := &collectSink{}
	s := New("scaler", 4, 1, sink, MedianMAD, 0, 0, 2)

	r := &pipeline.SimplexRead{Read: pipeline.Read{
		ReadID:    "r1",
		RawSignal: []int16{100, 100, 1, 2, 3, 4, 5},
	}}
	require.NoError(t, s.Send(r))
	require.NoError(t, s.Terminate(pipeline.FlushOptions{}))

	got := sink.wait(t, 1)
	require.Len(t, got, 1)
	out := got[0].(*pipeline.SimplexRead)
	assert.Equal(t, 2, out.NumTrimmedSamples)
	assert.Len(t, out.ScaledSignal, 5)
}

func TestScalerAffineUsesFixedShiftScale(t *testing.T) {
	sink := &collectSink{}
	s := New("scaler", 4, 1, sink, Affine, 10, 2, 0)

	r := &pipeline.SimplexRead{Read: pipeline.Read{
		ReadID:    "r1",
		RawSignal: []int16{10, 12, 14},
	}}
	require.NoError(t, s.Send(r))
	require.NoError(t, s.Terminate(pipeline.FlushOptions{}))

	got := sink.wait(t, 1)
	out := got[0].(*pipeline.SimplexRead)
	assert.Equal(t, []float32{0, 1, 2}, out.ScaledSignal)
}

func TestScalerForwardsUnknownMessageUnchanged(t *testing.T) {
	sink := &collectSink{}
	s := New("scaler", 4, 1, sink, MedianMAD, 0, 0, 0)

	rec := &pipeline.BamRecord{ReadID: "passthrough"}
	require.NoError(t, s.Send(rec))
	require.NoError(t, s.Terminate(pipeline.FlushOptions{}))

	got := sink.wait(t, 1)
	require.Len(t, got, 1)
	assert.Same(t, rec, got[0])
}

func TestScalerDuplexReadIsScaledToo(t *testing.T) {
	sink := &collectSink{}
	s := New("scaler", 4, 1, sink, MedianMAD, 0, 0, 0)

	d := &pipeline.DuplexRead{SimplexRead: pipeline.SimplexRead{Read: pipeline.Read{
		ReadID:    "d1",
		RawSignal: []int16{1, 2, 3, 4},
	}}}
	require.NoError(t, s.Send(d))
	require.NoError(t, s.Terminate(pipeline.FlushOptions{}))

	got := sink.wait(t, 1)
	out := got[0].(*pipeline.DuplexRead)
	assert.Len(t, out.ScaledSignal, 4)
}

func TestScalerTrimClampsToSignalLength(t *testing.T) {
	sink := &collectSink{}
	s := New("scaler", 4, 1, sink, MedianMAD, 0, 0, 1000)

	r := &pipeline.SimplexRead{Read: pipeline.Read{RawSignal: []int16{1, 2, 3}}}
	require.NoError(t, s.Send(r))
	require.NoError(t, s.Terminate(pipeline.FlushOptions{}))

	got := sink.wait(t, 1)
	out := got[0].(*pipeline.SimplexRead)
	assert.Equal(t, 3, out.NumTrimmedSamples)
	assert.Empty(t, out.ScaledSignal)
}
