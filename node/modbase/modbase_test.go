package modbase

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"basecall.dev/pipeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

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

func (c *collectSink) all() []pipeline.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pipeline.Message(nil), c.msgs...)
}

func fixedProbScore(windows [][]float32) ([][]byte, error) {
	out := make([][]byte, len(windows))
	for i := range windows {
		out[i] = []byte{200}
	}
	return out, nil
}

func TestModBaseFillsProbsAtCanonicalBasePositions(t *testing.T) {
	sink := &collectSink{}
	caller := NewCPU("5mC", 'C', 2, 1, fixedProbScore)
	mb := New("mb", sink, Config{
		Callers:         []*RemoraCaller{caller},
		BatchSize:       4,
		NumThreads:      1,
		InboundCapacity: 4,
		Alphabet:        []string{"C+m"},
	})

	r := &pipeline.SimplexRead{Read: pipeline.Read{
		ReadID:       "r1",
		Seq:          []byte("ACGC"),
		Moves:        []bool{true, true, true, true},
		ModelStride:  1,
		ScaledSignal: make([]float32, 8),
	}}
	require.NoError(t, mb.Send(r))
	require.NoError(t, mb.Terminate(pipeline.FlushOptions{}))

	got := sink.all()
	require.Len(t, got, 1)
	out := got[0].(*pipeline.SimplexRead)
	require.NotNil(t, out.ModBaseInfo)
	assert.Equal(t, byte(0), out.BaseModProbs[0]) // base 0 = 'A', not 'C'
	assert.Equal(t, byte(200), out.BaseModProbs[1]) // base 1 = 'C'
}

func TestModBaseSetsCProbsOnly(t *testing.T) {
	sink := &collectSink{}
	caller := NewCPU("5mC", 'C', 1, 1, fixedProbScore)
	mb := New("mb", sink, Config{
		Callers:         []*RemoraCaller{caller},
		BatchSize:       4,
		NumThreads:      1,
		InboundCapacity: 4,
		Alphabet:        []string{"C+m"},
	})

	r := &pipeline.SimplexRead{Read: pipeline.Read{
		ReadID:       "r1",
		Seq:          []byte("ACGC"),
		Moves:        []bool{true, true, true, true},
		ModelStride:  1,
		ScaledSignal: make([]float32, 8),
	}}
	require.NoError(t, mb.Send(r))
	require.NoError(t, mb.Terminate(pipeline.FlushOptions{}))

	out := sink.all()[0].(*pipeline.SimplexRead)
	assert.Equal(t, byte(0), out.BaseModProbs[0])   // A
	assert.Equal(t, byte(200), out.BaseModProbs[1]) // C
	assert.Equal(t, byte(0), out.BaseModProbs[2])   // G
	assert.Equal(t, byte(200), out.BaseModProbs[3]) // C
}

func TestModBaseCallFailureMarksReadFailed(t *testing.T) {
	sink := &collectSink{}
	failScore := func(windows [][]float32) ([][]byte, error) { return nil, assertErr }
	caller := NewCPU("5mC", 'C', 1, 1, failScore)
	mb := New("mb", sink, Config{
		Callers:         []*RemoraCaller{caller},
		BatchSize:       4,
		NumThreads:      1,
		InboundCapacity: 4,
		Alphabet:        []string{"C+m"},
	})

	r := &pipeline.SimplexRead{Read: pipeline.Read{
		ReadID:       "r1",
		Seq:          []byte("C"),
		Moves:        []bool{true},
		ScaledSignal: make([]float32, 4),
	}}
	require.NoError(t, mb.Send(r))
	require.NoError(t, mb.Terminate(pipeline.FlushOptions{}))

	out := sink.all()[0].(*pipeline.SimplexRead)
	assert.Equal(t, "decode_failure", out.FailedReason)
}

func TestModBaseForwardsUnknownMessages(t *testing.T) {
	sink := &collectSink{}
	caller := NewCPU("5mC", 'C', 1, 1, fixedProbScore)
	mb := New("mb", sink, Config{
		Callers:         []*RemoraCaller{caller},
		BatchSize:       4,
		NumThreads:      1,
		InboundCapacity: 4,
	})
	rec := &pipeline.BamRecord{ReadID: "passthrough"}
	require.NoError(t, mb.Send(rec))
	require.NoError(t, mb.Terminate(pipeline.FlushOptions{}))

	got := sink.all()
	require.Len(t, got, 1)
	assert.Same(t, rec, got[0])
}

type sentinelErr struct{}

func (*sentinelErr) Error() string { return "remora call failed" }

var assertErr = &sentinelErr{}
