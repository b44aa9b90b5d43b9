package writer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basecall.dev/pipeline"
	"basecall.dev/pipeline/config"
)

func TestBuildHeaderTextIncludesHDAndPG(t *testing.T) {
	text := buildHeaderText("basecaller", []string{"basecaller", "--model", "foo"}, nil)
	assert.Contains(t, text, "@HD\tVN:1.6\tSO:unknown\n")
	assert.Contains(t, text, "@PG\tID:basecaller\tPN:basecaller\tCL:basecaller --model foo\n")
}

func TestBuildHeaderTextSortsReadGroupsByID(t *testing.T) {
	groups := config.ReadGroupTable{
		"rg2": {FlowcellID: "FC2", SampleID: "S2"},
		"rg1": {FlowcellID: "FC1", SampleID: "S1"},
	}
	text := buildHeaderText("p", nil, groups)
	idx1 := indexOf(text, "ID:rg1")
	idx2 := indexOf(text, "ID:rg2")
	require.NotEqual(t, -1, idx1)
	require.NotEqual(t, -1, idx2)
	assert.Less(t, idx1, idx2)
	assert.Contains(t, text, "PL:ONT")
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestWriteFastqFormatsFourLines(t *testing.T) {
	var buf bytes.Buffer
	rec := &pipeline.BamRecord{ReadID: "r1", Seq: []byte("ACGT"), Qual: []byte("!!!!")}
	require.NoError(t, writeFastq(&buf, rec))
	assert.Equal(t, "@r1\nACGT\n+\n!!!!\n", buf.String())
}

func TestWriterFastqModeWritesRecords(t *testing.T) {
	var buf bytes.Buffer
	w := New("w", &buf, Config{Mode: FASTQ, NumWorkers: 1, Depth: 4})
	require.NoError(t, w.WriteHeader())

	rec := &pipeline.BamRecord{ReadID: "r1", Seq: []byte("ACGT"), Qual: []byte("!!!!")}
	require.NoError(t, w.Send(rec))
	require.NoError(t, w.Terminate(pipeline.FlushOptions{}))

	assert.Equal(t, "@r1\nACGT\n+\n!!!!\n", buf.String())
	assert.Equal(t, int64(1), w.SampleStats()["num_written"])
	assert.Equal(t, int64(0), w.SampleStats()["num_write_errors"])
}

func TestWriterFastqHeaderIsNoOp(t *testing.T) {
	var buf bytes.Buffer
	w := New("w", &buf, Config{Mode: FASTQ, NumWorkers: 1, Depth: 4})
	require.NoError(t, w.WriteHeader())
	assert.Empty(t, buf.String())
}

func TestWriterWriteHeaderIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	w := New("w", &buf, Config{Mode: FASTQ, NumWorkers: 1, Depth: 4})
	require.NoError(t, w.WriteHeader())
	require.NoError(t, w.WriteHeader())
	require.NoError(t, w.Terminate(pipeline.FlushOptions{}))
}

func TestWriterCountsWriteErrorsAndSkipsBadRecords(t *testing.T) {
	var buf bytes.Buffer
	w := New("w", &buf, Config{Mode: FASTQ, NumWorkers: 1, Depth: 4})
	require.NoError(t, w.WriteHeader())

	bad := &pipeline.BamRecord{ReadID: "bad", WriteError: assertErr}
	good := &pipeline.BamRecord{ReadID: "good", Seq: []byte("A"), Qual: []byte("!")}
	require.NoError(t, w.Send(bad))
	require.NoError(t, w.Send(good))
	require.NoError(t, w.Terminate(pipeline.FlushOptions{}))

	assert.Equal(t, int64(1), w.SampleStats()["num_write_errors"])
	assert.Equal(t, int64(1), w.SampleStats()["num_written"])
	assert.Equal(t, "@good\nA\n+\n!\n", buf.String())
}

func TestWriterDiscardsNonBamRecordMessages(t *testing.T) {
	var buf bytes.Buffer
	w := New("w", &buf, Config{Mode: FASTQ, NumWorkers: 1, Depth: 4})
	require.NoError(t, w.WriteHeader())

	require.NoError(t, w.Send(&pipeline.SimplexRead{}))
	require.NoError(t, w.Terminate(pipeline.FlushOptions{}))

	assert.Equal(t, int64(0), w.SampleStats()["num_records_in"])
	assert.Empty(t, buf.String())
}

func TestParseCigarParsesMixedOps(t *testing.T) {
	cig, err := parseCigar("10M2I3D")
	require.NoError(t, err)
	require.Len(t, cig, 3)
	assert.Equal(t, 10, cig[0].Len())
	assert.Equal(t, 2, cig[1].Len())
	assert.Equal(t, 3, cig[2].Len())
}

func TestParseCigarRejectsUnknownOp(t *testing.T) {
	_, err := parseCigar("5Z")
	assert.Error(t, err)
}

func TestToSamRecordConvertsQualToRawPhred(t *testing.T) {
	rec := &pipeline.BamRecord{ReadID: "r1", Seq: []byte("ACGT"), Qual: []byte{33, 43, 73}}
	r, err := toSamRecord(nil, rec, true)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 10, 40}, r.Qual)
	assert.Equal(t, "r1", r.Name)
}

type writerSentinelErr struct{}

func (*writerSentinelErr) Error() string { return "bad record" }

var assertErr = &writerSentinelErr{}
