package dataloader

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basecall.dev/pipeline"
	"basecall.dev/pipeline/config"
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
	deadline := time.Now().Add(2 * time.Second)
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

func writeS16(t *testing.T, path string, samples []int16) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	for _, s := range samples {
		require.NoError(t, binary.Write(f, binary.LittleEndian, s))
	}
}

func TestRawInt16DecoderReadsSamples(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "read1.s16")
	writeS16(t, path, []int16{1, -2, 3, 4})

	d := RawInt16Decoder{ModelStride: 6}
	reads, err := d.Decode(path)
	require.NoError(t, err)
	require.Len(t, reads, 1)
	assert.Equal(t, "read1", reads[0].ReadID)
	assert.Equal(t, []int16{1, -2, 3, 4}, reads[0].RawSignal)
	assert.Equal(t, 6, reads[0].ModelStride)
}

func TestTrimExt(t *testing.T) {
	assert.Equal(t, "read1", TrimExt("read1.s16"))
	assert.Equal(t, "/a/b/read1", TrimExt("/a/b/read1.s16"))
	assert.Equal(t, "noext", TrimExt("noext"))
}

func TestRawInt16DecoderFallsBackToGeneratedIDWhenBasenameIsBareExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".s16")
	writeS16(t, path, []int16{1})

	require.Equal(t, "", TrimExt(filepath.Base(path))) // confirms the fallback path is actually exercised

	d := RawInt16Decoder{}
	reads, err := d.Decode(path)
	require.NoError(t, err)
	require.Len(t, reads, 1)
	assert.NotEmpty(t, reads[0].ReadID)
}

func TestDataLoaderWalksDirectoryAndEmitsReads(t *testing.T) {
	dir := t.TempDir()
	writeS16(t, filepath.Join(dir, "a.s16"), []int16{1, 2})
	writeS16(t, filepath.Join(dir, "b.s16"), []int16{3, 4})

	sink := &collectSink{}
	dl := New("dl", sink, RawInt16Decoder{ModelStride: 6}, Config{DataPath: dir}, nil)
	require.NoError(t, dl.Terminate(pipeline.FlushOptions{}))

	got := sink.wait(t, 2)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), dl.SampleStats()["num_reads_in"])
}

func TestDataLoaderSetsUnknownPolyATailLength(t *testing.T) {
	dir := t.TempDir()
	writeS16(t, filepath.Join(dir, "a.s16"), []int16{1})

	sink := &collectSink{}
	dl := New("dl", sink, RawInt16Decoder{}, Config{DataPath: dir}, nil)
	require.NoError(t, dl.Terminate(pipeline.FlushOptions{}))

	got := sink.wait(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, -1, got[0].(*pipeline.SimplexRead).RNAPolyTailLength)
}

func TestDataLoaderHonorsReadListFilter(t *testing.T) {
	dir := t.TempDir()
	writeS16(t, filepath.Join(dir, "keep.s16"), []int16{1})
	writeS16(t, filepath.Join(dir, "drop.s16"), []int16{2})

	sink := &collectSink{}
	readList := map[string]struct{}{"keep": {}}
	dl := New("dl", sink, RawInt16Decoder{}, Config{DataPath: dir}, readList)
	require.NoError(t, dl.Terminate(pipeline.FlushOptions{}))

	got := sink.wait(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "keep", got[0].(*pipeline.SimplexRead).ReadID)
}

func TestDataLoaderHonorsMaxReads(t *testing.T) {
	dir := t.TempDir()
	writeS16(t, filepath.Join(dir, "a.s16"), []int16{1})
	writeS16(t, filepath.Join(dir, "b.s16"), []int16{2})
	writeS16(t, filepath.Join(dir, "c.s16"), []int16{3})

	sink := &collectSink{}
	dl := New("dl", sink, RawInt16Decoder{}, Config{DataPath: dir, MaxReads: 1}, nil)
	require.NoError(t, dl.Terminate(pipeline.FlushOptions{}))

	got := sink.wait(t, 1)
	assert.Len(t, got, 1)
}

func TestDataLoaderStampsReadGroup(t *testing.T) {
	dir := t.TempDir()
	writeS16(t, filepath.Join(dir, "a.s16"), []int16{1})

	sink := &collectSink{}
	groups := config.ReadGroupTable{"rg1": {FlowcellID: "FC1", RunID: "RUN1", SampleID: "S1"}}
	dl := New("dl", sink, RawInt16Decoder{}, Config{DataPath: dir, ReadGroupID: "rg1", ReadGroups: groups}, nil)
	require.NoError(t, dl.Terminate(pipeline.FlushOptions{}))

	got := sink.wait(t, 1)
	out := got[0].(*pipeline.SimplexRead)
	assert.Equal(t, "rg1", out.ReadGroup)
	assert.Equal(t, "FC1", out.FlowcellID)
	assert.Equal(t, "RUN1", out.RunID)
}

func TestDataLoaderNonRecursiveSkipsSubdirectories(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	writeS16(t, filepath.Join(dir, "top.s16"), []int16{1})
	writeS16(t, filepath.Join(sub, "nested.s16"), []int16{2})

	sink := &collectSink{}
	dl := New("dl", sink, RawInt16Decoder{}, Config{DataPath: dir, Recursive: false}, nil)
	require.NoError(t, dl.Terminate(pipeline.FlushOptions{}))

	got := sink.wait(t, 1)
	require.Len(t, got, 1)
	assert.Equal(t, "top", got[0].(*pipeline.SimplexRead).ReadID)
}
