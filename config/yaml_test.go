package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPolyATail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "polya.yaml")
	data := "tail:\n  plasmid_front_flank: AAAA\n  plasmid_rear_flank: TTTT\n  tail_interrupt_length: 10\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	tail, err := LoadPolyATail(path)
	require.NoError(t, err)
	assert.Equal(t, "AAAA", tail.PlasmidFrontFlank)
	assert.Equal(t, "TTTT", tail.PlasmidRearFlank)
	assert.Equal(t, 10, tail.TailInterruptLength)
}

func TestLoadReadGroupTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "readgroups.yaml")
	data := "read_groups:\n  rg1:\n    flowcell_id: FC1\n    device_id: DEV1\n    run_id: RUN1\n    sample_id: SAMPLE1\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	table, err := LoadReadGroupTable(path)
	require.NoError(t, err)
	require.Contains(t, table, "rg1")
	assert.Equal(t, "FC1", table["rg1"].FlowcellID)
	assert.Equal(t, "RUN1", table["rg1"].RunID)
}

func TestLoadPolyATailMissingFile(t *testing.T) {
	_, err := LoadPolyATail(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
