// Package config holds the runtime configuration surface (§6) and its
// startup validation, grounded on the teacher's functional-options
// pattern (options.go) and on original_source/dorado/cli/basecaller.cpp's
// setup() validation of mutually exclusive flags.
package config

import (
	"fmt"
	"strings"

	"basecall.dev/pipeline"
)

// ReadGroup mirrors the read-group table entry from §6 Inputs.
type ReadGroup struct {
	FlowcellID        string `yaml:"flowcell_id"`
	DeviceID          string `yaml:"device_id"`
	ExpStartTime      string `yaml:"exp_start_time"`
	BasecallingModel  string `yaml:"basecalling_model"`
	RunID             string `yaml:"run_id"`
	SampleID          string `yaml:"sample_id"`
}

// ReadGroupTable maps read-group id to ReadGroup, per §6 Inputs.
type ReadGroupTable map[string]ReadGroup

// PolyATail holds the poly-A tail configuration surface exercised by
// Scenario D.
type PolyATail struct {
	PlasmidFrontFlank   string `yaml:"plasmid_front_flank"`
	PlasmidRearFlank    string `yaml:"plasmid_rear_flank"`
	TailInterruptLength int    `yaml:"tail_interrupt_length"`

	// Derived fields, computed by Resolve.
	IsPlasmid            bool   `yaml:"-"`
	RCPlasmidFrontFlank  string `yaml:"-"`
	RCPlasmidRearFlank   string `yaml:"-"`
}

// Resolve validates and derives PolyATail's computed fields. Per Scenario
// D: both plasmid flanks must be given together, and when both are given
// IsPlasmid is set along with the reverse-complement of each flank.
func (p *PolyATail) Resolve() error {
	hasFront := p.PlasmidFrontFlank != ""
	hasRear := p.PlasmidRearFlank != ""
	if hasFront != hasRear {
		return &pipeline.ConfigError{
			Field: "tail",
			Msg:   "Both plasmid_front_flank and plasmid_rear_flank must be provided for plasmid poly-A calling",
		}
	}
	if hasFront && hasRear {
		p.IsPlasmid = true
		p.RCPlasmidFrontFlank = reverseComplement(p.PlasmidFrontFlank)
		p.RCPlasmidRearFlank = reverseComplement(p.PlasmidRearFlank)
	}
	return nil
}

func reverseComplement(seq string) string {
	b := make([]byte, len(seq))
	for i := 0; i < len(seq); i++ {
		c := seq[len(seq)-1-i]
		switch c {
		case 'A':
			c = 'T'
		case 'T':
			c = 'A'
		case 'C':
			c = 'G'
		case 'G':
			c = 'C'
		case 'a':
			c = 't'
		case 't':
			c = 'a'
		case 'c':
			c = 'g'
		case 'g':
			c = 'c'
		}
		b[i] = c
	}
	return string(b)
}

// Config is the full runtime configuration surface from §6.
type Config struct {
	ModelPath  string
	DataPath   string
	Recursive  bool
	Device     string

	ChunkSize  int
	Overlap    int
	BatchSize  int // 0 means "auto"
	NumRunners int

	ModifiedBasesModels []string
	RemoraBatchSize     int
	NumRemoraThreads    int

	EmitFastq       bool
	EmitMoves       bool
	MinQScore       float64
	MaxReads        int // 0 = unlimited
	ReadListFilePath string

	Ref        string
	KmerSize   int
	WindowSize int

	PolyA PolyATail

	ReadGroups ReadGroupTable
}

// ModelName derives the model_name field from ModelPath's filename, per
// §6: "filename becomes model_name."
func (c *Config) ModelName() string {
	idx := strings.LastIndexByte(c.ModelPath, '/')
	if idx < 0 {
		return c.ModelPath
	}
	return c.ModelPath[idx+1:]
}

// DefaultKmerSize and DefaultWindowSize are the Aligner defaults from §6.
const (
	DefaultKmerSize   = 15
	DefaultWindowSize = 10
	MaxKmerSize       = 28
)

// Validate performs the startup validation from §6/§7: mutually exclusive
// options and out-of-range values are fatal ConfigErrors, checked before
// any worker spawns.
func (c *Config) Validate() error {
	if c.ModelPath == "" {
		return &pipeline.ConfigError{Field: "model_path", Msg: "must be set"}
	}
	if c.DataPath == "" {
		return &pipeline.ConfigError{Field: "data_path", Msg: "must be set"}
	}
	if len(c.ModifiedBasesModels) > 0 && c.EmitFastq {
		return &pipeline.ConfigError{Field: "modified_bases_models/emit_fastq", Msg: "mutually exclusive"}
	}
	if c.Ref != "" && c.EmitFastq {
		return &pipeline.ConfigError{Field: "ref/emit_fastq", Msg: "mutually exclusive"}
	}
	if c.ChunkSize <= 0 {
		return &pipeline.ConfigError{Field: "chunk_size", Msg: "must be positive"}
	}
	if c.Overlap < 0 || c.Overlap >= c.ChunkSize {
		return &pipeline.ConfigError{Field: "overlap", Msg: "must be in [0, chunk_size)"}
	}
	if c.NumRunners <= 0 {
		return &pipeline.ConfigError{Field: "num_runners", Msg: "must be positive"}
	}
	if c.Ref != "" {
		if c.KmerSize <= 0 || c.KmerSize > MaxKmerSize {
			return &pipeline.ConfigError{Field: "kmer_size", Msg: fmt.Sprintf("must be in [1, %d]", MaxKmerSize)}
		}
		if c.WindowSize <= 0 {
			return &pipeline.ConfigError{Field: "window_size", Msg: "must be positive"}
		}
	}
	if err := c.PolyA.Resolve(); err != nil {
		return err
	}
	return nil
}

// WithDefaults fills in the zero-value defaults from §6 (kmer_size=15,
// window_size=10, batch_timeout handled by the basecaller package) before
// Validate is called.
func WithDefaults(c Config) Config {
	if c.Ref != "" {
		if c.KmerSize == 0 {
			c.KmerSize = DefaultKmerSize
		}
		if c.WindowSize == 0 {
			c.WindowSize = DefaultWindowSize
		}
	}
	if c.NumRunners == 0 {
		c.NumRunners = 1
	}
	return c
}
