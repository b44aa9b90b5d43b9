// Command basecaller wires DataLoader -> Scaler -> Basecaller ->
// [ModBaseCaller] -> ReadFilter -> ReadToBamType -> Writer into one running
// Pipeline, following original_source/dorado/cli/basecaller.cpp's setup():
// parse and validate flags, build the Runners for the requested device,
// build the graph leaf-first, run until DataLoader exhausts data_path,
// then terminate and report stats. The Aligner and BarcodeClassifier
// stages are assembled the same way by any caller that has a real
// aligner.Index/barcode.Barcoder to inject (see DESIGN.md); this CLI
// fails fast with a ConfigError when -ref is set because none is linked
// in.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"basecall.dev/pipeline"
	"basecall.dev/pipeline/config"
	"basecall.dev/pipeline/logging"
	"basecall.dev/pipeline/node/bamtype"
	"basecall.dev/pipeline/node/basecaller"
	"basecall.dev/pipeline/node/correction"
	"basecall.dev/pipeline/node/dataloader"
	"basecall.dev/pipeline/node/modbase"
	"basecall.dev/pipeline/node/readfilter"
	"basecall.dev/pipeline/node/scaler"
	"basecall.dev/pipeline/node/writer"
	"basecall.dev/pipeline/runner"
)

// options bundles flags that aren't part of config.Config (which only
// holds the §6 runtime configuration surface shared with tests).
type options struct {
	config.Config

	OutputPath        string
	CorrectionOutput  string
	ReadGroupID       string
	Mode              writer.Mode
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run performs the whole CLI lifecycle and returns the process exit code
// (0 success, 1 fatal error), per §6.
func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	log := logging.Get()
	if err := opts.Config.Validate(); err != nil {
		log.WithError(err).Error("invalid configuration")
		return 1
	}

	out, closeOut, err := openOutput(opts.OutputPath)
	if err != nil {
		log.WithError(err).Error("could not open output")
		return 1
	}
	defer closeOut()

	runners, batchSize, err := buildBasecallerRunners(opts.Config)
	if err != nil {
		log.WithError(err).Error("could not build runners")
		return 1
	}
	callers, err := buildModBaseCallers(opts.Config)
	if err != nil {
		log.WithError(err).Error("could not build modbase callers")
		return 1
	}

	p, w, corr, err := buildPipeline(opts, out, runners, batchSize, callers)
	if err != nil {
		log.WithError(err).Error("could not build pipeline")
		return 1
	}

	if err := w.WriteHeader(); err != nil {
		log.WithError(err).Error("could not write output header")
		return 1
	}

	if err := p.Terminate(pipeline.FlushOptions{WaitForIdle: true}); err != nil {
		log.WithError(err).Error("pipeline reported errors during shutdown")
		return 1
	}
	if corr != nil {
		if err := corr.Terminate(pipeline.FlushOptions{WaitForIdle: true}); err != nil {
			log.WithError(err).Error("correction sink reported errors during shutdown")
			return 1
		}
	}

	for k, v := range p.Stats() {
		fmt.Fprintf(stdout, "%s\t%d\n", k, v)
	}
	return 0
}

// loadReadList parses read_list_file_path (§6 Inputs): one read id per
// line, blank lines ignored. Returns nil (no filtering) when path is
// empty.
func loadReadList(path string) (map[string]struct{}, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]struct{})
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		out[line] = struct{}{}
	}
	return out, sc.Err()
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("basecaller", flag.ContinueOnError)

	modelPath := fs.String("model_path", "", "path to the basecalling model directory")
	dataPath := fs.String("data_path", "", "path to a directory of input signal files")
	recursive := fs.Bool("recursive", false, "scan data_path recursively")
	device := fs.String("device", "cpu", `"cpu", "metal", or "cuda:<ordinals|all>"`)

	chunkSize := fs.Int("chunk_size", 10000, "chunk size in samples")
	overlap := fs.Int("overlap", 500, "chunk overlap in samples")
	batchSize := fs.Int("batch_size", 0, "inference batch size, 0 = auto")
	numRunners := fs.Int("num_runners", 1, "number of Runner instances per device")

	modifiedBasesModels := fs.String("modified_bases_models", "", "comma-separated modbase model paths")
	remoraBatchSize := fs.Int("remora_batch_size", 1024, "modbase batch size")
	numRemoraThreads := fs.Int("num_remora_threads", 1, "modbase worker threads")

	emitFastq := fs.Bool("emit_fastq", false, "write FASTQ instead of BAM")
	emitMoves := fs.Bool("emit_moves", false, "emit the mv auxiliary tag")
	minQScore := fs.Float64("min_qscore", 0, "drop reads with mean qscore below this")
	maxReads := fs.Int("max_reads", 0, "stop after this many reads, 0 = unlimited")
	readListFilePath := fs.String("read_list_file_path", "", "optional allow-list of read ids")

	ref := fs.String("ref", "", "reference fasta/mmi path; enables the Aligner (requires a linked Index, see DESIGN.md)")
	kmerSize := fs.Int("kmer_size", 0, "aligner k-mer size, 0 = default")
	windowSize := fs.Int("window_size", 0, "aligner minimizer window, 0 = default")

	readGroupTablePath := fs.String("read_group_table", "", "YAML file with the run's read-group table")
	readGroupID := fs.String("read_group_id", "", "read-group id to stamp onto every decoded read")

	outputPath := fs.String("output", "-", `output path, "-" for stdout`)
	correctionOutput := fs.String("correction_output", "", "optional PAF-like error-correction output path")

	airbrakeProjectID := fs.Int64("airbrake_project_id", 0, "optional Airbrake project id for fatal-error reporting")
	airbrakeProjectKey := fs.String("airbrake_project_key", "", "")
	airbrakeEnv := fs.String("airbrake_environment", "production", "")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	logging.WithAirbrake(*airbrakeProjectID, *airbrakeProjectKey, *airbrakeEnv)

	var groups config.ReadGroupTable
	if *readGroupTablePath != "" {
		var err error
		groups, err = config.LoadReadGroupTable(*readGroupTablePath)
		if err != nil {
			return options{}, fmt.Errorf("read_group_table: %w", err)
		}
	}

	var modbaseModels []string
	if *modifiedBasesModels != "" {
		modbaseModels = strings.Split(*modifiedBasesModels, ",")
	}

	mode := writer.BAM
	if *emitFastq {
		mode = writer.FASTQ
	}

	cfg := config.WithDefaults(config.Config{
		ModelPath:           *modelPath,
		DataPath:            *dataPath,
		Recursive:           *recursive,
		Device:              *device,
		ChunkSize:           *chunkSize,
		Overlap:             *overlap,
		BatchSize:           *batchSize,
		NumRunners:          *numRunners,
		ModifiedBasesModels: modbaseModels,
		RemoraBatchSize:     *remoraBatchSize,
		NumRemoraThreads:    *numRemoraThreads,
		EmitFastq:           *emitFastq,
		EmitMoves:           *emitMoves,
		MinQScore:           *minQScore,
		MaxReads:            *maxReads,
		ReadListFilePath:    *readListFilePath,
		Ref:                 *ref,
		KmerSize:            *kmerSize,
		WindowSize:          *windowSize,
		ReadGroups:          groups,
	})

	return options{
		Config:           cfg,
		OutputPath:       *outputPath,
		CorrectionOutput: *correctionOutput,
		ReadGroupID:      *readGroupID,
		Mode:             mode,
	}, nil
}

// placeholderStride stands in for the stride a real model-metadata file at
// model_path would report; actual model loading and the GPU auto
// batch-size heuristic are pluggable, out-of-scope concerns per §3's
// note 3 ("implementations must expose it as a pluggable function of
// model_path, device").
const placeholderStride = 6

// buildBasecallerRunners builds cfg.NumRunners CPU runner.Runners (the
// device ordinals parsed from cfg.Device are not used), plus the resolved
// batch size (cfg.BatchSize, or the
// hardware-concurrency auto heuristic when cfg.BatchSize is 0, per §6's
// "batch_size == 0 means auto" contract). Only CPU is backed by a real
// (trivial, pass-through) scoring function in this module; CUDA/Metal
// require a linked device binding this CLI does not provide, so they fail
// fast with DeviceUnavailableError.
func buildBasecallerRunners(cfg config.Config) ([]*runner.Runner, int, error) {
	dev, ordinals, err := runner.ParseDevice(cfg.Device)
	if err != nil {
		return nil, 0, &pipeline.DeviceUnavailableError{Device: cfg.Device, Reason: err.Error()}
	}
	if dev != runner.CPU {
		return nil, 0, &pipeline.DeviceUnavailableError{
			Device: cfg.Device,
			Reason: fmt.Sprintf("no %s inference binding linked into this build", dev),
		}
	}
	_ = ordinals

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = runtime.NumCPU() // auto heuristic: hardware concurrency
	}

	runners := make([]*runner.Runner, 0, cfg.NumRunners)
	for i := 0; i < cfg.NumRunners; i++ {
		runners = append(runners, runner.NewCPU(
			fmt.Sprintf("runner-%d", i),
			placeholderStride,
			cfg.ChunkSize,
			placeholderScore,
			placeholderDecode,
		))
	}
	return runners, batchSize, nil
}

// placeholderScore and placeholderDecode are the trivial CPU realization
// this CLI ships: they let the Basecaller's chunking/batching/reassembly
// machinery run end to end without a real neural network, which is exactly
// the piece the spec marks out of scope (note 3 of §9's open questions).
func placeholderScore(batch [][]float32) ([][]float32, error) {
	out := make([][]float32, len(batch))
	for i, slot := range batch {
		out[i] = make([]float32, len(slot)/placeholderStride)
	}
	return out, nil
}

func placeholderDecode(scores []float32) (runner.Decoded, error) {
	seq := make([]byte, 0, len(scores))
	qual := make([]byte, 0, len(scores))
	moves := make([]bool, 0, len(scores))
	for range scores {
		seq = append(seq, 'N')
		qual = append(qual, '!')
		moves = append(moves, true)
	}
	return runner.Decoded{Seq: seq, Qual: qual, Moves: moves}, nil
}

// buildModBaseCallers builds one placeholder RemoraCaller per configured
// modified_bases_models entry, same caveat as buildBasecallerRunners: real
// modification calling is an injected inference binding, not something
// this module implements.
func buildModBaseCallers(cfg config.Config) ([]*modbase.RemoraCaller, error) {
	callers := make([]*modbase.RemoraCaller, 0, len(cfg.ModifiedBasesModels))
	for _, path := range cfg.ModifiedBasesModels {
		callers = append(callers, modbase.NewCPU(path, 'C', 5, 1, func(windows [][]float32) ([][]byte, error) {
			out := make([][]byte, len(windows))
			for i := range windows {
				out[i] = []byte{0}
			}
			return out, nil
		}))
	}
	return callers, nil
}

// buildPipeline assembles the graph leaf-first (Writer constructed before
// anything that sends to it) and records it in a Builder so Terminate runs
// source-first over the whole thing in one call.
func buildPipeline(opts options, out io.Writer, runners []*runner.Runner, batchSize int, callers []*modbase.RemoraCaller) (*pipeline.Pipeline, *writer.Writer, *correction.Sink, error) {
	cfg := opts.Config

	var corr *correction.Sink
	if opts.CorrectionOutput != "" {
		cf, err := os.Create(opts.CorrectionOutput)
		if err != nil {
			return nil, nil, nil, err
		}
		corr = correction.New("correction", cf, 1, 64)
	}

	// Nodes must be constructed leaf-first in Go (a node's sink argument
	// must already exist), but Builder.Add records source-first order
	// for Pipeline.Terminate's leaf-last shutdown rule — so each node is
	// built here and only added to the Builder once every node is known.
	w := writer.New("writer", out, writer.Config{
		Mode:        opts.Mode,
		EmitMoves:   cfg.EmitMoves,
		NumWorkers:  2 * max(1, cfg.NumRunners),
		Depth:       256,
		ReadGroups:  cfg.ReadGroups,
		ProgramName: "basecaller",
		CommandLine: os.Args,
	})
	// The header goes out before any node that can send to w is started.
	if err := w.WriteHeader(); err != nil {
		return nil, nil, nil, err
	}

	var sink pipeline.Sink = w
	if cfg.Ref != "" {
		return nil, nil, nil, &pipeline.ConfigError{
			Field: "ref",
			Msg:   "aligner requested but no minimizer Index is linked into this build (node/aligner.Index is an injected seam)",
		}
	}

	rt := bamtype.New("read_to_bam_type", sink, cfg.EmitMoves, 2, 256)
	sink = rt

	rf := readfilter.New("read_filter", sink, cfg.MinQScore, 256)
	sink = rf

	var mb *modbase.ModBase
	if len(callers) > 0 {
		mb = modbase.New("modbase_caller", sink, modbase.Config{
			Callers:         callers,
			BatchSize:       cfg.RemoraBatchSize,
			NumThreads:      cfg.NumRemoraThreads,
			InboundCapacity: 256,
			Alphabet:        []string{"5mC"},
		})
		sink = mb
	}

	bc := basecaller.New("basecaller", sink, basecaller.Config{
		BatchSize:           batchSize,
		ChunkSize:           cfg.ChunkSize,
		Overlap:             cfg.Overlap,
		NumChunkerWorkers:   1,
		ChunkQueueCapacity:  256,
		ResultQueueCapacity: 256,
		InboundCapacity:     256,
		Runners:             runners,
	})
	sink = bc

	sc := scaler.New("scaler", 256, 4*max(1, cfg.NumRunners), sink, scaler.MedianMAD, 0, 0, 0)

	readList, err := loadReadList(cfg.ReadListFilePath)
	if err != nil {
		return nil, nil, nil, err
	}

	dl := dataloader.New("data_loader", sc, dataloader.RawInt16Decoder{ModelStride: placeholderStride}, dataloader.Config{
		DataPath:    cfg.DataPath,
		Recursive:   cfg.Recursive,
		MaxReads:    cfg.MaxReads,
		ReadGroupID: opts.ReadGroupID,
		ReadGroups:  cfg.ReadGroups,
	}, readList)

	b := pipeline.NewBuilder()
	b.Add(dl)
	b.Add(sc)
	b.Add(bc)
	if mb != nil {
		b.Add(mb)
	}
	b.Add(rf)
	b.Add(rt)
	b.Add(w)

	return b.Build(), w, corr, nil
}
