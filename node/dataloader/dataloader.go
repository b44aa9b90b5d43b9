// Package dataloader implements the DataLoader collaborator (§6 Inputs):
// it walks data_path for input files, decodes each into SimplexRead
// messages, and pushes them into the Scaler. It is the
// pipeline's source node — nothing sends it messages, so it drives its own
// worker from a file list rather than an inbound queue.
//
// The on-disk signal format itself (POD5/FAST5) has no corresponding
// parser in the retrieval pack; Decoder is this module's seam for it,
// the same pattern node/aligner.Index and node/barcode.Barcoder use for
// out-of-pack capabilities, recorded in DESIGN.md.
package dataloader

import (
	"context"
	"encoding/binary"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"basecall.dev/pipeline"
	"basecall.dev/pipeline/arena"
	"basecall.dev/pipeline/config"
	"basecall.dev/pipeline/logging"
)

// Decoder turns one input file into the reads it contains.
type Decoder interface {
	Decode(path string) ([]*pipeline.SimplexRead, error)
}

// Config bundles DataLoader construction parameters (§6).
type Config struct {
	DataPath        string
	Recursive       bool
	MaxReads        int // 0 = unlimited
	ReadListFilePath string // not read by DataLoader; New's readList argument is the allow-list

	// ReadGroupID, if non-empty, is looked up in ReadGroups and stamped
	// onto every decoded read's ReadGroup/FlowcellID/... fields (§6
	// Inputs' read-group table plumbing). Real Decoders that can derive
	// a per-file run id should do this lookup themselves instead; this
	// is the single-run fallback.
	ReadGroupID string
	ReadGroups  config.ReadGroupTable
}

// DataLoader is the pipeline's source node.
type DataLoader struct {
	name string
	sink pipeline.Sink
	cfg  Config

	decoder  Decoder
	readList map[string]struct{} // nil means "no filter"

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started bool

	numReadsIn int64
}

// New constructs and starts a DataLoader. readList, if non-nil, restricts
// emission to read_ids present in the set (§6's read_list_file_path).
func New(name string, sink pipeline.Sink, decoder Decoder, cfg Config, readList map[string]struct{}) *DataLoader {
	ctx, cancel := context.WithCancel(context.Background())
	dl := &DataLoader{
		name:     name,
		sink:     sink,
		cfg:      cfg,
		decoder:  decoder,
		readList: readList,
		ctx:      ctx,
		cancel:   cancel,
	}
	dl.startThreads()
	return dl
}

func (dl *DataLoader) startThreads() {
	if dl.started {
		return
	}
	dl.started = true
	dl.ctx, dl.cancel = context.WithCancel(context.Background())
	dl.wg.Add(1)
	go func() {
		defer dl.wg.Done()
		dl.run()
	}()
}

// GetName implements pipeline.Node.
func (dl *DataLoader) GetName() string { return dl.name }

// Send implements pipeline.Node. DataLoader is a source: nothing upstream
// ever calls this, so it is a documented no-op rather than an error, to
// keep the uniform Node contract satisfiable for every graph position.
func (dl *DataLoader) Send(pipeline.Message) error { return nil }

// Terminate implements pipeline.Node: it waits for the file walk to finish
// (every file decoded, max_reads reached, or the sink terminated) and joins
// the worker. Unlike every other node, DataLoader's "drain" is bounded by
// disk I/O, not by an inbound queue emptying.
func (dl *DataLoader) Terminate(pipeline.FlushOptions) error {
	if !dl.started {
		return nil
	}
	dl.wg.Wait()
	dl.cancel()
	dl.started = false
	return nil
}

// Restart implements pipeline.Node: re-scans data_path from the start.
func (dl *DataLoader) Restart() {
	dl.startThreads()
}

// SampleStats implements pipeline.Node.
func (dl *DataLoader) SampleStats() pipeline.Stats {
	return pipeline.Stats{"num_reads_in": atomic.LoadInt64(&dl.numReadsIn)}
}

func (dl *DataLoader) run() {
	log := logging.NameWorker(dl.name)
	files, err := dl.listFiles()
	if err != nil {
		log.WithError(err).Error("data_path scan failed")
		return
	}

	for _, path := range files {
		if dl.ctx.Err() != nil {
			return
		}
		reads, err := dl.decoder.Decode(path)
		if err != nil {
			log.WithError(err).WithField("path", path).Warn("decode failed, skipping file")
			continue
		}
		for _, r := range reads {
			if dl.ctx.Err() != nil {
				return
			}
			r.RNAPolyTailLength = -1 // no poly-A tail caller in this pipeline
			dl.stampReadGroup(r)
			if dl.readList != nil {
				if _, ok := dl.readList[r.ReadID]; !ok {
					continue
				}
			}
			if dl.cfg.MaxReads > 0 && atomic.LoadInt64(&dl.numReadsIn) >= int64(dl.cfg.MaxReads) {
				return
			}
			if err := dl.sink.Send(r); err != nil {
				return // downstream terminated; stop feeding it
			}
			atomic.AddInt64(&dl.numReadsIn, 1)
		}
	}
}

func (dl *DataLoader) stampReadGroup(r *pipeline.SimplexRead) {
	if dl.cfg.ReadGroupID == "" {
		return
	}
	g, ok := dl.cfg.ReadGroups[dl.cfg.ReadGroupID]
	if !ok {
		return
	}
	r.ReadGroup = dl.cfg.ReadGroupID
	r.FlowcellID = g.FlowcellID
	r.DeviceID = g.DeviceID
	r.ExpStartTime = g.ExpStartTime
	r.RunID = g.RunID
	r.SampleID = g.SampleID
}

// listFiles walks data_path, honoring Recursive, and returns file paths in
// deterministic lexical order (so Restart-then-rerun is reproducible, per
// §8 invariant 6).
func (dl *DataLoader) listFiles() ([]string, error) {
	var out []string
	root := dl.cfg.DataPath
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if !dl.cfg.Recursive && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		out = append(out, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// TrimExt strips whatever extension filepath.Ext reports from path and
// keeps any directory part (callers pass filepath.Base first), used by
// Decoder implementations that want to derive a run/sample identifier from
// the filename.
func TrimExt(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// RawInt16Decoder decodes one ".s16" file per read: a flat little-endian
// int16 raw signal with no header, model_stride fixed at construction. The
// read_id is the file's basename with its extension stripped. This is the
// module's one built-in Decoder, standing in for a real POD5/FAST5 reader,
// which no example repo provides a library for — real deployments inject
// their own Decoder instead of using this one.
type RawInt16Decoder struct {
	ModelStride int
}

// Decode implements Decoder.
func (d RawInt16Decoder) Decode(path string) ([]*pipeline.SimplexRead, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}

	r := &pipeline.SimplexRead{}
	r.ReadID = TrimExt(filepath.Base(path))
	if r.ReadID == "" {
		// A file whose basename is entirely its extension (".s16") yields
		// no natural read id; fall back to a process-unique one.
		r.ReadID = arena.NewReadGroupID()
	}
	r.RawSignal = samples
	r.ModelStride = d.ModelStride
	return []*pipeline.SimplexRead{r}, nil
}
