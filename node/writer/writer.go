// Package writer implements the Writer stage (§4.8): the pipeline's single
// join-point. It buffers records up to a configured depth, writes "fastq"
// or "bam" output, and exposes WriteHeader (must precede any record);
// its Terminate is the pipeline's terminal flush.
//
// Grounded on the header-assembly shown in
// original_source/dorado/cli/basecaller.cpp's add_pg_hdr/add_rg_hdr, and on
// grailbio-bio/markduplicates' use of github.com/grailbio/hts/sam +
// github.com/grailbio/hts/bam for on-disk alignment records — the same
// stack this module reaches for rather than hand-rolling a BAM encoder.
package writer

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	htsbam "github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"

	"basecall.dev/pipeline"
	"basecall.dev/pipeline/config"
	"basecall.dev/pipeline/logging"
	"basecall.dev/pipeline/queue"
)

// Mode selects the Writer's output format.
type Mode int

const (
	FASTQ Mode = iota
	BAM
)

// Config bundles Writer construction parameters (§6 Outputs).
type Config struct {
	Mode       Mode
	EmitMoves  bool
	NumWorkers int // typical 2 × num_devices per §5
	Depth      int // inbound queue capacity / buffering depth

	ReadGroups  config.ReadGroupTable
	ProgramName string
	CommandLine []string
}

// Writer is the Writer node. It has no downstream Sink; it is the
// pipeline's terminus.
type Writer struct {
	name string
	cfg  Config
	out  io.Writer

	inbound *queue.Queue[pipeline.Message]

	headerWritten bool
	samHeader     *sam.Header
	bamWriter     *htsbam.Writer
	bufOut        *bufio.Writer
	mu            sync.Mutex

	wg      sync.WaitGroup
	started bool

	numRecordsIn  int64
	numWritten    int64
	numWriteErrors int64
}

// New constructs a Writer over dst ("-" handled by the caller, which
// should pass os.Stdout). WriteHeader must be called before any record
// reaches the node.
func New(name string, dst io.Writer, cfg Config) *Writer {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	w := &Writer{
		name:    name,
		cfg:     cfg,
		out:     dst,
		bufOut:  bufio.NewWriter(dst),
		inbound: queue.New[pipeline.Message](cfg.Depth),
	}
	w.startThreads()
	return w
}

// WriteHeader assembles the @HD/@PG/@RG header (§6 Outputs). In FASTQ mode
// it only marks the header as written; nothing is emitted or parsed. In BAM
// mode it parses the text through sam.NewHeader and opens the BAM writer
// over that *sam.Header.
func (w *Writer) WriteHeader() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.headerWritten {
		return nil
	}
	text := buildHeaderText(w.cfg.ProgramName, w.cfg.CommandLine, w.cfg.ReadGroups)

	if w.cfg.Mode == FASTQ {
		w.headerWritten = true
		return nil
	}

	hdr, err := sam.NewHeader([]byte(text), nil)
	if err != nil {
		return fmt.Errorf("parse sam header: %w", err)
	}
	w.samHeader = hdr
	bw, err := htsbam.NewWriter(w.bufOut, hdr, w.cfg.NumWorkers)
	if err != nil {
		return fmt.Errorf("new bam writer: %w", err)
	}
	w.bamWriter = bw
	w.headerWritten = true
	return nil
}

// buildHeaderText renders the literal header lines from §6: one @HD, one
// @PG naming the program and full command line, and one @RG per read
// group with ID/PU/PM/DT/PL/DS/LB/SM.
func buildHeaderText(program string, cmdLine []string, groups config.ReadGroupTable) string {
	var b strings.Builder
	b.WriteString("@HD\tVN:1.6\tSO:unknown\n")
	fmt.Fprintf(&b, "@PG\tID:%s\tPN:%s\tCL:%s\n", program, program, strings.Join(cmdLine, " "))

	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		g := groups[id]
		fmt.Fprintf(&b, "@RG\tID:%s\tPU:%s\tPM:%s\tDT:%s\tPL:ONT\tDS:basecall_model=%s runid=%s\tLB:%s\tSM:%s\n",
			id, g.FlowcellID, g.DeviceID, g.ExpStartTime, g.BasecallingModel, g.RunID, g.SampleID, g.SampleID)
	}
	return b.String()
}

func (w *Writer) startThreads() {
	if w.started {
		return
	}
	w.started = true
	for i := 0; i < w.cfg.NumWorkers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.worker()
		}()
	}
}

// GetName implements pipeline.Node.
func (w *Writer) GetName() string { return w.name }

// Send implements pipeline.Node.
func (w *Writer) Send(msg pipeline.Message) error { return w.inbound.Push(msg) }

// Terminate implements pipeline.Node. Per §4.8, Terminate doubles as join():
// once every worker has drained the inbound queue, any buffered BAM writer
// state is flushed to the underlying stream.
func (w *Writer) Terminate(pipeline.FlushOptions) error {
	if !w.started {
		return nil
	}
	w.inbound.TerminateInput()
	w.wg.Wait()
	w.started = false

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bamWriter != nil {
		if err := w.bamWriter.Close(); err != nil {
			return err
		}
	}
	return w.bufOut.Flush()
}

// Restart implements pipeline.Node.
func (w *Writer) Restart() {
	w.inbound.RestartInput()
	w.startThreads()
}

// SampleStats implements pipeline.Node.
func (w *Writer) SampleStats() pipeline.Stats {
	return pipeline.Stats{
		"num_records_in":    atomic.LoadInt64(&w.numRecordsIn),
		"num_written":       atomic.LoadInt64(&w.numWritten),
		"num_write_errors":  atomic.LoadInt64(&w.numWriteErrors),
	}
}

func (w *Writer) worker() {
	log := logging.NameWorker(w.name)
	for {
		msg, ok := w.inbound.Pop()
		if !ok {
			return
		}
		rec, isRec := msg.(*pipeline.BamRecord)
		if !isRec {
			continue
		}
		atomic.AddInt64(&w.numRecordsIn, 1)

		if err := w.writeRecord(rec); err != nil {
			log.WithError(err).Warn("bad record")
			atomic.AddInt64(&w.numWriteErrors, 1)
			continue
		}
		atomic.AddInt64(&w.numWritten, 1)
	}
}

// writeRecord serializes one record per §6's mode flag, guarded by a
// single mutex since the underlying bufio.Writer/bam.Writer are not safe
// for concurrent use by this node's multiple workers.
func (w *Writer) writeRecord(rec *pipeline.BamRecord) error {
	if rec.WriteError != nil {
		return rec.WriteError
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cfg.Mode == FASTQ {
		return writeFastq(w.bufOut, rec)
	}
	return w.writeBam(rec)
}

// writeFastq hand-formats the sequence+quality-only record; FASTQ has no
// corresponding real dependency in the retrieval pack, so it is the one
// deliberately stdlib-only path in this package (justified in DESIGN.md).
func writeFastq(out io.Writer, rec *pipeline.BamRecord) error {
	_, err := fmt.Fprintf(out, "@%s\n%s\n+\n%s\n", rec.ReadID, rec.Seq, rec.Qual)
	return err
}

func (w *Writer) writeBam(rec *pipeline.BamRecord) error {
	r, err := toSamRecord(w.samHeader, rec, w.cfg.EmitMoves)
	if err != nil {
		return err
	}
	return w.bamWriter.Write(r)
}

// toSamRecord maps a BamRecord's flat fields and Tags map onto a
// *sam.Record, converting the ASCII Phred+33 Qual bytes to raw Phred
// values (BAM's on-disk convention).
func toSamRecord(hdr *sam.Header, rec *pipeline.BamRecord, emitMoves bool) (*sam.Record, error) {
	r := &sam.Record{
		Name:  rec.ReadID,
		Pos:   rec.RefPos,
		MapQ:  rec.MapQ,
		Flags: sam.Flags(rec.Flags),
	}
	seq := sam.NewSeq(rec.Seq)
	r.Seq = seq
	r.Qual = make([]byte, len(rec.Qual))
	for i, q := range rec.Qual {
		r.Qual[i] = q - 33
	}

	if rec.RefName != "" && hdr != nil {
		r.Ref = refByName(hdr, rec.RefName)
	}
	if rec.Cigar != "" {
		cig, err := parseCigar(rec.Cigar)
		if err != nil {
			return nil, err
		}
		r.Cigar = cig
	}

	for name, v := range rec.Tags {
		if name == "mv" && !emitMoves {
			continue
		}
		tag := sam.Tag{name[0], name[1]}
		aux, err := sam.NewAux(tag, v)
		if err != nil {
			continue
		}
		r.AuxFields = append(r.AuxFields, aux)
	}
	if rec.ReadGroup != "" {
		tag := sam.Tag{'R', 'G'}
		if aux, err := sam.NewAux(tag, rec.ReadGroup); err == nil {
			r.AuxFields = append(r.AuxFields, aux)
		}
	}
	return r, nil
}

var cigarOps = map[byte]sam.CigarOpType{
	'M': sam.CigarMatch,
	'I': sam.CigarInsertion,
	'D': sam.CigarDeletion,
	'N': sam.CigarSkipped,
	'S': sam.CigarSoftClipped,
	'H': sam.CigarHardClipped,
	'P': sam.CigarPadded,
	'=': sam.CigarEqual,
	'X': sam.CigarMismatch,
}

// refByName finds the named reference in hdr, returning nil if absent.
// *sam.Header has no such lookup itself (see grailbio-bio's bamprovider
// package, which hand-writes the same free function for the same reason).
func refByName(hdr *sam.Header, name string) *sam.Reference {
	for _, ref := range hdr.Refs() {
		if ref.Name() == name {
			return ref
		}
	}
	return nil
}

// parseCigar turns a "10M2I3M" style string into sam.Cigar. The Aligner
// interface (node/aligner) produces CIGAR strings rather than sam.Cigar
// values directly, since Index is this module's own seam, not part of the
// hts dependency surface.
func parseCigar(s string) (sam.Cigar, error) {
	var cig sam.Cigar
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			n = n*10 + int(c-'0')
			continue
		}
		op, ok := cigarOps[c]
		if !ok {
			return nil, fmt.Errorf("unrecognized cigar op %q", c)
		}
		cig = append(cig, sam.NewCigarOp(op, n))
		n = 0
	}
	return cig, nil
}
