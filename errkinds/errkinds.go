// Package errkinds holds the sentinel errors for the error taxonomy (§7):
// a leaf package so that both the root pipeline package and the low-level
// queue package can classify errors by kind without an import cycle.
package errkinds

import "errors"

var (
	// ErrConfig is returned by startup validation; fatal before any
	// worker spawns.
	ErrConfig = errors.New("config error")
	// ErrDeviceUnavailable is returned by Runner construction; fatal.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrRunnerFailure is returned by an inference call; the owning
	// batch is failed, the pipeline continues.
	ErrRunnerFailure = errors.New("runner failure")
	// ErrDecodeFailure is returned by the Runner's decode path; the read
	// is marked failed, the pipeline continues.
	ErrDecodeFailure = errors.New("decode failure")
	// ErrQueueTerminated is returned by WorkQueue.Push after
	// TerminateInput; callers during shutdown drop it silently.
	ErrQueueTerminated = errors.New("queue terminated")
	// ErrPoolExhausted is returned by MemoryManager when more concurrent
	// callers than slabs are configured; a programmer error, fatal.
	ErrPoolExhausted = errors.New("memory pool exhausted")
	// ErrBadRecord is returned by the Writer's serialization path; the
	// record is dropped and num_write_errors is incremented.
	ErrBadRecord = errors.New("bad record")
)
