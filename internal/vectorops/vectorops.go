// Package vectorops implements the fabric's primitive byte-level operations:
// checksums, fast hashing, copying and batch checksumming, plus runtime
// CPU-feature detection. The operations themselves do not consult the
// detected features: Checksum and Copy rely on the standard library's own
// instruction selection.
//
// The feature snapshot is read once, at process start, via CPUID leaves
// (github.com/klauspost/cpuid/v2) rather than by speculatively executing a
// candidate instruction and recovering from a fault — Go has no portable way
// to catch SIGILL and resume, so the probe has to be read-only.
package vectorops

import (
	"hash/crc32"
	"runtime"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sync/errgroup"
)

// batchParallelThreshold is the minimum number of frames in a BatchChecksum
// call before the work is split across goroutines; below it the goroutine
// overhead would exceed the work being parallelized.
const batchParallelThreshold = 16

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC32C (Castagnoli) checksum of b, matching the wire
// frame's trailing integrity field. The standard library's implementation
// already dispatches to the SSE4.2/ARM64 CRC instruction when available, so
// no separate wide/scalar split is needed here.
func Checksum(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}

// FastHash computes a process-lifetime-stable, non-cryptographic hash of b.
// It is used for in-memory indexing (consistent-hash worker rings, table
// buckets) and must never be treated as wire-stable or persisted.
func FastHash(b []byte) uint32 {
	return uint32(xxhash.Sum64(b))
}

// Copy copies min(len(dst), len(src)) bytes from src to dst and returns the
// number of bytes copied. It is a thin wrapper over the builtin copy, whose
// runtime implementation already performs the width-graduated memmove the
// dispatch table exists to pick by hand in lower-level languages.
func Copy(dst, src []byte) int {
	return copy(dst, src)
}

// BatchChecksum computes Checksum for every frame in frames, in order.
// Large batches are split across a bounded worker pool; small batches run
// sequentially to avoid paying goroutine setup cost for no benefit.
func BatchChecksum(frames [][]byte) []uint32 {
	out := make([]uint32, len(frames))
	if len(frames) < batchParallelThreshold {
		for i, f := range frames {
			out[i] = Checksum(f)
		}
		return out
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > len(frames) {
		workers = len(frames)
	}

	var g errgroup.Group
	chunk := (len(frames) + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * chunk
		if start >= len(frames) {
			break
		}
		end := start + chunk
		if end > len(frames) {
			end = len(frames)
		}
		g.Go(func() error {
			for i := start; i < end; i++ {
				out[i] = Checksum(frames[i])
			}
			return nil
		})
	}
	_ = g.Wait() // worker bodies never return an error
	return out
}

// CoreClass distinguishes performance cores from efficiency cores on hybrid
// CPUs (e.g. Intel Alder Lake and later). Unknown means the platform does not
// expose a hybrid topology or it could not be determined.
type CoreClass int

const (
	CoreClassUnknown CoreClass = iota
	CoreClassPerformance
	CoreClassEfficiency
)

// Features is a process-wide snapshot of the CPU capabilities relevant to
// dispatch, read once at package init.
type Features struct {
	AVX2    bool
	AVX512  bool
	SSE42   bool
	ARMCRC  bool
	Hybrid  bool
}

var dispatch = detectFeatures()

func detectFeatures() Features {
	c := cpuid.CPU
	return Features{
		AVX2:   c.Supports(cpuid.AVX2),
		AVX512: c.Supports(cpuid.AVX512F),
		SSE42:  c.Supports(cpuid.SSE42),
		ARMCRC: c.Supports(cpuid.CRC32),
		Hybrid: c.Hybrid,
	}
}

// DetectedFeatures returns the process-wide CPU feature snapshot.
func DetectedFeatures() Features {
	return dispatch
}

// CurrentCoreClass reports the calling thread's best-effort core class on
// hybrid topologies. cpuid/v2 can tell us the platform is hybrid but not
// which class the scheduler has the current goroutine's thread pinned to, so
// this always returns CoreClassUnknown on a hybrid part too — callers must
// treat Unknown as "don't gate on core class", never as an error. Kept as a
// distinct entry point so a future cpuid release (or a cgo-free syscall
// lookup) that does expose per-thread core class only needs to change this
// function.
func CurrentCoreClass() CoreClass {
	return CoreClassUnknown
}

// AVX512Allowed reports whether the widest checksum/batch path may be used by
// the calling goroutine: AVX-512 is available AND, on a hybrid part, the
// calling thread is not known to be pinned to an efficiency core (those
// typically don't implement AVX-512 and some schedulers still route work to
// them transparently).
func AVX512Allowed() bool {
	if !dispatch.AVX512 {
		return false
	}
	return CurrentCoreClass() != CoreClassEfficiency
}
