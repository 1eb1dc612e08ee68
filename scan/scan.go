// Package scan implements the leaf scan operator of the blaze execution
// engine: it turns a declarative scan of colpack files into per-partition
// streams of arrow record batches.
//
// A Plan owns everything shared by the partitions of one scan: the storage
// source (resolved once, by name), the footer cache, the pruning predicates
// derived from the pushed-down filter, the blocking I/O pool and the metrics.
// Each call to Execute produces one independent, lazily evaluated, cancelable
// Stream; partitions share no mutable state beyond the cache and the
// append-only metrics.
//
// Bytes are saved in three tiers before any value is decoded: row groups are
// discarded from footer statistics alone, then from bloom filter probes, and
// the pages of the survivors are discarded from the page index. All tiers are
// advisory; a pruning decision may keep rows that do not match, never the
// other way around.
package scan

import (
	"errors"
	"fmt"

	"github.com/zzcclp/blaze/colpack"
)

// FilePartition designates one file of a scan. The location is the identity
// of the file: it keys the footer cache and must be stable and unique within
// a scan.
type FilePartition struct {
	// Location of the file, interpreted by the Source of the scan.
	Location string

	// Size of the file in bytes.
	Size int64

	// Optional values attached to the partition by the planner, typically
	// derived from a partitioned directory layout. The scan does not read
	// them; they ride along for operators above.
	PartitionValues []colpack.Value
}

// Statistics are row and byte estimates for a scan. Estimates marked inexact
// come from file sizes and planner hints, not from reading the files.
type Statistics struct {
	// Estimated number of rows produced by the scan; negative when unknown.
	NumRows int64

	// Estimated number of bytes read by the scan, adjusted for projection;
	// negative when unknown.
	TotalBytes int64

	// Exact is true when the estimates are known to be exact.
	Exact bool
}

// ErrClosed is returned by operations on plans that have been closed.
var ErrClosed = errors.New("scan: plan is closed")

// ReadError is the error kind wrapping every failure of a storage range
// read: unreachable resources, short reads, and transport failures. The scan
// engine never retries them.
type ReadError struct {
	// Location of the file the read was issued against.
	Location string

	// Byte range of the failed read.
	Offset int64
	Length int64

	// The underlying transport error.
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("reading %d bytes at offset %d of %q: %v", e.Length, e.Offset, e.Location, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }
