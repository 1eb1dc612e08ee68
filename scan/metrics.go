package scan

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// metrics accumulates the observability counters of one scan. Partitions
// record into it concurrently; the scan logic never reads it back, so all
// counters are monotonically non-decreasing while their partition runs.
type metrics struct {
	scanID uuid.UUID

	bytesScanned          atomic.Int64
	ioTime                atomic.Int64 // nanoseconds
	rowsProduced          atomic.Int64
	predicateCreationErrs atomic.Int64
	filesSkipped          atomic.Int64
	elapsedComputePerPart []atomic.Int64 // nanoseconds
}

func newMetrics(numPartitions int) *metrics {
	return &metrics{
		scanID:                uuid.New(),
		elapsedComputePerPart: make([]atomic.Int64, numPartitions),
	}
}

func (m *metrics) addBytesScanned(n int64)   { m.bytesScanned.Add(n) }
func (m *metrics) addIOTime(d time.Duration) { m.ioTime.Add(int64(d)) }
func (m *metrics) addRowsProduced(n int64)   { m.rowsProduced.Add(n) }
func (m *metrics) addPredicateError()        { m.predicateCreationErrs.Add(1) }
func (m *metrics) addFileSkipped()           { m.filesSkipped.Add(1) }

func (m *metrics) addElapsedCompute(partition int, d time.Duration) {
	m.elapsedComputePerPart[partition].Add(int64(d))
}

func (m *metrics) snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		ScanID:                  m.scanID,
		BytesScanned:            m.bytesScanned.Load(),
		IOTime:                  time.Duration(m.ioTime.Load()),
		RowsProduced:            m.rowsProduced.Load(),
		PredicateCreationErrors: m.predicateCreationErrs.Load(),
		FilesSkipped:            m.filesSkipped.Load(),
		ElapsedCompute:          make([]time.Duration, len(m.elapsedComputePerPart)),
	}
	for i := range m.elapsedComputePerPart {
		s.ElapsedCompute[i] = time.Duration(m.elapsedComputePerPart[i].Load())
	}
	return s
}

// MetricsSnapshot is a point-in-time copy of the counters of a scan, always
// available, including after partial failures. Snapshots taken while
// partitions are executing are internally consistent per counter, not across
// counters.
type MetricsSnapshot struct {
	// ScanID uniquely identifies the scan in log lines and exported
	// metrics.
	ScanID uuid.UUID

	// Sum of the lengths of all byte ranges requested from storage,
	// including ranges whose read later failed.
	BytesScanned int64

	// Wall time spent waiting on storage reads, across all partitions.
	IOTime time.Duration

	// Rows emitted to consumers, across all partitions.
	RowsProduced int64

	// Pruning predicates that failed to build and were disabled.
	PredicateCreationErrors int64

	// Files skipped under the skip policy for corrupted files.
	FilesSkipped int64

	// Counters of the footer cache used by the scan. A cache shared across
	// scans reports its global numbers here.
	FooterCacheHits      int64
	FooterCacheMisses    int64
	FooterCacheEvictions int64

	// Per-partition time spent computing inside Stream.Next, excluding the
	// time the consumer holds the batch between pulls.
	ElapsedCompute []time.Duration
}
