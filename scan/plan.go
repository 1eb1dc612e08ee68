package scan

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/google/uuid"
	"github.com/zzcclp/blaze/colpack"
	"github.com/zzcclp/blaze/expr"
)

// Plan is the leaf scan operator: one partition per file group, each
// executed independently as a lazy stream of record batches.
//
// Construction builds everything shared by the partitions: the pruning
// predicates (failing open on error), the footer cache, the I/O pool and the
// metrics. The storage source is resolved lazily, once, on the first
// Execute. Plans must be closed when no longer needed to release the I/O
// pool.
type Plan struct {
	config     ScanConfig
	options    Config
	sourceName string
	predicate  expr.Expr

	projection []int // resolved: nil config projection becomes all columns
	schema     *arrow.Schema
	statistics Statistics
	pruning    pruningPredicates

	metrics *metrics
	cache   *FooterCache
	pool    *ioPool

	source struct {
		once  sync.Once
		value Source
		err   error
	}

	closed chan struct{}
}

// pruningPredicates are the three advisory pruning tiers of a scan. Each is
// absent when the predicate is missing, failed to build, or would never
// prune; once absent it stays absent for the life of the plan.
type pruningPredicates struct {
	rowGroup  *StatsPredicate
	page      *PagePredicate
	bloom     bool
	predicate expr.Expr // bound predicate used by the bloom tier
}

// NewPlan constructs a scan plan reading the files of config from the source
// registered under sourceName, keeping only rows that may satisfy the
// predicate. A nil predicate scans everything.
func NewPlan(config ScanConfig, sourceName string, predicate expr.Expr, options ...Option) (*Plan, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	opts := DefaultConfig()
	opts.Apply(options...)
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	p := &Plan{
		config:     config,
		options:    *opts,
		sourceName: sourceName,
		predicate:  predicate,
		metrics:    newMetrics(len(config.FileGroups)),
		pool:       newIOPool(opts.IOWorkers),
		closed:     make(chan struct{}),
	}

	if p.cache = opts.FooterCache; p.cache == nil {
		p.cache = NewFooterCache(opts.FooterCacheCapacity)
	}

	p.projection = config.Projection
	if p.projection == nil {
		p.projection = make([]int, config.Schema.NumFields())
		for i := range p.projection {
			p.projection[i] = i
		}
	}
	p.schema = arrowSchemaOf(config.Schema, p.projection)
	p.statistics = p.computeStatistics()
	p.pruning = p.buildPruning()
	return p, nil
}

// buildPruning constructs the pruning tiers. Failures degrade the failing
// tier to "no pruning" and are logged and counted; they never fail the plan.
func (p *Plan) buildPruning() pruningPredicates {
	pruning := pruningPredicates{bloom: p.options.BloomFiltering}
	if p.predicate == nil {
		return pruning
	}

	rowGroup, err := NewStatsPredicate(p.predicate, p.config.Schema)
	switch {
	case err != nil:
		p.metrics.addPredicateError()
		p.options.Logger.Warn("disabling row group pruning",
			"scan", p.metrics.scanID,
			"predicate", p.predicate.String(),
			"error", err)
	case rowGroup.AlwaysTrue():
		// Keeping a predicate that keeps everything only costs time.
	default:
		pruning.rowGroup = rowGroup
		pruning.predicate = rowGroup.expr
	}

	if p.options.PageFiltering {
		page, err := NewPagePredicate(p.predicate, p.config.Schema)
		switch {
		case err != nil:
			p.metrics.addPredicateError()
			p.options.Logger.Warn("disabling page pruning",
				"scan", p.metrics.scanID,
				"predicate", p.predicate.String(),
				"error", err)
		case expr.AlwaysTrue(page.expr):
		default:
			pruning.page = page
		}
	}
	return pruning
}

func (p *Plan) computeStatistics() Statistics {
	stats := p.config.Statistics
	if stats.NumRows == 0 {
		stats.NumRows = -1
		stats.Exact = false
	}

	totalSize := int64(0)
	for _, group := range p.config.FileGroups {
		for _, file := range group {
			totalSize += file.Size
		}
	}
	if stats.TotalBytes == 0 {
		// Scale the file bytes by the projected share of the columns; the
		// exact per-column sizes are in the footers, which statistics must
		// not read.
		stats.TotalBytes = totalSize
		if numFields := p.config.Schema.NumFields(); len(p.projection) < numFields {
			stats.TotalBytes = totalSize * int64(len(p.projection)) / int64(numFields)
			stats.Exact = false
		}
	}
	return stats
}

// Schema returns the projected arrow schema of the batches the plan emits.
func (p *Plan) Schema() *arrow.Schema { return p.schema }

// Partitions returns the number of partitions of the plan. It equals the
// number of file groups and never changes after construction.
func (p *Plan) Partitions() int { return len(p.config.FileGroups) }

// Statistics returns the precomputed, projection-adjusted estimates of the
// scan. It never touches storage.
func (p *Plan) Statistics() Statistics { return p.statistics }

// ScanID returns the unique identity of this scan.
func (p *Plan) ScanID() uuid.UUID { return p.metrics.scanID }

// Metrics returns a snapshot of the scan counters. Snapshots are available
// at any time, including after failed or cancelled partitions.
func (p *Plan) Metrics() MetricsSnapshot {
	snapshot := p.metrics.snapshot()
	cacheStats := p.cache.Stats()
	snapshot.FooterCacheHits = cacheStats.Hits
	snapshot.FooterCacheMisses = cacheStats.Misses
	snapshot.FooterCacheEvictions = cacheStats.Evictions
	return snapshot
}

// resolveSource resolves the storage source of the scan, once; all
// partitions share the resolved value.
func (p *Plan) resolveSource(ctx context.Context) (Source, error) {
	p.source.once.Do(func() {
		p.source.value, p.source.err = LookupSource(p.sourceName)
	})
	return p.source.value, p.source.err
}

// Execute starts the given partition and returns its stream. Partitions
// may execute concurrently; each stream is independently cancelable through
// the context and must be released by its consumer.
func (p *Plan) Execute(ctx context.Context, partition int) (*Stream, error) {
	select {
	case <-p.closed:
		return nil, ErrClosed
	default:
	}
	if partition < 0 || partition >= len(p.config.FileGroups) {
		return nil, fmt.Errorf("partition %d out of range: plan has %d partitions", partition, len(p.config.FileGroups))
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Stream{
		stream: newPartitionStream(ctx, p, partition),
		cancel: cancel,
	}, nil
}

// Close releases the resources shared by the partitions of the plan. Streams
// must not be used after their plan is closed.
func (p *Plan) Close() error {
	select {
	case <-p.closed:
		return nil
	default:
		close(p.closed)
	}
	p.pool.close()
	return nil
}

// Stream is the batch stream of one executing partition. It implements
// array.RecordReader: consumers pull with Next, read the batch with
// RecordBatch, and Release when done. Releasing before exhaustion cancels
// the partition; no further reads are issued on its behalf.
type Stream struct {
	stream *partitionStream
	cancel context.CancelFunc

	batch arrow.RecordBatch
	err   error
	done  bool
}

// Schema returns the projected schema of the stream.
func (s *Stream) Schema() *arrow.Schema { return s.stream.plan.schema }

// Next advances the stream to the next batch, reporting false at the end of
// the partition or on error. Time spent inside Next is recorded as the
// partition's compute time; time the consumer spends holding the batch
// between pulls is not.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	start := time.Now()
	defer func() {
		s.stream.plan.metrics.addElapsedCompute(s.stream.partition, time.Since(start))
	}()

	s.releaseBatch()
	batch, err := s.stream.next()
	if err != nil {
		if err != io.EOF {
			s.err = err
		}
		s.done = true
		s.cancel()
		return false
	}
	s.batch = batch
	return true
}

// RecordBatch returns the current batch. The batch is valid until the next
// call to Next or Release.
func (s *Stream) RecordBatch() arrow.RecordBatch { return s.batch }

// Record returns the current batch.
func (s *Stream) Record() arrow.RecordBatch { return s.batch }

// Err returns the error that terminated the stream, nil after a complete
// scan, and the context error after a cancellation.
func (s *Stream) Err() error { return s.err }

// Retain is a no-op; streams are owned by their single consumer.
func (s *Stream) Retain() {}

// Release cancels the partition and frees the current batch. In-flight reads
// complete on the I/O pool and their results are discarded.
func (s *Stream) Release() {
	s.done = true
	s.cancel()
	s.releaseBatch()
}

func (s *Stream) releaseBatch() {
	if s.batch != nil {
		s.batch.Release()
		s.batch = nil
	}
}

func arrowSchemaOf(schema *colpack.Schema, projection []int) *arrow.Schema {
	fields := make([]arrow.Field, len(projection))
	for i, column := range projection {
		f := schema.Field(column)
		fields[i] = arrow.Field{
			Name:     f.Name,
			Type:     arrowTypeOf(f.Kind),
			Nullable: f.Nullable,
		}
	}
	return arrow.NewSchema(fields, nil)
}

func arrowTypeOf(kind colpack.Kind) arrow.DataType {
	switch kind {
	case colpack.Boolean:
		return arrow.FixedWidthTypes.Boolean
	case colpack.Int32:
		return arrow.PrimitiveTypes.Int32
	case colpack.Int64:
		return arrow.PrimitiveTypes.Int64
	case colpack.Float:
		return arrow.PrimitiveTypes.Float32
	case colpack.Double:
		return arrow.PrimitiveTypes.Float64
	case colpack.ByteArray:
		return arrow.BinaryTypes.Binary
	default:
		return arrow.Null
	}
}

var (
	_ array.RecordReader = (*Stream)(nil)
)
