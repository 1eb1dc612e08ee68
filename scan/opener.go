package scan

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/zzcclp/blaze/colpack"
	"github.com/zzcclp/blaze/colpack/format"
)

// partitionStream is the lazy pull-based pipeline of one partition: files in
// order, surviving row groups in file order, surviving pages in row group
// order, sliced into record batches. Nothing is read before the first pull
// and nothing is read after the limit is reached or the context is
// cancelled.
type partitionStream struct {
	ctx       context.Context
	plan      *Plan
	partition int

	files     []FilePartition
	fileIndex int
	current   *fileScan

	// Rows still allowed under the limit; negative means unlimited.
	remaining int64
}

func newPartitionStream(ctx context.Context, plan *Plan, partition int) *partitionStream {
	remaining := plan.config.Limit
	if remaining <= 0 {
		remaining = -1
	}
	return &partitionStream{
		ctx:       ctx,
		plan:      plan,
		partition: partition,
		files:     plan.config.FileGroups[partition],
		remaining: remaining,
	}
}

// next produces the next record batch, io.EOF at the end of the partition.
func (s *partitionStream) next() (arrow.RecordBatch, error) {
	for {
		if err := s.ctx.Err(); err != nil {
			s.closeCurrent()
			return nil, err
		}
		if s.remaining == 0 {
			s.closeCurrent()
			return nil, io.EOF
		}

		if s.current == nil {
			if s.fileIndex >= len(s.files) {
				return nil, io.EOF
			}
			file := s.files[s.fileIndex]
			s.fileIndex++

			current, err := s.openFile(file)
			if err != nil {
				if s.skippable(err) {
					s.skip(file, err)
					continue
				}
				return nil, err
			}
			s.current = current
		}

		batch, err := s.current.nextBatch(s)
		if err == io.EOF {
			s.closeCurrent()
			continue
		}
		if err != nil {
			location := s.current.location
			s.closeCurrent()
			if s.skippable(err) {
				s.skip(FilePartition{Location: location}, err)
				continue
			}
			return nil, err
		}
		return batch, nil
	}
}

// skippable tells whether the skip policy absorbs the error. Cancellation is
// never absorbed; it is not a file failure.
func (s *partitionStream) skippable(err error) bool {
	if s.plan.options.CorruptedFiles != SkipCorruptedFile {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (s *partitionStream) skip(file FilePartition, err error) {
	s.plan.metrics.addFileSkipped()
	s.plan.options.Logger.Warn("skipping corrupted file",
		"scan", s.plan.metrics.scanID,
		"partition", s.partition,
		"location", file.Location,
		"error", err)
}

func (s *partitionStream) closeCurrent() {
	if s.current != nil {
		s.current.close()
		s.current = nil
	}
}

func (s *partitionStream) openFile(file FilePartition) (*fileScan, error) {
	source, err := s.plan.resolveSource(s.ctx)
	if err != nil {
		return nil, err
	}
	reader, err := source.Open(s.ctx, file.Location)
	if err != nil {
		return nil, &ReadError{Location: file.Location, Err: err}
	}

	metered := &meteredReader{
		location: file.Location,
		inner:    reader,
		pool:     s.plan.pool,
		metrics:  s.plan.metrics,
	}

	footer, err := s.plan.cache.Get(s.ctx, file.Location, file.Size, func(ctx context.Context) (*format.FileMetaData, error) {
		return colpack.ReadFooter(&rangeReaderAt{ctx: ctx, reader: metered}, file.Size)
	})
	if err != nil {
		closeReader(reader)
		return nil, err
	}

	f, err := colpack.NewFile(footer, &rangeReaderAt{ctx: s.ctx, reader: metered}, file.Size)
	if err != nil {
		closeReader(reader)
		return nil, err
	}
	if err := s.checkSchema(f, file.Location); err != nil {
		closeReader(reader)
		return nil, err
	}

	rowGroups := s.pruneRowGroups(f)
	return &fileScan{
		location:   file.Location,
		file:       f,
		reader:     reader,
		rowGroups:  rowGroups,
		projection: s.plan.projection,
	}, nil
}

func (s *partitionStream) checkSchema(f *colpack.File, location string) error {
	expected := s.plan.config.Schema
	actual := f.Schema()
	if actual.NumFields() != expected.NumFields() {
		return fmt.Errorf("file %q has %d columns, scan expects %d",
			location, actual.NumFields(), expected.NumFields())
	}
	for i := 0; i < expected.NumFields(); i++ {
		if actual.Field(i) != expected.Field(i) {
			return fmt.Errorf("file %q column %d is %q, scan expects %q",
				location, i, actual.Field(i), expected.Field(i))
		}
	}
	return nil
}

func (s *partitionStream) pruneRowGroups(f *colpack.File) []int {
	var keep []int
	if p := s.plan.pruning.rowGroup; p != nil {
		keep = p.PruneRowGroups(f)
	} else {
		keep = make([]int, len(f.RowGroups()))
		for i := range keep {
			keep[i] = i
		}
	}

	if s.plan.pruning.bloom && s.plan.pruning.predicate != nil {
		filtered := keep[:0]
		for _, ordinal := range keep {
			if !bloomPrune(s.plan.pruning.predicate, f.RowGroups()[ordinal]) {
				filtered = append(filtered, ordinal)
			}
		}
		keep = filtered
	}
	return keep
}

func (s *partitionStream) selectPages(rg *colpack.RowGroup) []int {
	if p := s.plan.pruning.page; p != nil {
		return p.SelectPages(rg)
	}
	pages := make([]int, rg.NumPages())
	for i := range pages {
		pages[i] = i
	}
	return pages
}

func closeReader(reader RangeReader) {
	if c, ok := reader.(io.Closer); ok {
		c.Close()
	}
}

// fileScan is the position of a partition stream within one file.
type fileScan struct {
	location   string
	file       *colpack.File
	reader     RangeReader
	projection []int // schema indexes of the projected columns

	rowGroups []int // surviving row group ordinals
	rgIndex   int

	pages      []int // surviving page ordinals of the current row group
	pagesValid bool
	pageIndex  int

	// Decoded pages of the projected columns for the current page ordinal,
	// and the row offset already consumed from them.
	current    []*colpack.Page
	pageOffset int
}

func (fs *fileScan) close() {
	closeReader(fs.reader)
}

func (fs *fileScan) nextBatch(s *partitionStream) (arrow.RecordBatch, error) {
	for {
		if err := s.ctx.Err(); err != nil {
			return nil, err
		}
		if fs.rgIndex >= len(fs.rowGroups) {
			return nil, io.EOF
		}
		rg := fs.file.RowGroups()[fs.rowGroups[fs.rgIndex]]

		if !fs.pagesValid {
			fs.pages = s.selectPages(rg)
			fs.pagesValid = true
			fs.pageIndex = 0
			fs.current = nil
		}
		if fs.pageIndex >= len(fs.pages) {
			fs.rgIndex++
			fs.pagesValid = false
			continue
		}

		ordinal := fs.pages[fs.pageIndex]
		if fs.current == nil {
			pages, err := fs.readPages(rg, ordinal)
			if err != nil {
				return nil, err
			}
			fs.current = pages
			fs.pageOffset = 0
		}

		pageRows := rg.PageRows(ordinal)
		if fs.pageOffset >= pageRows {
			fs.pageIndex++
			fs.current = nil
			continue
		}

		numRows := pageRows - fs.pageOffset
		if batchSize := s.plan.options.BatchSize; numRows > batchSize {
			numRows = batchSize
		}
		if s.remaining >= 0 && int64(numRows) > s.remaining {
			numRows = int(s.remaining)
		}

		batch := fs.buildBatch(s.plan, fs.pageOffset, fs.pageOffset+numRows)
		fs.pageOffset += numRows
		if s.remaining > 0 {
			s.remaining -= int64(numRows)
		}
		s.plan.metrics.addRowsProduced(int64(numRows))
		return batch, nil
	}
}

func (fs *fileScan) readPages(rg *colpack.RowGroup, ordinal int) ([]*colpack.Page, error) {
	pages := make([]*colpack.Page, len(fs.projection))
	for i, column := range fs.projection {
		page, err := rg.Column(column).ReadPage(ordinal)
		if err != nil {
			return nil, err
		}
		pages[i] = page
	}
	return pages, nil
}

func (fs *fileScan) buildBatch(plan *Plan, from, to int) arrow.RecordBatch {
	builder := array.NewRecordBuilder(memory.DefaultAllocator, plan.schema)
	defer builder.Release()

	for i, page := range fs.current {
		appendPageRows(builder.Field(i), page, from, to)
	}
	return builder.NewRecordBatch()
}

// appendPageRows appends the rows [from,to) of a decoded page to an arrow
// builder. Pages store non-null values compacted, so the value cursor first
// skips the values of the rows before the window.
func appendPageRows(b array.Builder, page *colpack.Page, from, to int) {
	next := 0
	for i := 0; i < from; i++ {
		if page.Valid(i) {
			next++
		}
	}
	for i := from; i < to; i++ {
		if !page.Valid(i) {
			b.AppendNull()
			continue
		}
		switch page.Kind() {
		case colpack.Boolean:
			b.(*array.BooleanBuilder).Append(page.Booleans()[next])
		case colpack.Int32:
			b.(*array.Int32Builder).Append(page.Int32s()[next])
		case colpack.Int64:
			b.(*array.Int64Builder).Append(page.Int64s()[next])
		case colpack.Float:
			b.(*array.Float32Builder).Append(page.Floats()[next])
		case colpack.Double:
			b.(*array.Float64Builder).Append(page.Doubles()[next])
		case colpack.ByteArray:
			b.(*array.BinaryBuilder).Append(page.ByteArrays()[next])
		}
		next++
	}
}
