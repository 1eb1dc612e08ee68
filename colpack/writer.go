package colpack

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/segmentio/encoding/thrift"
	"github.com/zzcclp/blaze/colpack/bloom"
	"github.com/zzcclp/blaze/colpack/format"
)

// Writer produces colpack files. Rows are buffered in memory and flushed as
// row groups, each split into pages at the same row boundaries in every
// column; index sections, bloom filters and the footer are written by Close.
type Writer struct {
	writer   io.Writer
	offset   int64
	schema   *Schema
	config   WriterConfig
	protocol thrift.CompactProtocol

	columns     [][]Value
	numBuffered int
	numRows     int64

	rowGroups     []format.RowGroup
	columnIndexes [][]format.ColumnIndex
	offsetIndexes [][]format.OffsetIndex
	bloomFilters  [][]bloom.SplitBlockFilter

	closed bool
	err    error
}

// NewWriter constructs a writer producing a file with the given schema to w.
func NewWriter(w io.Writer, schema *Schema, options ...WriterOption) (*Writer, error) {
	config := DefaultWriterConfig()
	config.Apply(options...)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if schema == nil {
		return nil, fmt.Errorf("writers need a non-nil schema")
	}

	writer := &Writer{
		writer:  w,
		schema:  schema,
		config:  *config,
		columns: make([][]Value, schema.NumFields()),
	}
	if err := writer.write([]byte(magic)); err != nil {
		return nil, err
	}
	return writer, nil
}

// Schema returns the schema of the file being written.
func (w *Writer) Schema() *Schema { return w.schema }

// NumRows returns the number of rows written so far, including rows still
// buffered in memory.
func (w *Writer) NumRows() int64 { return w.numRows }

// WriteRow appends one row to the file, with one value per schema field.
func (w *Writer) WriteRow(values ...Value) error {
	if err := w.writeable(); err != nil {
		return err
	}
	if len(values) != w.schema.NumFields() {
		return fmt.Errorf("writing row of %d values in a file with %d columns",
			len(values), w.schema.NumFields())
	}
	for i, v := range values {
		if err := w.checkValue(i, v); err != nil {
			return err
		}
	}
	for i, v := range values {
		w.columns[i] = append(w.columns[i], v)
	}
	w.numBuffered++
	w.numRows++
	if w.numBuffered >= w.config.RowsPerGroup {
		return w.flushRowGroup(w.config.RowsPerGroup)
	}
	return nil
}

// WriteColumns appends rows given as one value slice per schema field; all
// slices must have the same length.
func (w *Writer) WriteColumns(columns ...[]Value) error {
	if err := w.writeable(); err != nil {
		return err
	}
	if len(columns) != w.schema.NumFields() {
		return fmt.Errorf("writing %d columns in a file with %d columns",
			len(columns), w.schema.NumFields())
	}
	numRows := len(columns[0])
	for i, col := range columns {
		if len(col) != numRows {
			return fmt.Errorf("column %q has %d values, column %q has %d",
				w.schema.Field(i).Name, len(col), w.schema.Field(0).Name, numRows)
		}
		for _, v := range col {
			if err := w.checkValue(i, v); err != nil {
				return err
			}
		}
	}
	for i, col := range columns {
		w.columns[i] = append(w.columns[i], col...)
	}
	w.numBuffered += numRows
	w.numRows += int64(numRows)
	for w.numBuffered >= w.config.RowsPerGroup {
		if err := w.flushRowGroup(w.config.RowsPerGroup); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes all buffered rows out as a row group. Flushing between writes
// controls row group boundaries; files get one final (possibly short) row
// group for the rows buffered when Close is called.
func (w *Writer) Flush() error {
	if err := w.writeable(); err != nil {
		return err
	}
	if w.numBuffered == 0 {
		return nil
	}
	return w.flushRowGroup(w.numBuffered)
}

// Close flushes buffered rows, writes the index sections, bloom filters and
// footer, and finishes the file. The underlying io.Writer is not closed.
func (w *Writer) Close() error {
	if w.closed {
		return w.err
	}
	if err := w.Flush(); err != nil {
		w.closed = true
		return err
	}
	w.closed = true

	if err := w.writeColumnIndexes(); err != nil {
		return err
	}
	if err := w.writeOffsetIndexes(); err != nil {
		return err
	}
	if err := w.writeBloomFilters(); err != nil {
		return err
	}
	return w.writeFooter()
}

func (w *Writer) writeable() error {
	if w.closed {
		return fmt.Errorf("writing to a closed colpack writer")
	}
	return w.err
}

func (w *Writer) checkValue(column int, v Value) error {
	field := w.schema.Field(column)
	if v.Kind() != field.Kind {
		return fmt.Errorf("writing %s value in column %q of kind %s", v.Kind(), field.Name, field.Kind)
	}
	if v.IsNull() && !field.Nullable {
		return fmt.Errorf("writing null value in non-nullable column %q", field.Name)
	}
	return nil
}

func (w *Writer) write(b []byte) error {
	n, err := w.writer.Write(b)
	w.offset += int64(n)
	if err != nil {
		w.err = err
	}
	return err
}

func (w *Writer) marshal(v interface{}) ([]byte, error) {
	b, err := thrift.Marshal(&w.protocol, v)
	if err != nil {
		w.err = fmt.Errorf("encoding colpack metadata: %w", err)
		return nil, w.err
	}
	return b, nil
}

func (w *Writer) flushRowGroup(numRows int) error {
	rowsPerPage := w.config.RowsPerPage
	numPages := (numRows + rowsPerPage - 1) / rowsPerPage

	rowGroup := format.RowGroup{
		Columns:     make([]format.ColumnChunk, 0, w.schema.NumFields()),
		NumRows:     int64(numRows),
		RowsPerPage: int32(rowsPerPage),
		FileOffset:  w.offset,
		Ordinal:     int16(len(w.rowGroups)),
	}
	columnIndexes := make([]format.ColumnIndex, w.schema.NumFields())
	offsetIndexes := make([]format.OffsetIndex, w.schema.NumFields())
	bloomFilters := make([]bloom.SplitBlockFilter, w.schema.NumFields())

	for i := 0; i < w.schema.NumFields(); i++ {
		field := w.schema.Field(i)
		values := w.columns[i][:numRows]

		chunk := format.ColumnMetaData{
			Kind:           field.Kind,
			PathInSchema:   field.Name,
			Codec:          w.config.Compression,
			NumValues:      int64(numRows),
			DataPageOffset: w.offset,
		}
		columnIndex := format.ColumnIndex{
			NullPages:  make([]bool, 0, numPages),
			MinValues:  make([][]byte, 0, numPages),
			MaxValues:  make([][]byte, 0, numPages),
			NullCounts: make([]int64, 0, numPages),
		}
		offsetIndex := format.OffsetIndex{
			PageLocations: make([]format.PageLocation, 0, numPages),
		}

		var chunkMin, chunkMax Value
		var chunkHasBounds bool
		var chunkNulls int64

		for p := 0; p < numPages; p++ {
			first := p * rowsPerPage
			last := first + rowsPerPage
			if last > numRows {
				last = numRows
			}
			pageValues := values[first:last]

			body, numNulls := encodePageBody(field.Kind, pageValues, field.Nullable)
			checksum := crc32.ChecksumIEEE(body)

			codec := LookupCompressionCodec(w.config.Compression)
			compressed, err := codec.Encode(nil, body)
			if err != nil {
				w.err = fmt.Errorf("compressing page of column %q: %w", field.Name, err)
				return w.err
			}

			pageMin, pageMax, pageHasBounds := boundsOf(pageValues)
			pageStats := format.Statistics{NullCount: int64(numNulls)}
			if pageHasBounds {
				pageStats.Min = pageMin.AppendPlain(make([]byte, 0, 8))
				pageStats.Max = pageMax.AppendPlain(make([]byte, 0, 8))
			}

			header, err := w.marshal(&format.PageHeader{
				UncompressedPageSize: int32(len(body)),
				CompressedPageSize:   int32(len(compressed)),
				NumValues:            int32(len(pageValues)),
				NumNulls:             int32(numNulls),
				CRC:                  int32(checksum),
				Statistics:           pageStats,
			})
			if err != nil {
				return err
			}

			offsetIndex.PageLocations = append(offsetIndex.PageLocations, format.PageLocation{
				Offset:             w.offset,
				CompressedPageSize: int32(len(header) + len(compressed)),
				FirstRowIndex:      int64(first),
			})
			columnIndex.NullPages = append(columnIndex.NullPages, numNulls == len(pageValues))
			columnIndex.NullCounts = append(columnIndex.NullCounts, int64(numNulls))
			if pageHasBounds {
				columnIndex.MinValues = append(columnIndex.MinValues, pageStats.Min)
				columnIndex.MaxValues = append(columnIndex.MaxValues, pageStats.Max)
			} else {
				columnIndex.MinValues = append(columnIndex.MinValues, []byte{})
				columnIndex.MaxValues = append(columnIndex.MaxValues, []byte{})
			}

			if err := w.write(header); err != nil {
				return err
			}
			if err := w.write(compressed); err != nil {
				return err
			}

			chunk.TotalUncompressedSize += int64(len(header) + len(body))
			chunk.TotalCompressedSize += int64(len(header) + len(compressed))
			chunkNulls += int64(numNulls)
			if pageHasBounds {
				if !chunkHasBounds {
					chunkMin, chunkMax, chunkHasBounds = pageMin, pageMax, true
				} else {
					if Compare(pageMin, chunkMin) < 0 {
						chunkMin = pageMin
					}
					if Compare(pageMax, chunkMax) > 0 {
						chunkMax = pageMax
					}
				}
			}
		}

		chunk.Statistics = format.Statistics{NullCount: chunkNulls}
		if chunkHasBounds {
			chunk.Statistics.Min = chunkMin.AppendPlain(make([]byte, 0, 8))
			chunk.Statistics.Max = chunkMax.AppendPlain(make([]byte, 0, 8))
		}

		if bits := w.config.BloomFilterBitsPerValue; bits > 0 {
			numValues := int64(numRows) - chunkNulls
			if numValues > 0 {
				filter := make(bloom.SplitBlockFilter, bloom.NumSplitBlocksOf(numValues, uint(bits)))
				for _, v := range values {
					if !v.IsNull() {
						filter.Insert(xxhash.Sum64(v.Plain()))
					}
				}
				bloomFilters[i] = filter
			}
		}

		columnIndexes[i] = columnIndex
		offsetIndexes[i] = offsetIndex
		rowGroup.Columns = append(rowGroup.Columns, format.ColumnChunk{MetaData: chunk})
		rowGroup.TotalByteSize += chunk.TotalUncompressedSize
		rowGroup.TotalCompressedSize += chunk.TotalCompressedSize
	}

	for i := range w.columns {
		w.columns[i] = append([]Value(nil), w.columns[i][numRows:]...)
	}
	w.numBuffered -= numRows
	w.rowGroups = append(w.rowGroups, rowGroup)
	w.columnIndexes = append(w.columnIndexes, columnIndexes)
	w.offsetIndexes = append(w.offsetIndexes, offsetIndexes)
	w.bloomFilters = append(w.bloomFilters, bloomFilters)
	return nil
}

func (w *Writer) writeColumnIndexes() error {
	for g := range w.rowGroups {
		for c := range w.columnIndexes[g] {
			b, err := w.marshal(&w.columnIndexes[g][c])
			if err != nil {
				return err
			}
			w.rowGroups[g].Columns[c].ColumnIndexOffset = w.offset
			w.rowGroups[g].Columns[c].ColumnIndexLength = int32(len(b))
			if err := w.write(b); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Writer) writeOffsetIndexes() error {
	for g := range w.rowGroups {
		for c := range w.offsetIndexes[g] {
			b, err := w.marshal(&w.offsetIndexes[g][c])
			if err != nil {
				return err
			}
			w.rowGroups[g].Columns[c].OffsetIndexOffset = w.offset
			w.rowGroups[g].Columns[c].OffsetIndexLength = int32(len(b))
			if err := w.write(b); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Writer) writeBloomFilters() error {
	for g := range w.rowGroups {
		for c, filter := range w.bloomFilters[g] {
			if filter == nil {
				continue
			}
			data := filter.Bytes()
			header, err := w.marshal(&format.BloomFilterHeader{
				NumBytes:    int32(len(data)),
				Algorithm:   format.BloomFilterAlgorithm{Block: &format.SplitBlockAlgorithm{}},
				Hash:        format.BloomFilterHash{XxHash: &format.XxHash{}},
				Compression: format.BloomFilterCompression{Uncompressed: &format.BloomFilterUncompressed{}},
			})
			if err != nil {
				return err
			}
			w.rowGroups[g].Columns[c].MetaData.BloomFilterOffset = w.offset
			w.rowGroups[g].Columns[c].MetaData.BloomFilterLength = int32(len(header) + len(data))
			if err := w.write(header); err != nil {
				return err
			}
			if err := w.write(data); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Writer) writeFooter() error {
	rowGroups := w.rowGroups
	if rowGroups == nil {
		rowGroups = []format.RowGroup{}
	}
	footer, err := w.marshal(&format.FileMetaData{
		Version:   FormatVersion,
		Schema:    w.schema.formatElements(),
		NumRows:   w.numRows,
		RowGroups: rowGroups,
		CreatedBy: w.config.CreatedBy,
	})
	if err != nil {
		return err
	}
	if len(footer) > maxFooterSize {
		w.err = fmt.Errorf("file footer of %d bytes exceeds the format limit", len(footer))
		return w.err
	}
	if err := w.write(footer); err != nil {
		return err
	}
	trailer := binary.LittleEndian.AppendUint32(make([]byte, 0, 8), uint32(len(footer)))
	trailer = append(trailer, magic...)
	return w.write(trailer)
}

func boundsOf(values []Value) (min, max Value, ok bool) {
	for _, v := range values {
		if v.IsNull() {
			continue
		}
		if !ok {
			min, max, ok = v, v, true
			continue
		}
		if Compare(v, min) < 0 {
			min = v
		}
		if Compare(v, max) > 0 {
			max = v
		}
	}
	return min, max, ok
}
