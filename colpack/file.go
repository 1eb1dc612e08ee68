package colpack

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/segmentio/encoding/thrift"
	"github.com/zzcclp/blaze/colpack/bloom"
	"github.com/zzcclp/blaze/colpack/format"
	"github.com/zzcclp/blaze/internal/debug"
)

// File represents a colpack file opened for reading.
type File struct {
	metadata  *format.FileMetaData
	protocol  thrift.CompactProtocol
	reader    io.ReaderAt
	size      int64
	schema    *Schema
	rowGroups []*RowGroup
}

// OpenFile opens a colpack file from the content between offset 0 and the
// given size in r.
//
// Only the magic bytes and the footer are read, pages and index sections are
// left untouched; this means that successfully opening a file does not
// validate that its pages are not corrupted.
func OpenFile(r io.ReaderAt, size int64) (*File, error) {
	var buffer [4]byte
	if _, err := r.ReadAt(buffer[:4], 0); err != nil {
		return nil, fmt.Errorf("reading magic header of colpack file: %w", err)
	}
	if string(buffer[:4]) != magic {
		return nil, fmt.Errorf("%w: invalid magic header: %q", ErrCorrupted, buffer[:4])
	}

	metadata, err := ReadFooter(r, size)
	if err != nil {
		return nil, err
	}
	return NewFile(metadata, r, size)
}

// ReadFooter reads and decodes the footer of a colpack file, leaving all
// other sections of the file untouched. It is the metadata fetch used by
// engines which cache parsed footers across file opens.
func ReadFooter(r io.ReaderAt, size int64) (*format.FileMetaData, error) {
	if size < 12 {
		return nil, fmt.Errorf("%w: file of %d bytes is too short", ErrCorrupted, size)
	}

	var buffer [8]byte
	if _, err := r.ReadAt(buffer[:8], size-8); err != nil {
		return nil, fmt.Errorf("reading magic footer of colpack file: %w", err)
	}
	if string(buffer[4:8]) != magic {
		return nil, fmt.Errorf("%w: invalid magic footer: %q", ErrCorrupted, buffer[4:8])
	}

	footerSize := int64(binary.LittleEndian.Uint32(buffer[:4]))
	if footerSize > maxFooterSize || footerSize+12 > size {
		return nil, fmt.Errorf("%w: footer size out of bounds: %d", ErrCorrupted, footerSize)
	}
	footerData := io.NewSectionReader(r, size-(footerSize+8), footerSize)

	buffered := acquireBufioReader(footerData)
	defer releaseBufioReader(buffered)

	protocol := thrift.CompactProtocol{}
	metadata := new(format.FileMetaData)
	if err := thrift.NewDecoder(protocol.NewReader(buffered)).Decode(metadata); err != nil {
		return nil, fmt.Errorf("%w: decoding file metadata: %v", ErrCorrupted, err)
	}
	if metadata.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorrupted, metadata.Version)
	}
	debug.Format("colpack: read footer of %d bytes, %d row groups, %d rows",
		footerSize, len(metadata.RowGroups), metadata.NumRows)
	return metadata, nil
}

// NewFile constructs a file view from an already parsed footer, validating
// that the metadata is consistent with itself and with the file size.
//
// The metadata is retained, not copied; it must not be modified afterwards.
func NewFile(metadata *format.FileMetaData, r io.ReaderAt, size int64) (*File, error) {
	schema, err := schemaOf(metadata.Schema)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	f := &File{
		metadata: metadata,
		reader:   r,
		size:     size,
		schema:   schema,
	}

	numRows := int64(0)
	f.rowGroups = make([]*RowGroup, len(metadata.RowGroups))
	for i := range metadata.RowGroups {
		rg, err := f.openRowGroup(i)
		if err != nil {
			return nil, err
		}
		f.rowGroups[i] = rg
		numRows += rg.NumRows()
	}
	if numRows != metadata.NumRows {
		return nil, fmt.Errorf("%w: row groups hold %d rows, footer says %d",
			ErrCorrupted, numRows, metadata.NumRows)
	}
	return f, nil
}

func (f *File) openRowGroup(i int) (*RowGroup, error) {
	meta := &f.metadata.RowGroups[i]
	if meta.NumRows < 0 {
		return nil, fmt.Errorf("%w: row group %d has %d rows", ErrCorrupted, i, meta.NumRows)
	}
	if meta.NumRows > 0 && meta.RowsPerPage <= 0 {
		return nil, fmt.Errorf("%w: row group %d has invalid page size %d rows",
			ErrCorrupted, i, meta.RowsPerPage)
	}
	if len(meta.Columns) != f.schema.NumFields() {
		return nil, fmt.Errorf("%w: row group %d has %d column chunks for %d fields",
			ErrCorrupted, i, len(meta.Columns), f.schema.NumFields())
	}

	rg := &RowGroup{
		file:    f,
		meta:    meta,
		ordinal: i,
		columns: make([]*ColumnChunk, len(meta.Columns)),
	}

	for j := range meta.Columns {
		chunk := &meta.Columns[j]
		field := f.schema.Field(j)
		if chunk.MetaData.Kind != field.Kind {
			return nil, fmt.Errorf("%w: column chunk %d of row group %d has kind %s, field %q has kind %s",
				ErrCorrupted, j, i, chunk.MetaData.Kind, field.Name, field.Kind)
		}
		if chunk.MetaData.PathInSchema != field.Name {
			return nil, fmt.Errorf("%w: column chunk %d of row group %d is named %q, field is named %q",
				ErrCorrupted, j, i, chunk.MetaData.PathInSchema, field.Name)
		}
		if chunk.MetaData.NumValues != meta.NumRows {
			return nil, fmt.Errorf("%w: column chunk %q of row group %d holds %d values for %d rows",
				ErrCorrupted, field.Name, i, chunk.MetaData.NumValues, meta.NumRows)
		}
		if err := f.checkSection(chunk.MetaData.DataPageOffset, chunk.MetaData.TotalCompressedSize); err != nil {
			return nil, fmt.Errorf("%w: pages of column chunk %q of row group %d: %v",
				ErrCorrupted, field.Name, i, err)
		}
		rg.columns[j] = &ColumnChunk{
			file:     f,
			rowGroup: rg,
			meta:     chunk,
			column:   j,
		}
	}
	return rg, nil
}

func (f *File) checkSection(offset, length int64) error {
	if offset < 0 || length < 0 || offset+length > f.size {
		return fmt.Errorf("section [%d,+%d) is out of the file bounds", offset, length)
	}
	return nil
}

// Metadata returns the file footer. The returned value is shared and must
// not be modified.
func (f *File) Metadata() *format.FileMetaData { return f.metadata }

// Schema returns the schema of f.
func (f *File) Schema() *Schema { return f.schema }

// Size returns the size of f (in bytes).
func (f *File) Size() int64 { return f.size }

// NumRows returns the total number of rows of f.
func (f *File) NumRows() int64 { return f.metadata.NumRows }

// RowGroups returns the row groups of f in file-offset order.
func (f *File) RowGroups() []*RowGroup { return f.rowGroups }

// ReadAt reads bytes into b from f at the given offset.
//
// The method satisfies the io.ReaderAt interface.
func (f *File) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || off >= f.size {
		return 0, io.EOF
	}

	if limit := f.size - off; limit < int64(len(b)) {
		n, err := f.reader.ReadAt(b[:limit], off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}

	return f.reader.ReadAt(b, off)
}

// RowGroup is a view over one row group of a file.
type RowGroup struct {
	file    *File
	meta    *format.RowGroup
	ordinal int
	columns []*ColumnChunk
}

// Ordinal returns the position of the row group in the file.
func (rg *RowGroup) Ordinal() int { return rg.ordinal }

// NumRows returns the number of rows of the row group.
func (rg *RowGroup) NumRows() int64 { return rg.meta.NumRows }

// RowsPerPage returns the page row window of the row group. All column
// chunks of the row group use the same page boundaries.
func (rg *RowGroup) RowsPerPage() int { return int(rg.meta.RowsPerPage) }

// NumPages returns the number of pages of each column chunk of the row group.
func (rg *RowGroup) NumPages() int {
	if rg.meta.NumRows == 0 {
		return 0
	}
	rowsPerPage := int64(rg.meta.RowsPerPage)
	return int((rg.meta.NumRows + rowsPerPage - 1) / rowsPerPage)
}

// PageFirstRow returns the row group row index of the first row of the page
// at the given ordinal.
func (rg *RowGroup) PageFirstRow(ordinal int) int64 {
	return int64(ordinal) * int64(rg.meta.RowsPerPage)
}

// PageRows returns the number of rows of the page at the given ordinal; only
// the last page of a row group may be short.
func (rg *RowGroup) PageRows(ordinal int) int {
	first := rg.PageFirstRow(ordinal)
	if remain := rg.meta.NumRows - first; remain < int64(rg.meta.RowsPerPage) {
		return int(remain)
	}
	return int(rg.meta.RowsPerPage)
}

// Columns returns the column chunks of the row group, in schema order.
func (rg *RowGroup) Columns() []*ColumnChunk { return rg.columns }

// Column returns the column chunk at the given schema index.
func (rg *RowGroup) Column(i int) *ColumnChunk { return rg.columns[i] }

// ColumnChunk is a view over the pages of one column within a row group.
type ColumnChunk struct {
	file     *File
	rowGroup *RowGroup
	meta     *format.ColumnChunk
	column   int

	columnIndexOnce sync.Once
	columnIndex     *format.ColumnIndex
	columnIndexErr  error

	offsetIndexOnce sync.Once
	offsetIndex     *format.OffsetIndex
	offsetIndexErr  error

	bloomOnce sync.Once
	bloom     *BloomFilterReader
}

// Column returns the schema index of the column.
func (c *ColumnChunk) Column() int { return c.column }

// Name returns the name of the column.
func (c *ColumnChunk) Name() string { return c.meta.MetaData.PathInSchema }

// Kind returns the kind of the values of the column.
func (c *ColumnChunk) Kind() Kind { return c.meta.MetaData.Kind }

// Nullable returns true if the column may hold null values.
func (c *ColumnChunk) Nullable() bool { return c.file.schema.Field(c.column).Nullable }

// Codec returns the compression codec of the pages of the chunk.
func (c *ColumnChunk) Codec() format.CompressionCodec { return c.meta.MetaData.Codec }

// NumValues returns the number of rows of the chunk, including nulls.
func (c *ColumnChunk) NumValues() int64 { return c.meta.MetaData.NumValues }

func (c *ColumnChunk) statisticsPresent() bool {
	stats := &c.meta.MetaData.Statistics
	return stats.Min != nil || stats.Max != nil || stats.NullCount > 0 || c.meta.MetaData.NumValues == 0
}

// Bounds returns the minimum and maximum non-null values of the chunk. The
// third return value is false when the bounds are unknown, either because
// the chunk has no statistics or because it holds no non-null values.
func (c *ColumnChunk) Bounds() (min, max Value, ok bool) {
	stats := &c.meta.MetaData.Statistics
	if stats.Min == nil || stats.Max == nil {
		return Value{}, Value{}, false
	}
	min, err := DecodePlainValue(c.Kind(), stats.Min)
	if err != nil {
		return Value{}, Value{}, false
	}
	max, err = DecodePlainValue(c.Kind(), stats.Max)
	if err != nil {
		return Value{}, Value{}, false
	}
	return min, max, true
}

// NullCount returns the number of null rows of the chunk. The second return
// value is false when the chunk carries no statistics.
func (c *ColumnChunk) NullCount() (int64, bool) {
	if !c.statisticsPresent() {
		return 0, false
	}
	return c.meta.MetaData.Statistics.NullCount, true
}

// ColumnIndex returns the per-page statistics of the chunk, or nil if the
// file records none.
func (c *ColumnChunk) ColumnIndex() (*format.ColumnIndex, error) {
	c.columnIndexOnce.Do(func() {
		c.columnIndex, c.columnIndexErr = c.readColumnIndex()
	})
	return c.columnIndex, c.columnIndexErr
}

func (c *ColumnChunk) readColumnIndex() (*format.ColumnIndex, error) {
	if c.meta.ColumnIndexOffset == 0 {
		return nil, nil
	}
	if c.meta.ColumnIndexLength <= 0 || int64(c.meta.ColumnIndexLength) > maxIndexSize {
		return nil, fmt.Errorf("%w: column index of column %q has size %d",
			ErrCorrupted, c.Name(), c.meta.ColumnIndexLength)
	}
	if err := c.file.checkSection(c.meta.ColumnIndexOffset, int64(c.meta.ColumnIndexLength)); err != nil {
		return nil, fmt.Errorf("%w: column index of column %q: %v", ErrCorrupted, c.Name(), err)
	}

	columnIndex := new(format.ColumnIndex)
	section := io.NewSectionReader(c.file.reader, c.meta.ColumnIndexOffset, int64(c.meta.ColumnIndexLength))

	buffered := acquireBufioReader(section)
	defer releaseBufioReader(buffered)

	if err := thrift.NewDecoder(c.file.protocol.NewReader(buffered)).Decode(columnIndex); err != nil {
		return nil, fmt.Errorf("%w: decoding column index of column %q: %v", ErrCorrupted, c.Name(), err)
	}

	numPages := c.rowGroup.NumPages()
	if len(columnIndex.NullPages) != numPages ||
		len(columnIndex.MinValues) != numPages ||
		len(columnIndex.MaxValues) != numPages ||
		(columnIndex.NullCounts != nil && len(columnIndex.NullCounts) != numPages) {
		return nil, fmt.Errorf("%w: column index of column %q does not describe %d pages",
			ErrCorrupted, c.Name(), numPages)
	}
	return columnIndex, nil
}

// OffsetIndex returns the page locations of the chunk, or nil if the file
// records none.
func (c *ColumnChunk) OffsetIndex() (*format.OffsetIndex, error) {
	c.offsetIndexOnce.Do(func() {
		c.offsetIndex, c.offsetIndexErr = c.readOffsetIndex()
	})
	return c.offsetIndex, c.offsetIndexErr
}

func (c *ColumnChunk) readOffsetIndex() (*format.OffsetIndex, error) {
	if c.meta.OffsetIndexOffset == 0 {
		return nil, nil
	}
	if c.meta.OffsetIndexLength <= 0 || int64(c.meta.OffsetIndexLength) > maxIndexSize {
		return nil, fmt.Errorf("%w: offset index of column %q has size %d",
			ErrCorrupted, c.Name(), c.meta.OffsetIndexLength)
	}
	if err := c.file.checkSection(c.meta.OffsetIndexOffset, int64(c.meta.OffsetIndexLength)); err != nil {
		return nil, fmt.Errorf("%w: offset index of column %q: %v", ErrCorrupted, c.Name(), err)
	}

	offsetIndex := new(format.OffsetIndex)
	section := io.NewSectionReader(c.file.reader, c.meta.OffsetIndexOffset, int64(c.meta.OffsetIndexLength))

	buffered := acquireBufioReader(section)
	defer releaseBufioReader(buffered)

	if err := thrift.NewDecoder(c.file.protocol.NewReader(buffered)).Decode(offsetIndex); err != nil {
		return nil, fmt.Errorf("%w: decoding offset index of column %q: %v", ErrCorrupted, c.Name(), err)
	}

	if len(offsetIndex.PageLocations) != c.rowGroup.NumPages() {
		return nil, fmt.Errorf("%w: offset index of column %q locates %d pages, row group has %d",
			ErrCorrupted, c.Name(), len(offsetIndex.PageLocations), c.rowGroup.NumPages())
	}
	for i, loc := range offsetIndex.PageLocations {
		if err := c.file.checkSection(loc.Offset, int64(loc.CompressedPageSize)); err != nil {
			return nil, fmt.Errorf("%w: page %d of column %q: %v", ErrCorrupted, i, c.Name(), err)
		}
		if loc.FirstRowIndex != c.rowGroup.PageFirstRow(i) {
			return nil, fmt.Errorf("%w: page %d of column %q starts at row %d, expected %d",
				ErrCorrupted, i, c.Name(), loc.FirstRowIndex, c.rowGroup.PageFirstRow(i))
		}
	}
	return offsetIndex, nil
}

// BloomFilter returns a reader over the bloom filter of the chunk, or nil if
// the chunk has none.
func (c *ColumnChunk) BloomFilter() *BloomFilterReader {
	c.bloomOnce.Do(func() {
		if c.meta.MetaData.BloomFilterOffset != 0 {
			c.bloom = &BloomFilterReader{chunk: c}
		}
	})
	return c.bloom
}

// ReadPage reads and decodes the page at the given ordinal, locating it
// through the offset index of the chunk.
func (c *ColumnChunk) ReadPage(ordinal int) (*Page, error) {
	offsetIndex, err := c.OffsetIndex()
	if err != nil {
		return nil, err
	}
	if offsetIndex == nil {
		return nil, fmt.Errorf("%w: column %q has no offset index", ErrCorrupted, c.Name())
	}
	if ordinal < 0 || ordinal >= len(offsetIndex.PageLocations) {
		return nil, fmt.Errorf("page %d out of range: column chunk has %d pages",
			ordinal, len(offsetIndex.PageLocations))
	}

	location := offsetIndex.PageLocations[ordinal]
	raw := make([]byte, location.CompressedPageSize)
	if _, err := c.file.reader.ReadAt(raw, location.Offset); err != nil {
		return nil, fmt.Errorf("reading page %d of column %q: %w", ordinal, c.Name(), err)
	}

	page, err := parsePage(raw, c.Kind(), c.Nullable(), c.Codec())
	if err != nil {
		return nil, fmt.Errorf("page %d of column %q: %w", ordinal, c.Name(), err)
	}
	if page.NumValues() != c.rowGroup.PageRows(ordinal) {
		return nil, fmt.Errorf("%w: page %d of column %q holds %d rows, expected %d",
			ErrCorrupted, ordinal, c.Name(), page.NumValues(), c.rowGroup.PageRows(ordinal))
	}
	return page, nil
}

// Pages returns a sequential reader over all pages of the chunk. Unlike
// ReadPage it does not need the offset index, pages are delimited by their
// headers.
func (c *ColumnChunk) Pages() *Pages {
	section := io.NewSectionReader(c.file.reader, c.meta.MetaData.DataPageOffset, c.meta.MetaData.TotalCompressedSize)
	return &Pages{
		chunk:    c,
		numPages: c.rowGroup.NumPages(),
		reader:   bufio.NewReader(section),
	}
}

// Pages reads the pages of a column chunk in file order.
type Pages struct {
	chunk    *ColumnChunk
	numPages int
	index    int
	reader   *bufio.Reader
}

// Next reads the next page of the chunk, returning io.EOF after the last
// page.
func (p *Pages) Next() (*Page, error) {
	if p.index >= p.numPages {
		return nil, io.EOF
	}

	chunk := p.chunk
	protocol := thrift.CompactProtocol{}
	header := format.PageHeader{}
	if err := thrift.NewDecoder(protocol.NewReader(p.reader)).Decode(&header); err != nil {
		return nil, fmt.Errorf("%w: decoding header of page %d of column %q: %v",
			ErrCorrupted, p.index, chunk.Name(), err)
	}
	if header.CompressedPageSize < 0 || header.CompressedPageSize > maxPageSize {
		return nil, fmt.Errorf("%w: page %d of column %q has compressed size %d",
			ErrCorrupted, p.index, chunk.Name(), header.CompressedPageSize)
	}

	body := make([]byte, header.CompressedPageSize)
	if _, err := io.ReadFull(p.reader, body); err != nil {
		return nil, fmt.Errorf("reading page %d of column %q: %w", p.index, chunk.Name(), err)
	}

	page, err := decodePage(&header, body, chunk.Kind(), chunk.Nullable(), chunk.Codec())
	if err != nil {
		return nil, fmt.Errorf("page %d of column %q: %w", p.index, chunk.Name(), err)
	}
	p.index++
	return page, nil
}

// BloomFilterReader probes the serialized bloom filter of a column chunk
// without loading it in memory; each probe reads the single filter block
// that the value hashes to.
type BloomFilterReader struct {
	chunk      *ColumnChunk
	once       sync.Once
	err        error
	dataOffset int64
	dataSize   int64
}

// Check tests whether a value of the column may be present in the chunk.
// False positives are possible, false negatives are not. Null values are
// never inserted in bloom filters, checking one always returns false.
func (b *BloomFilterReader) Check(v Value) (bool, error) {
	b.once.Do(b.init)
	if b.err != nil {
		return false, b.err
	}
	if v.IsNull() {
		return false, nil
	}
	var block bloom.Block
	section := io.NewSectionReader(b.chunk.file.reader, b.dataOffset, b.dataSize)
	return bloom.CheckSplitBlock(section, b.dataSize, &block, xxhash.Sum64(v.Plain()))
}

func (b *BloomFilterReader) init() {
	c := b.chunk
	offset := c.meta.MetaData.BloomFilterOffset
	length := int64(c.meta.MetaData.BloomFilterLength)

	if length <= 0 || length > maxBloomSize {
		b.err = fmt.Errorf("%w: bloom filter of column %q has size %d", ErrCorrupted, c.Name(), length)
		return
	}
	if err := c.file.checkSection(offset, length); err != nil {
		b.err = fmt.Errorf("%w: bloom filter of column %q: %v", ErrCorrupted, c.Name(), err)
		return
	}

	section := io.NewSectionReader(c.file.reader, offset, length)
	tracking := &offsetTrackingReader{reader: section}

	protocol := thrift.CompactProtocol{}
	header := format.BloomFilterHeader{}
	if err := thrift.NewDecoder(protocol.NewReader(tracking)).Decode(&header); err != nil {
		b.err = fmt.Errorf("%w: decoding bloom filter header of column %q: %v", ErrCorrupted, c.Name(), err)
		return
	}
	switch {
	case header.Algorithm.Block == nil:
		b.err = fmt.Errorf("%w: bloom filter of column %q uses an unsupported algorithm", ErrCorrupted, c.Name())
	case header.Hash.XxHash == nil:
		b.err = fmt.Errorf("%w: bloom filter of column %q uses an unsupported hash", ErrCorrupted, c.Name())
	case header.Compression.Uncompressed == nil:
		b.err = fmt.Errorf("%w: bloom filter of column %q uses an unsupported compression", ErrCorrupted, c.Name())
	case int64(header.NumBytes) <= 0 || header.NumBytes%bloom.BlockSize != 0 ||
		tracking.offset+int64(header.NumBytes) > length:
		b.err = fmt.Errorf("%w: bloom filter of column %q declares %d bytes of blocks in a section of %d bytes",
			ErrCorrupted, c.Name(), header.NumBytes, length)
	default:
		b.dataOffset = offset + tracking.offset
		b.dataSize = int64(header.NumBytes)
		debug.Format("colpack: bloom filter of column %q: %d bytes at offset %d",
			c.Name(), b.dataSize, b.dataOffset)
	}
}

// offsetTrackingReader counts the bytes read through it, which tells how many
// bytes a thrift decoder consumed from the underlying reader.
type offsetTrackingReader struct {
	reader io.Reader
	offset int64
}

func (r *offsetTrackingReader) Read(b []byte) (int, error) {
	n, err := r.reader.Read(b)
	r.offset += int64(n)
	return n, err
}

var bufioReaders sync.Pool

func acquireBufioReader(r io.Reader) *bufio.Reader {
	b, _ := bufioReaders.Get().(*bufio.Reader)
	if b == nil {
		return bufio.NewReader(r)
	}
	b.Reset(r)
	return b
}

func releaseBufioReader(b *bufio.Reader) {
	b.Reset(nil)
	bufioReaders.Put(b)
}

var (
	_ io.ReaderAt = (*File)(nil)
)
