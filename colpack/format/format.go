// Package format defines the thrift structures describing the metadata
// sections of colpack files.
//
// All structures in this package are mirrors of the on-disk representation,
// serialized with the thrift compact protocol. Programs usually do not use
// this package directly, they interact with the higher level APIs of the
// colpack package instead.
package format

// Kind enumerates the physical types that column values are encoded as.
type Kind int32

const (
	Boolean   Kind = 0
	Int32     Kind = 1
	Int64     Kind = 2
	Float     Kind = 3
	Double    Kind = 4
	ByteArray Kind = 5
)

func (k Kind) String() string {
	switch k {
	case Boolean:
		return "BOOLEAN"
	case Int32:
		return "INT32"
	case Int64:
		return "INT64"
	case Float:
		return "FLOAT"
	case Double:
		return "DOUBLE"
	case ByteArray:
		return "BYTE_ARRAY"
	default:
		return "unknown"
	}
}

// CompressionCodec enumerates the supported compression codecs for page
// bodies. The codec is recorded per column chunk.
type CompressionCodec int32

const (
	Uncompressed CompressionCodec = 0
	Snappy       CompressionCodec = 1
	Gzip         CompressionCodec = 2
	Brotli       CompressionCodec = 3
	Lz4          CompressionCodec = 4
	Zstd         CompressionCodec = 5
)

func (c CompressionCodec) String() string {
	switch c {
	case Uncompressed:
		return "UNCOMPRESSED"
	case Snappy:
		return "SNAPPY"
	case Gzip:
		return "GZIP"
	case Brotli:
		return "BROTLI"
	case Lz4:
		return "LZ4"
	case Zstd:
		return "ZSTD"
	default:
		return "unknown"
	}
}

// FileMetaData is the footer of a colpack file, written immediately before
// the trailing footer length and magic bytes.
type FileMetaData struct {
	// Version of the format used to write the file.
	Version int32 `thrift:"1,required"`

	// Flat list of columns; colpack schemas have no nesting.
	Schema []SchemaElement `thrift:"2,required"`

	// Total number of rows in the file.
	NumRows int64 `thrift:"3,required"`

	// Row groups in file-offset order.
	RowGroups []RowGroup `thrift:"4,required"`

	// Optional application key/value metadata.
	KeyValueMetadata []KeyValue `thrift:"5,optional"`

	// String describing the application that wrote the file.
	CreatedBy string `thrift:"6,optional"`
}

// SchemaElement describes one column of the file schema.
type SchemaElement struct {
	Name     string `thrift:"1,required"`
	Kind     Kind   `thrift:"2,required"`
	Nullable bool   `thrift:"3,optional"`
}

type KeyValue struct {
	Key   string `thrift:"1,required"`
	Value string `thrift:"2,optional"`
}

// RowGroup describes a horizontal slice of the file. Every column chunk of a
// row group holds the same number of values, split into pages of RowsPerPage
// rows; page boundaries are identical across the columns of a row group so
// that a page ordinal identifies the same row window in every column.
type RowGroup struct {
	Columns             []ColumnChunk `thrift:"1,required"`
	TotalByteSize       int64         `thrift:"2,required"`
	NumRows             int64         `thrift:"3,required"`
	RowsPerPage         int32         `thrift:"4,required"`
	FileOffset          int64         `thrift:"5,optional"`
	TotalCompressedSize int64         `thrift:"6,optional"`
	Ordinal             int16         `thrift:"7,optional"`
}

// ColumnChunk locates the pages and index sections of one column within a
// row group.
type ColumnChunk struct {
	MetaData ColumnMetaData `thrift:"1,required"`

	// File offset and length of the serialized ColumnIndex of this chunk.
	ColumnIndexOffset int64 `thrift:"2,optional"`
	ColumnIndexLength int32 `thrift:"3,optional"`

	// File offset and length of the serialized OffsetIndex of this chunk.
	OffsetIndexOffset int64 `thrift:"4,optional"`
	OffsetIndexLength int32 `thrift:"5,optional"`
}

type ColumnMetaData struct {
	Kind                  Kind             `thrift:"1,required"`
	PathInSchema          string           `thrift:"2,required"`
	Codec                 CompressionCodec `thrift:"3,required"`
	NumValues             int64            `thrift:"4,required"`
	TotalUncompressedSize int64            `thrift:"5,required"`
	TotalCompressedSize   int64            `thrift:"6,required"`
	DataPageOffset        int64            `thrift:"7,required"`
	Statistics            Statistics       `thrift:"8,optional"`
	BloomFilterOffset     int64            `thrift:"9,optional"`
	BloomFilterLength     int32            `thrift:"10,optional"`
}

// Statistics of the values in a column chunk or page. Min and Max hold the
// plain encoding of a single value of the column kind; both are absent when
// the chunk or page holds no non-null values.
type Statistics struct {
	Min           []byte `thrift:"1,optional"`
	Max           []byte `thrift:"2,optional"`
	NullCount     int64  `thrift:"3,optional"`
	DistinctCount int64  `thrift:"4,optional"`
}

// PageHeader precedes each page of a column chunk. The sizes describe the
// page body only, the header itself is not included.
type PageHeader struct {
	UncompressedPageSize int32 `thrift:"1,required"`
	CompressedPageSize   int32 `thrift:"2,required"`
	NumValues            int32 `thrift:"3,required"`
	NumNulls             int32 `thrift:"4,optional"`

	// CRC32 (IEEE) checksum of the uncompressed page body.
	CRC int32 `thrift:"5,optional"`

	Statistics Statistics `thrift:"6,optional"`
}

// ColumnIndex carries the per-page statistics of a column chunk, in page
// order. NullPages flags pages made only of null values, which have no
// min/max; the matching entries of MinValues and MaxValues are empty.
type ColumnIndex struct {
	NullPages  []bool   `thrift:"1,required"`
	MinValues  [][]byte `thrift:"2,required"`
	MaxValues  [][]byte `thrift:"3,required"`
	NullCounts []int64  `thrift:"4,optional"`
}

// OffsetIndex locates the pages of a column chunk, in page order.
type OffsetIndex struct {
	PageLocations []PageLocation `thrift:"1,required"`
}

// PageLocation locates one page. Offset points at the page header;
// CompressedPageSize covers the header and the compressed page body.
type PageLocation struct {
	Offset             int64 `thrift:"1,required"`
	CompressedPageSize int32 `thrift:"2,required"`
	FirstRowIndex      int64 `thrift:"3,required"`
}

// BloomFilterHeader precedes the serialized bitset of a column chunk bloom
// filter. Algorithm, hash and compression are encoded as unions to leave
// room for future variants; only split-block/xxhash/uncompressed exist today.
type BloomFilterHeader struct {
	NumBytes    int32                  `thrift:"1,required"`
	Algorithm   BloomFilterAlgorithm   `thrift:"2,required"`
	Hash        BloomFilterHash        `thrift:"3,required"`
	Compression BloomFilterCompression `thrift:"4,required"`
}

type BloomFilterAlgorithm struct {
	Block *SplitBlockAlgorithm `thrift:"1,optional"`
}

type SplitBlockAlgorithm struct{}

type BloomFilterHash struct {
	XxHash *XxHash `thrift:"1,optional"`
}

type XxHash struct{}

type BloomFilterCompression struct {
	Uncompressed *BloomFilterUncompressed `thrift:"1,optional"`
}

type BloomFilterUncompressed struct{}
