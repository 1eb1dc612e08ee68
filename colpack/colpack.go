// Package colpack implements a compact columnar file format: flat schemas of
// primitive columns, row groups split into pages, per-chunk and per-page
// statistics, page indexes and optional split-block bloom filters, all
// described by a thrift-encoded footer.
//
// Files are written with a Writer and read back through OpenFile, which only
// loads the footer; pages, indexes and bloom filters are fetched on demand
// from the underlying io.ReaderAt.
package colpack

import (
	"errors"

	"github.com/zzcclp/blaze/colpack/compress"
	"github.com/zzcclp/blaze/colpack/compress/brotli"
	"github.com/zzcclp/blaze/colpack/compress/gzip"
	"github.com/zzcclp/blaze/colpack/compress/lz4"
	"github.com/zzcclp/blaze/colpack/compress/snappy"
	"github.com/zzcclp/blaze/colpack/compress/uncompressed"
	"github.com/zzcclp/blaze/colpack/compress/zstd"
	"github.com/zzcclp/blaze/colpack/format"
)

// Kind is the physical type of the values of a column.
type Kind = format.Kind

const (
	Boolean   = format.Boolean
	Int32     = format.Int32
	Int64     = format.Int64
	Float     = format.Float
	Double    = format.Double
	ByteArray = format.ByteArray
)

const (
	magic = "COL1"

	// FormatVersion is the version written in the footer of colpack files.
	FormatVersion = 1
)

const (
	// Size limits applied when reading files, so that corrupted or hostile
	// inputs cannot make the package allocate unbounded amounts of memory.
	maxFooterSize  = 1 << 26
	maxPageSize    = 1 << 30
	maxIndexSize   = 1 << 26
	maxBloomSize   = 1 << 26
	maxColumnCount = 1 << 10
)

// ErrCorrupted is wrapped by all errors reported when the structure of a file
// does not match what its metadata announces: bad magic bytes, undecodable
// thrift sections, checksum mismatches, or out-of-bounds offsets.
//
// Use errors.Is(err, ErrCorrupted) to tell corruption apart from I/O errors
// of the underlying reader.
var ErrCorrupted = errors.New("corrupted colpack file")

var codecs = [...]compress.Codec{
	format.Uncompressed: new(uncompressed.Codec),
	format.Snappy:       new(snappy.Codec),
	format.Gzip:         new(gzip.Codec),
	format.Brotli:       new(brotli.Codec),
	format.Lz4:          new(lz4.Codec),
	format.Zstd:         new(zstd.Codec),
}

// LookupCompressionCodec returns the codec implementing the given compression
// codec code, or nil if none exists.
func LookupCompressionCodec(codec format.CompressionCodec) compress.Codec {
	if codec >= 0 && int(codec) < len(codecs) {
		return codecs[codec]
	}
	return nil
}
