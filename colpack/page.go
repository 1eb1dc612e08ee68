package colpack

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/segmentio/encoding/thrift"
	"github.com/zzcclp/blaze/colpack/format"
)

// Page holds the decoded values of one page of a column chunk.
//
// Values are stored compacted: null slots are not represented in the value
// slice, their positions are recorded in the validity bitmap instead.
type Page struct {
	kind      Kind
	numValues int
	numNulls  int

	// validity is a LSB-first bitmap with one bit per row of the page, set
	// when the row holds a value. It is nil when the column is not nullable.
	validity []byte

	booleans   []bool
	int32s     []int32
	int64s     []int64
	floats     []float32
	doubles    []float64
	byteArrays [][]byte
}

// Kind returns the kind of the values of the page.
func (p *Page) Kind() Kind { return p.kind }

// NumValues returns the number of rows of the page, including nulls.
func (p *Page) NumValues() int { return p.numValues }

// NumNulls returns the number of null rows of the page.
func (p *Page) NumNulls() int { return p.numNulls }

// Valid returns true if the row at the given index holds a value.
func (p *Page) Valid(i int) bool {
	if p.validity == nil {
		return true
	}
	return p.validity[i>>3]&(1<<(i&7)) != 0
}

// Booleans returns the non-null boolean values of the page, in row order.
func (p *Page) Booleans() []bool { return p.booleans }

// Int32s returns the non-null int32 values of the page, in row order.
func (p *Page) Int32s() []int32 { return p.int32s }

// Int64s returns the non-null int64 values of the page, in row order.
func (p *Page) Int64s() []int64 { return p.int64s }

// Floats returns the non-null float32 values of the page, in row order.
func (p *Page) Floats() []float32 { return p.floats }

// Doubles returns the non-null float64 values of the page, in row order.
func (p *Page) Doubles() []float64 { return p.doubles }

// ByteArrays returns the non-null byte array values of the page, in row
// order. The slices share the page buffer and must not be modified.
func (p *Page) ByteArrays() [][]byte { return p.byteArrays }

// Values materializes all rows of the page as values, null rows included.
func (p *Page) Values() []Value {
	values := make([]Value, p.numValues)
	next := 0
	for i := 0; i < p.numValues; i++ {
		if !p.Valid(i) {
			values[i] = NullValue(p.kind)
			continue
		}
		switch p.kind {
		case Boolean:
			values[i] = BooleanValue(p.booleans[next])
		case Int32:
			values[i] = Int32Value(p.int32s[next])
		case Int64:
			values[i] = Int64Value(p.int64s[next])
		case Float:
			values[i] = FloatValue(p.floats[next])
		case Double:
			values[i] = DoubleValue(p.doubles[next])
		case ByteArray:
			values[i] = ByteArrayValue(p.byteArrays[next])
		}
		next++
	}
	return values
}

// parsePage decodes a serialized page: a thrift page header followed by the
// compressed page body. The raw buffer must hold the whole page.
func parsePage(raw []byte, kind Kind, nullable bool, codec format.CompressionCodec) (*Page, error) {
	r := bytes.NewReader(raw)
	protocol := thrift.CompactProtocol{}
	header := format.PageHeader{}

	if err := thrift.NewDecoder(protocol.NewReader(r)).Decode(&header); err != nil {
		return nil, fmt.Errorf("%w: decoding page header: %v", ErrCorrupted, err)
	}

	body := raw[len(raw)-r.Len():]
	if header.CompressedPageSize < 0 || int(header.CompressedPageSize) > len(body) {
		return nil, fmt.Errorf("%w: page sizes out of bounds: compressed=%d uncompressed=%d",
			ErrCorrupted, header.CompressedPageSize, header.UncompressedPageSize)
	}
	return decodePage(&header, body[:header.CompressedPageSize], kind, nullable, codec)
}

// decodePage decompresses, checksums and decodes the body of a page whose
// header has already been read.
func decodePage(header *format.PageHeader, body []byte, kind Kind, nullable bool, codec format.CompressionCodec) (*Page, error) {
	if header.UncompressedPageSize < 0 || header.UncompressedPageSize > maxPageSize {
		return nil, fmt.Errorf("%w: page uncompressed size out of bounds: %d",
			ErrCorrupted, header.UncompressedPageSize)
	}

	c := LookupCompressionCodec(codec)
	if c == nil {
		return nil, fmt.Errorf("%w: page compressed with unsupported codec %d", ErrCorrupted, int32(codec))
	}
	data, err := c.Decode(make([]byte, 0, header.UncompressedPageSize), body)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing page: %v", ErrCorrupted, err)
	}
	if len(data) != int(header.UncompressedPageSize) {
		return nil, fmt.Errorf("%w: page decompressed to %d bytes, header says %d",
			ErrCorrupted, len(data), header.UncompressedPageSize)
	}
	if crc := crc32.ChecksumIEEE(data); crc != uint32(header.CRC) {
		return nil, fmt.Errorf("%w: page checksum mismatch: computed=%08x recorded=%08x",
			ErrCorrupted, crc, uint32(header.CRC))
	}

	return decodePageBody(data, kind, nullable, int(header.NumValues), int(header.NumNulls))
}

func decodePageBody(data []byte, kind Kind, nullable bool, numValues, numNulls int) (*Page, error) {
	if numValues < 0 || numNulls < 0 || numNulls > numValues {
		return nil, fmt.Errorf("%w: page value counts out of bounds: values=%d nulls=%d",
			ErrCorrupted, numValues, numNulls)
	}

	p := &Page{kind: kind, numValues: numValues, numNulls: numNulls}

	if nullable {
		bitmapSize := (numValues + 7) / 8
		if len(data) < bitmapSize {
			return nil, fmt.Errorf("%w: page body too short for validity bitmap", ErrCorrupted)
		}
		p.validity = data[:bitmapSize]
		data = data[bitmapSize:]
	} else if numNulls != 0 {
		return nil, fmt.Errorf("%w: nulls in a page of a non-nullable column", ErrCorrupted)
	}

	n := numValues - numNulls
	switch kind {
	case Boolean:
		if len(data) != (n+7)/8 {
			return nil, errPageBodySize(kind, len(data), n)
		}
		p.booleans = make([]bool, n)
		for i := range p.booleans {
			p.booleans[i] = data[i>>3]&(1<<(i&7)) != 0
		}
	case Int32:
		if len(data) != 4*n {
			return nil, errPageBodySize(kind, len(data), n)
		}
		p.int32s = make([]int32, n)
		for i := range p.int32s {
			p.int32s[i] = int32(binary.LittleEndian.Uint32(data[4*i:]))
		}
	case Int64:
		if len(data) != 8*n {
			return nil, errPageBodySize(kind, len(data), n)
		}
		p.int64s = make([]int64, n)
		for i := range p.int64s {
			p.int64s[i] = int64(binary.LittleEndian.Uint64(data[8*i:]))
		}
	case Float:
		if len(data) != 4*n {
			return nil, errPageBodySize(kind, len(data), n)
		}
		p.floats = make([]float32, n)
		for i := range p.floats {
			p.floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
	case Double:
		if len(data) != 8*n {
			return nil, errPageBodySize(kind, len(data), n)
		}
		p.doubles = make([]float64, n)
		for i := range p.doubles {
			p.doubles[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[8*i:]))
		}
	case ByteArray:
		p.byteArrays = make([][]byte, 0, n)
		for i := 0; i < n; i++ {
			if len(data) < 4 {
				return nil, fmt.Errorf("%w: truncated byte array length prefix", ErrCorrupted)
			}
			size := binary.LittleEndian.Uint32(data)
			data = data[4:]
			if uint64(size) > uint64(len(data)) {
				return nil, fmt.Errorf("%w: byte array length %d exceeds page body", ErrCorrupted, size)
			}
			p.byteArrays = append(p.byteArrays, data[:size:size])
			data = data[size:]
		}
		if len(data) != 0 {
			return nil, fmt.Errorf("%w: %d trailing bytes after byte array values", ErrCorrupted, len(data))
		}
	default:
		return nil, fmt.Errorf("%w: page of unsupported kind %d", ErrCorrupted, int32(kind))
	}

	return p, nil
}

func errPageBodySize(kind Kind, size, numValues int) error {
	return fmt.Errorf("%w: page body of %d bytes cannot hold %d %s values",
		ErrCorrupted, size, numValues, kind)
}

// encodePageBody produces the uncompressed body of a page from the given
// values: the validity bitmap when the column is nullable, followed by the
// plain encoding of the non-null values.
func encodePageBody(kind Kind, values []Value, nullable bool) (body []byte, numNulls int) {
	if nullable {
		bitmap := make([]byte, (len(values)+7)/8)
		for i, v := range values {
			if v.IsNull() {
				numNulls++
			} else {
				bitmap[i>>3] |= 1 << (i & 7)
			}
		}
		body = bitmap
	}

	switch kind {
	case Boolean:
		bits := make([]byte, (len(values)-numNulls+7)/8)
		i := 0
		for _, v := range values {
			if v.IsNull() {
				continue
			}
			if v.Boolean() {
				bits[i>>3] |= 1 << (i & 7)
			}
			i++
		}
		body = append(body, bits...)
	case ByteArray:
		for _, v := range values {
			if v.IsNull() {
				continue
			}
			b := v.ByteArray()
			body = binary.LittleEndian.AppendUint32(body, uint32(len(b)))
			body = append(body, b...)
		}
	default:
		for _, v := range values {
			if v.IsNull() {
				continue
			}
			body = v.AppendPlain(body)
		}
	}

	return body, numNulls
}
