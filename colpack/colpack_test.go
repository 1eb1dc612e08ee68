package colpack_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/zzcclp/blaze/colpack"
	"github.com/zzcclp/blaze/colpack/format"
)

func testSchema(t *testing.T) *colpack.Schema {
	t.Helper()
	schema, err := colpack.NewSchema(
		colpack.Field{Name: "id", Kind: colpack.Int64},
		colpack.Field{Name: "score", Kind: colpack.Double},
		colpack.Field{Name: "name", Kind: colpack.ByteArray, Nullable: true},
		colpack.Field{Name: "active", Kind: colpack.Boolean},
	)
	if err != nil {
		t.Fatal(err)
	}
	return schema
}

func testRows(numRows int) [][]colpack.Value {
	columns := make([][]colpack.Value, 4)
	for i := 0; i < numRows; i++ {
		columns[0] = append(columns[0], colpack.Int64Value(int64(i)))
		columns[1] = append(columns[1], colpack.DoubleValue(float64(i)/2))
		if i%5 == 0 {
			columns[2] = append(columns[2], colpack.NullValue(colpack.ByteArray))
		} else {
			columns[2] = append(columns[2], colpack.StringValue(fmt.Sprintf("name-%03d", i)))
		}
		columns[3] = append(columns[3], colpack.BooleanValue(i%2 == 0))
	}
	return columns
}

func writeTestFile(t *testing.T, numRows int, options ...colpack.WriterOption) *bytes.Buffer {
	t.Helper()
	buffer := new(bytes.Buffer)
	writer, err := colpack.NewWriter(buffer, testSchema(t), options...)
	if err != nil {
		t.Fatal(err)
	}
	if err := writer.WriteColumns(testRows(numRows)...); err != nil {
		t.Fatal(err)
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}
	return buffer
}

func openTestFile(t *testing.T, buffer *bytes.Buffer) *colpack.File {
	t.Helper()
	file, err := colpack.OpenFile(bytes.NewReader(buffer.Bytes()), int64(buffer.Len()))
	if err != nil {
		t.Fatal(err)
	}
	return file
}

func TestOpenFile(t *testing.T) {
	const numRows = 50
	buffer := writeTestFile(t, numRows,
		colpack.RowsPerPage(8),
		colpack.RowsPerGroup(32),
		colpack.CreatedBy("colpack_test"),
	)
	file := openTestFile(t, buffer)

	if n := file.NumRows(); n != numRows {
		t.Errorf("file has %d rows, want %d", n, numRows)
	}
	if s := file.Schema().NumFields(); s != 4 {
		t.Errorf("file schema has %d fields, want 4", s)
	}
	if created := file.Metadata().CreatedBy; created != "colpack_test" {
		t.Errorf("file created by %q", created)
	}

	rowGroups := file.RowGroups()
	if len(rowGroups) != 2 {
		t.Fatalf("file has %d row groups, want 2", len(rowGroups))
	}
	if n := rowGroups[0].NumRows(); n != 32 {
		t.Errorf("first row group has %d rows, want 32", n)
	}
	if n := rowGroups[1].NumRows(); n != 18 {
		t.Errorf("second row group has %d rows, want 18", n)
	}
	if n := rowGroups[0].NumPages(); n != 4 {
		t.Errorf("first row group has %d pages, want 4", n)
	}
	if n := rowGroups[1].NumPages(); n != 3 {
		t.Errorf("second row group has %d pages, want 3", n)
	}
	if n := rowGroups[1].PageRows(2); n != 2 {
		t.Errorf("last page of second row group has %d rows, want 2", n)
	}
}

func TestReadPages(t *testing.T) {
	const numRows = 40
	buffer := writeTestFile(t, numRows, colpack.RowsPerPage(16), colpack.RowsPerGroup(64))
	file := openTestFile(t, buffer)
	columns := testRows(numRows)

	for c := 0; c < file.Schema().NumFields(); c++ {
		var got []colpack.Value
		for _, rg := range file.RowGroups() {
			for p := 0; p < rg.NumPages(); p++ {
				page, err := rg.Column(c).ReadPage(p)
				if err != nil {
					t.Fatal(err)
				}
				got = append(got, page.Values()...)
			}
		}
		if len(got) != numRows {
			t.Fatalf("column %d decoded %d values, want %d", c, len(got), numRows)
		}
		for i := range got {
			if !colpack.Equal(got[i], columns[c][i]) {
				t.Fatalf("column %d row %d: got %s, want %s", c, i, got[i], columns[c][i])
			}
		}
	}
}

func TestSequentialPages(t *testing.T) {
	const numRows = 30
	buffer := writeTestFile(t, numRows, colpack.RowsPerPage(7))
	file := openTestFile(t, buffer)
	columns := testRows(numRows)

	for c := 0; c < file.Schema().NumFields(); c++ {
		pages := file.RowGroups()[0].Column(c).Pages()
		var got []colpack.Value
		for {
			page, err := pages.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, page.Values()...)
		}
		if len(got) != numRows {
			t.Fatalf("column %d decoded %d values, want %d", c, len(got), numRows)
		}
		for i := range got {
			if !colpack.Equal(got[i], columns[c][i]) {
				t.Fatalf("column %d row %d: got %s, want %s", c, i, got[i], columns[c][i])
			}
		}
	}
}

func TestColumnChunkStatistics(t *testing.T) {
	const numRows = 25
	buffer := writeTestFile(t, numRows, colpack.RowsPerPage(10))
	file := openTestFile(t, buffer)
	rg := file.RowGroups()[0]

	min, max, ok := rg.Column(0).Bounds()
	if !ok {
		t.Fatal("id column has no bounds")
	}
	if min.Int64() != 0 || max.Int64() != numRows-1 {
		t.Errorf("id bounds are [%s,%s], want [0,%d]", min, max, numRows-1)
	}

	nulls, ok := rg.Column(2).NullCount()
	if !ok {
		t.Fatal("name column has no null count")
	}
	if nulls != 5 {
		t.Errorf("name column has %d nulls, want 5", nulls)
	}

	nulls, ok = rg.Column(0).NullCount()
	if !ok {
		t.Fatal("id column has no null count")
	}
	if nulls != 0 {
		t.Errorf("id column has %d nulls, want 0", nulls)
	}
}

func TestColumnIndex(t *testing.T) {
	const numRows = 32
	buffer := writeTestFile(t, numRows, colpack.RowsPerPage(8))
	file := openTestFile(t, buffer)
	rg := file.RowGroups()[0]

	index, err := rg.Column(0).ColumnIndex()
	if err != nil {
		t.Fatal(err)
	}
	if index == nil {
		t.Fatal("id column has no column index")
	}
	if len(index.NullPages) != 4 {
		t.Fatalf("column index describes %d pages, want 4", len(index.NullPages))
	}
	for p := 0; p < 4; p++ {
		min, err := colpack.DecodePlainValue(colpack.Int64, index.MinValues[p])
		if err != nil {
			t.Fatal(err)
		}
		max, err := colpack.DecodePlainValue(colpack.Int64, index.MaxValues[p])
		if err != nil {
			t.Fatal(err)
		}
		if min.Int64() != int64(8*p) || max.Int64() != int64(8*p+7) {
			t.Errorf("page %d bounds are [%s,%s], want [%d,%d]", p, min, max, 8*p, 8*p+7)
		}
	}

	offsets, err := rg.Column(0).OffsetIndex()
	if err != nil {
		t.Fatal(err)
	}
	if offsets == nil {
		t.Fatal("id column has no offset index")
	}
	for p, loc := range offsets.PageLocations {
		if loc.FirstRowIndex != int64(8*p) {
			t.Errorf("page %d starts at row %d, want %d", p, loc.FirstRowIndex, 8*p)
		}
	}
}

func TestBloomFilter(t *testing.T) {
	const numRows = 100
	buffer := writeTestFile(t, numRows, colpack.BloomFilters(10))
	file := openTestFile(t, buffer)
	rg := file.RowGroups()[0]

	filter := rg.Column(0).BloomFilter()
	if filter == nil {
		t.Fatal("id column has no bloom filter")
	}
	for i := int64(0); i < numRows; i++ {
		ok, err := filter.Check(colpack.Int64Value(i))
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Errorf("bloom filter misses value %d that is in the chunk", i)
		}
	}

	misses := 0
	for i := int64(numRows); i < 2*numRows; i++ {
		ok, err := filter.Check(colpack.Int64Value(i))
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			misses++
		}
	}
	if misses == 0 {
		t.Error("bloom filter claims to contain every absent value")
	}

	names := rg.Column(2).BloomFilter()
	if names == nil {
		t.Fatal("name column has no bloom filter")
	}
	ok, err := names.Check(colpack.StringValue("name-003"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error(`bloom filter misses "name-003" which is in the chunk`)
	}
	if ok, _ := names.Check(colpack.NullValue(colpack.ByteArray)); ok {
		t.Error("bloom filter claims to contain the null value")
	}
}

func TestNoBloomFilterByDefault(t *testing.T) {
	buffer := writeTestFile(t, 10)
	file := openTestFile(t, buffer)
	if f := file.RowGroups()[0].Column(0).BloomFilter(); f != nil {
		t.Error("files are written with bloom filters even though the option is off")
	}
}

func TestReadFooterOnly(t *testing.T) {
	buffer := writeTestFile(t, 20)
	metadata, err := colpack.ReadFooter(bytes.NewReader(buffer.Bytes()), int64(buffer.Len()))
	if err != nil {
		t.Fatal(err)
	}
	if metadata.NumRows != 20 {
		t.Errorf("footer says %d rows, want 20", metadata.NumRows)
	}
	file, err := colpack.NewFile(metadata, bytes.NewReader(buffer.Bytes()), int64(buffer.Len()))
	if err != nil {
		t.Fatal(err)
	}
	if file.NumRows() != 20 {
		t.Errorf("file has %d rows, want 20", file.NumRows())
	}
}

func TestOpenFileErrors(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		_, err := colpack.OpenFile(bytes.NewReader(nil), 0)
		if err == nil {
			t.Fatal("opening an empty file did not fail")
		}
	})

	t.Run("bad magic header", func(t *testing.T) {
		buffer := writeTestFile(t, 10)
		data := buffer.Bytes()
		data[0] = 'X'
		_, err := colpack.OpenFile(bytes.NewReader(data), int64(len(data)))
		if !errors.Is(err, colpack.ErrCorrupted) {
			t.Fatalf("opening a file with a bad magic header: %v", err)
		}
	})

	t.Run("bad magic footer", func(t *testing.T) {
		buffer := writeTestFile(t, 10)
		data := buffer.Bytes()
		data[len(data)-1] = 'X'
		_, err := colpack.OpenFile(bytes.NewReader(data), int64(len(data)))
		if !errors.Is(err, colpack.ErrCorrupted) {
			t.Fatalf("opening a file with a bad magic footer: %v", err)
		}
	})

	t.Run("truncated footer", func(t *testing.T) {
		buffer := writeTestFile(t, 10)
		data := buffer.Bytes()
		// Cut into the footer while keeping the trailer intact.
		trailer := data[len(data)-8:]
		data = append(data[:len(data)-100], trailer...)
		_, err := colpack.OpenFile(bytes.NewReader(data), int64(len(data)))
		if err == nil {
			t.Fatal("opening a file with a truncated footer did not fail")
		}
	})
}

func TestCorruptedPage(t *testing.T) {
	buffer := writeTestFile(t, 20, colpack.Compression(format.Uncompressed))
	file := openTestFile(t, buffer)

	chunk := file.RowGroups()[0].Column(0)
	offsets, err := chunk.OffsetIndex()
	if err != nil {
		t.Fatal(err)
	}

	// Flip one byte in the body of the first page of the id column.
	data := append([]byte(nil), buffer.Bytes()...)
	loc := offsets.PageLocations[0]
	data[loc.Offset+int64(loc.CompressedPageSize)-1] ^= 0xff

	corrupted, err := colpack.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	_, err = corrupted.RowGroups()[0].Column(0).ReadPage(0)
	if !errors.Is(err, colpack.ErrCorrupted) {
		t.Fatalf("reading a corrupted page: %v", err)
	}
}

func TestWriterValidation(t *testing.T) {
	schema := testSchema(t)

	t.Run("kind mismatch", func(t *testing.T) {
		w, err := colpack.NewWriter(new(bytes.Buffer), schema)
		if err != nil {
			t.Fatal(err)
		}
		err = w.WriteRow(
			colpack.Int32Value(1), // id is INT64
			colpack.DoubleValue(0),
			colpack.StringValue("x"),
			colpack.BooleanValue(true),
		)
		if err == nil {
			t.Fatal("writing a value of the wrong kind did not fail")
		}
	})

	t.Run("null in non-nullable column", func(t *testing.T) {
		w, err := colpack.NewWriter(new(bytes.Buffer), schema)
		if err != nil {
			t.Fatal(err)
		}
		err = w.WriteRow(
			colpack.NullValue(colpack.Int64),
			colpack.DoubleValue(0),
			colpack.StringValue("x"),
			colpack.BooleanValue(true),
		)
		if err == nil {
			t.Fatal("writing a null in a non-nullable column did not fail")
		}
	})

	t.Run("closed writer", func(t *testing.T) {
		w, err := colpack.NewWriter(new(bytes.Buffer), schema)
		if err != nil {
			t.Fatal(err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
		if err := w.WriteRow(
			colpack.Int64Value(1),
			colpack.DoubleValue(0),
			colpack.StringValue("x"),
			colpack.BooleanValue(true),
		); err == nil {
			t.Fatal("writing to a closed writer did not fail")
		}
	})

	t.Run("invalid configuration", func(t *testing.T) {
		_, err := colpack.NewWriter(new(bytes.Buffer), schema, colpack.RowsPerPage(-1))
		if err == nil {
			t.Fatal("constructing a writer with a negative page size did not fail")
		}
	})
}

func TestWriterFlushBoundaries(t *testing.T) {
	buffer := new(bytes.Buffer)
	writer, err := colpack.NewWriter(buffer, testSchema(t), colpack.RowsPerPage(4))
	if err != nil {
		t.Fatal(err)
	}
	columns := testRows(6)
	if err := writer.WriteColumns(columns...); err != nil {
		t.Fatal(err)
	}
	if err := writer.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := writer.WriteColumns(columns...); err != nil {
		t.Fatal(err)
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}

	file := openTestFile(t, buffer)
	if n := len(file.RowGroups()); n != 2 {
		t.Fatalf("file has %d row groups, want 2", n)
	}
	if n := file.NumRows(); n != 12 {
		t.Errorf("file has %d rows, want 12", n)
	}
}

func TestCompressionRoundtrip(t *testing.T) {
	for _, codec := range []format.CompressionCodec{
		format.Uncompressed,
		format.Snappy,
		format.Gzip,
		format.Brotli,
		format.Lz4,
		format.Zstd,
	} {
		t.Run(codec.String(), func(t *testing.T) {
			buffer := writeTestFile(t, 20, colpack.Compression(codec))
			file := openTestFile(t, buffer)
			page, err := file.RowGroups()[0].Column(0).ReadPage(0)
			if err != nil {
				t.Fatal(err)
			}
			if page.NumValues() != 20 {
				t.Errorf("page has %d values, want 20", page.NumValues())
			}
		})
	}
}

func TestSchemaValidation(t *testing.T) {
	if _, err := colpack.NewSchema(); err == nil {
		t.Error("constructing an empty schema did not fail")
	}
	if _, err := colpack.NewSchema(colpack.Field{Name: "", Kind: colpack.Int32}); err == nil {
		t.Error("constructing a schema with an unnamed field did not fail")
	}
	if _, err := colpack.NewSchema(
		colpack.Field{Name: "a", Kind: colpack.Int32},
		colpack.Field{Name: "a", Kind: colpack.Int64},
	); err == nil {
		t.Error("constructing a schema with duplicate field names did not fail")
	}
	if _, err := colpack.NewSchema(colpack.Field{Name: "a", Kind: colpack.Kind(42)}); err == nil {
		t.Error("constructing a schema with an unsupported kind did not fail")
	}
}
