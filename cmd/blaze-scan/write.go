package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/zzcclp/blaze/colpack"
	"github.com/zzcclp/blaze/colpack/format"
)

func writeCommand(args []string) error {
	flags := flag.NewFlagSet("write", flag.ExitOnError)
	schemaSpec := flags.String("schema", "", "schema of the file, e.g. 'id:int64,name:string?'")
	rowsPerPage := flags.Int("rows-per-page", colpack.DefaultRowsPerPage, "page row window")
	rowsPerGroup := flags.Int("rows-per-group", colpack.DefaultRowsPerGroup, "rows per row group")
	compression := flags.String("compression", "snappy", "page compression codec")
	bloomBits := flags.Int("bloom", 0, "bloom filter bits per value (0 disables the filters)")
	flags.Parse(args)
	if flags.NArg() != 1 || *schemaSpec == "" {
		return fmt.Errorf("usage: blaze-scan write -schema <spec> [flags] <file>")
	}

	schema, err := parseSchema(*schemaSpec)
	if err != nil {
		return err
	}
	codec, err := parseCodec(*compression)
	if err != nil {
		return err
	}

	f, err := os.Create(flags.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	writer, err := colpack.NewWriter(f, schema,
		colpack.RowsPerPage(*rowsPerPage),
		colpack.RowsPerGroup(*rowsPerGroup),
		colpack.Compression(codec),
		colpack.BloomFilters(*bloomBits),
		colpack.CreatedBy("blaze-scan"),
	)
	if err != nil {
		return err
	}

	// Rows come on stdin, one per line, comma separated, in schema order. An
	// empty cell is the null value of its column.
	lines := bufio.NewScanner(os.Stdin)
	row := make([]colpack.Value, schema.NumFields())
	numRows := int64(0)
	for lines.Scan() {
		line := lines.Text()
		if line == "" {
			continue
		}
		cells := strings.Split(line, ",")
		if len(cells) != schema.NumFields() {
			return fmt.Errorf("row %d has %d cells, schema has %d columns", numRows+1, len(cells), schema.NumFields())
		}
		for i, cell := range cells {
			field := schema.Field(i)
			value, err := parseValue(field, strings.TrimSpace(cell))
			if err != nil {
				return fmt.Errorf("row %d, column %q: %w", numRows+1, field.Name, err)
			}
			row[i] = value
		}
		if err := writer.WriteRow(row...); err != nil {
			return err
		}
		numRows++
	}
	if err := lines.Err(); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %d rows to %s\n", numRows, flags.Arg(0))
	return nil
}

// parseSchema parses a comma separated list of name:kind column definitions;
// a trailing "?" marks a column nullable.
func parseSchema(spec string) (*colpack.Schema, error) {
	var fields []colpack.Field
	for _, def := range strings.Split(spec, ",") {
		name, kindName, ok := strings.Cut(strings.TrimSpace(def), ":")
		if !ok {
			return nil, fmt.Errorf("invalid column definition %q, expected name:kind", def)
		}
		field := colpack.Field{Name: name}
		if strings.HasSuffix(kindName, "?") {
			field.Nullable = true
			kindName = strings.TrimSuffix(kindName, "?")
		}
		switch strings.ToLower(kindName) {
		case "bool", "boolean":
			field.Kind = colpack.Boolean
		case "int32":
			field.Kind = colpack.Int32
		case "int64":
			field.Kind = colpack.Int64
		case "float":
			field.Kind = colpack.Float
		case "double":
			field.Kind = colpack.Double
		case "string", "binary":
			field.Kind = colpack.ByteArray
		default:
			return nil, fmt.Errorf("unknown kind %q of column %q", kindName, name)
		}
		fields = append(fields, field)
	}
	return colpack.NewSchema(fields...)
}

func parseCodec(name string) (format.CompressionCodec, error) {
	switch strings.ToLower(name) {
	case "uncompressed", "none":
		return format.Uncompressed, nil
	case "snappy":
		return format.Snappy, nil
	case "gzip":
		return format.Gzip, nil
	case "brotli":
		return format.Brotli, nil
	case "lz4":
		return format.Lz4, nil
	case "zstd":
		return format.Zstd, nil
	default:
		return 0, fmt.Errorf("unknown compression codec %q", name)
	}
}

func parseValue(field colpack.Field, cell string) (colpack.Value, error) {
	if cell == "" {
		if !field.Nullable {
			return colpack.Value{}, fmt.Errorf("column is not nullable")
		}
		return colpack.NullValue(field.Kind), nil
	}
	switch field.Kind {
	case colpack.Boolean:
		v, err := strconv.ParseBool(cell)
		if err != nil {
			return colpack.Value{}, err
		}
		return colpack.BooleanValue(v), nil
	case colpack.Int32:
		v, err := strconv.ParseInt(cell, 10, 32)
		if err != nil {
			return colpack.Value{}, err
		}
		return colpack.Int32Value(int32(v)), nil
	case colpack.Int64:
		v, err := strconv.ParseInt(cell, 10, 64)
		if err != nil {
			return colpack.Value{}, err
		}
		return colpack.Int64Value(v), nil
	case colpack.Float:
		v, err := strconv.ParseFloat(cell, 32)
		if err != nil {
			return colpack.Value{}, err
		}
		return colpack.FloatValue(float32(v)), nil
	case colpack.Double:
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return colpack.Value{}, err
		}
		return colpack.DoubleValue(v), nil
	default:
		return colpack.StringValue(cell), nil
	}
}
