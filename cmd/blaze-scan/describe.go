package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/davecgh/go-spew/spew"
	"github.com/olekukonko/tablewriter"
	"github.com/zzcclp/blaze/colpack"
	"github.com/zzcclp/blaze/internal/debug"
)

func describeCommand(args []string) error {
	flags := flag.NewFlagSet("describe", flag.ExitOnError)
	debugDump := flags.Bool("debug", false, "dump the raw footer structures to stderr")
	flags.Parse(args)
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: blaze-scan describe [-debug] <file>")
	}
	debug.Toggle(*debugDump)

	path := flags.Arg(0)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	file, err := colpack.OpenFile(f, info.Size())
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	if *debugDump {
		spew.Fdump(os.Stderr, file.Metadata())
	}
	return describe(os.Stdout, file)
}

// describe prints the footer of a file as tables: the file summary, the
// schema, and the column chunks of each row group.
func describe(w io.Writer, file *colpack.File) error {
	metadata := file.Metadata()

	fmt.Fprintf(w, "version:    %d\n", metadata.Version)
	fmt.Fprintf(w, "rows:       %d\n", file.NumRows())
	fmt.Fprintf(w, "row groups: %d\n", len(file.RowGroups()))
	fmt.Fprintf(w, "size:       %d\n", file.Size())
	if metadata.CreatedBy != "" {
		fmt.Fprintf(w, "created by: %s\n", metadata.CreatedBy)
	}

	fmt.Fprintf(w, "\nschema:\n")
	schema := tablewriter.NewWriter(w)
	schema.SetHeader([]string{"column", "kind", "nullable"})
	for _, field := range file.Schema().Fields() {
		schema.Append([]string{
			field.Name,
			field.Kind.String(),
			strconv.FormatBool(field.Nullable),
		})
	}
	schema.Render()

	for _, rg := range file.RowGroups() {
		fmt.Fprintf(w, "\nrow group %d: %d rows, %d pages of %d rows\n",
			rg.Ordinal(), rg.NumRows(), rg.NumPages(), rg.RowsPerPage())

		chunks := tablewriter.NewWriter(w)
		chunks.SetHeader([]string{"column", "codec", "nulls", "min", "max", "compressed", "uncompressed", "bloom"})
		for _, chunk := range rg.Columns() {
			nulls := "?"
			if n, ok := chunk.NullCount(); ok {
				nulls = strconv.FormatInt(n, 10)
			}
			minValue, maxValue := "?", "?"
			if min, max, ok := chunk.Bounds(); ok {
				minValue, maxValue = min.String(), max.String()
			}
			meta := file.Metadata().RowGroups[rg.Ordinal()].Columns[chunk.Column()].MetaData
			bloom := "no"
			if meta.BloomFilterLength > 0 {
				bloom = strconv.Itoa(int(meta.BloomFilterLength)) + " B"
			}
			chunks.Append([]string{
				chunk.Name(),
				chunk.Codec().String(),
				nulls,
				minValue,
				maxValue,
				strconv.FormatInt(meta.TotalCompressedSize, 10),
				strconv.FormatInt(meta.TotalUncompressedSize, 10),
				bloom,
			})
		}
		chunks.Render()
	}
	return nil
}
