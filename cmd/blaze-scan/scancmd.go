package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/fatih/color"
	"github.com/zzcclp/blaze/colpack"
	"github.com/zzcclp/blaze/expr"
	"github.com/zzcclp/blaze/internal/debug"
	"github.com/zzcclp/blaze/scan"
	"golang.org/x/sync/errgroup"
)

var registerLocal sync.Once

func scanCommand(args []string) error {
	flags := flag.NewFlagSet("scan", flag.ExitOnError)
	root := flags.String("root", ".", "directory that file locations are relative to")
	where := flags.String("where", "", "predicate used to prune row groups and pages")
	columns := flags.String("columns", "", "comma separated list of columns to read")
	limit := flags.Int64("limit", 0, "stop after emitting this many rows (0 reads everything)")
	batchSize := flags.Int("batch-size", scan.DefaultBatchSize, "rows per record batch")
	pageFiltering := flags.Bool("pages", true, "prune pages with the column indexes")
	bloomFiltering := flags.Bool("blooms", true, "prune row groups with the bloom filters")
	skipCorrupted := flags.Bool("skip-corrupted", false, "skip corrupted files instead of failing")
	quiet := flags.Bool("quiet", false, "do not print the rows, only the metrics")
	debugMode := flags.Bool("debug", false, "display debugging logs")
	flags.Parse(args)
	if flags.NArg() == 0 {
		return fmt.Errorf("usage: blaze-scan scan [flags] <files...>")
	}
	debug.Toggle(*debugMode)

	registerLocal.Do(func() { scan.RegisterSource("local", scan.LocalSource(*root)) })

	// The schema of the scan comes from the footer of the first file; the
	// plan verifies that every other file matches it.
	partitions := make([][]scan.FilePartition, flags.NArg())
	for i, location := range flags.Args() {
		info, err := os.Stat(*root + "/" + location)
		if err != nil {
			return err
		}
		partitions[i] = []scan.FilePartition{{Location: location, Size: info.Size()}}
	}
	schema, err := readSchema(*root, flags.Arg(0))
	if err != nil {
		return err
	}

	config := scan.ScanConfig{
		FileGroups: partitions,
		Schema:     schema,
		Limit:      *limit,
	}
	if *columns != "" {
		for _, name := range strings.Split(*columns, ",") {
			i, ok := schema.Lookup(strings.TrimSpace(name))
			if !ok {
				return fmt.Errorf("no column named %q in %s", name, schema)
			}
			config.Projection = append(config.Projection, i)
		}
	}

	var predicate expr.Expr
	if *where != "" {
		if predicate, err = expr.Parse(*where); err != nil {
			return err
		}
	}

	options := []scan.Option{
		scan.BatchSize(*batchSize),
		scan.PageFiltering(*pageFiltering),
		scan.BloomFiltering(*bloomFiltering),
	}
	if *skipCorrupted {
		options = append(options, scan.OnCorruptedFile(scan.SkipCorruptedFile))
	}

	plan, err := scan.NewPlan(config, "local", predicate, options...)
	if err != nil {
		return err
	}
	defer plan.Close()

	// Partitions run concurrently; each one buffers its output so that rows
	// of different files do not interleave.
	outputs := make([]bytes.Buffer, plan.Partitions())
	group, ctx := errgroup.WithContext(context.Background())
	for partition := 0; partition < plan.Partitions(); partition++ {
		partition := partition
		group.Go(func() error {
			stream, err := plan.Execute(ctx, partition)
			if err != nil {
				return err
			}
			defer stream.Release()
			for stream.Next() {
				if !*quiet {
					printBatch(&outputs[partition], stream.RecordBatch())
				}
			}
			return stream.Err()
		})
	}
	waitErr := group.Wait()

	for i := range outputs {
		_, _ = outputs[i].WriteTo(os.Stdout)
	}
	printMetrics(plan)
	return waitErr
}

func readSchema(root, location string) (*colpack.Schema, error) {
	f, err := os.Open(root + "/" + location)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	file, err := colpack.OpenFile(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", location, err)
	}
	return file.Schema(), nil
}

func printBatch(w *bytes.Buffer, batch arrow.RecordBatch) {
	for row := 0; row < int(batch.NumRows()); row++ {
		for col := 0; col < int(batch.NumCols()); col++ {
			if col > 0 {
				w.WriteByte('\t')
			}
			w.WriteString(formatValue(batch.Column(col), row))
		}
		w.WriteByte('\n')
	}
}

func formatValue(column arrow.Array, i int) string {
	if column.IsNull(i) {
		return "NULL"
	}
	switch a := column.(type) {
	case *array.Boolean:
		return strconv.FormatBool(a.Value(i))
	case *array.Int32:
		return strconv.FormatInt(int64(a.Value(i)), 10)
	case *array.Int64:
		return strconv.FormatInt(a.Value(i), 10)
	case *array.Float32:
		return strconv.FormatFloat(float64(a.Value(i)), 'g', -1, 32)
	case *array.Float64:
		return strconv.FormatFloat(a.Value(i), 'g', -1, 64)
	case *array.Binary:
		return string(a.Value(i))
	default:
		return "<?>"
	}
}

func printMetrics(plan *scan.Plan) {
	m := plan.Metrics()
	heading := color.New(color.Bold).FprintfFunc()
	heading(os.Stderr, "scan %s\n", plan.ScanID())
	fmt.Fprintf(os.Stderr, "  rows produced:    %d\n", m.RowsProduced)
	fmt.Fprintf(os.Stderr, "  bytes scanned:    %d\n", m.BytesScanned)
	fmt.Fprintf(os.Stderr, "  io time:          %s\n", m.IOTime)
	fmt.Fprintf(os.Stderr, "  footer cache:     %d hits, %d misses, %d evictions\n",
		m.FooterCacheHits, m.FooterCacheMisses, m.FooterCacheEvictions)
	if m.FilesSkipped > 0 {
		fmt.Fprintln(os.Stderr, color.YellowString("  files skipped:    %d", m.FilesSkipped))
	}
	if m.PredicateCreationErrors > 0 {
		fmt.Fprintln(os.Stderr, color.YellowString("  predicate errors: %d", m.PredicateCreationErrors))
	}
	for partition, elapsed := range m.ElapsedCompute {
		fmt.Fprintf(os.Stderr, "  partition %d:      %s\n", partition, elapsed)
	}
}
