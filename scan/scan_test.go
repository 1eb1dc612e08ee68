package scan_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zzcclp/blaze/colpack"
	"github.com/zzcclp/blaze/scan"
	"golang.org/x/sync/errgroup"
)

func scanSchema(t *testing.T) *colpack.Schema {
	t.Helper()
	schema, err := colpack.NewSchema(
		colpack.Field{Name: "id", Kind: colpack.Int64},
		colpack.Field{Name: "score", Kind: colpack.Double},
		colpack.Field{Name: "name", Kind: colpack.ByteArray, Nullable: true},
	)
	if err != nil {
		t.Fatal(err)
	}
	return schema
}

// writeScanFile writes a test file holding numRows rows with consecutive ids
// starting at firstID; every fifth name is null.
func writeScanFile(t *testing.T, dir, name string, firstID, numRows int, options ...colpack.WriterOption) scan.FilePartition {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	options = append([]colpack.WriterOption{
		colpack.RowsPerPage(8),
		colpack.RowsPerGroup(20),
	}, options...)
	writer, err := colpack.NewWriter(f, scanSchema(t), options...)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < numRows; i++ {
		id := int64(firstID + i)
		name := colpack.NullValue(colpack.ByteArray)
		if i%5 != 0 {
			name = colpack.StringValue("name-" + colpack.Int64Value(id).String())
		}
		if err := writer.WriteRow(
			colpack.Int64Value(id),
			colpack.DoubleValue(float64(id)/2),
			name,
		); err != nil {
			t.Fatal(err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}
	info, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}
	return scan.FilePartition{Location: name, Size: info.Size()}
}

type readRange struct {
	offset int64
	length int64
}

// recordingSource decorates a source to record every range read, per file
// location.
type recordingSource struct {
	inner scan.Source

	mutex sync.Mutex
	reads map[string][]readRange
}

func newRecordingSource(inner scan.Source) *recordingSource {
	return &recordingSource{inner: inner, reads: make(map[string][]readRange)}
}

func (s *recordingSource) Open(ctx context.Context, location string) (scan.RangeReader, error) {
	reader, err := s.inner.Open(ctx, location)
	if err != nil {
		return nil, err
	}
	return &recordingReader{source: s, location: location, inner: reader}, nil
}

func (s *recordingSource) readsOf(location string) []readRange {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]readRange(nil), s.reads[location]...)
}

func (s *recordingSource) bytesRequested() int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	total := int64(0)
	for _, reads := range s.reads {
		for _, r := range reads {
			total += r.length
		}
	}
	return total
}

type recordingReader struct {
	source   *recordingSource
	location string
	inner    scan.RangeReader
}

func (r *recordingReader) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	r.source.mutex.Lock()
	r.source.reads[r.location] = append(r.source.reads[r.location], readRange{offset, length})
	r.source.mutex.Unlock()
	return r.inner.ReadRange(ctx, offset, length)
}

func (r *recordingReader) Size() int64 { return r.inner.Size() }

func (r *recordingReader) Close() error {
	if c, ok := r.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// newTestSource registers a recording source over a local directory under a
// name unique to the test.
func newTestSource(t *testing.T, dir string) (string, *recordingSource) {
	t.Helper()
	source := newRecordingSource(scan.LocalSource(dir))
	name := "test/" + t.Name()
	scan.RegisterSource(name, source)
	return name, source
}

// collectIDs drains the partitions of a plan in order and returns the values
// of the id column (which tests always project first).
func collectIDs(t *testing.T, plan *scan.Plan) []int64 {
	t.Helper()
	var ids []int64
	for partition := 0; partition < plan.Partitions(); partition++ {
		ids = append(ids, collectPartitionIDs(t, plan, partition)...)
	}
	return ids
}

func collectPartitionIDs(t *testing.T, plan *scan.Plan, partition int) []int64 {
	t.Helper()
	stream, err := plan.Execute(context.Background(), partition)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Release()

	var ids []int64
	for stream.Next() {
		batch := stream.RecordBatch()
		column := batch.Column(0).(*array.Int64)
		for i := 0; i < column.Len(); i++ {
			ids = append(ids, column.Value(i))
		}
	}
	if err := stream.Err(); err != nil {
		t.Fatal(err)
	}
	return ids
}

func sequence(first, count int) []int64 {
	ids := make([]int64, count)
	for i := range ids {
		ids[i] = int64(first + i)
	}
	return ids
}

func equalInt64s(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestScanAllRows(t *testing.T) {
	dir := t.TempDir()
	sourceName, _ := newTestSource(t, dir)

	config := scan.ScanConfig{
		FileGroups: [][]scan.FilePartition{{writeScanFile(t, dir, "f0.colpack", 0, 57)}},
		Schema:     scanSchema(t),
	}
	plan, err := scan.NewPlan(config, sourceName, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer plan.Close()

	if fields := plan.Schema().Fields(); len(fields) != 3 {
		t.Fatalf("projected schema has %d fields, expected 3", len(fields))
	}
	ids := collectIDs(t, plan)
	if !equalInt64s(ids, sequence(0, 57)) {
		t.Errorf("scan produced ids %v", ids)
	}
	if m := plan.Metrics(); m.RowsProduced != 57 {
		t.Errorf("RowsProduced = %d, expected 57", m.RowsProduced)
	}
}

func TestScanProjection(t *testing.T) {
	dir := t.TempDir()
	sourceName, source := newTestSource(t, dir)

	file := writeScanFile(t, dir, "f0.colpack", 0, 30)
	config := scan.ScanConfig{
		FileGroups: [][]scan.FilePartition{{file}},
		Schema:     scanSchema(t),
		Projection: []int{0},
	}
	plan, err := scan.NewPlan(config, sourceName, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer plan.Close()

	if fields := plan.Schema().Fields(); len(fields) != 1 || fields[0].Name != "id" {
		t.Fatalf("projected schema is %v, expected just id", fields)
	}
	ids := collectIDs(t, plan)
	if !equalInt64s(ids, sequence(0, 30)) {
		t.Errorf("scan produced ids %v", ids)
	}

	// The projection must show in the bytes read: scanning one of three
	// columns reads less than the whole file.
	if requested := source.bytesRequested(); requested >= file.Size {
		t.Errorf("projected scan requested %d of %d bytes", requested, file.Size)
	}
}

func TestScanRowLimit(t *testing.T) {
	dir := t.TempDir()
	sourceName, _ := newTestSource(t, dir)

	config := scan.ScanConfig{
		FileGroups: [][]scan.FilePartition{{
			writeScanFile(t, dir, "f0.colpack", 0, 40),
			writeScanFile(t, dir, "f1.colpack", 40, 40),
		}},
		Schema: scanSchema(t),
		Limit:  31,
	}
	plan, err := scan.NewPlan(config, sourceName, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer plan.Close()

	ids := collectIDs(t, plan)
	if !equalInt64s(ids, sequence(0, 31)) {
		t.Errorf("limited scan produced %d ids: %v", len(ids), ids)
	}
	if m := plan.Metrics(); m.RowsProduced != 31 {
		t.Errorf("RowsProduced = %d, expected 31", m.RowsProduced)
	}
}

func TestScanPruningSafety(t *testing.T) {
	dir := t.TempDir()
	sourceName, _ := newTestSource(t, dir)

	files := []scan.FilePartition{
		writeScanFile(t, dir, "f0.colpack", 0, 60, colpack.BloomFilters(10)),
		writeScanFile(t, dir, "f1.colpack", 60, 60, colpack.BloomFilters(10)),
	}
	config := scan.ScanConfig{
		FileGroups: [][]scan.FilePartition{files},
		Schema:     scanSchema(t),
	}

	predicates := []struct {
		where   string
		matches func(id int64) bool
	}{
		{`id > 100`, func(id int64) bool { return id > 100 }},
		{`id = 59`, func(id int64) bool { return id == 59 }},
		{`id >= 20 AND id < 25`, func(id int64) bool { return id >= 20 && id < 25 }},
		{`id < 5 OR id > 110`, func(id int64) bool { return id < 5 || id > 110 }},
		{`id IN (0, 60, 119)`, func(id int64) bool { return id == 0 || id == 60 || id == 119 }},
	}

	for _, test := range predicates {
		plan, err := scan.NewPlan(config, sourceName, mustParse(t, test.where),
			scan.PageFiltering(true), scan.BloomFiltering(true))
		if err != nil {
			t.Fatal(err)
		}
		produced := map[int64]bool{}
		for _, id := range collectIDs(t, plan) {
			produced[id] = true
		}
		plan.Close()

		for id := int64(0); id < 120; id++ {
			if test.matches(id) && !produced[id] {
				t.Errorf("%s: row %d matches the predicate but was pruned", test.where, id)
			}
		}
	}
}

func TestScanStatsPruningStopsReads(t *testing.T) {
	// Three file groups with bloom filtering on; the statistics of the
	// second file (ids up to 5) rule out id > 10 from the footer alone, so
	// its partition must produce no batches and read nothing but the
	// trailer and footer.
	dir := t.TempDir()
	sourceName, source := newTestSource(t, dir)

	config := scan.ScanConfig{
		FileGroups: [][]scan.FilePartition{
			{writeScanFile(t, dir, "f0.colpack", 100, 40, colpack.BloomFilters(10))},
			{writeScanFile(t, dir, "f1.colpack", 0, 6, colpack.BloomFilters(10))},
			{writeScanFile(t, dir, "f2.colpack", 200, 40, colpack.BloomFilters(10))},
		},
		Schema: scanSchema(t),
	}
	plan, err := scan.NewPlan(config, sourceName, mustParse(t, `id > 10`), scan.BloomFiltering(true))
	if err != nil {
		t.Fatal(err)
	}
	defer plan.Close()

	if ids := collectPartitionIDs(t, plan, 1); len(ids) != 0 {
		t.Errorf("pruned partition produced %d rows", len(ids))
	}
	if reads := source.readsOf("f1.colpack"); len(reads) != 2 {
		t.Errorf("pruned partition issued %d reads, expected the trailer and footer only: %v", len(reads), reads)
	}

	ids := append(collectPartitionIDs(t, plan, 0), collectPartitionIDs(t, plan, 2)...)
	if !equalInt64s(ids, append(sequence(100, 40), sequence(200, 40)...)) {
		t.Errorf("surviving partitions produced ids %v", ids)
	}
}

func TestScanBloomPruning(t *testing.T) {
	// Even ids only: statistics cannot rule out an absent odd id, the bloom
	// filter can.
	dir := t.TempDir()
	sourceName, source := newTestSource(t, dir)

	f, err := os.Create(filepath.Join(dir, "even.colpack"))
	if err != nil {
		t.Fatal(err)
	}
	writer, err := colpack.NewWriter(f, scanSchema(t), colpack.BloomFilters(10))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		id := int64(2 * i)
		if err := writer.WriteRow(
			colpack.Int64Value(id),
			colpack.DoubleValue(float64(id)),
			colpack.StringValue("even"),
		); err != nil {
			t.Fatal(err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}
	info, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	config := scan.ScanConfig{
		FileGroups: [][]scan.FilePartition{{{Location: "even.colpack", Size: info.Size()}}},
		Schema:     scanSchema(t),
	}

	plan, err := scan.NewPlan(config, sourceName, mustParse(t, `id = 77`), scan.BloomFiltering(true))
	if err != nil {
		t.Fatal(err)
	}
	defer plan.Close()

	if ids := collectIDs(t, plan); len(ids) != 0 {
		t.Errorf("bloom-pruned scan produced %d rows", len(ids))
	}
	for _, r := range source.readsOf("even.colpack") {
		if r.offset == 4 {
			t.Errorf("bloom-pruned scan read the first data page")
		}
	}
}

func TestScanSharedFileFetchesFooterOnce(t *testing.T) {
	dir := t.TempDir()
	sourceName, source := newTestSource(t, dir)

	file := writeScanFile(t, dir, "shared.colpack", 0, 50)
	config := scan.ScanConfig{
		FileGroups: [][]scan.FilePartition{{file}, {file}},
		Schema:     scanSchema(t),
	}
	plan, err := scan.NewPlan(config, sourceName, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer plan.Close()

	results := make([][]int64, 2)
	group := new(errgroup.Group)
	for partition := 0; partition < 2; partition++ {
		partition := partition
		group.Go(func() error {
			stream, err := plan.Execute(context.Background(), partition)
			if err != nil {
				return err
			}
			defer stream.Release()
			for stream.Next() {
				batch := stream.RecordBatch()
				column := batch.Column(0).(*array.Int64)
				for i := 0; i < column.Len(); i++ {
					results[partition] = append(results[partition], column.Value(i))
				}
			}
			return stream.Err()
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatal(err)
	}

	if !equalInt64s(results[0], results[1]) {
		t.Error("partitions over the same file produced different rows")
	}

	// One trailer read means one footer fetch across both partitions.
	trailerReads := 0
	for _, r := range source.readsOf("shared.colpack") {
		if r.offset == file.Size-8 {
			trailerReads++
		}
	}
	if trailerReads != 1 {
		t.Errorf("footer fetched %d times, expected 1", trailerReads)
	}
	if m := plan.Metrics(); m.FooterCacheHits != 1 || m.FooterCacheMisses != 1 {
		t.Errorf("cache hits=%d misses=%d, expected 1 and 1", m.FooterCacheHits, m.FooterCacheMisses)
	}
}

func corruptFile(t *testing.T, path string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	// Flip a byte inside the first data page, after the magic header. The
	// page checksum catches it at decode time; the footer stays valid.
	var b [1]byte
	if _, err := f.ReadAt(b[:], 32); err != nil {
		t.Fatal(err)
	}
	b[0] ^= 0xff
	if _, err := f.WriteAt(b[:], 32); err != nil {
		t.Fatal(err)
	}
}

func TestScanSkipsCorruptedFiles(t *testing.T) {
	dir := t.TempDir()
	sourceName, _ := newTestSource(t, dir)

	config := scan.ScanConfig{
		FileGroups: [][]scan.FilePartition{
			{writeScanFile(t, dir, "f0.colpack", 0, 30)},
			{writeScanFile(t, dir, "f1.colpack", 30, 30)},
			{writeScanFile(t, dir, "f2.colpack", 60, 30)},
		},
		Schema: scanSchema(t),
	}
	corruptFile(t, filepath.Join(dir, "f1.colpack"))

	plan, err := scan.NewPlan(config, sourceName, nil, scan.OnCorruptedFile(scan.SkipCorruptedFile))
	if err != nil {
		t.Fatal(err)
	}
	defer plan.Close()

	var ids []int64
	for partition := 0; partition < plan.Partitions(); partition++ {
		stream, err := plan.Execute(context.Background(), partition)
		if err != nil {
			t.Fatal(err)
		}
		for stream.Next() {
			batch := stream.RecordBatch()
			column := batch.Column(0).(*array.Int64)
			for i := 0; i < column.Len(); i++ {
				ids = append(ids, column.Value(i))
			}
		}
		if err := stream.Err(); err != nil {
			t.Fatalf("partition %d failed under the skip policy: %v", partition, err)
		}
		stream.Release()
	}

	if !equalInt64s(ids, append(sequence(0, 30), sequence(60, 30)...)) {
		t.Errorf("scan with a skipped file produced ids %v", ids)
	}
	if m := plan.Metrics(); m.FilesSkipped != 1 {
		t.Errorf("FilesSkipped = %d, expected 1", m.FilesSkipped)
	}
}

func TestScanFailsOnCorruptedFiles(t *testing.T) {
	dir := t.TempDir()
	sourceName, _ := newTestSource(t, dir)

	config := scan.ScanConfig{
		FileGroups: [][]scan.FilePartition{{writeScanFile(t, dir, "f0.colpack", 0, 30)}},
		Schema:     scanSchema(t),
	}
	corruptFile(t, filepath.Join(dir, "f0.colpack"))

	plan, err := scan.NewPlan(config, sourceName, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer plan.Close()

	stream, err := plan.Execute(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Release()
	for stream.Next() {
	}
	if err := stream.Err(); !errors.Is(err, colpack.ErrCorrupted) {
		t.Errorf("stream error is %v, expected a corruption error", err)
	}

	// Statistics and metrics stay available after the failure.
	if stats := plan.Statistics(); stats.TotalBytes <= 0 {
		t.Errorf("statistics unavailable after failure: %+v", stats)
	}
	if m := plan.Metrics(); m.BytesScanned <= 0 {
		t.Errorf("metrics unavailable after failure: %+v", m)
	}
}

func TestScanByteAccounting(t *testing.T) {
	dir := t.TempDir()
	sourceName, source := newTestSource(t, dir)

	config := scan.ScanConfig{
		FileGroups: [][]scan.FilePartition{{writeScanFile(t, dir, "f0.colpack", 0, 45)}},
		Schema:     scanSchema(t),
	}
	plan, err := scan.NewPlan(config, sourceName, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer plan.Close()

	collectIDs(t, plan)
	if m, requested := plan.Metrics(), source.bytesRequested(); m.BytesScanned != requested {
		t.Errorf("BytesScanned = %d, ranges requested = %d", m.BytesScanned, requested)
	}
	if m := plan.Metrics(); m.IOTime <= 0 {
		t.Errorf("IOTime = %v after a scan", m.IOTime)
	}
}

func TestScanCancellation(t *testing.T) {
	dir := t.TempDir()
	sourceName, _ := newTestSource(t, dir)

	config := scan.ScanConfig{
		FileGroups: [][]scan.FilePartition{{writeScanFile(t, dir, "f0.colpack", 0, 100)}},
		Schema:     scanSchema(t),
	}
	plan, err := scan.NewPlan(config, sourceName, nil, scan.BatchSize(4))
	if err != nil {
		t.Fatal(err)
	}
	defer plan.Close()

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := plan.Execute(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Release()

	if !stream.Next() {
		t.Fatalf("first pull failed: %v", stream.Err())
	}
	cancel()
	for stream.Next() {
	}
	if err := stream.Err(); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled stream reports %v, expected context.Canceled", err)
	}
}

func TestScanPredicateConstructionFailure(t *testing.T) {
	// A predicate that does not bind disables pruning but never fails the
	// scan: every row comes back and the failure is counted.
	dir := t.TempDir()
	sourceName, _ := newTestSource(t, dir)

	config := scan.ScanConfig{
		FileGroups: [][]scan.FilePartition{{writeScanFile(t, dir, "f0.colpack", 0, 25)}},
		Schema:     scanSchema(t),
	}
	plan, err := scan.NewPlan(config, sourceName, mustParse(t, `missing > 10`), scan.PageFiltering(true))
	if err != nil {
		t.Fatal(err)
	}
	defer plan.Close()

	ids := collectIDs(t, plan)
	if !equalInt64s(ids, sequence(0, 25)) {
		t.Errorf("scan with a failed predicate produced ids %v", ids)
	}
	if m := plan.Metrics(); m.PredicateCreationErrors != 2 {
		t.Errorf("PredicateCreationErrors = %d, expected 2 (row group and page tiers)", m.PredicateCreationErrors)
	}
}

func TestPlanStatistics(t *testing.T) {
	dir := t.TempDir()
	sourceName, source := newTestSource(t, dir)

	file := writeScanFile(t, dir, "f0.colpack", 0, 60)
	config := scan.ScanConfig{
		FileGroups: [][]scan.FilePartition{{file}},
		Schema:     scanSchema(t),
		Projection: []int{0},
	}
	plan, err := scan.NewPlan(config, sourceName, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer plan.Close()

	stats := plan.Statistics()
	if stats.TotalBytes <= 0 || stats.TotalBytes >= file.Size {
		t.Errorf("projected TotalBytes = %d for a %d byte file", stats.TotalBytes, file.Size)
	}
	if stats.Exact {
		t.Error("derived statistics must not claim exactness")
	}
	if len(source.reads) != 0 {
		t.Error("Statistics touched storage")
	}
}

func TestPlanExecuteErrors(t *testing.T) {
	dir := t.TempDir()
	sourceName, _ := newTestSource(t, dir)

	config := scan.ScanConfig{
		FileGroups: [][]scan.FilePartition{{writeScanFile(t, dir, "f0.colpack", 0, 10)}},
		Schema:     scanSchema(t),
	}
	plan, err := scan.NewPlan(config, sourceName, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := plan.Execute(context.Background(), 1); err == nil {
		t.Error("executing an out of range partition did not fail")
	}
	if plan.Partitions() != 1 {
		t.Errorf("Partitions() = %d, expected 1", plan.Partitions())
	}

	plan.Close()
	if _, err := plan.Execute(context.Background(), 0); !errors.Is(err, scan.ErrClosed) {
		t.Errorf("executing a closed plan returned %v, expected ErrClosed", err)
	}
}

func TestScanUnknownSource(t *testing.T) {
	dir := t.TempDir()

	config := scan.ScanConfig{
		FileGroups: [][]scan.FilePartition{{writeScanFile(t, dir, "f0.colpack", 0, 10)}},
		Schema:     scanSchema(t),
	}
	plan, err := scan.NewPlan(config, "no-such-source", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer plan.Close()

	stream, err := plan.Execute(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Release()
	if stream.Next() {
		t.Error("scan over an unknown source produced a batch")
	}
	if stream.Err() == nil {
		t.Error("scan over an unknown source did not fail")
	}
}

func TestMetricsCollector(t *testing.T) {
	dir := t.TempDir()
	sourceName, _ := newTestSource(t, dir)

	config := scan.ScanConfig{
		FileGroups: [][]scan.FilePartition{{writeScanFile(t, dir, "f0.colpack", 0, 20)}},
		Schema:     scanSchema(t),
	}
	plan, err := scan.NewPlan(config, sourceName, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer plan.Close()
	collectIDs(t, plan)

	registry := prometheus.NewPedanticRegistry()
	if err := registry.Register(scan.NewMetricsCollector(plan)); err != nil {
		t.Fatal(err)
	}
	families, err := registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]bool{}
	for _, family := range families {
		byName[family.GetName()] = true
	}
	for _, name := range []string{
		"blaze_scan_bytes_scanned_total",
		"blaze_scan_rows_produced_total",
		"blaze_scan_compute_seconds_total",
	} {
		if !byName[name] {
			t.Errorf("metric %s not exported: have %v", name, byName)
		}
	}
}
