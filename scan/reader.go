package scan

import (
	"context"
	"fmt"
	"io"
	"time"
)

// meteredReader decorates the range reader of one file with the metrics and
// scheduling contract of the scan: the bytes-scanned counter grows by the
// requested length before the read is issued, so that the metric reflects
// intent even when the read is later cancelled; the read itself runs on the
// blocking I/O pool; transport failures and short reads come back as a
// single *ReadError kind.
type meteredReader struct {
	location string
	inner    RangeReader
	pool     *ioPool
	metrics  *metrics
}

func (r *meteredReader) Size() int64 { return r.inner.Size() }

func (r *meteredReader) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	r.metrics.addBytesScanned(length)

	start := time.Now()
	data, err := r.pool.do(ctx, func() ([]byte, error) {
		return r.inner.ReadRange(ctx, offset, length)
	})
	r.metrics.addIOTime(time.Since(start))

	if err != nil {
		if ctx.Err() != nil {
			// Cancellation is not a read failure; the in-flight result is
			// discarded by the pool.
			return nil, ctx.Err()
		}
		return nil, &ReadError{Location: r.location, Offset: offset, Length: length, Err: err}
	}
	if int64(len(data)) != length {
		return nil, &ReadError{
			Location: r.location,
			Offset:   offset,
			Length:   length,
			Err:      fmt.Errorf("short read: %d of %d bytes", len(data), length),
		}
	}
	return data, nil
}

// rangeReaderAt adapts a metered reader to io.ReaderAt so that the colpack
// package can read footers, indexes and pages through it. The context is
// captured because io.ReaderAt has no room for one; each adapter lives for a
// single partition stream and carries that stream's context.
type rangeReaderAt struct {
	ctx    context.Context
	reader *meteredReader
}

func (r *rangeReaderAt) ReadAt(b []byte, offset int64) (int, error) {
	if size := r.reader.Size(); offset >= size {
		return 0, io.EOF
	}
	data, err := r.reader.ReadRange(r.ctx, offset, int64(len(b)))
	n := copy(b, data)
	if err != nil {
		return n, err
	}
	return n, nil
}
