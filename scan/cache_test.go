package scan_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/zzcclp/blaze/colpack/format"
	"github.com/zzcclp/blaze/scan"
	"golang.org/x/sync/errgroup"
)

func footerOfSize(numRows int64) *format.FileMetaData {
	return &format.FileMetaData{Version: 1, NumRows: numRows}
}

func TestFooterCacheSingleFlight(t *testing.T) {
	const concurrency = 32

	cache := scan.NewFooterCache(5)
	fetches := atomic.Int64{}
	release := make(chan struct{})

	group, ctx := errgroup.WithContext(context.Background())
	results := make([]*format.FileMetaData, concurrency)
	for i := 0; i < concurrency; i++ {
		i := i
		group.Go(func() error {
			footer, err := cache.Get(ctx, "file-0", 100, func(context.Context) (*format.FileMetaData, error) {
				fetches.Add(1)
				<-release
				return footerOfSize(42), nil
			})
			results[i] = footer
			return err
		})
	}

	// Let every goroutine reach the slot before the fetch resolves, so that
	// the test actually exercises concurrent waiters.
	close(release)
	if err := group.Wait(); err != nil {
		t.Fatal(err)
	}

	if n := fetches.Load(); n != 1 {
		t.Errorf("%d concurrent requests triggered %d fetches, expected 1", concurrency, n)
	}
	for i, footer := range results {
		if footer != results[0] {
			t.Fatalf("request %d received a different footer than request 0", i)
		}
	}
	if stats := cache.Stats(); stats.Misses != 1 || stats.Hits != concurrency-1 {
		t.Errorf("stats = %+v, expected 1 miss and %d hits", stats, concurrency-1)
	}
}

func TestFooterCacheBounded(t *testing.T) {
	const capacity = 5

	cache := scan.NewFooterCache(capacity)
	ctx := context.Background()

	fetched := []string{}
	get := func(location string) {
		_, err := cache.Get(ctx, location, 100, func(context.Context) (*format.FileMetaData, error) {
			fetched = append(fetched, location)
			return footerOfSize(1), nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 2*capacity; i++ {
		get(fmt.Sprintf("file-%d", i))
		if n := cache.Len(); n > capacity {
			t.Fatalf("cache grew to %d entries, capacity is %d", n, capacity)
		}
	}

	// The newest capacity entries survived; the oldest were evicted in
	// insertion order, so re-requesting the very first file fetches again.
	get("file-9")
	if len(fetched) != 2*capacity {
		t.Errorf("hit on a retained entry triggered a fetch: %q", fetched)
	}
	get("file-0")
	if len(fetched) != 2*capacity+1 {
		t.Errorf("evicted entry was not re-fetched: %q", fetched)
	}

	if stats := cache.Stats(); stats.Evictions < capacity {
		t.Errorf("evictions = %d, expected at least %d", stats.Evictions, capacity)
	}
}

func TestFooterCacheRetryAfterFailure(t *testing.T) {
	cache := scan.NewFooterCache(5)
	ctx := context.Background()
	fetchErr := errors.New("storage unreachable")

	attempts := 0
	fetch := func(context.Context) (*format.FileMetaData, error) {
		attempts++
		if attempts == 1 {
			return nil, fetchErr
		}
		return footerOfSize(7), nil
	}

	if _, err := cache.Get(ctx, "file-0", 100, fetch); !errors.Is(err, fetchErr) {
		t.Fatalf("first fetch returned %v, expected %v", err, fetchErr)
	}

	// The failure was not cached: the next request retries and succeeds.
	footer, err := cache.Get(ctx, "file-0", 100, fetch)
	if err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}
	if footer.NumRows != 7 {
		t.Errorf("second fetch returned %d rows, expected 7", footer.NumRows)
	}
	if attempts != 2 {
		t.Errorf("fetch ran %d times, expected 2", attempts)
	}

	// And the retried value is now cached.
	if _, err := cache.Get(ctx, "file-0", 100, fetch); err != nil {
		t.Fatal(err)
	}
	if attempts != 2 {
		t.Errorf("fetch ran %d times after a hit, expected 2", attempts)
	}
}

func TestFooterCacheSizeChangeInvalidates(t *testing.T) {
	cache := scan.NewFooterCache(5)
	ctx := context.Background()

	fetches := 0
	fetch := func(context.Context) (*format.FileMetaData, error) {
		fetches++
		return footerOfSize(int64(fetches)), nil
	}

	if _, err := cache.Get(ctx, "file-0", 100, fetch); err != nil {
		t.Fatal(err)
	}
	footer, err := cache.Get(ctx, "file-0", 200, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if fetches != 2 {
		t.Fatalf("a size change did not invalidate the entry: %d fetches", fetches)
	}
	if footer.NumRows != 2 {
		t.Errorf("stale footer returned after the file changed size")
	}
	if cache.Len() != 1 {
		t.Errorf("cache holds %d entries for one location, expected 1", cache.Len())
	}
}

func TestFooterCacheWaiterCancellation(t *testing.T) {
	cache := scan.NewFooterCache(5)
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = cache.Get(context.Background(), "file-0", 100, func(context.Context) (*format.FileMetaData, error) {
			close(started)
			<-release
			return footerOfSize(1), nil
		})
	}()

	<-started
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := cache.Get(ctx, "file-0", 100, func(context.Context) (*format.FileMetaData, error) {
		t.Error("a waiter must not start a second fetch")
		return nil, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled waiter returned %v, expected context.Canceled", err)
	}
	close(release)
}
