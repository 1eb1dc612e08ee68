package scan

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// RangeReader is the byte-range read capability a Source exposes for one
// file. Implementations are allowed to block the calling goroutine; the scan
// engine only invokes them from its I/O pool.
//
// ReadRange returns exactly length bytes or an error; short reads are
// errors. Implementations must be safe for concurrent use.
type RangeReader interface {
	ReadRange(ctx context.Context, offset, length int64) ([]byte, error)
	Size() int64
}

// Source resolves the file locations of a scan to range readers. Sources are
// registered by name; the host environment decides which names exist and
// what they connect to.
type Source interface {
	Open(ctx context.Context, location string) (RangeReader, error)
}

var sources struct {
	mutex sync.RWMutex
	table map[string]Source
}

// RegisterSource makes a storage source available to scans under the given
// name. Registering two sources under the same name panics, like
// database/sql drivers do.
func RegisterSource(name string, source Source) {
	sources.mutex.Lock()
	defer sources.mutex.Unlock()
	if source == nil {
		panic("scan: registering a nil source")
	}
	if _, exists := sources.table[name]; exists {
		panic("scan: source registered twice: " + name)
	}
	if sources.table == nil {
		sources.table = make(map[string]Source)
	}
	sources.table[name] = source
}

// LookupSource returns the source registered under the given name.
func LookupSource(name string) (Source, error) {
	sources.mutex.RLock()
	defer sources.mutex.RUnlock()
	source, exists := sources.table[name]
	if !exists {
		return nil, fmt.Errorf("scan: unknown source %q (registered: %v)", name, sourceNames())
	}
	return source, nil
}

func sourceNames() []string {
	names := make([]string, 0, len(sources.table))
	for name := range sources.table {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LocalSource returns a source reading files of the local filesystem below
// the given root directory. Locations are slash-separated paths relative to
// the root; escaping the root is an error.
func LocalSource(root string) Source {
	return &localSource{root: root}
}

type localSource struct {
	root string
}

func (s *localSource) Open(ctx context.Context, location string) (RangeReader, error) {
	if !fs.ValidPath(location) {
		return nil, fmt.Errorf("scan: invalid local location %q", location)
	}
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(location)))
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &localRangeReader{file: f, size: info.Size()}, nil
}

type localRangeReader struct {
	file *os.File
	size int64
}

func (r *localRangeReader) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	data := make([]byte, length)
	n, err := r.file.ReadAt(data, offset)
	if err == io.EOF && int64(n) == length {
		err = nil
	}
	if err != nil {
		return data[:n], err
	}
	return data, nil
}

func (r *localRangeReader) Size() int64 { return r.size }
