package scan

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/zzcclp/blaze/colpack"
)

const (
	// DefaultBatchSize is the default maximum number of rows per emitted
	// record batch.
	DefaultBatchSize = 8192

	// DefaultIOWorkers is the default number of goroutines of the blocking
	// I/O pool of a plan.
	DefaultIOWorkers = 4
)

// CorruptedFilePolicy selects how a scan reacts to files whose content does
// not match their metadata.
type CorruptedFilePolicy int

const (
	// FailOnCorruptedFile propagates the corruption as a stream error.
	FailOnCorruptedFile CorruptedFilePolicy = iota

	// SkipCorruptedFile drops the remainder of the corrupted file and
	// continues the scan with the remaining files.
	SkipCorruptedFile
)

func (p CorruptedFilePolicy) String() string {
	switch p {
	case FailOnCorruptedFile:
		return "fail"
	case SkipCorruptedFile:
		return "skip"
	default:
		return "unknown"
	}
}

// ScanConfig describes what a scan reads: which files, grouped into
// partitions, with which schema, projection and limit. Planners build one
// per query; it is read-only for the lifetime of the plan.
type ScanConfig struct {
	// FileGroups are the partitions of the scan, each an ordered list of
	// files scanned sequentially. The plan exposes exactly one partition
	// per group.
	FileGroups [][]FilePartition

	// Schema of the files. All files of a scan share it.
	Schema *colpack.Schema

	// Projection lists the schema indexes of the columns to decode, in
	// output order. A nil projection decodes every column.
	Projection []int

	// Limit is the maximum number of rows each partition emits; zero or
	// negative means unlimited.
	Limit int64

	// Statistics are optional planner estimates for the scan. Zero-valued
	// fields are derived from the file sizes instead.
	Statistics Statistics
}

func (c *ScanConfig) validate() error {
	if c.Schema == nil {
		return fmt.Errorf("scan configurations need a non-nil schema")
	}
	for g, group := range c.FileGroups {
		for f, file := range group {
			if file.Location == "" {
				return fmt.Errorf("file %d of group %d has no location", f, g)
			}
			if file.Size <= 0 {
				return fmt.Errorf("file %q has size %d", file.Location, file.Size)
			}
		}
	}
	for _, i := range c.Projection {
		if i < 0 || i >= c.Schema.NumFields() {
			return fmt.Errorf("projected column %d out of range: schema has %d fields", i, c.Schema.NumFields())
		}
	}
	return nil
}

// The Config type carries the configuration options of scan plans.
//
// Config implements the Option interface so that a Config value can be
// passed wherever a list of options is expected.
type Config struct {
	BatchSize           int
	PageFiltering       bool
	BloomFiltering      bool
	CorruptedFiles      CorruptedFilePolicy
	FooterCacheCapacity int
	IOWorkers           int
	Logger              *slog.Logger
	FooterCache         *FooterCache
}

// DefaultConfig returns the default configuration of scan plans.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:           DefaultBatchSize,
		CorruptedFiles:      FailOnCorruptedFile,
		FooterCacheCapacity: DefaultFooterCacheCapacity,
		IOWorkers:           DefaultIOWorkers,
		Logger:              slog.Default(),
	}
}

// Apply applies the given list of options to c.
func (c *Config) Apply(options ...Option) {
	for _, opt := range options {
		opt.Configure(c)
	}
}

// Configure applies configuration options from c to config.
func (c *Config) Configure(config *Config) {
	*config = Config{
		BatchSize:           coalesceInt(c.BatchSize, config.BatchSize),
		PageFiltering:       c.PageFiltering || config.PageFiltering,
		BloomFiltering:      c.BloomFiltering || config.BloomFiltering,
		CorruptedFiles:      c.CorruptedFiles,
		FooterCacheCapacity: coalesceInt(c.FooterCacheCapacity, config.FooterCacheCapacity),
		IOWorkers:           coalesceInt(c.IOWorkers, config.IOWorkers),
		Logger:              coalesceLogger(c.Logger, config.Logger),
		FooterCache:         coalesceCache(c.FooterCache, config.FooterCache),
	}
}

// Validate returns a non-nil error if the configuration of c is invalid.
func (c *Config) Validate() error {
	const baseName = "scan.(*Config)."
	return errorInvalidConfiguration(
		validatePositiveInt(baseName+"BatchSize", c.BatchSize),
		validatePositiveInt(baseName+"FooterCacheCapacity", c.FooterCacheCapacity),
		validatePositiveInt(baseName+"IOWorkers", c.IOWorkers),
		validatePolicy(baseName+"CorruptedFiles", c.CorruptedFiles),
	)
}

// Option is an interface implemented by types carrying configuration options
// for scan plans.
type Option interface {
	Configure(*Config)
}

// BatchSize creates a configuration option which sets the maximum number of
// rows per emitted record batch.
//
// Defaults to 8192 rows.
func BatchSize(numRows int) Option {
	return option(func(config *Config) { config.BatchSize = numRows })
}

// PageFiltering creates a configuration option which enables or disables
// page-level pruning from the page index of the files.
//
// Defaults to disabled.
func PageFiltering(enabled bool) Option {
	return option(func(config *Config) { config.PageFiltering = enabled })
}

// BloomFiltering creates a configuration option which enables or disables
// probing the bloom filters of the files when pruning row groups.
//
// Defaults to disabled.
func BloomFiltering(enabled bool) Option {
	return option(func(config *Config) { config.BloomFiltering = enabled })
}

// OnCorruptedFile creates a configuration option which selects the reaction
// of the scan to corrupted files.
//
// Defaults to FailOnCorruptedFile.
func OnCorruptedFile(policy CorruptedFilePolicy) Option {
	return option(func(config *Config) { config.CorruptedFiles = policy })
}

// FooterCacheCapacity creates a configuration option which sets the capacity
// of the footer cache created for the plan. The option has no effect when a
// cache is injected with SharedFooterCache.
//
// Defaults to 5 entries.
func FooterCacheCapacity(numEntries int) Option {
	return option(func(config *Config) { config.FooterCacheCapacity = numEntries })
}

// IOWorkers creates a configuration option which sets the number of
// goroutines of the blocking I/O pool of the plan.
//
// Defaults to 4.
func IOWorkers(numWorkers int) Option {
	return option(func(config *Config) { config.IOWorkers = numWorkers })
}

// Logger creates a configuration option which sets the structured logger of
// the plan.
//
// Defaults to slog.Default().
func Logger(logger *slog.Logger) Option {
	return option(func(config *Config) { config.Logger = logger })
}

// SharedFooterCache creates a configuration option which makes the plan use
// the given footer cache instead of creating its own, sharing parsed footers
// across plans. Sharing is safe because entries are keyed by file location
// and size.
func SharedFooterCache(cache *FooterCache) Option {
	return option(func(config *Config) { config.FooterCache = cache })
}

type option func(*Config)

func (opt option) Configure(config *Config) { opt(config) }

func coalesceInt(i1, i2 int) int {
	if i1 != 0 {
		return i1
	}
	return i2
}

func coalesceLogger(l1, l2 *slog.Logger) *slog.Logger {
	if l1 != nil {
		return l1
	}
	return l2
}

func coalesceCache(c1, c2 *FooterCache) *FooterCache {
	if c1 != nil {
		return c1
	}
	return c2
}

func validatePositiveInt(optionName string, optionValue int) error {
	if optionValue > 0 {
		return nil
	}
	return errorInvalidOptionValue(optionName, optionValue)
}

func validatePolicy(optionName string, optionValue CorruptedFilePolicy) error {
	if optionValue == FailOnCorruptedFile || optionValue == SkipCorruptedFile {
		return nil
	}
	return errorInvalidOptionValue(optionName, optionValue)
}

func errorInvalidOptionValue(optionName string, optionValue interface{}) error {
	return fmt.Errorf("invalid option value: %s: %v", optionName, optionValue)
}

func errorInvalidConfiguration(reasons ...error) error {
	var err *invalidConfiguration

	for _, reason := range reasons {
		if reason != nil {
			if err == nil {
				err = new(invalidConfiguration)
			}
			err.reasons = append(err.reasons, reason)
		}
	}

	if err != nil {
		return err
	}

	return nil
}

type invalidConfiguration struct {
	reasons []error
}

func (err *invalidConfiguration) Error() string {
	errorMessage := new(strings.Builder)
	for _, reason := range err.reasons {
		errorMessage.WriteString(reason.Error())
		errorMessage.WriteString("\n")
	}
	errorString := errorMessage.String()
	if errorString != "" {
		errorString = errorString[:len(errorString)-1]
	}
	return errorString
}
