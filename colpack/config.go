package colpack

import (
	"fmt"
	"strings"

	"github.com/zzcclp/blaze/colpack/format"
)

const (
	// DefaultRowsPerPage is the default page row window of writers.
	DefaultRowsPerPage = 1024

	// DefaultRowsPerGroup is the default number of rows buffered into a row
	// group by writers.
	DefaultRowsPerGroup = 1 << 16
)

// The WriterConfig type carries configuration options for colpack writers.
type WriterConfig struct {
	CreatedBy    string
	RowsPerPage  int
	RowsPerGroup int
	Compression  format.CompressionCodec

	// Number of bits of bloom filter per value; zero disables the filters.
	BloomFilterBitsPerValue int
}

// DefaultWriterConfig returns the default configuration of colpack writers.
func DefaultWriterConfig() *WriterConfig {
	return &WriterConfig{
		RowsPerPage:  DefaultRowsPerPage,
		RowsPerGroup: DefaultRowsPerGroup,
		Compression:  format.Snappy,
	}
}

// Apply applies the given list of options to c.
func (c *WriterConfig) Apply(options ...WriterOption) {
	for _, opt := range options {
		opt.ConfigureWriter(c)
	}
}

// Validate returns a non-nil error if the configuration of c is invalid.
func (c *WriterConfig) Validate() error {
	const baseName = "colpack.(*WriterConfig)."
	return errorInvalidConfiguration(
		validatePositiveInt(baseName+"RowsPerPage", c.RowsPerPage),
		validatePositiveInt(baseName+"RowsPerGroup", c.RowsPerGroup),
		validateCompression(baseName+"Compression", c.Compression),
		validateIntRange(baseName+"BloomFilterBitsPerValue", c.BloomFilterBitsPerValue, 0, 64),
	)
}

// WriterOption is an interface implemented by types that carry configuration
// options for colpack writers.
type WriterOption interface {
	ConfigureWriter(*WriterConfig)
}

// CreatedBy creates a configuration option which sets the name of the
// application that created a colpack file.
//
// By default, this information is omitted.
func CreatedBy(createdBy string) WriterOption {
	return writerOption(func(config *WriterConfig) { config.CreatedBy = createdBy })
}

// RowsPerPage creates a configuration option which sets the page row window
// of the file. Within a row group, all column chunks split their values into
// pages at the same row boundaries.
//
// Defaults to 1024 rows.
func RowsPerPage(numRows int) WriterOption {
	return writerOption(func(config *WriterConfig) { config.RowsPerPage = numRows })
}

// RowsPerGroup creates a configuration option which sets the number of rows
// buffered into each row group.
//
// Defaults to 65536 rows.
func RowsPerGroup(numRows int) WriterOption {
	return writerOption(func(config *WriterConfig) { config.RowsPerGroup = numRows })
}

// Compression creates a configuration option which sets the compression
// codec of page bodies.
//
// Defaults to SNAPPY.
func Compression(codec format.CompressionCodec) WriterOption {
	return writerOption(func(config *WriterConfig) { config.Compression = codec })
}

// BloomFilters creates a configuration option which enables writing a
// split-block bloom filter for every column chunk, sized at the given number
// of bits per value.
//
// Defaults to disabled; 10 bits per value gives a false positive rate around
// one percent.
func BloomFilters(bitsPerValue int) WriterOption {
	return writerOption(func(config *WriterConfig) { config.BloomFilterBitsPerValue = bitsPerValue })
}

type writerOption func(*WriterConfig)

func (opt writerOption) ConfigureWriter(config *WriterConfig) { opt(config) }

func validatePositiveInt(optionName string, optionValue int) error {
	if optionValue > 0 {
		return nil
	}
	return errorInvalidOptionValue(optionName, optionValue)
}

func validateIntRange(optionName string, optionValue, min, max int) error {
	if optionValue >= min && optionValue <= max {
		return nil
	}
	return errorInvalidOptionValue(optionName, optionValue)
}

func validateCompression(optionName string, optionValue format.CompressionCodec) error {
	if LookupCompressionCodec(optionValue) != nil {
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
