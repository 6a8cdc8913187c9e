package aggregator

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultTimeBucketWidth = 5 * time.Minute
	DefaultDedupeWindow    = time.Hour
)

// DefaultPriceBucketWidth is 50 currency units.
var DefaultPriceBucketWidth = decimal.NewFromInt(50)

// Unbounded disables trade id eviction: every id is remembered for the
// lifetime of the aggregate.
const Unbounded time.Duration = 0

// Config describes the bucketing of one aggregate.
type Config struct {
	TimeBucketWidth  time.Duration
	PriceBucketWidth decimal.Decimal
	// DedupeWindow bounds how far behind the newest absorbed trade an id is
	// still remembered. Unbounded keeps every id.
	DedupeWindow time.Duration
}

// DefaultConfig returns 5 minute / 50 unit buckets with a one hour dedupe window.
func DefaultConfig() Config {
	return Config{
		TimeBucketWidth:  DefaultTimeBucketWidth,
		PriceBucketWidth: DefaultPriceBucketWidth,
		DedupeWindow:     DefaultDedupeWindow,
	}
}

// ConfigError is returned when an aggregate would be built from an invalid configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks widths and windows.
func (c Config) Validate() error {
	if err := validateTimeWidth(c.TimeBucketWidth); err != nil {
		return err
	}
	if err := validatePriceWidth(c.PriceBucketWidth); err != nil {
		return err
	}
	if c.DedupeWindow < 0 {
		return &ConfigError{Field: "dedupe window", Reason: "must not be negative"}
	}
	return nil
}

func validateTimeWidth(width time.Duration) error {
	if width <= 0 {
		return &ConfigError{Field: "time bucket width", Reason: "must be positive"}
	}
	if width%time.Millisecond != 0 {
		return &ConfigError{Field: "time bucket width", Reason: "must be a whole number of milliseconds"}
	}
	return nil
}

func validatePriceWidth(width decimal.Decimal) error {
	if !width.IsPositive() {
		return &ConfigError{Field: "price bucket width", Reason: "must be positive"}
	}
	return nil
}
