// Package indexer builds secondary indexes online: concurrently with
// foreground traffic, in bounded chunks, resumable across workers.
package indexer

import "math"

const (
	// DefaultLimit is the default maximum records per transaction.
	DefaultLimit = 100
	// DefaultWriteLimitBytes is the default write-byte budget per
	// transaction.
	DefaultWriteLimitBytes = 900_000
	// DefaultMaxRetries is the default number of times a chunk is
	// retried before the build fails.
	DefaultMaxRetries = 100
	// DefaultRecordsPerSecond is the default pacing target.
	DefaultRecordsPerSecond = 10_000
	// DefaultLeaseLengthMillis is the default build-lease length.
	DefaultLeaseLengthMillis = 10_000

	// Unlimited disables a limit.
	Unlimited = math.MaxInt32
	// DoNotReIncreaseLimit keeps the record limit down after failures.
	DoNotReIncreaseLimit = -1
	// ProgressLogDisabled turns periodic progress logging off.
	ProgressLogDisabled = -1
)

// Config is the runtime-mutable part of a build: throttling knobs the
// ConfigLoader may change between chunks.
type Config struct {
	// MaxLimit is the most records one transaction may scan.
	MaxLimit int
	// MaxWriteLimitBytes stops a chunk once its transaction has
	// buffered this many write bytes.
	MaxWriteLimitBytes int
	// MaxRetries caps retries per chunk.
	MaxRetries int
	// RecordsPerSecond paces committed records.
	RecordsPerSecond int
	// IncreaseLimitAfter is how many consecutive successful chunks it
	// takes to start growing the record limit back toward MaxLimit.
	// DoNotReIncreaseLimit leaves it down.
	IncreaseLimitAfter int
	// ProgressLogIntervalMillis spaces periodic progress logs.
	// ProgressLogDisabled turns them off.
	ProgressLogIntervalMillis int64
}

func DefaultConfig() Config {
	return Config{
		MaxLimit:                  DefaultLimit,
		MaxWriteLimitBytes:        DefaultWriteLimitBytes,
		MaxRetries:                DefaultMaxRetries,
		RecordsPerSecond:          DefaultRecordsPerSecond,
		IncreaseLimitAfter:        DoNotReIncreaseLimit,
		ProgressLogIntervalMillis: ProgressLogDisabled,
	}
}

func (c *Config) SetDefaults() {
	if c.MaxLimit == 0 {
		c.MaxLimit = DefaultLimit
	}
	if c.MaxWriteLimitBytes == 0 {
		c.MaxWriteLimitBytes = DefaultWriteLimitBytes
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RecordsPerSecond == 0 {
		c.RecordsPerSecond = DefaultRecordsPerSecond
	}
	if c.IncreaseLimitAfter == 0 {
		c.IncreaseLimitAfter = DoNotReIncreaseLimit
	}
	if c.ProgressLogIntervalMillis == 0 {
		c.ProgressLogIntervalMillis = ProgressLogDisabled
	}
}

// ConfigLoader is consulted before every chunk attempt and may return
// an adjusted Config.
type ConfigLoader func(Config) Config

// StatePrecondition decides what to do given the index's persisted
// lifecycle state at the start of a build.
type StatePrecondition int

const (
	// BuildIfDisabledContinueIfWriteOnly resumes a write-only build in
	// place. The default.
	BuildIfDisabledContinueIfWriteOnly StatePrecondition = iota
	// BuildIfDisabled builds only a disabled index; a write-only index
	// is assumed to be another worker's build in flight.
	BuildIfDisabled
	// BuildIfDisabledRebuildIfWriteOnly restarts a write-only build
	// from scratch.
	BuildIfDisabledRebuildIfWriteOnly
	// ForceBuild rebuilds regardless of state, including readable.
	ForceBuild
	// ErrorIfDisabledContinueIfWriteOnly refuses a disabled index and
	// resumes a write-only one.
	ErrorIfDisabledContinueIfWriteOnly
)

func (p StatePrecondition) String() string {
	switch p {
	case BuildIfDisabled:
		return "build-if-disabled"
	case BuildIfDisabledContinueIfWriteOnly:
		return "build-if-disabled-continue-if-write-only"
	case BuildIfDisabledRebuildIfWriteOnly:
		return "build-if-disabled-rebuild-if-write-only"
	case ForceBuild:
		return "force-build"
	case ErrorIfDisabledContinueIfWriteOnly:
		return "error-if-disabled-continue-if-write-only"
	}
	return "unknown"
}

// IndexFromIndexPolicy selects the by-index strategy: build the target
// by scanning a readable source index instead of the record space.
type IndexFromIndexPolicy struct {
	// SourceIndex is the source index name, "" for none.
	SourceIndex string
	// AllowRecordScan falls the build back to a record scan when the
	// source fails validation.
	AllowRecordScan bool
}
