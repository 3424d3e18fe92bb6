package mvkv

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/elliotcourant/timber"
	"github.com/pkg/errors"
)

type (
	// Logger is the logging surface the database writes to. The default forwards
	// to timber's package level logger.
	Logger interface {
		Errorf(format string, args ...interface{})
		Warningf(format string, args ...interface{})
		Infof(format string, args ...interface{})
		Debugf(format string, args ...interface{})
	}

	// Options configures a database handle. Use DefaultOptions as the starting
	// point and override with the With* helpers, or load overrides from a TOML
	// file with OptionsFromTOML.
	Options struct {
		// DetectConflicts controls whether transactions track the fingerprints of
		// written keys for optimistic conflict detection. When disabled, commits
		// never fail with ErrConflict.
		DetectConflicts bool `toml:"detect_conflicts"`

		// EventLogging enables golang.org/x/net/trace event logs on the internal
		// watermarks.
		EventLogging bool `toml:"event_logging"`

		// ReadCacheSize is the maximum size in bytes of the snapshot read cache.
		// Zero disables the cache.
		ReadCacheSize int64 `toml:"read_cache_size"`

		// ConflictRetries is the number of fresh-transaction retries
		// UpdateWithRetry performs after a conflict.
		ConflictRetries uint64 `toml:"conflict_retries"`

		// RetryBackoff is the base fibonacci backoff between conflict retries.
		RetryBackoff time.Duration `toml:"retry_backoff"`

		// PendingWrites constructs the pending-write buffer for each new
		// transaction. Defaults to the in-memory btree manager.
		PendingWrites func() PendingManager `toml:"-"`

		Logger Logger `toml:"-"`
	}

	timberLogger struct{}
)

func (timberLogger) Errorf(format string, args ...interface{})   { timber.Errorf(format, args...) }
func (timberLogger) Warningf(format string, args ...interface{}) { timber.Warningf(format, args...) }
func (timberLogger) Infof(format string, args ...interface{})    { timber.Infof(format, args...) }
func (timberLogger) Debugf(format string, args ...interface{})   { timber.Debugf(format, args...) }

// DefaultOptions returns the recommended configuration: conflict detection on, no
// read cache, and timber logging.
func DefaultOptions() Options {
	return Options{
		DetectConflicts: true,
		ConflictRetries: 5,
		RetryBackoff:    10 * time.Millisecond,
		PendingWrites: func() PendingManager {
			return NewPendingManager()
		},
		Logger: timberLogger{},
	}
}

// WithDetectConflicts returns a new Options value with conflict detection set to b.
func (o Options) WithDetectConflicts(b bool) Options {
	o.DetectConflicts = b
	return o
}

// WithEventLogging returns a new Options value with watermark event logging set
// to b.
func (o Options) WithEventLogging(b bool) Options {
	o.EventLogging = b
	return o
}

// WithReadCacheSize returns a new Options value with the snapshot read cache
// bounded to size bytes.
func (o Options) WithReadCacheSize(size int64) Options {
	o.ReadCacheSize = size
	return o
}

// WithLogger returns a new Options value that logs through the provided logger.
func (o Options) WithLogger(logger Logger) Options {
	o.Logger = logger
	return o
}

// WithPendingWrites returns a new Options value that constructs each
// transaction's pending-write buffer with the provided function.
func (o Options) WithPendingWrites(fn func() PendingManager) Options {
	o.PendingWrites = fn
	return o
}

// OptionsFromTOML loads option overrides from a TOML file on top of the defaults.
func OptionsFromTOML(path string) (Options, error) {
	opts := DefaultOptions()
	if _, err := toml.DecodeFile(path, &opts); err != nil {
		return opts, errors.Wrapf(err, "could not load options from %q", path)
	}
	return opts, nil
}
