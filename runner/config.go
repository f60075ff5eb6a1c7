package runner

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ingalless/durabletask/history"
	"github.com/ingalless/durabletask/task"
)

// Default configuration values.
const (
	// DefaultWorkers is the default number of worker goroutines.
	// Use -1 to auto-detect (runtime.NumCPU()), 0 for insert-only mode.
	DefaultWorkers = -1

	// DefaultJobTimeout is the default timeout for job execution.
	DefaultJobTimeout = 30 * time.Second

	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultHTTPTimeout is the default timeout for durable HTTP calls.
	DefaultHTTPTimeout = 2 * time.Minute
)

// Logger defines the logging interface for the runner.
// Implementations should be safe for concurrent use.
type Logger interface {
	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, keysAndValues ...any)

	// Info logs an informational message with optional key-value pairs.
	Info(msg string, keysAndValues ...any)

	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, keysAndValues ...any)

	// Error logs an error message with optional key-value pairs.
	Error(msg string, keysAndValues ...any)
}

// Config configures the Runner.
type Config struct {
	// Pool is the PostgreSQL connection pool.
	// Required.
	Pool *pgxpool.Pool

	// Store is the history persistence layer.
	// Required.
	Store history.Store

	// Registry contains the registered orchestrator, activity, and entity
	// functions.
	// Required.
	Registry *task.Registry

	// Logger is the logging interface. If nil, a no-op logger is used.
	Logger Logger

	// Workers is the number of worker goroutines for processing jobs.
	// If zero, runs in insert-only mode (no job processing).
	// If negative, defaults to runtime.NumCPU().
	Workers int

	// JobTimeout is the maximum duration for a single job execution.
	// If zero, defaults to DefaultJobTimeout (30s).
	JobTimeout time.Duration

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// If zero, defaults to DefaultShutdownTimeout (30s).
	ShutdownTimeout time.Duration

	// HTTPClient performs durable HTTP calls. If nil, a client with
	// DefaultHTTPTimeout is used.
	HTTPClient *http.Client
}

// Validate checks that the configuration is valid.
// Returns an error if any required fields are missing or invalid.
func (c *Config) Validate() error {
	if c.Pool == nil {
		return errors.New("runner: Pool is required")
	}
	if c.Store == nil {
		return errors.New("runner: Store is required")
	}
	if c.Registry == nil {
		return errors.New("runner: Registry is required")
	}
	return nil
}

// withDefaults returns a copy of the config with default values applied.
// Note: Workers=0 means insert-only mode and is preserved.
func (c *Config) withDefaults() Config {
	cfg := *c

	if cfg.Workers < 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}

	return cfg
}

// noopLogger is a Logger that discards all log messages.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// TxStore extends history.Store with pgx transaction support. The runner
// uses it to commit history writes atomically with job inserts; stores
// that don't implement it fall back to non-transactional appends.
type TxStore interface {
	history.Store

	// AppendBatchTx appends events within the given transaction.
	AppendBatchTx(ctx context.Context, tx pgx.Tx, events []history.Event) error

	// LoadTx loads an instance's events within the given transaction.
	LoadTx(ctx context.Context, tx pgx.Tx, instanceID string) ([]history.Event, error)

	// GetLastSequenceTx returns the last sequence within the given
	// transaction, serialized against concurrent appends.
	GetLastSequenceTx(ctx context.Context, tx pgx.Tx, instanceID string) (int64, error)

	// PurgeTx removes an instance's events within the given transaction.
	PurgeTx(ctx context.Context, tx pgx.Tx, instanceID string) error
}
