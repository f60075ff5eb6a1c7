package runner

import (
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ingalless/durabletask/history/memory"
	"github.com/ingalless/durabletask/task"
)

func validConfig() Config {
	return Config{
		Pool:     &pgxpool.Pool{},
		Store:    memory.New(),
		Registry: task.NewRegistry(),
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing pool",
			mutate:  func(c *Config) { c.Pool = nil },
			wantErr: "Pool is required",
		},
		{
			name:    "missing store",
			mutate:  func(c *Config) { c.Store = nil },
			wantErr: "Store is required",
		},
		{
			name:    "missing registry",
			mutate:  func(c *Config) { c.Registry = nil },
			wantErr: "Registry is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigWithDefaults(t *testing.T) {
	t.Run("fills zero values", func(t *testing.T) {
		cfg := validConfig()
		cfg.Workers = -1

		got := cfg.withDefaults()
		if got.Workers != runtime.NumCPU() {
			t.Errorf("Workers = %d, want %d", got.Workers, runtime.NumCPU())
		}
		if got.JobTimeout != DefaultJobTimeout {
			t.Errorf("JobTimeout = %s, want %s", got.JobTimeout, DefaultJobTimeout)
		}
		if got.ShutdownTimeout != DefaultShutdownTimeout {
			t.Errorf("ShutdownTimeout = %s, want %s", got.ShutdownTimeout, DefaultShutdownTimeout)
		}
		if got.Logger == nil {
			t.Error("Logger = nil, want noop logger")
		}
		if got.HTTPClient == nil || got.HTTPClient.Timeout != DefaultHTTPTimeout {
			t.Errorf("HTTPClient = %+v, want timeout %s", got.HTTPClient, DefaultHTTPTimeout)
		}
	})

	t.Run("preserves insert-only mode", func(t *testing.T) {
		cfg := validConfig()
		cfg.Workers = 0

		if got := cfg.withDefaults(); got.Workers != 0 {
			t.Errorf("Workers = %d, want 0 (insert-only preserved)", got.Workers)
		}
	})

	t.Run("keeps explicit values", func(t *testing.T) {
		cfg := validConfig()
		cfg.Workers = 4
		cfg.JobTimeout = time.Minute

		got := cfg.withDefaults()
		if got.Workers != 4 {
			t.Errorf("Workers = %d, want 4", got.Workers)
		}
		if got.JobTimeout != time.Minute {
			t.Errorf("JobTimeout = %s, want 1m", got.JobTimeout)
		}
	})
}
