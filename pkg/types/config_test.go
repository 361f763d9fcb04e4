package types

import (
	"errors"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{
			name:    "empty backend returns ErrBackendEmpty",
			config:  Config{Backend: "", DataDir: "/tmp/data"},
			wantErr: ErrBackendEmpty,
		},
		{
			name:    "unknown backend returns ErrBackendUnknown",
			config:  Config{Backend: "oracle", DataDir: "/tmp/data"},
			wantErr: ErrBackendUnknown,
		},
		{
			name:    "valid sqlite config",
			config:  Config{Backend: "sqlite", DataDir: "/tmp/data"},
			wantErr: nil,
		},
		{
			name:    "sqlite with empty DataDir is valid at config level",
			config:  Config{Backend: "sqlite", DataDir: ""},
			wantErr: nil,
		},
		{
			name:    "memory backend needs nothing else",
			config:  Config{Backend: "memory"},
			wantErr: nil,
		},
		{
			name:    "postgres without dsn returns ErrDSNEmpty",
			config:  Config{Backend: "postgres"},
			wantErr: ErrDSNEmpty,
		},
		{
			name:    "postgres with dsn",
			config:  Config{Backend: "postgres", DSN: "postgres://localhost/attic"},
			wantErr: nil,
		},
		{
			name:    "unknown save strategy",
			config:  Config{Backend: "memory", SaveStrategy: "sometimes"},
			wantErr: ErrSaveStrategyUnknown,
		},
		{
			name:    "negative max depth",
			config:  Config{Backend: "memory", MaxDepth: -1},
			wantErr: ErrMaxDepthInvalid,
		},
		{
			name:    "s3 archive without bucket",
			config:  Config{Backend: "memory", Archive: ArchiveConfig{Driver: ArchiveS3}},
			wantErr: ErrArchiveBucketEmpty,
		},
		{
			name:    "unknown archive driver",
			config:  Config{Backend: "memory", Archive: ArchiveConfig{Driver: "tape"}},
			wantErr: ErrArchiveDriverUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected nil error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error %v, got nil", tt.wantErr)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigWithDefaults(t *testing.T) {
	c := Config{Backend: "memory"}.WithDefaults()
	if c.SaveStrategy != SaveDiff {
		t.Fatalf("save strategy = %q", c.SaveStrategy)
	}
	if c.MaxDepth != DefaultMaxDepth {
		t.Fatalf("max depth = %d", c.MaxDepth)
	}
	if c.PermissionCacheTTL != time.Minute {
		t.Fatalf("cache ttl = %v", c.PermissionCacheTTL)
	}
	if c.Archive.Driver != ArchiveTable {
		t.Fatalf("archive driver = %q", c.Archive.Driver)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}
