// Package archive stores the snapshots of deleted objects so they can be
// restored. Three sinks are provided: the backend's own archive table, a
// JSONL file and an S3 bucket.
package archive

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/mesh-intelligence/attic/internal/store"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// Sink receives archive records. Put fails when the archive id is taken.
// Get and Remove return ObjectNotFound for unknown ids. List returns
// records ordered by deletion time, then id.
type Sink interface {
	Driver() string
	Put(ctx context.Context, rec types.ArchiveRecord) error
	Get(ctx context.Context, id string) (*types.ArchiveRecord, error)
	List(ctx context.Context) ([]types.ArchiveRecord, error)
	Remove(ctx context.Context, id string) error
}

// TxSink is a Sink that can write inside a backend transaction, so the
// archive row and the removal of the object commit together.
type TxSink interface {
	Sink
	PutTx(ctx context.Context, tx store.Tx, rec types.ArchiveRecord) error
	RemoveTx(ctx context.Context, tx store.Tx, id string) error
}

// JSONLFileName is the archive file written by the jsonl driver when the
// configured path is a directory or empty.
const JSONLFileName = "archive.jsonl"

// Open builds the sink named by cfg.Driver. dataDir is the default home of
// the JSONL file.
func Open(ctx context.Context, cfg types.ArchiveConfig, b store.Backend, dataDir string) (Sink, error) {
	switch cfg.Driver {
	case "", types.ArchiveTable:
		return NewTable(b), nil
	case types.ArchiveJSONL:
		path := cfg.Path
		if path == "" {
			path = filepath.Join(dataDir, JSONLFileName)
		}
		return NewJSONL(path)
	case types.ArchiveS3:
		return NewS3(ctx, S3Config{
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			PathStyle: cfg.PathStyle,
		})
	}
	return nil, fmt.Errorf("archive driver %q: %w", cfg.Driver, types.ErrArchiveDriverUnknown)
}

func sortRecords(recs []types.ArchiveRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].DeletedAt.Equal(recs[j].DeletedAt) {
			return recs[i].DeletedAt.Before(recs[j].DeletedAt)
		}
		return recs[i].ArchiveID < recs[j].ArchiveID
	})
}

func validate(rec types.ArchiveRecord) error {
	if rec.ArchiveID == "" {
		return types.Invalid("archive", "record needs an archive id")
	}
	if rec.Snapshot.Object.ObjectID == "" {
		return types.Invalid("archive", "record %s has no object", rec.ArchiveID)
	}
	return nil
}
