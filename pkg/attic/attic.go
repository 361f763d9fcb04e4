// Package attic is the public entry point of the store. Open a Store from
// a types.Config, take a Session for the subject acting, and save, load,
// query, move, delete and grant through it. Every session call that reads
// or writes objects is authorized for its subject before any write.
package attic

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/mesh-intelligence/attic/internal/archive"
	"github.com/mesh-intelligence/attic/internal/codec"
	"github.com/mesh-intelligence/attic/internal/hierarchy"
	"github.com/mesh-intelligence/attic/internal/logging"
	"github.com/mesh-intelligence/attic/internal/memory"
	"github.com/mesh-intelligence/attic/internal/metrics"
	"github.com/mesh-intelligence/attic/internal/permission"
	"github.com/mesh-intelligence/attic/internal/schema"
	"github.com/mesh-intelligence/attic/internal/sqlstore"
	"github.com/mesh-intelligence/attic/internal/store"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// Version is the release of the attic module.
const Version = "0.1.0"

// snapshotCacheSize bounds the last-known snapshots kept for diffing.
const snapshotCacheSize = 1024

// Store owns the backend and the engines built over it. It is safe for
// concurrent use.
type Store struct {
	cfg      types.Config
	backend  store.Backend
	registry *schema.Registry
	codec    *codec.Codec
	tree     *hierarchy.Engine
	perms    *permission.Resolver
	sink     archive.Sink
	metrics  *metrics.Recorder
	log      zerolog.Logger
	now      func() time.Time

	// snapshots holds the last snapshot read or written per object id.
	snapshots *lru.Cache[string, *types.Snapshot]

	kindsMu sync.RWMutex
	kinds   map[string]kind

	closeOnce sync.Once
	closeErr  error
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	log     *zerolog.Logger
	metrics *metrics.Recorder
	backend store.Backend
	sink    archive.Sink
	now     func() time.Time
}

// WithLogger sets the logger. Without it Open builds one from cfg.Log
// writing to stderr.
func WithLogger(l zerolog.Logger) Option {
	return func(o *openOptions) { o.log = &l }
}

// WithMetrics records operations into r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(o *openOptions) { o.metrics = r }
}

// WithBackend uses b instead of opening the backend named in the config.
// The Store closes it.
func WithBackend(b store.Backend) Option {
	return func(o *openOptions) { o.backend = b }
}

// WithArchive uses s instead of the sink named in cfg.Archive.
func WithArchive(s archive.Sink) Option {
	return func(o *openOptions) { o.sink = s }
}

// WithClock replaces time.Now for object and archive timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *openOptions) { o.now = now }
}

// Open validates cfg, opens its backend and archive sink and returns a
// ready Store.
func Open(ctx context.Context, cfg types.Config, opts ...Option) (*Store, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.backend != nil && cfg.Backend == "" {
		cfg.Backend = types.BackendMemory
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := zerolog.Nop()
	if o.log != nil {
		log = *o.log
	} else {
		l, err := logging.New(cfg.Log, os.Stderr)
		if err != nil {
			return nil, err
		}
		log = l
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}
	if o.now == nil {
		o.now = time.Now
	}

	b := o.backend
	if b == nil {
		var err error
		if b, err = openBackend(ctx, cfg); err != nil {
			return nil, err
		}
	}
	sink := o.sink
	if sink == nil {
		var err error
		if sink, err = archive.Open(ctx, cfg.Archive, b, cfg.DataDir); err != nil {
			_ = b.Close()
			return nil, err
		}
	}

	snapshots, err := lru.New[string, *types.Snapshot](snapshotCacheSize)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	reg := schema.New(b, schema.WithLogger(logging.Component(log, "schema")), schema.WithClock(o.now))
	tree := hierarchy.New(b, hierarchy.WithLogger(logging.Component(log, "hierarchy")))
	rec := o.metrics
	s := &Store{
		cfg:      cfg,
		backend:  b,
		registry: reg,
		codec:    codec.New(reg),
		tree:     tree,
		perms: permission.New(b, tree,
			permission.WithTTL(cfg.PermissionCacheTTL),
			permission.WithSize(cfg.PermissionCacheSize),
			permission.WithLogger(logging.Component(log, "permission")),
			permission.WithObserver(rec.ObserveCache)),
		sink:      sink,
		metrics:   rec,
		log:       log,
		now:       func() time.Time { return o.now().UTC() },
		snapshots: snapshots,
		kinds:     map[string]kind{},
	}
	log.Debug().Str("backend", cfg.Backend).Str("archive", sink.Driver()).Msg("store opened")
	return s, nil
}

func openBackend(ctx context.Context, cfg types.Config) (store.Backend, error) {
	switch cfg.Backend {
	case types.BackendMemory:
		return memory.New(), nil
	case types.BackendSQLite, types.BackendPostgres:
		return sqlstore.Open(ctx, cfg)
	}
	return nil, types.ErrBackendUnknown
}

// Close releases the backend. Later calls return the first result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.backend.Close()
		s.log.Debug().Msg("store closed")
	})
	return s.closeErr
}

// Config returns the effective configuration.
func (s *Store) Config() types.Config { return s.cfg }

// Metrics returns the recorder the store reports to.
func (s *Store) Metrics() *metrics.Recorder { return s.metrics }

// Archive returns the archive sink.
func (s *Store) Archive() archive.Sink { return s.sink }

// Session returns a handle acting as subject. Sessions are cheap and may
// be used concurrently.
func (s *Store) Session(subject types.Subject) *Session {
	return &Session{s: s, subject: subject}
}

// System returns a session for the maintenance subject, which bypasses
// permission checks.
func (s *Store) System() *Session { return s.Session(types.System()) }

// observe records one operation. Use as
//
//	defer s.observe(ctx, "save", time.Now(), &err)
func (s *Store) observe(ctx context.Context, op string, start time.Time, err *error) {
	var e error
	if err != nil {
		e = *err
	}
	s.metrics.ObserveError(ctx, op, e, time.Since(start))
	if e != nil {
		s.log.Debug().Err(e).Str("op", op).Msg("operation failed")
	}
}

func (s *Store) remember(snap *types.Snapshot) {
	s.snapshots.Add(snap.Object.ObjectID, snap)
}

func (s *Store) forget(id string) {
	s.snapshots.Remove(id)
}

// previous returns the stored snapshot of id, from the cache when its
// hash matches the stored header.
func (s *Store) previous(ctx context.Context, header types.Object) (*types.Snapshot, error) {
	if snap, ok := s.snapshots.Get(header.ObjectID); ok && snap.Object.Hash == header.Hash {
		return snap, nil
	}
	snap, err := s.backend.Snapshot(ctx, header.ObjectID)
	if err != nil {
		return nil, err
	}
	s.remember(snap)
	return snap, nil
}
