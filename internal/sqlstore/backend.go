// Package sqlstore implements the relational Backend over database/sql.
// The same schema and query renderer serve SQLite (modernc.org/sqlite) and
// Postgres (pgx); a Dialect covers the differences.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/attic/internal/store"
	"github.com/mesh-intelligence/attic/pkg/filter"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// DBFile is the SQLite database file created under Config.DataDir.
const DBFile = "attic.db"

// Backend implements store.Backend on a *sql.DB.
type Backend struct {
	db      *sql.DB
	dialect Dialect
	closed  atomic.Bool
}

var _ store.Backend = (*Backend)(nil)

// Open connects to the backend named by cfg and creates the schema when it
// is missing. Only the sqlite and postgres backends are handled here.
func Open(ctx context.Context, cfg types.Config) (*Backend, error) {
	var (
		d   Dialect
		dsn string
	)
	switch cfg.Backend {
	case types.BackendSQLite:
		dataDir := cfg.DataDir
		if dataDir == "" {
			dataDir = "."
		}
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		d = SQLite{}
		dsn = filepath.Join(dataDir, DBFile) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	case types.BackendPostgres:
		d = Postgres{}
		dsn = cfg.DSN
	default:
		return nil, fmt.Errorf("%w: %s", types.ErrBackendUnknown, cfg.Backend)
	}

	db, err := sql.Open(d.Driver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", d.Name(), err)
	}
	if d.Name() == "sqlite" {
		// One writer at a time; a second connection would see SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	b := &Backend{db: db, dialect: d}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements() {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

// Dialect returns the backend's dialect.
func (b *Backend) Dialect() Dialect { return b.dialect }

// Close implements store.Backend. Closing twice is a no-op.
func (b *Backend) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.db.Close()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (b *Backend) conv(err error) error {
	if err != nil && (b.closed.Load() || errors.Is(err, sql.ErrConnDone)) {
		return fmt.Errorf("%w: %w", types.ErrStoreClosed, err)
	}
	return err
}

// SchemeByName implements store.Reader.
func (b *Backend) SchemeByName(ctx context.Context, name string) (*types.SchemeInfo, error) {
	info, err := b.schemeWhere(ctx, "name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.KindSchemeNotFound, "scheme by name", "no scheme named %s", name)
	}
	return info, b.conv(err)
}

// SchemeByID implements store.Reader.
func (b *Backend) SchemeByID(ctx context.Context, id string) (*types.SchemeInfo, error) {
	info, err := b.schemeWhere(ctx, "scheme_id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.KindSchemeNotFound, "scheme by id", "").WithScheme(id)
	}
	return info, b.conv(err)
}

func (b *Backend) schemeWhere(ctx context.Context, cond string, arg any) (*types.SchemeInfo, error) {
	row := b.db.QueryRowContext(ctx, b.dialect.Rebind(
		"SELECT scheme_id, name, alias, fingerprint, created_at, updated_at FROM schemes WHERE "+cond), arg)
	s, err := scanScheme(row)
	if err != nil {
		return nil, err
	}
	structs, err := b.structures(ctx, s.SchemeID)
	if err != nil {
		return nil, err
	}
	return &types.SchemeInfo{Scheme: s, Structures: structs}, nil
}

func scanScheme(sc scanner) (types.Scheme, error) {
	var s types.Scheme
	var created, updated string
	if err := sc.Scan(&s.SchemeID, &s.Name, &s.Alias, &s.Fingerprint, &created, &updated); err != nil {
		return s, err
	}
	var err error
	if s.CreatedAt, err = types.ParseTimestamp(created); err != nil {
		return s, err
	}
	s.UpdatedAt, err = types.ParseTimestamp(updated)
	return s, err
}

func (b *Backend) structures(ctx context.Context, schemeID string) ([]types.Structure, error) {
	rows, err := b.db.QueryContext(ctx, b.dialect.Rebind(
		"SELECT "+structureColumns+" FROM structures WHERE scheme_id = ? ORDER BY ordinal"), schemeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Structure
	for rows.Next() {
		s, err := scanStructure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Schemes implements store.Reader.
func (b *Backend) Schemes(ctx context.Context) ([]types.SchemeInfo, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT scheme_id, name, alias, fingerprint, created_at, updated_at FROM schemes ORDER BY name")
	if err != nil {
		return nil, b.conv(err)
	}
	var schemes []types.Scheme
	for rows.Next() {
		s, err := scanScheme(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		schemes = append(schemes, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]types.SchemeInfo, 0, len(schemes))
	for _, s := range schemes {
		structs, err := b.structures(ctx, s.SchemeID)
		if err != nil {
			return nil, err
		}
		out = append(out, types.SchemeInfo{Scheme: s, Structures: structs})
	}
	return out, nil
}

// Object implements store.Reader.
func (b *Backend) Object(ctx context.Context, id string) (types.Object, error) {
	o, err := object(ctx, b.db, b.dialect, id)
	return o, b.conv(err)
}

func object(ctx context.Context, q querier, d Dialect, id string) (types.Object, error) {
	row := q.QueryRowContext(ctx, d.Rebind(
		"SELECT "+objectColumns+" FROM objects WHERE object_id = ? AND embedded_in = ''"), id)
	o, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Object{}, types.NotFound("object", id)
	}
	return o, err
}

// Snapshot implements store.Reader.
func (b *Backend) Snapshot(ctx context.Context, id string) (*types.Snapshot, error) {
	o, err := b.Object(ctx, id)
	if err != nil {
		return nil, err
	}
	snap := &types.Snapshot{Object: o}
	if snap.Values, err = b.values(ctx, id); err != nil {
		return nil, err
	}
	nested, err := b.objectsWhere(ctx, "embedded_in = ?", id)
	if err != nil {
		return nil, err
	}
	for _, n := range nested {
		vals, err := b.values(ctx, n.ObjectID)
		if err != nil {
			return nil, err
		}
		snap.Nested = append(snap.Nested, types.EmbeddedRows{Object: n, Values: vals})
	}
	snap.Sort()
	return snap, nil
}

func (b *Backend) values(ctx context.Context, objectID string) ([]types.Value, error) {
	rows, err := b.db.QueryContext(ctx, b.dialect.Rebind(
		"SELECT "+valueColumns+" FROM object_values WHERE object_id = ?"), objectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Value
	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (b *Backend) objectsWhere(ctx context.Context, cond string, arg any) ([]types.Object, error) {
	rows, err := b.db.QueryContext(ctx, b.dialect.Rebind(
		"SELECT "+objectColumns+" FROM objects WHERE "+cond+" ORDER BY object_id"), arg)
	if err != nil {
		return nil, b.conv(err)
	}
	defer rows.Close()
	var out []types.Object
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Children implements store.Reader.
func (b *Backend) Children(ctx context.Context, parentID string) ([]types.Object, error) {
	out, err := b.objectsWhere(ctx, "parent_id = ? AND embedded_in = ''", parentID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []types.Object{}
	}
	return out, nil
}

// Grants implements store.Reader.
func (b *Backend) Grants(ctx context.Context, target types.TargetKind, targetID string) ([]types.Grant, error) {
	if target == types.TargetGlobal {
		return b.grantsWhere(ctx, "target_kind = ?", string(target))
	}
	return b.grantsWhere(ctx, "target_kind = ? AND target_id = ?", string(target), targetID)
}

// AllGrants implements store.Reader.
func (b *Backend) AllGrants(ctx context.Context) ([]types.Grant, error) {
	return b.grantsWhere(ctx, "1 = 1")
}

func (b *Backend) grantsWhere(ctx context.Context, cond string, args ...any) ([]types.Grant, error) {
	rows, err := b.db.QueryContext(ctx, b.dialect.Rebind(
		"SELECT "+grantColumns+" FROM grants WHERE "+cond+" ORDER BY grant_id"), args...)
	if err != nil {
		return nil, b.conv(err)
	}
	defer rows.Close()
	var out []types.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Archive implements store.Reader.
func (b *Backend) Archive(ctx context.Context, id string) (*types.ArchiveRecord, error) {
	var payload string
	err := b.db.QueryRowContext(ctx, b.dialect.Rebind(
		"SELECT payload FROM archives WHERE archive_id = ?"), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFound("archive", id)
	}
	if err != nil {
		return nil, b.conv(err)
	}
	var rec types.ArchiveRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("decoding archive %s: %w", id, err)
	}
	return &rec, nil
}

// Archives implements store.Reader.
func (b *Backend) Archives(ctx context.Context) ([]types.ArchiveRecord, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT payload FROM archives")
	if err != nil {
		return nil, b.conv(err)
	}
	defer rows.Close()
	out := []types.ArchiveRecord{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec types.ArchiveRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("decoding archive: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DeletedAt.Equal(out[j].DeletedAt) {
			return out[i].DeletedAt.Before(out[j].DeletedAt)
		}
		return out[i].ArchiveID < out[j].ArchiveID
	})
	return out, nil
}

// Select implements store.Backend.
func (b *Backend) Select(ctx context.Context, doc *filter.Document) ([]string, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	q, args, err := Render(b.dialect, doc)
	if err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, b.conv(err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Count implements store.Backend.
func (b *Backend) Count(ctx context.Context, doc *filter.Document) (int, error) {
	if err := doc.Validate(); err != nil {
		return 0, err
	}
	q, args, err := RenderCount(b.dialect, doc)
	if err != nil {
		return 0, err
	}
	var n int
	if err := b.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, b.conv(err)
	}
	return n, nil
}
