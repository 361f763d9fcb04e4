package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/attic/internal/diff"
	"github.com/mesh-intelligence/attic/internal/store"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// Tx wraps one *sql.Tx.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

var _ store.Tx = (*Tx)(nil)

// Begin implements store.Backend.
func (b *Backend) Begin(ctx context.Context) (store.Tx, error) {
	if b.closed.Load() {
		return nil, types.ErrStoreClosed
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, b.conv(err)
	}
	return &Tx{tx: tx, dialect: b.dialect}, nil
}

// Commit implements store.Tx.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback implements store.Tx. Rolling back a finished transaction is a
// no-op.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
	if err != nil && t.dialect.Duplicate(err) {
		return nil, fmt.Errorf("%w: %v", store.ErrDuplicate, err)
	}
	return res, err
}

// Object implements store.Tx.
func (t *Tx) Object(ctx context.Context, id string) (types.Object, error) {
	return object(ctx, t.tx, t.dialect, id)
}

// InsertScheme implements store.Tx.
func (t *Tx) InsertScheme(ctx context.Context, s types.Scheme) error {
	_, err := t.exec(ctx,
		"INSERT INTO schemes (scheme_id, name, alias, fingerprint, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		s.SchemeID, s.Name, s.Alias, s.Fingerprint, types.FormatTimestamp(s.CreatedAt), types.FormatTimestamp(s.UpdatedAt))
	return err
}

// UpdateScheme implements store.Tx.
func (t *Tx) UpdateScheme(ctx context.Context, s types.Scheme) error {
	res, err := t.exec(ctx,
		"UPDATE schemes SET name = ?, alias = ?, fingerprint = ?, updated_at = ? WHERE scheme_id = ?",
		s.Name, s.Alias, s.Fingerprint, types.FormatTimestamp(s.UpdatedAt), s.SchemeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.E(types.KindSchemeNotFound, "update scheme", "").WithScheme(s.SchemeID)
	}
	return nil
}

// InsertStructure implements store.Tx.
func (t *Tx) InsertStructure(ctx context.Context, s types.Structure) error {
	_, err := t.exec(ctx,
		"INSERT INTO structures ("+structureColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		structureArgs(s)...)
	return err
}

// UpdateStructure implements store.Tx.
func (t *Tx) UpdateStructure(ctx context.Context, s types.Structure) error {
	res, err := t.exec(ctx,
		"UPDATE structures SET name = ?, kind = ?, is_array = ?, target_scheme_id = ?, optional = ?, ordinal = ? WHERE structure_id = ?",
		s.Name, string(s.Kind), boolInt(s.Array), s.TargetSchemeID, boolInt(s.Optional), s.Ordinal, s.StructureID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.Invalid("update structure", "no structure %s", s.StructureID)
	}
	return nil
}

// DeleteStructure implements store.Tx.
func (t *Tx) DeleteStructure(ctx context.Context, id string) error {
	if _, err := t.exec(ctx, "DELETE FROM object_values WHERE structure_id = ?", id); err != nil {
		return err
	}
	res, err := t.exec(ctx, "DELETE FROM structures WHERE structure_id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.Invalid("delete structure", "no structure %s", id)
	}
	return nil
}

func (t *Tx) insertObject(ctx context.Context, o types.Object) error {
	_, err := t.exec(ctx,
		"INSERT INTO objects ("+objectColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		objectArgs(o)...)
	return err
}

// upsertValue writes v, replacing the row with the same value id.
func (t *Tx) upsertValue(ctx context.Context, v types.Value) error {
	args, err := valueArgs(v)
	if err != nil {
		return err
	}
	_, err = t.exec(ctx,
		"INSERT INTO object_values ("+valueColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) "+
			"ON CONFLICT (value_id) DO UPDATE SET kind = excluded.kind, absent = excluded.absent, "+
			"v_text = excluded.v_text, v_num = excluded.v_num, v_bool = excluded.v_bool, "+
			"v_ref = excluded.v_ref, elem_count = excluded.elem_count, array_parent_id = excluded.array_parent_id",
		args...)
	return err
}

func (t *Tx) writeRows(ctx context.Context, er types.EmbeddedRows) error {
	if err := t.insertObject(ctx, er.Object); err != nil {
		return err
	}
	for _, v := range er.Values {
		if err := t.upsertValue(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) dropRows(ctx context.Context, objectID string) error {
	_, err := t.exec(ctx, "DELETE FROM object_values WHERE object_id = ?", objectID)
	return err
}

func (t *Tx) dropNested(ctx context.Context, rootID string) error {
	if _, err := t.exec(ctx,
		"DELETE FROM object_values WHERE object_id IN (SELECT object_id FROM objects WHERE embedded_in = ?)", rootID); err != nil {
		return err
	}
	_, err := t.exec(ctx, "DELETE FROM objects WHERE embedded_in = ?", rootID)
	return err
}

// InsertSnapshot implements store.Tx.
func (t *Tx) InsertSnapshot(ctx context.Context, snap *types.Snapshot) error {
	if p := snap.Object.ParentID; p != "" {
		if _, err := t.Object(ctx, p); err != nil {
			return err
		}
	}
	if err := t.writeRows(ctx, types.EmbeddedRows{Object: snap.Object, Values: snap.Values}); err != nil {
		return err
	}
	for _, n := range snap.Nested {
		if err := t.writeRows(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// casHeader rewrites the mutable header fields, guarded by the stored hash
// when expectHash is set.
func (t *Tx) casHeader(ctx context.Context, h types.Object, expectHash string) error {
	query := "UPDATE objects SET name = ?, note = ?, modifier_id = ?, updated_at = ?, hash = ? WHERE object_id = ? AND embedded_in = ''"
	args := []any{h.Name, h.Note, h.ModifierID, types.FormatTimestamp(h.UpdatedAt), h.Hash, h.ObjectID}
	if expectHash != "" {
		query += " AND hash = ?"
		args = append(args, expectHash)
	}
	res, err := t.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := t.Object(ctx, h.ObjectID); err != nil {
		return err
	}
	return types.E(types.KindConcurrencyConflict, "save", "stored hash changed").WithObject(h.ObjectID)
}

// ApplyMutations implements store.Tx.
func (t *Tx) ApplyMutations(ctx context.Context, header types.Object, expectHash string, ms *diff.MutationSet) error {
	if err := t.casHeader(ctx, header, expectHash); err != nil {
		return err
	}
	for _, id := range ms.NestedRemoved {
		if err := t.dropRows(ctx, id); err != nil {
			return err
		}
		if _, err := t.exec(ctx, "DELETE FROM objects WHERE object_id = ?", id); err != nil {
			return err
		}
	}
	for _, n := range ms.NestedAdded {
		if err := t.writeRows(ctx, n); err != nil {
			return err
		}
	}
	for _, m := range ms.Mutations {
		if m.New == nil {
			if _, err := t.exec(ctx, "DELETE FROM object_values WHERE value_id = ?", m.Old.ValueID); err != nil {
				return err
			}
			continue
		}
		if err := t.upsertValue(ctx, *m.New); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceSnapshot implements store.Tx.
func (t *Tx) ReplaceSnapshot(ctx context.Context, snap *types.Snapshot, expectHash string) error {
	if err := t.casHeader(ctx, snap.Object, expectHash); err != nil {
		return err
	}
	if err := t.dropNested(ctx, snap.Object.ObjectID); err != nil {
		return err
	}
	if err := t.dropRows(ctx, snap.Object.ObjectID); err != nil {
		return err
	}
	for _, v := range snap.Values {
		if err := t.upsertValue(ctx, v); err != nil {
			return err
		}
	}
	for _, n := range snap.Nested {
		if err := t.writeRows(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// DeleteObject implements store.Tx.
func (t *Tx) DeleteObject(ctx context.Context, id string) error {
	if _, err := t.Object(ctx, id); err != nil {
		return err
	}
	if err := t.dropNested(ctx, id); err != nil {
		return err
	}
	if err := t.dropRows(ctx, id); err != nil {
		return err
	}
	_, err := t.exec(ctx, "DELETE FROM objects WHERE object_id = ?", id)
	return err
}

// SetParent implements store.Tx.
func (t *Tx) SetParent(ctx context.Context, id, parentID string) error {
	if _, err := t.Object(ctx, id); err != nil {
		return err
	}
	if parentID != "" {
		if _, err := t.Object(ctx, parentID); err != nil {
			return err
		}
	}
	_, err := t.exec(ctx, "UPDATE objects SET parent_id = ? WHERE object_id = ?", parentID, id)
	return err
}

// PutGrant implements store.Tx.
func (t *Tx) PutGrant(ctx context.Context, g types.Grant) error {
	_, err := t.exec(ctx,
		"INSERT INTO grants ("+grantColumns+") VALUES (?, ?, ?, ?, ?, ?, ?) "+
			"ON CONFLICT (grant_id) DO UPDATE SET subject_kind = excluded.subject_kind, subject_id = excluded.subject_id, "+
			"target_kind = excluded.target_kind, target_id = excluded.target_id, actions = excluded.actions, created_at = excluded.created_at",
		grantArgs(g)...)
	return err
}

// DeleteGrant implements store.Tx.
func (t *Tx) DeleteGrant(ctx context.Context, id string) error {
	res, err := t.exec(ctx, "DELETE FROM grants WHERE grant_id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFound("delete grant", id)
	}
	return nil
}

// PutArchive implements store.Tx.
func (t *Tx) PutArchive(ctx context.Context, rec types.ArchiveRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding archive %s: %w", rec.ArchiveID, err)
	}
	_, err = t.exec(ctx,
		"INSERT INTO archives (archive_id, object_id, deleted_at, deleted_by, payload) VALUES (?, ?, ?, ?, ?)",
		rec.ArchiveID, rec.Snapshot.Object.ObjectID, types.FormatTimestamp(rec.DeletedAt), rec.DeletedBy, string(payload))
	return err
}

// DeleteArchive implements store.Tx.
func (t *Tx) DeleteArchive(ctx context.Context, id string) error {
	res, err := t.exec(ctx, "DELETE FROM archives WHERE archive_id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NotFound("delete archive", id)
	}
	return nil
}
