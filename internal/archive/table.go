package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/mesh-intelligence/attic/internal/store"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// Table keeps archive records in the backend's archives table.
type Table struct {
	b store.Backend
}

var _ TxSink = (*Table)(nil)

// NewTable returns a sink over b.
func NewTable(b store.Backend) *Table { return &Table{b: b} }

// Driver implements Sink.
func (t *Table) Driver() string { return types.ArchiveTable }

// Put implements Sink in its own transaction.
func (t *Table) Put(ctx context.Context, rec types.ArchiveRecord) error {
	return store.WithTx(ctx, t.b, func(tx store.Tx) error { return t.PutTx(ctx, tx, rec) })
}

// PutTx implements TxSink.
func (t *Table) PutTx(ctx context.Context, tx store.Tx, rec types.ArchiveRecord) error {
	if err := validate(rec); err != nil {
		return err
	}
	err := tx.PutArchive(ctx, rec)
	if errors.Is(err, store.ErrDuplicate) {
		return types.Invalid("archive", "archive %s already exists", rec.ArchiveID)
	}
	if err != nil {
		return fmt.Errorf("writing archive %s: %w", rec.ArchiveID, err)
	}
	return nil
}

// Get implements Sink.
func (t *Table) Get(ctx context.Context, id string) (*types.ArchiveRecord, error) {
	return t.b.Archive(ctx, id)
}

// List implements Sink.
func (t *Table) List(ctx context.Context) ([]types.ArchiveRecord, error) {
	return t.b.Archives(ctx)
}

// Remove implements Sink in its own transaction.
func (t *Table) Remove(ctx context.Context, id string) error {
	return store.WithTx(ctx, t.b, func(tx store.Tx) error { return t.RemoveTx(ctx, tx, id) })
}

// RemoveTx implements TxSink.
func (t *Table) RemoveTx(ctx context.Context, tx store.Tx, id string) error {
	return tx.DeleteArchive(ctx, id)
}
