// Package store persists properties, snapshots and the derived attribute and
// valuation histories.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/property-cli/internal/model"
)

var (
	// ErrConflict is returned when an insert violates a uniqueness constraint.
	ErrConflict = eris.New("store: unique conflict")
	// ErrNotPending is returned when a snapshot cannot be claimed because it
	// is no longer pending, another transaction holds it, or an older
	// snapshot for the same property and source is still pending.
	ErrNotPending = eris.New("store: snapshot not pending")
)

// Store defines the persistence interface for properties and their histories.
type Store interface {
	// Sources
	EnsureSources(ctx context.Context, sources []model.Source) error
	ListSources(ctx context.Context) ([]model.Source, error)

	// Properties
	GetProperty(ctx context.Context, id int64) (*model.Property, error)
	GetPropertyByInput(ctx context.Context, input string) (*model.Property, error)
	GetPropertyByCanonical(ctx context.Context, canonical string) (*model.Property, error)
	CreateProperty(ctx context.Context, p model.Property) (*model.Property, error)

	// Snapshots
	InsertSnapshot(ctx context.Context, snap model.Snapshot) (*model.Snapshot, error)
	GetSnapshot(ctx context.Context, id int64) (*model.Snapshot, error)
	ListPendingSnapshotIDs(ctx context.Context, limit int) ([]int64, error)
	CountSnapshotsByStatus(ctx context.Context) (map[model.SnapshotStatus]int, error)

	// Histories
	ListAttributeHistory(ctx context.Context, propertyID int64) ([]model.AttributeRecord, error)
	ListValuations(ctx context.Context, propertyID int64) ([]model.Valuation, error)

	// InTx runs fn in one transaction. fn's error rolls everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Tx is the ETL write path, valid only inside Store.InTx.
type Tx interface {
	// ClaimSnapshot locks a pending snapshot for the rest of the transaction.
	// Snapshots of one (property, source) pair are claimable only in
	// captured_at order. It returns ErrNotPending when the snapshot is not
	// claimable.
	ClaimSnapshot(ctx context.Context, id int64) (*model.Snapshot, error)
	// CloseCurrentAttributes closes the open history row for the pair and
	// returns the number of rows closed (0 or 1).
	CloseCurrentAttributes(ctx context.Context, propertyID, sourceID int64, validTo time.Time) (int64, error)
	InsertAttributes(ctx context.Context, rec model.AttributeRecord) (int64, error)
	InsertValuation(ctx context.Context, v model.Valuation) (int64, error)
	// MarkSnapshot moves a pending snapshot to a terminal status.
	MarkSnapshot(ctx context.Context, id int64, status model.SnapshotStatus, reason string) error
}
