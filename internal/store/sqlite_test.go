package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/property-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.EnsureSources(context.Background(), model.DefaultSources()))
	return st
}

func sourceByName(t *testing.T, st Store, name string) model.Source {
	t.Helper()
	sources, err := st.ListSources(context.Background())
	require.NoError(t, err)
	for _, s := range sources {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("source %s not seeded", name)
	return model.Source{}
}

func createTestProperty(t *testing.T, st Store, input string) *model.Property {
	t.Helper()
	p, err := st.CreateProperty(context.Background(), model.Property{
		InputAddress:     input,
		CanonicalAddress: "CANON " + input,
		Components:       model.AddressComponents{Number: "1", Street: "MAIN ST", State: "IL"},
	})
	require.NoError(t, err)
	return p
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
}

func TestSQLite_EnsureSources_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.EnsureSources(ctx, model.DefaultSources()))
	sources, err := st.ListSources(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 4)
	assert.Equal(t, model.SourceZillow, sources[0].Name)
	assert.Equal(t, "https://www.zillow.com", sources[0].BaseURL)
	assert.Equal(t, model.SourceKindCommercial, sources[0].Kind)
}

func TestSQLite_Property_CreateAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	created := createTestProperty(t, st, "1 Main St, Chicago, IL")
	assert.NotZero(t, created.ID)

	byInput, err := st.GetPropertyByInput(ctx, "1 Main St, Chicago, IL")
	require.NoError(t, err)
	require.NotNil(t, byInput)
	assert.Equal(t, created.ID, byInput.ID)
	assert.Equal(t, "MAIN ST", byInput.Components.Street)

	byCanon, err := st.GetPropertyByCanonical(ctx, "CANON 1 Main St, Chicago, IL")
	require.NoError(t, err)
	require.NotNil(t, byCanon)
	assert.Equal(t, created.ID, byCanon.ID)

	byID, err := st.GetProperty(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, created.InputAddress, byID.InputAddress)
}

func TestSQLite_Property_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	p, err := st.GetPropertyByInput(context.Background(), "nowhere")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestSQLite_Property_DuplicateIsConflict(t *testing.T) {
	st := newTestSQLiteStore(t)
	createTestProperty(t, st, "1 Main St")

	_, err := st.CreateProperty(context.Background(), model.Property{
		InputAddress: "1 Main St", CanonicalAddress: "OTHER",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))

	_, err = st.CreateProperty(context.Background(), model.Property{
		InputAddress: "1 main street", CanonicalAddress: "CANON 1 Main St",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestSQLite_Property_ConcurrentCreateOneWins(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var created, conflicts int
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.CreateProperty(ctx, model.Property{InputAddress: "9 Race Ave", CanonicalAddress: "9 RACE AVE"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, conflicts)
}

func TestSQLite_Snapshot_InsertGetAndPendingOrder(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := createTestProperty(t, st, "1 Main St")
	src := sourceByName(t, st, model.SourceRedfin)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later, err := st.InsertSnapshot(ctx, model.Snapshot{
		PropertyID: p.ID, SourceID: src.ID, CapturedAt: base.Add(time.Hour), Payload: json.RawMessage(`{"n":2}`),
	})
	require.NoError(t, err)
	earlier, err := st.InsertSnapshot(ctx, model.Snapshot{
		PropertyID: p.ID, SourceID: src.ID, CapturedAt: base, Payload: json.RawMessage(`{"n":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotPending, earlier.Status)

	ids, err := st.ListPendingSnapshotIDs(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{earlier.ID, later.ID}, ids)

	limited, err := st.ListPendingSnapshotIDs(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{earlier.ID}, limited)

	got, err := st.GetSnapshot(ctx, later.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.SourceRedfin, got.SourceName)
	assert.True(t, got.CapturedAt.Equal(base.Add(time.Hour)))
	assert.JSONEq(t, `{"n":2}`, string(got.Payload))
	assert.Nil(t, got.ProcessedAt)

	missing, err := st.GetSnapshot(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLite_Tx_ClaimCloseInsertMark(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := createTestProperty(t, st, "1 Main St")
	src := sourceByName(t, st, model.SourceZillow)
	captured := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	snap, err := st.InsertSnapshot(ctx, model.Snapshot{PropertyID: p.ID, SourceID: src.ID, CapturedAt: captured, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	beds := 3.0
	err = st.InTx(ctx, func(tx Tx) error {
		claimed, err := tx.ClaimSnapshot(ctx, snap.ID)
		if err != nil {
			return err
		}
		closed, err := tx.CloseCurrentAttributes(ctx, claimed.PropertyID, claimed.SourceID, claimed.CapturedAt)
		if err != nil {
			return err
		}
		if closed != 0 {
			return fmt.Errorf("closed %d rows on first snapshot", closed)
		}
		if _, err := tx.InsertAttributes(ctx, model.AttributeRecord{
			PropertyID: p.ID, SourceID: src.ID, SnapshotID: snap.ID, Beds: &beds, ValidFrom: captured,
		}); err != nil {
			return err
		}
		if _, err := tx.InsertValuation(ctx, model.Valuation{
			PropertyID: p.ID, SourceID: src.ID, Provider: src.Name, Kind: model.ValuationSale, Value: 500000, RecordedAt: captured,
		}); err != nil {
			return err
		}
		return tx.MarkSnapshot(ctx, snap.ID, model.SnapshotProcessed, "")
	})
	require.NoError(t, err)

	got, err := st.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotProcessed, got.Status)
	assert.NotNil(t, got.ProcessedAt)

	history, err := st.ListAttributeHistory(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].IsCurrent)
	assert.Nil(t, history[0].ValidTo)
	require.NotNil(t, history[0].Beds)
	assert.InDelta(t, 3.0, *history[0].Beds, 0.001)
	assert.Nil(t, history[0].Sqft)

	vals, err := st.ListValuations(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, model.ValuationSale, vals[0].Kind)
	assert.Equal(t, int64(500000), vals[0].Value)

	// Processed snapshots are no longer claimable.
	err = st.InTx(ctx, func(tx Tx) error {
		_, err := tx.ClaimSnapshot(ctx, snap.ID)
		return err
	})
	assert.True(t, errors.Is(err, ErrNotPending))
}

func TestSQLite_Tx_RollbackLeavesPending(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := createTestProperty(t, st, "1 Main St")
	src := sourceByName(t, st, model.SourceZillow)

	snap, err := st.InsertSnapshot(ctx, model.Snapshot{PropertyID: p.ID, SourceID: src.ID, CapturedAt: time.Now(), Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = st.InTx(ctx, func(tx Tx) error {
		if _, err := tx.InsertAttributes(ctx, model.AttributeRecord{PropertyID: p.ID, SourceID: src.ID, SnapshotID: snap.ID, ValidFrom: time.Now()}); err != nil {
			return err
		}
		if err := tx.MarkSnapshot(ctx, snap.ID, model.SnapshotProcessed, ""); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := st.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotPending, got.Status)

	history, err := st.ListAttributeHistory(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSQLite_Tx_ClaimWaitsForOlderPendingOfPair(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := createTestProperty(t, st, "1 Main St")
	zillow := sourceByName(t, st, model.SourceZillow)
	redfin := sourceByName(t, st, model.SourceRedfin)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	older, err := st.InsertSnapshot(ctx, model.Snapshot{PropertyID: p.ID, SourceID: zillow.ID, CapturedAt: t0, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	newer, err := st.InsertSnapshot(ctx, model.Snapshot{PropertyID: p.ID, SourceID: zillow.ID, CapturedAt: t0.Add(24 * time.Hour), Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	other, err := st.InsertSnapshot(ctx, model.Snapshot{PropertyID: p.ID, SourceID: redfin.ID, CapturedAt: t0.Add(48 * time.Hour), Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	claim := func(id int64) error {
		return st.InTx(ctx, func(tx Tx) error {
			if _, err := tx.ClaimSnapshot(ctx, id); err != nil {
				return err
			}
			return tx.MarkSnapshot(ctx, id, model.SnapshotProcessed, "")
		})
	}

	// The newer snapshot of the pair waits while the older one is pending.
	assert.True(t, errors.Is(claim(newer.ID), ErrNotPending))
	// Another source of the same property is not held back.
	require.NoError(t, claim(other.ID))

	require.NoError(t, claim(older.ID))
	require.NoError(t, claim(newer.ID))
}

func TestSQLite_MarkSnapshot_TerminalIsFinal(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := createTestProperty(t, st, "1 Main St")
	src := sourceByName(t, st, model.SourceMovoto)

	snap, err := st.InsertSnapshot(ctx, model.Snapshot{PropertyID: p.ID, SourceID: src.ID, CapturedAt: time.Now(), Payload: json.RawMessage(`{"error":"x"}`)})
	require.NoError(t, err)

	require.NoError(t, st.InTx(ctx, func(tx Tx) error {
		return tx.MarkSnapshot(ctx, snap.ID, model.SnapshotError, "payload tagged as error")
	}))

	err = st.InTx(ctx, func(tx Tx) error {
		return tx.MarkSnapshot(ctx, snap.ID, model.SnapshotProcessed, "")
	})
	assert.True(t, errors.Is(err, ErrNotPending))

	err = st.InTx(ctx, func(tx Tx) error {
		return tx.MarkSnapshot(ctx, snap.ID, model.SnapshotPending, "")
	})
	require.Error(t, err)

	got, err := st.GetSnapshot(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotError, got.Status)
	assert.Equal(t, "payload tagged as error", got.StatusReason)

	counts, err := st.CountSnapshotsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.SnapshotError])
	assert.Equal(t, 0, counts[model.SnapshotPending])
}

func TestSQLite_CurrentRowUniqueness(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := createTestProperty(t, st, "1 Main St")
	src := sourceByName(t, st, model.SourceZillow)
	snap, err := st.InsertSnapshot(ctx, model.Snapshot{PropertyID: p.ID, SourceID: src.ID, CapturedAt: time.Now(), Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	err = st.InTx(ctx, func(tx Tx) error {
		for i := 0; i < 2; i++ {
			if _, err := tx.InsertAttributes(ctx, model.AttributeRecord{PropertyID: p.ID, SourceID: src.ID, SnapshotID: snap.ID, ValidFrom: time.Now()}); err != nil {
				return err
			}
		}
		return nil
	})
	require.Error(t, err, "a second current row for the same pair must be rejected")
}

func TestSQLite_CountSnapshots_CorruptStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	p := createTestProperty(t, st, "1 Main St")
	src := sourceByName(t, st, model.SourceZillow)
	snap, err := st.InsertSnapshot(ctx, model.Snapshot{PropertyID: p.ID, SourceID: src.ID, CapturedAt: time.Now(), Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	_, err = st.db.ExecContext(ctx, `UPDATE snapshots SET status = 'done' WHERE id = ?`, snap.ID)
	require.NoError(t, err)

	_, err = st.CountSnapshotsByStatus(ctx)
	assert.True(t, errors.Is(err, model.ErrCorruptStatus))

	_, err = st.GetSnapshot(ctx, snap.ID)
	assert.True(t, errors.Is(err, model.ErrCorruptStatus))
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t,
		"a.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)",
		sqliteDSN("a.db"))
	assert.Contains(t, sqliteDSN("a.db?cache=shared"), "a.db?cache=shared&_pragma=")
}
