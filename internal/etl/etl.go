// Package etl turns pending snapshots into attribute history and valuation
// rows, one transaction per snapshot.
package etl

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/property-cli/internal/model"
	"github.com/sells-group/property-cli/internal/notify"
	"github.com/sells-group/property-cli/internal/store"
)

// ErrNotPending is returned by ProcessOne when the snapshot is already
// terminal, is being processed by another run, or waits on an older pending
// snapshot of the same property and source.
var ErrNotPending = store.ErrNotPending

// saleDateLayouts are the date formats accepted for last_sale_date.
var saleDateLayouts = []string{
	time.DateOnly,
	time.RFC3339,
	"01/02/2006",
	"Jan 2, 2006",
}

// Engine processes pending snapshots.
type Engine struct {
	store      store.Store
	notifier   notify.Notifier
	batchLimit int
	log        *zap.Logger
	now        func() time.Time
}

// New creates an Engine. batchLimit bounds one ProcessPending pass; zero
// processes every pending snapshot.
func New(st store.Store, n notify.Notifier, batchLimit int) *Engine {
	if n == nil {
		n = notify.Nop{}
	}
	return &Engine{
		store:      st,
		notifier:   n,
		batchLimit: batchLimit,
		log:        zap.L().With(zap.String("component", "etl")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ProcessPending runs one batch over the pending snapshots in capture order.
// Per-snapshot failures are counted, not returned. Once a snapshot fails, the
// later snapshots of its (property, source) pair are skipped until it goes
// through, so history rows are always opened in capture order.
func (e *Engine) ProcessPending(ctx context.Context) (*model.ETLReport, error) {
	start := e.now()
	report := &model.ETLReport{}

	ids, err := e.store.ListPendingSnapshotIDs(ctx, e.batchLimit)
	if err != nil {
		e.log.Error("etl: list pending snapshots", zap.Error(err))
		e.alert(ctx, notify.AlertETLListFailure, "listing pending snapshots failed", err, nil)
		return nil, eris.Wrap(err, "etl: list pending snapshots")
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			report.Duration = e.now().Sub(start)
			return report, eris.Wrap(err, "etl: batch interrupted")
		}

		status, err := e.ProcessOne(ctx, id)
		switch {
		case errors.Is(err, ErrNotPending):
			report.Skipped++
		case err != nil:
			report.Failed++
		case status == model.SnapshotProcessed:
			report.Processed++
		case status == model.SnapshotError:
			report.Errored++
		}
	}

	report.Duration = e.now().Sub(start)
	e.log.Info("etl: batch complete",
		zap.Int("pending", len(ids)),
		zap.Int("processed", report.Processed),
		zap.Int("errored", report.Errored),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// ProcessOne processes a single snapshot in its own transaction and returns
// the terminal status it reached. Infrastructure failures roll back, leave
// the snapshot pending and raise a critical alert.
func (e *Engine) ProcessOne(ctx context.Context, id int64) (model.SnapshotStatus, error) {
	var status model.SnapshotStatus
	var snap *model.Snapshot

	err := e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		snap, err = tx.ClaimSnapshot(ctx, id)
		if err != nil {
			return err
		}

		fields, reason := e.decode(snap)
		if reason != "" {
			status = model.SnapshotError
			return tx.MarkSnapshot(ctx, id, model.SnapshotError, reason)
		}

		if err := apply(ctx, tx, snap, fields); err != nil {
			return err
		}
		status = model.SnapshotProcessed
		return tx.MarkSnapshot(ctx, id, model.SnapshotProcessed, "")
	})

	switch {
	case errors.Is(err, ErrNotPending):
		e.log.Debug("etl: snapshot not pending", zap.Int64("snapshot_id", id))
		return "", err
	case err != nil:
		e.log.Error("etl: snapshot transaction rolled back", zap.Int64("snapshot_id", id), zap.Error(err))
		details := map[string]any{"snapshot_id": id}
		if snap != nil {
			details["property_id"] = snap.PropertyID
			details["source"] = snap.SourceName
		}
		e.alert(ctx, notify.AlertETLInfrastructure, "snapshot processing failed and was rolled back", err, details)
		return "", eris.Wrapf(err, "etl: process snapshot %d", id)
	}

	e.log.Debug("etl: snapshot done",
		zap.Int64("snapshot_id", id),
		zap.String("source", snap.SourceName),
		zap.String("status", string(status)),
	)
	return status, nil
}

// apply closes the open history row, opens a new one and appends valuations.
func apply(ctx context.Context, tx store.Tx, snap *model.Snapshot, f *model.NormalizedFields) error {
	if _, err := tx.CloseCurrentAttributes(ctx, snap.PropertyID, snap.SourceID, snap.CapturedAt); err != nil {
		return err
	}

	rec := model.AttributeRecord{
		PropertyID:        snap.PropertyID,
		SourceID:          snap.SourceID,
		SnapshotID:        snap.ID,
		Beds:              f.Beds,
		Baths:             f.Baths,
		Sqft:              f.Sqft,
		LotSqft:           f.LotSqft,
		YearBuilt:         f.YearBuilt,
		PropertyType:      f.PropertyType,
		LastSalePrice:     f.LastSalePrice,
		LastSaleDate:      parseSaleDate(f.LastSaleDate),
		PropertyTaxAmount: f.PropertyTaxAmount,
		PropertyTaxYear:   f.PropertyTaxYear,
		ValidFrom:         snap.CapturedAt,
		IsCurrent:         true,
	}
	if _, err := tx.InsertAttributes(ctx, rec); err != nil {
		return err
	}

	for _, v := range f.Valuations() {
		if _, err := tx.InsertValuation(ctx, model.Valuation{
			PropertyID: snap.PropertyID,
			SourceID:   snap.SourceID,
			Provider:   snap.SourceName,
			Kind:       v.Kind,
			Value:      v.Value,
			RecordedAt: snap.CapturedAt,
		}); err != nil {
			return err
		}
	}
	return nil
}

// decode returns the normalized fields, or a data-quality reason when the
// snapshot cannot produce history.
func (e *Engine) decode(snap *model.Snapshot) (*model.NormalizedFields, string) {
	var p model.SnapshotPayload
	if err := json.Unmarshal(snap.Payload, &p); err != nil {
		return nil, "undecodable payload: " + err.Error()
	}
	if p.Error != "" {
		return nil, "source error: " + p.Error
	}
	if p.Normalized.IsEmpty() {
		return nil, "no normalized fields"
	}
	if d := p.Normalized.LastSaleDate; d != nil && parseSaleDate(d) == nil {
		e.log.Warn("etl: unparseable last_sale_date",
			zap.Int64("snapshot_id", snap.ID),
			zap.String("value", *d),
		)
	}
	return p.Normalized, ""
}

func parseSaleDate(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	for _, layout := range saleDateLayouts {
		if t, err := time.Parse(layout, *s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func (e *Engine) alert(ctx context.Context, t notify.AlertType, msg string, cause error, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["error"] = cause.Error()
	if err := e.notifier.Notify(ctx, notify.Critical(t, msg, details)); err != nil {
		e.log.Warn("etl: alert delivery failed", zap.String("alert_type", string(t)), zap.Error(err))
	}
}
