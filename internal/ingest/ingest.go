// Package ingest runs every listing-site acquirer for an address and
// persists each successful observation as a pending snapshot.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/property-cli/internal/acquire"
	"github.com/sells-group/property-cli/internal/address"
	"github.com/sells-group/property-cli/internal/model"
	"github.com/sells-group/property-cli/internal/store"
)

const defaultTimeout = 30 * time.Second

// Orchestrator fans an address out to the registered acquirers.
type Orchestrator struct {
	store      store.Store
	normalizer address.Normalizer
	acquirers  *acquire.Registry
	timeout    time.Duration
	now        func() time.Time
}

// New creates an Orchestrator. timeout bounds each source independently.
func New(st store.Store, n address.Normalizer, reg *acquire.Registry, timeout time.Duration) *Orchestrator {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Orchestrator{
		store:      st,
		normalizer: n,
		acquirers:  reg,
		timeout:    timeout,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run normalizes input, gets or creates its property and acquires every
// commercial source concurrently. Source failures are reported per source;
// only normalization and property resolution errors are returned.
func (o *Orchestrator) Run(ctx context.Context, input string) (*model.AcquisitionReport, error) {
	addr, err := o.normalizer.Normalize(ctx, input)
	if err == nil && addr.Canonical == "" {
		err = eris.New("empty canonical form")
	}
	if err != nil {
		if !errors.Is(err, address.ErrInvalidAddress) {
			err = eris.Wrap(address.ErrInvalidAddress, err.Error())
		}
		return nil, eris.Wrapf(err, "ingest: normalize %q", input)
	}

	prop, err := o.resolveProperty(ctx, *addr)
	if err != nil {
		return nil, err
	}

	sources, err := o.store.ListSources(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: list sources")
	}

	log := zap.L().With(
		zap.String("component", "ingest"),
		zap.Int64("property_id", prop.ID),
		zap.String("canonical", addr.Canonical),
	)
	log.Info("ingest: starting acquisition")

	var commercial []model.Source
	for _, src := range sources {
		if src.Kind == model.SourceKindCommercial {
			commercial = append(commercial, src)
		}
	}

	results := make([]model.SourceResult, len(commercial))
	var g errgroup.Group
	for i, src := range commercial {
		g.Go(func() error {
			results[i] = o.acquireOne(ctx, log, prop, *addr, src)
			return nil
		})
	}
	_ = g.Wait()

	report := &model.AcquisitionReport{
		PropertyID:       prop.ID,
		CanonicalAddress: addr.Canonical,
		Results:          results,
	}
	log.Info("ingest: acquisition complete",
		zap.Int("ingested", report.Count(model.OutcomeIngested)),
		zap.Int("source_errors", report.Count(model.OutcomeSourceError)),
		zap.Int("no_endpoint", report.Count(model.OutcomeNoEndpoint)),
	)
	return report, nil
}

// resolveProperty looks the property up by input, then by canonical form,
// and creates it otherwise. A lost insert race is resolved by re-reading.
func (o *Orchestrator) resolveProperty(ctx context.Context, addr model.NormalizedAddress) (*model.Property, error) {
	lookup := func() (*model.Property, error) {
		p, err := o.store.GetPropertyByInput(ctx, addr.Input)
		if err != nil || p != nil {
			return p, err
		}
		return o.store.GetPropertyByCanonical(ctx, addr.Canonical)
	}

	p, err := lookup()
	if err != nil {
		return nil, eris.Wrap(err, "ingest: lookup property")
	}
	if p != nil {
		return p, nil
	}

	p, err = o.store.CreateProperty(ctx, model.Property{
		InputAddress:     addr.Input,
		CanonicalAddress: addr.Canonical,
		Components:       addr.Components,
	})
	if errors.Is(err, store.ErrConflict) {
		p, err = lookup()
		if err == nil && p == nil {
			err = eris.New("property vanished after conflict")
		}
	}
	if err != nil {
		return nil, eris.Wrap(err, "ingest: create property")
	}
	return p, nil
}

func (o *Orchestrator) acquireOne(ctx context.Context, log *zap.Logger, prop *model.Property, addr model.NormalizedAddress, src model.Source) model.SourceResult {
	start := time.Now()
	result := model.SourceResult{Source: src.Name}

	a, ok := o.acquirers.Get(src.Name)
	if !ok {
		result.Outcome = model.OutcomeNoEndpoint
		result.Reason = "no acquirer registered"
		result.Duration = time.Since(start)
		return result
	}

	res, err := o.call(ctx, a, addr)
	switch {
	case errors.Is(err, acquire.ErrNoEndpoint):
		result.Outcome = model.OutcomeNoEndpoint
		result.Reason = err.Error()
	case err != nil:
		result.Outcome = model.OutcomeSourceError
		result.Reason = err.Error()
		log.Warn("ingest: source failed", zap.String("source", src.Name), zap.Error(err))
	case res == nil:
		result.Outcome = model.OutcomeSourceError
		result.Reason = "acquirer returned no result"
	default:
		id, perr := o.persist(ctx, prop.ID, src, res)
		if perr != nil {
			result.Outcome = model.OutcomeSourceError
			result.Reason = perr.Error()
			log.Error("ingest: persist snapshot failed", zap.String("source", src.Name), zap.Error(perr))
			break
		}
		result.Outcome = model.OutcomeIngested
		result.SnapshotID = id
		log.Info("ingest: snapshot saved", zap.String("source", src.Name), zap.Int64("snapshot_id", id))
	}
	result.Duration = time.Since(start)
	return result
}

// call runs one acquirer under the per-source deadline. The acquirer runs in
// its own goroutine so one that ignores its context still times out.
func (o *Orchestrator) call(ctx context.Context, a acquire.Acquirer, addr model.NormalizedAddress) (*acquire.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	type outcome struct {
		res *acquire.Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: eris.Errorf("ingest: %s panicked: %v", a.Name(), r)}
			}
		}()
		res, err := a.Acquire(ctx, addr)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case out := <-ch:
		return out.res, out.err
	case <-ctx.Done():
		return nil, eris.Wrapf(ctx.Err(), "ingest: %s timed out after %s", a.Name(), o.timeout)
	}
}

func (o *Orchestrator) persist(ctx context.Context, propertyID int64, src model.Source, res *acquire.Result) (int64, error) {
	payload, err := json.Marshal(res.Payload())
	if err != nil {
		return 0, eris.Wrap(err, "ingest: marshal payload")
	}
	snap, err := o.store.InsertSnapshot(ctx, model.Snapshot{
		PropertyID: propertyID,
		SourceID:   src.ID,
		CapturedAt: o.now(),
		Payload:    payload,
		Status:     model.SnapshotPending,
	})
	if err != nil {
		return 0, eris.Wrapf(err, "ingest: insert %s snapshot", src.Name)
	}
	return snap.ID, nil
}
