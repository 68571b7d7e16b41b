package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/property-cli/internal/acquire"
	"github.com/sells-group/property-cli/internal/address"
	"github.com/sells-group/property-cli/internal/model"
	"github.com/sells-group/property-cli/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.EnsureSources(context.Background(), model.DefaultSources()))
	return st
}

type stubAcquirer struct {
	name  string
	delay time.Duration
	hang  bool
	err   error
	panic bool
	beds  float64

	mu    sync.Mutex
	calls int
}

func (s *stubAcquirer) Name() string { return s.name }

func (s *stubAcquirer) Acquire(ctx context.Context, _ model.NormalizedAddress) (*acquire.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.panic {
		panic("selector exploded")
	}
	if s.hang {
		// Ignores ctx on purpose.
		time.Sleep(2 * time.Second)
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	beds := s.beds
	return &acquire.Result{
		Raw:    json.RawMessage(`{"vendor":"` + s.name + `"}`),
		Fields: &model.NormalizedFields{Beds: &beds},
	}, nil
}

func pendingSnapshots(t *testing.T, st store.Store) []*model.Snapshot {
	t.Helper()
	ids, err := st.ListPendingSnapshotIDs(context.Background(), 0)
	require.NoError(t, err)
	var out []*model.Snapshot
	for _, id := range ids {
		s, err := st.GetSnapshot(context.Background(), id)
		require.NoError(t, err)
		out = append(out, s)
	}
	return out
}

func resultFor(t *testing.T, r *model.AcquisitionReport, source string) model.SourceResult {
	t.Helper()
	for _, res := range r.Results {
		if res.Source == source {
			return res
		}
	}
	t.Fatalf("no result for %s", source)
	return model.SourceResult{}
}

func TestRun_TwoIngestedOneTimeout(t *testing.T) {
	st := newTestStore(t)
	reg := acquire.NewRegistry(
		&stubAcquirer{name: model.SourceZillow, beds: 3},
		&stubAcquirer{name: model.SourceRedfin, beds: 3},
		&stubAcquirer{name: model.SourceRealtor, hang: true},
	)
	o := New(st, address.NewLocal(), reg, 100*time.Millisecond)

	start := time.Now()
	report, err := o.Run(context.Background(), "118 N Clark St, Chicago, IL 60602")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 1500*time.Millisecond)

	assert.Equal(t, 2, report.Count(model.OutcomeIngested))
	assert.Equal(t, 1, report.Count(model.OutcomeSourceError))
	assert.Equal(t, 1, report.Count(model.OutcomeNoEndpoint))
	assert.Contains(t, resultFor(t, report, model.SourceRealtor).Reason, "timed out")
	assert.Equal(t, model.OutcomeNoEndpoint, resultFor(t, report, model.SourceMovoto).Outcome)

	snaps := pendingSnapshots(t, st)
	require.Len(t, snaps, 2)
	for _, s := range snaps {
		assert.Equal(t, model.SnapshotPending, s.Status)
		assert.Equal(t, report.PropertyID, s.PropertyID)

		var payload model.SnapshotPayload
		require.NoError(t, json.Unmarshal(s.Payload, &payload))
		require.NotNil(t, payload.Normalized)
		assert.InDelta(t, 3.0, *payload.Normalized.Beds, 0.001)
		assert.Empty(t, payload.Error)
	}
}

func TestRun_SourceErrorsDoNotBlockOthers(t *testing.T) {
	st := newTestStore(t)
	reg := acquire.NewRegistry(
		&stubAcquirer{name: model.SourceZillow, err: errors.New("blocked")},
		&stubAcquirer{name: model.SourceRedfin, panic: true},
		&stubAcquirer{name: model.SourceRealtor, err: acquire.ErrNoEndpoint},
		&stubAcquirer{name: model.SourceMovoto, beds: 2, delay: 20 * time.Millisecond},
	)
	o := New(st, address.NewLocal(), reg, time.Second)

	report, err := o.Run(context.Background(), "9 Main Street North, Fargo, ND 58102")
	require.NoError(t, err)
	require.Len(t, report.Results, 4)

	assert.Equal(t, model.OutcomeSourceError, resultFor(t, report, model.SourceZillow).Outcome)
	redfin := resultFor(t, report, model.SourceRedfin)
	assert.Equal(t, model.OutcomeSourceError, redfin.Outcome)
	assert.Contains(t, redfin.Reason, "panicked")
	assert.Equal(t, model.OutcomeNoEndpoint, resultFor(t, report, model.SourceRealtor).Outcome)

	movoto := resultFor(t, report, model.SourceMovoto)
	assert.Equal(t, model.OutcomeIngested, movoto.Outcome)
	assert.NotZero(t, movoto.SnapshotID)
	assert.Len(t, pendingSnapshots(t, st), 1)
}

func TestRun_ParseErrorIsPersisted(t *testing.T) {
	st := newTestStore(t)
	reg := acquire.NewRegistry(parseFailure{})
	o := New(st, address.NewLocal(), reg, time.Second)

	report, err := o.Run(context.Background(), "1 Elm Road, Austin, TX 78701")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(model.OutcomeIngested))

	snaps := pendingSnapshots(t, st)
	require.Len(t, snaps, 1)
	assert.JSONEq(t, `{"raw":{"props":{}},"error":"zillow: gdpClientCache not found"}`, string(snaps[0].Payload))
}

type parseFailure struct{}

func (parseFailure) Name() string { return model.SourceZillow }

func (parseFailure) Acquire(context.Context, model.NormalizedAddress) (*acquire.Result, error) {
	return &acquire.Result{Raw: json.RawMessage(`{"props":{}}`), ParseError: "zillow: gdpClientCache not found"}, nil
}

func TestRun_InvalidAddressHasNoSideEffects(t *testing.T) {
	st := newTestStore(t)
	z := &stubAcquirer{name: model.SourceZillow}
	o := New(st, address.NewLocal(), acquire.NewRegistry(z), time.Second)

	_, err := o.Run(context.Background(), "not an address")
	require.Error(t, err)
	assert.True(t, errors.Is(err, address.ErrInvalidAddress))
	assert.Equal(t, 0, z.calls)

	p, err := st.GetPropertyByInput(context.Background(), "not an address")
	require.NoError(t, err)
	assert.Nil(t, p)
}

type failingNormalizer struct{}

func (failingNormalizer) Normalize(context.Context, string) (*model.NormalizedAddress, error) {
	return nil, errors.New("backend down")
}

func TestRun_NormalizerFailureIsInvalidAddress(t *testing.T) {
	o := New(newTestStore(t), failingNormalizer{}, acquire.NewRegistry(), time.Second)
	_, err := o.Run(context.Background(), "118 N Clark St, Chicago, IL")
	assert.True(t, errors.Is(err, address.ErrInvalidAddress))
}

func TestRun_ReusesPropertyByInputAndCanonical(t *testing.T) {
	st := newTestStore(t)
	o := New(st, address.NewLocal(), acquire.NewRegistry(), time.Second)

	first, err := o.Run(context.Background(), "118 North Clark Street, Chicago, IL 60602")
	require.NoError(t, err)
	again, err := o.Run(context.Background(), "118 North Clark Street, Chicago, IL 60602")
	require.NoError(t, err)
	variant, err := o.Run(context.Background(), "118 N. Clark St., Chicago, IL 60602")
	require.NoError(t, err)

	assert.Equal(t, first.PropertyID, again.PropertyID)
	assert.Equal(t, first.PropertyID, variant.PropertyID)
	assert.Equal(t, 4, first.Count(model.OutcomeNoEndpoint))
}

func TestRun_ConcurrentSameCanonicalCreatesOneProperty(t *testing.T) {
	st := newTestStore(t)
	o := New(st, address.NewLocal(), acquire.NewRegistry(), time.Second)

	inputs := []string{
		"118 North Clark Street, Chicago, IL 60602",
		"118 N Clark St, Chicago, IL 60602",
		"118 n. clark st., chicago, il 60602",
		"118 NORTH CLARK ST, CHICAGO, IL 60602",
	}

	var wg sync.WaitGroup
	ids := make([]int64, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := o.Run(context.Background(), inputs[i%len(inputs)])
			errs[i] = err
			if r != nil {
				ids[i] = r.PropertyID
			}
		}()
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
}

func TestRun_CapturedAtUsesClock(t *testing.T) {
	st := newTestStore(t)
	o := New(st, address.NewLocal(), acquire.NewRegistry(&stubAcquirer{name: model.SourceRedfin, beds: 1}), time.Second)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return fixed }

	_, err := o.Run(context.Background(), "1 Elm Road, Austin, TX 78701")
	require.NoError(t, err)

	snaps := pendingSnapshots(t, st)
	require.Len(t, snaps, 1)
	assert.True(t, fixed.Equal(snaps[0].CapturedAt))
}

func TestNew_DefaultTimeout(t *testing.T) {
	o := New(nil, nil, nil, 0)
	assert.Equal(t, defaultTimeout, o.timeout)
}
