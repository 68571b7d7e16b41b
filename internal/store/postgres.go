package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/property-cli/internal/db"
	"github.com/sells-group/property-cli/internal/model"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// migrationLockID keys the advisory lock that serializes concurrent Migrate calls.
const migrationLockID = 7310042

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// Migrate applies the embedded migrations not yet recorded in
// schema_migrations, in filename order. The whole run is one transaction
// holding a transaction-scoped advisory lock, so the lock never outlives
// the connection that took it.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "store.migrate"))

	entries, err := fs.ReadDir(postgresMigrations, "migrations/postgres")
	if err != nil {
		return eris.Wrap(err, "postgres: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
			return eris.Wrap(err, "postgres: acquire migration lock")
		}

		if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename   TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
			return eris.Wrap(err, "postgres: ensure migration table")
		}

		applied := make(map[string]bool)
		rows, err := tx.Query(ctx, "SELECT filename FROM schema_migrations")
		if err != nil {
			return eris.Wrap(err, "postgres: query applied migrations")
		}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return eris.Wrap(err, "postgres: scan migration row")
			}
			applied[name] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return eris.Wrap(err, "postgres: iterate migrations")
		}

		for _, entry := range entries {
			name := entry.Name()
			if applied[name] {
				continue
			}
			data, err := postgresMigrations.ReadFile("migrations/postgres/" + name)
			if err != nil {
				return eris.Wrapf(err, "postgres: read migration %s", name)
			}

			log.Info("applying migration", zap.String("file", name))
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return eris.Wrapf(err, "postgres: apply migration %s", name)
			}
			if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", name); err != nil {
				return eris.Wrapf(err, "postgres: record migration %s", name)
			}
		}
		return nil
	})
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) EnsureSources(ctx context.Context, sources []model.Source) error {
	for _, src := range sources {
		kind := src.Kind
		if kind == "" {
			kind = model.SourceKindCommercial
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO sources (name, base_url, kind) VALUES ($1, $2, $3) ON CONFLICT (name) DO NOTHING`,
			src.Name, src.BaseURL, string(kind),
		); err != nil {
			return eris.Wrapf(err, "postgres: ensure source %s", src.Name)
		}
	}
	return nil
}

func (s *PostgresStore) ListSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, base_url, kind FROM sources ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sources")
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		var src model.Source
		var kind string
		if err := rows.Scan(&src.ID, &src.Name, &src.BaseURL, &kind); err != nil {
			return nil, eris.Wrap(err, "postgres: scan source")
		}
		src.Kind = model.SourceKind(kind)
		out = append(out, src)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate sources")
}

const propertyColumns = `id, input_address, canonical_address, components, created_at`

func (s *PostgresStore) GetProperty(ctx context.Context, id int64) (*model.Property, error) {
	return s.getProperty(ctx, `SELECT `+propertyColumns+` FROM properties WHERE id = $1`, id)
}

func (s *PostgresStore) GetPropertyByInput(ctx context.Context, input string) (*model.Property, error) {
	return s.getProperty(ctx, `SELECT `+propertyColumns+` FROM properties WHERE input_address = $1`, input)
}

func (s *PostgresStore) GetPropertyByCanonical(ctx context.Context, canonical string) (*model.Property, error) {
	return s.getProperty(ctx, `SELECT `+propertyColumns+` FROM properties WHERE canonical_address = $1`, canonical)
}

func (s *PostgresStore) getProperty(ctx context.Context, query string, arg any) (*model.Property, error) {
	var p model.Property
	var components []byte
	err := s.pool.QueryRow(ctx, query, arg).Scan(&p.ID, &p.InputAddress, &p.CanonicalAddress, &components, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get property")
	}
	if len(components) > 0 {
		if err := json.Unmarshal(components, &p.Components); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal address components")
		}
	}
	return &p, nil
}

func (s *PostgresStore) CreateProperty(ctx context.Context, p model.Property) (*model.Property, error) {
	components, err := json.Marshal(p.Components)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal address components")
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO properties (input_address, canonical_address, components) VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		p.InputAddress, p.CanonicalAddress, components,
	).Scan(&p.ID, &p.CreatedAt)
	if db.IsUniqueViolation(err) {
		return nil, eris.Wrapf(ErrConflict, "postgres: create property %q", p.InputAddress)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create property")
	}
	return &p, nil
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap model.Snapshot) (*model.Snapshot, error) {
	snap.Status = model.SnapshotPending
	snap.CapturedAt = snap.CapturedAt.UTC()
	err := s.pool.QueryRow(ctx,
		`INSERT INTO snapshots (property_id, source_id, captured_at, payload, status) VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		snap.PropertyID, snap.SourceID, snap.CapturedAt, []byte(snap.Payload), string(snap.Status),
	).Scan(&snap.ID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert snapshot")
	}
	return &snap, nil
}

const snapshotSelect = `SELECT s.id, s.property_id, s.source_id, src.name, s.captured_at, s.payload,
	s.status, s.status_reason, s.processed_at
	FROM snapshots s JOIN sources src ON src.id = s.source_id`

func (s *PostgresStore) GetSnapshot(ctx context.Context, id int64) (*model.Snapshot, error) {
	snap, err := scanSnapshot(s.pool.QueryRow(ctx, snapshotSelect+` WHERE s.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get snapshot %d", id)
	}
	return snap, nil
}

func (s *PostgresStore) ListPendingSnapshotIDs(ctx context.Context, limit int) ([]int64, error) {
	query := `SELECT id FROM snapshots WHERE status = 'pending' ORDER BY captured_at, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending snapshots")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: iterate pending snapshots")
}

func (s *PostgresStore) CountSnapshotsByStatus(ctx context.Context) (map[model.SnapshotStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM snapshots GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count snapshots")
	}
	defer rows.Close()

	counts := make(map[model.SnapshotStatus]int)
	for rows.Next() {
		var raw string
		var n int64
		if err := rows.Scan(&raw, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot count")
		}
		status, err := model.ParseSnapshotStatus(raw)
		if err != nil {
			return nil, err
		}
		counts[status] = int(n)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: iterate snapshot counts")
}

const attributeColumns = `id, property_id, source_id, snapshot_id, beds, baths, sqft, lot_sqft, year_built,
	property_type, last_sale_price, last_sale_date, property_tax_amount, property_tax_year,
	valid_from, valid_to, is_current`

func (s *PostgresStore) ListAttributeHistory(ctx context.Context, propertyID int64) ([]model.AttributeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+attributeColumns+` FROM property_attributes_history
		 WHERE property_id = $1 ORDER BY source_id, valid_from, id`, propertyID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list attribute history")
	}
	defer rows.Close()

	var out []model.AttributeRecord
	for rows.Next() {
		var r model.AttributeRecord
		if err := rows.Scan(&r.ID, &r.PropertyID, &r.SourceID, &r.SnapshotID, &r.Beds, &r.Baths, &r.Sqft,
			&r.LotSqft, &r.YearBuilt, &r.PropertyType, &r.LastSalePrice, &r.LastSaleDate,
			&r.PropertyTaxAmount, &r.PropertyTaxYear, &r.ValidFrom, &r.ValidTo, &r.IsCurrent); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attribute row")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate attribute history")
}

func (s *PostgresStore) ListValuations(ctx context.Context, propertyID int64) ([]model.Valuation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, property_id, source_id, provider, kind, value, recorded_at FROM valuation_history
		 WHERE property_id = $1 ORDER BY recorded_at, id`, propertyID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list valuations")
	}
	defer rows.Close()

	var out []model.Valuation
	for rows.Next() {
		var v model.Valuation
		var kind string
		if err := rows.Scan(&v.ID, &v.PropertyID, &v.SourceID, &v.Provider, &kind, &v.Value, &v.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan valuation")
		}
		v.Kind = model.ValuationKind(kind)
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate valuations")
}

// InTx runs fn inside a pgx transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

// pgTx implements Tx over a pgx transaction.
type pgTx struct {
	q db.Querier
}

func (t *pgTx) ClaimSnapshot(ctx context.Context, id int64) (*model.Snapshot, error) {
	snap, err := scanSnapshot(t.q.QueryRow(ctx,
		snapshotSelect+` WHERE s.id = $1 AND s.status = 'pending'
			AND NOT EXISTS (
				SELECT 1 FROM snapshots o
				WHERE o.property_id = s.property_id AND o.source_id = s.source_id
				  AND o.status = 'pending'
				  AND (o.captured_at, o.id) < (s.captured_at, s.id)
			)
			FOR UPDATE OF s SKIP LOCKED`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotPending, "postgres: claim snapshot %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: claim snapshot %d", id)
	}
	return snap, nil
}

func (t *pgTx) CloseCurrentAttributes(ctx context.Context, propertyID, sourceID int64, validTo time.Time) (int64, error) {
	tag, err := t.q.Exec(ctx,
		`UPDATE property_attributes_history SET valid_to = $3, is_current = false
		 WHERE property_id = $1 AND source_id = $2 AND is_current`,
		propertyID, sourceID, validTo.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: close current attributes")
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) InsertAttributes(ctx context.Context, r model.AttributeRecord) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx,
		`INSERT INTO property_attributes_history (property_id, source_id, snapshot_id, beds, baths, sqft,
			lot_sqft, year_built, property_type, last_sale_price, last_sale_date, property_tax_amount,
			property_tax_year, valid_from, valid_to, is_current)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NULL, true)
		 RETURNING id`,
		r.PropertyID, r.SourceID, r.SnapshotID, r.Beds, r.Baths, r.Sqft, r.LotSqft, r.YearBuilt,
		r.PropertyType, r.LastSalePrice, r.LastSaleDate, r.PropertyTaxAmount, r.PropertyTaxYear,
		r.ValidFrom.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert attributes")
	}
	return id, nil
}

func (t *pgTx) InsertValuation(ctx context.Context, v model.Valuation) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx,
		`INSERT INTO valuation_history (property_id, source_id, provider, kind, value, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		v.PropertyID, v.SourceID, v.Provider, string(v.Kind), v.Value, v.RecordedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert valuation")
	}
	return id, nil
}

func (t *pgTx) MarkSnapshot(ctx context.Context, id int64, status model.SnapshotStatus, reason string) error {
	if !model.CanTransition(model.SnapshotPending, status) {
		return eris.Errorf("postgres: invalid snapshot transition to %q", status)
	}
	tag, err := t.q.Exec(ctx,
		`UPDATE snapshots SET status = $2, status_reason = $3, processed_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		id, string(status), reason)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark snapshot %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotPending, "postgres: mark snapshot %d", id)
	}
	return nil
}

func scanSnapshot(row scannable) (*model.Snapshot, error) {
	var snap model.Snapshot
	var payload []byte
	var status string
	if err := row.Scan(&snap.ID, &snap.PropertyID, &snap.SourceID, &snap.SourceName, &snap.CapturedAt,
		&payload, &status, &snap.StatusReason, &snap.ProcessedAt); err != nil {
		return nil, err
	}
	parsed, err := model.ParseSnapshotStatus(status)
	if err != nil {
		return nil, err
	}
	snap.Status = parsed
	snap.Payload = json.RawMessage(payload)
	return &snap, nil
}
