package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/property-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// sqlitePragmas are applied to every pooled connection through the DSN.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(10000)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

// NewSQLite opens a SQLite database file and configures WAL mode.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	params := make([]string, 0, len(sqlitePragmas))
	for _, p := range sqlitePragmas {
		params = append(params, "_pragma="+p)
	}
	return path + sep + strings.Join(params, "&")
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sources (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	name     TEXT NOT NULL UNIQUE,
	base_url TEXT NOT NULL,
	kind     TEXT NOT NULL DEFAULT 'commercial'
);

CREATE TABLE IF NOT EXISTS properties (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	input_address     TEXT NOT NULL UNIQUE,
	canonical_address TEXT NOT NULL UNIQUE,
	components        TEXT NOT NULL DEFAULT '{}',
	created_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	property_id   INTEGER NOT NULL REFERENCES properties(id),
	source_id     INTEGER NOT NULL REFERENCES sources(id),
	captured_at   DATETIME NOT NULL,
	payload       TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	status_reason TEXT NOT NULL DEFAULT '',
	processed_at  DATETIME
);

CREATE INDEX IF NOT EXISTS idx_snapshots_pending ON snapshots (status, captured_at, id);
CREATE INDEX IF NOT EXISTS idx_snapshots_property ON snapshots (property_id, source_id);

CREATE TABLE IF NOT EXISTS property_attributes_history (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	property_id         INTEGER NOT NULL REFERENCES properties(id),
	source_id           INTEGER NOT NULL REFERENCES sources(id),
	snapshot_id         INTEGER NOT NULL REFERENCES snapshots(id),
	beds                REAL,
	baths               REAL,
	sqft                INTEGER,
	lot_sqft            INTEGER,
	year_built          INTEGER,
	property_type       TEXT,
	last_sale_price     INTEGER,
	last_sale_date      DATETIME,
	property_tax_amount INTEGER,
	property_tax_year   INTEGER,
	valid_from          DATETIME NOT NULL,
	valid_to            DATETIME,
	is_current          INTEGER NOT NULL DEFAULT 1
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_attributes_current
	ON property_attributes_history (property_id, source_id) WHERE is_current = 1;
CREATE INDEX IF NOT EXISTS idx_attributes_property
	ON property_attributes_history (property_id, source_id, valid_from);

CREATE TABLE IF NOT EXISTS valuation_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	property_id INTEGER NOT NULL REFERENCES properties(id),
	source_id   INTEGER NOT NULL REFERENCES sources(id),
	provider    TEXT NOT NULL,
	kind        TEXT NOT NULL,
	value       INTEGER NOT NULL,
	recorded_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_valuations_property ON valuation_history (property_id, recorded_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) EnsureSources(ctx context.Context, sources []model.Source) error {
	for _, src := range sources {
		kind := src.Kind
		if kind == "" {
			kind = model.SourceKindCommercial
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO sources (name, base_url, kind) VALUES (?, ?, ?) ON CONFLICT (name) DO NOTHING`,
			src.Name, src.BaseURL, string(kind),
		); err != nil {
			return eris.Wrapf(err, "sqlite: ensure source %s", src.Name)
		}
	}
	return nil
}

func (s *SQLiteStore) ListSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, base_url, kind FROM sources ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sources")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Source
	for rows.Next() {
		var src model.Source
		var kind string
		if err := rows.Scan(&src.ID, &src.Name, &src.BaseURL, &kind); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan source")
		}
		src.Kind = model.SourceKind(kind)
		out = append(out, src)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate sources")
}

func (s *SQLiteStore) GetProperty(ctx context.Context, id int64) (*model.Property, error) {
	return s.getProperty(ctx, `SELECT `+propertyColumns+` FROM properties WHERE id = ?`, id)
}

func (s *SQLiteStore) GetPropertyByInput(ctx context.Context, input string) (*model.Property, error) {
	return s.getProperty(ctx, `SELECT `+propertyColumns+` FROM properties WHERE input_address = ?`, input)
}

func (s *SQLiteStore) GetPropertyByCanonical(ctx context.Context, canonical string) (*model.Property, error) {
	return s.getProperty(ctx, `SELECT `+propertyColumns+` FROM properties WHERE canonical_address = ?`, canonical)
}

func (s *SQLiteStore) getProperty(ctx context.Context, query string, arg any) (*model.Property, error) {
	var p model.Property
	var components string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&p.ID, &p.InputAddress, &p.CanonicalAddress, &components, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get property")
	}
	if components != "" {
		if err := json.Unmarshal([]byte(components), &p.Components); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal address components")
		}
	}
	return &p, nil
}

func (s *SQLiteStore) CreateProperty(ctx context.Context, p model.Property) (*model.Property, error) {
	components, err := json.Marshal(p.Components)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal address components")
	}
	p.CreatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO properties (input_address, canonical_address, components, created_at) VALUES (?, ?, ?, ?)`,
		p.InputAddress, p.CanonicalAddress, string(components), p.CreatedAt,
	)
	if isSQLiteUnique(err) {
		return nil, eris.Wrapf(ErrConflict, "sqlite: create property %q", p.InputAddress)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: create property")
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return nil, eris.Wrap(err, "sqlite: property id")
	}
	return &p, nil
}

func (s *SQLiteStore) InsertSnapshot(ctx context.Context, snap model.Snapshot) (*model.Snapshot, error) {
	snap.Status = model.SnapshotPending
	snap.CapturedAt = snap.CapturedAt.UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (property_id, source_id, captured_at, payload, status) VALUES (?, ?, ?, ?, ?)`,
		snap.PropertyID, snap.SourceID, snap.CapturedAt, string(snap.Payload), string(snap.Status),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert snapshot")
	}
	if snap.ID, err = res.LastInsertId(); err != nil {
		return nil, eris.Wrap(err, "sqlite: snapshot id")
	}
	return &snap, nil
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, id int64) (*model.Snapshot, error) {
	snap, err := scanSQLiteSnapshot(s.db.QueryRowContext(ctx, snapshotSelect+` WHERE s.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get snapshot %d", id)
	}
	return snap, nil
}

func (s *SQLiteStore) ListPendingSnapshotIDs(ctx context.Context, limit int) ([]int64, error) {
	query := `SELECT id FROM snapshots WHERE status = 'pending' ORDER BY captured_at, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending snapshots")
	}
	defer rows.Close() //nolint:errcheck

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: iterate pending snapshots")
}

func (s *SQLiteStore) CountSnapshotsByStatus(ctx context.Context) (map[model.SnapshotStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM snapshots GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count snapshots")
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[model.SnapshotStatus]int)
	for rows.Next() {
		var raw string
		var n int
		if err := rows.Scan(&raw, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot count")
		}
		status, err := model.ParseSnapshotStatus(raw)
		if err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: iterate snapshot counts")
}

func (s *SQLiteStore) ListAttributeHistory(ctx context.Context, propertyID int64) ([]model.AttributeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attributeColumns+` FROM property_attributes_history
		 WHERE property_id = ? ORDER BY source_id, valid_from, id`, propertyID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list attribute history")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AttributeRecord
	for rows.Next() {
		r, err := scanSQLiteAttributes(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attribute row")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate attribute history")
}

func (s *SQLiteStore) ListValuations(ctx context.Context, propertyID int64) ([]model.Valuation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, property_id, source_id, provider, kind, value, recorded_at FROM valuation_history
		 WHERE property_id = ? ORDER BY recorded_at, id`, propertyID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list valuations")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Valuation
	for rows.Next() {
		var v model.Valuation
		var kind string
		if err := rows.Scan(&v.ID, &v.PropertyID, &v.SourceID, &v.Provider, &kind, &v.Value, &v.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan valuation")
		}
		v.Kind = model.ValuationKind(kind)
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate valuations")
}

// InTx pins one connection and opens an IMMEDIATE transaction on it so the
// write lock is taken before the snapshot is read.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return eris.Wrap(err, "sqlite: acquire conn")
	}
	defer conn.Close() //nolint:errcheck

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return eris.Wrap(err, "sqlite: begin immediate")
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(&sqliteTx{conn: conn}); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return eris.Wrap(err, "sqlite: commit")
	}
	committed = true
	return nil
}

// sqliteTx implements Tx on a connection holding an open transaction.
type sqliteTx struct {
	conn *sql.Conn
}

func (t *sqliteTx) ClaimSnapshot(ctx context.Context, id int64) (*model.Snapshot, error) {
	snap, err := scanSQLiteSnapshot(t.conn.QueryRowContext(ctx,
		snapshotSelect+` WHERE s.id = ? AND s.status = 'pending'
			AND NOT EXISTS (
				SELECT 1 FROM snapshots o
				WHERE o.property_id = s.property_id AND o.source_id = s.source_id
				  AND o.status = 'pending'
				  AND (o.captured_at < s.captured_at OR (o.captured_at = s.captured_at AND o.id < s.id))
			)`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotPending, "sqlite: claim snapshot %d", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim snapshot %d", id)
	}
	return snap, nil
}

func (t *sqliteTx) CloseCurrentAttributes(ctx context.Context, propertyID, sourceID int64, validTo time.Time) (int64, error) {
	res, err := t.conn.ExecContext(ctx,
		`UPDATE property_attributes_history SET valid_to = ?, is_current = 0
		 WHERE property_id = ? AND source_id = ? AND is_current = 1`,
		validTo.UTC(), propertyID, sourceID)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: close current attributes")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (t *sqliteTx) InsertAttributes(ctx context.Context, r model.AttributeRecord) (int64, error) {
	res, err := t.conn.ExecContext(ctx,
		`INSERT INTO property_attributes_history (property_id, source_id, snapshot_id, beds, baths, sqft,
			lot_sqft, year_built, property_type, last_sale_price, last_sale_date, property_tax_amount,
			property_tax_year, valid_from, valid_to, is_current)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 1)`,
		r.PropertyID, r.SourceID, r.SnapshotID, nullable(r.Beds), nullable(r.Baths), nullable(r.Sqft),
		nullable(r.LotSqft), nullable(r.YearBuilt), nullable(r.PropertyType), nullable(r.LastSalePrice),
		nullableTime(r.LastSaleDate), nullable(r.PropertyTaxAmount), nullable(r.PropertyTaxYear),
		r.ValidFrom.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert attributes")
	}
	id, err := res.LastInsertId()
	return id, eris.Wrap(err, "sqlite: attributes id")
}

func (t *sqliteTx) InsertValuation(ctx context.Context, v model.Valuation) (int64, error) {
	res, err := t.conn.ExecContext(ctx,
		`INSERT INTO valuation_history (property_id, source_id, provider, kind, value, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		v.PropertyID, v.SourceID, v.Provider, string(v.Kind), v.Value, v.RecordedAt.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert valuation")
	}
	id, err := res.LastInsertId()
	return id, eris.Wrap(err, "sqlite: valuation id")
}

func (t *sqliteTx) MarkSnapshot(ctx context.Context, id int64, status model.SnapshotStatus, reason string) error {
	if !model.CanTransition(model.SnapshotPending, status) {
		return eris.Errorf("sqlite: invalid snapshot transition to %q", status)
	}
	res, err := t.conn.ExecContext(ctx,
		`UPDATE snapshots SET status = ?, status_reason = ?, processed_at = ?
		 WHERE id = ? AND status = 'pending'`,
		string(status), reason, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark snapshot %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotPending, "sqlite: mark snapshot %d", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteSnapshot(row scannable) (*model.Snapshot, error) {
	var snap model.Snapshot
	var payload, status string
	var processedAt sql.NullTime
	if err := row.Scan(&snap.ID, &snap.PropertyID, &snap.SourceID, &snap.SourceName, &snap.CapturedAt,
		&payload, &status, &snap.StatusReason, &processedAt); err != nil {
		return nil, err
	}
	parsed, err := model.ParseSnapshotStatus(status)
	if err != nil {
		return nil, err
	}
	snap.Status = parsed
	snap.Payload = json.RawMessage(payload)
	if processedAt.Valid {
		t := processedAt.Time
		snap.ProcessedAt = &t
	}
	return &snap, nil
}

func scanSQLiteAttributes(row scannable) (*model.AttributeRecord, error) {
	var r model.AttributeRecord
	var (
		beds, baths                      sql.NullFloat64
		sqft, lotSqft, salePrice, taxAmt sql.NullInt64
		yearBuilt, taxYear               sql.NullInt64
		propertyType                     sql.NullString
		saleDate, validTo                sql.NullTime
		isCurrent                        int
	)
	if err := row.Scan(&r.ID, &r.PropertyID, &r.SourceID, &r.SnapshotID, &beds, &baths, &sqft, &lotSqft,
		&yearBuilt, &propertyType, &salePrice, &saleDate, &taxAmt, &taxYear,
		&r.ValidFrom, &validTo, &isCurrent); err != nil {
		return nil, err
	}
	r.Beds = fromNull(beds.Float64, beds.Valid)
	r.Baths = fromNull(baths.Float64, baths.Valid)
	r.Sqft = fromNull(sqft.Int64, sqft.Valid)
	r.LotSqft = fromNull(lotSqft.Int64, lotSqft.Valid)
	r.LastSalePrice = fromNull(salePrice.Int64, salePrice.Valid)
	r.PropertyTaxAmount = fromNull(taxAmt.Int64, taxAmt.Valid)
	r.PropertyType = fromNull(propertyType.String, propertyType.Valid)
	r.LastSaleDate = fromNull(saleDate.Time, saleDate.Valid)
	r.ValidTo = fromNull(validTo.Time, validTo.Valid)
	if yearBuilt.Valid {
		y := int(yearBuilt.Int64)
		r.YearBuilt = &y
	}
	if taxYear.Valid {
		y := int(taxYear.Int64)
		r.PropertyTaxYear = &y
	}
	r.IsCurrent = isCurrent == 1
	return &r, nil
}

func fromNull[T any](v T, valid bool) *T {
	if !valid {
		return nil
	}
	return &v
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableTime(p *time.Time) any {
	if p == nil {
		return nil
	}
	return p.UTC()
}

func isSQLiteUnique(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
