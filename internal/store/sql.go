package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/kjstillabower/rain-risk-service/internal/models"
	"github.com/kjstillabower/rain-risk-service/internal/observability"
)

//go:embed sql/sqlite.sql
var sqliteSchemaSQL string

//go:embed sql/postgres.sql
var postgresSchemaSQL string

//go:embed sql/insert-record.sql
var insertRecordSQL string

//go:embed sql/recent-records.sql
var recentRecordsSQL string

// sqliteTimeLayout is fixed width so TEXT ordering matches chronological ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

type dialect struct {
	name     string
	driver   string
	schema   string
	bindTime func(time.Time) any
}

var (
	dialectSQLite = dialect{
		name:   "sqlite",
		driver: "sqlite3",
		schema: sqliteSchemaSQL,
		bindTime: func(t time.Time) any {
			return t.UTC().Format(sqliteTimeLayout)
		},
	}
	dialectPostgres = dialect{
		name:   "postgres",
		driver: "postgres",
		schema: postgresSchemaSQL,
		bindTime: func(t time.Time) any {
			return t.UTC()
		},
	}
)

// SQLConfig selects the SQL backend.
type SQLConfig struct {
	// Backend is "sqlite" or "postgres".
	Backend string
	// SQLitePath is a file path, "file:" URI or ":memory:".
	SQLitePath string
	// DatabaseURL is the Postgres connection string.
	DatabaseURL     string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// SQLStore persists records in a single append-only table.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	clock   clockwork.Clock
	logger  *zap.Logger
}

// OpenSQL opens the database, checks connectivity and applies the schema.
func OpenSQL(ctx context.Context, cfg SQLConfig, clock clockwork.Clock, logger *zap.Logger) (*SQLStore, error) {
	var (
		d   dialect
		dsn string
		err error
	)
	switch cfg.Backend {
	case "sqlite":
		d = dialectSQLite
		dsn, err = sqliteDSN(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
	case "postgres":
		d = dialectPostgres
		dsn = cfg.DatabaseURL
		if dsn == "" {
			return nil, fmt.Errorf("store: database_url is required for postgres")
		}
	default:
		return nil, fmt.Errorf("store: unsupported SQL backend %q", cfg.Backend)
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if d.name == "sqlite" && strings.Contains(dsn, ":memory:") {
		// each connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s, err := NewSQLStore(ctx, db, d.name, clock, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database. dialectName is "sqlite" or "postgres".
func NewSQLStore(ctx context.Context, db *sql.DB, dialectName string, clock clockwork.Clock, logger *zap.Logger) (*SQLStore, error) {
	var d dialect
	switch dialectName {
	case "sqlite":
		d = dialectSQLite
	case "postgres":
		d = dialectPostgres
	default:
		return nil, fmt.Errorf("store: unsupported dialect %q", dialectName)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: db ping: %v", ErrStorageUnavailable, err)
	}
	if _, err := db.ExecContext(ctx, d.schema); err != nil {
		return nil, fmt.Errorf("%w: apply schema: %v", ErrStorageUnavailable, err)
	}
	return &SQLStore{db: db, dialect: d, clock: clock, logger: logger}, nil
}

func (s *SQLStore) Append(ctx context.Context, rec models.ClimateRecord) error {
	if err := Validate(rec); err != nil {
		observability.StoreAppendsTotal.WithLabelValues(s.dialect.name, "invalid").Inc()
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, insertRecordSQL,
		rec.ID,
		rec.Neighborhood,
		s.dialect.bindTime(rec.ObservedAt),
		rec.RainMM,
		rec.PrecipitationMM,
		rec.WindSpeedKMH,
		rec.RainPastMM,
		rec.RainNextMM,
		rec.Risk.String(),
		rec.Degraded,
		rec.Provider,
		s.dialect.bindTime(rec.CreatedAt),
	)
	if err != nil {
		observability.StoreAppendsTotal.WithLabelValues(s.dialect.name, "error").Inc()
		return fmt.Errorf("%w: insert %s record: %v", ErrStorageUnavailable, rec.Neighborhood, err)
	}
	observability.StoreAppendsTotal.WithLabelValues(s.dialect.name, "success").Inc()
	return nil
}

func (s *SQLStore) Latest(ctx context.Context, neighborhood string) (models.ClimateRecord, bool, error) {
	recs, err := s.query(ctx, neighborhood, 1)
	if err != nil {
		return models.ClimateRecord{}, false, err
	}
	if len(recs) == 0 {
		return models.ClimateRecord{}, false, nil
	}
	return recs[0], true, nil
}

func (s *SQLStore) RecentWindow(ctx context.Context, neighborhood string, limit int) ([]models.ClimateRecord, error) {
	if limit <= 0 {
		return []models.ClimateRecord{}, nil
	}
	recs, err := s.query(ctx, neighborhood, limit)
	if err != nil {
		return nil, err
	}
	// newest first from the index; callers want chronological
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

func (s *SQLStore) query(ctx context.Context, neighborhood string, limit int) ([]models.ClimateRecord, error) {
	rows, err := s.db.QueryContext(ctx, recentRecordsSQL, neighborhood, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s records: %v", ErrStorageUnavailable, neighborhood, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.Error("close climate record rows", zap.Error(err))
		}
	}()

	out := []models.ClimateRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan %s record: %v", ErrStorageUnavailable, neighborhood, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate %s records: %v", ErrStorageUnavailable, neighborhood, err)
	}
	return out, nil
}

func scanRecord(rows *sql.Rows) (models.ClimateRecord, error) {
	var (
		rec               models.ClimateRecord
		observed, created any
		risk              string
	)
	if err := rows.Scan(
		&rec.ID, &rec.Neighborhood, &observed,
		&rec.RainMM, &rec.PrecipitationMM, &rec.WindSpeedKMH,
		&rec.RainPastMM, &rec.RainNextMM,
		&risk, &rec.Degraded, &rec.Provider, &created,
	); err != nil {
		return rec, err
	}

	var err error
	if rec.ObservedAt, err = toTime(observed); err != nil {
		return rec, fmt.Errorf("observed_at: %w", err)
	}
	if rec.CreatedAt, err = toTime(created); err != nil {
		return rec, fmt.Errorf("created_at: %w", err)
	}
	if rec.Risk, err = models.ParseRiskTier(risk); err != nil {
		return rec, err
	}
	return rec, nil
}

// toTime accepts both native timestamps (postgres) and the TEXT layout used for sqlite.
func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseStoredTime(t)
	case []byte:
		return parseStoredTime(string(t))
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	}
}

func parseStoredTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Ping reports database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Backend returns the dialect name used for metrics labels.
func (s *SQLStore) Backend() string {
	return s.dialect.name
}

func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func sqliteDSN(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("store: sqlite_path is required for sqlite")
	}
	if path == ":memory:" {
		return "file::memory:?_busy_timeout=5000", nil
	}

	if !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", fmt.Errorf("mkdir %s: %w", dir, err)
			}
		}
	}

	params := []string{
		"_busy_timeout=5000",
		"_journal_mode=WAL",
	}
	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}
