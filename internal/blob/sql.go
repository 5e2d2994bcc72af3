package blob

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ChuLiYu/fleetbatch/internal/clock"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "github.com/mattn/go-sqlite3"    // registers "sqlite3"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// SQLConfig holds database connection configuration for the SQL store.
type SQLConfig struct {
	Driver          string        `yaml:"driver" toml:"driver"`
	DSN             string        `yaml:"dsn" toml:"dsn"`
	Table           string        `yaml:"table" toml:"table"`
	MaxOpenConns    int           `yaml:"max_open_conns" toml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" toml:"conn_max_lifetime"`
}

// SQL is a Store backed by a single table in sqlite3 or postgres.
type SQL struct {
	db     *sql.DB
	driver string
	table  string
	clock  clock.Clock
}

// OpenSQL connects, verifies the connection and creates the table if needed.
func OpenSQL(ctx context.Context, cfg SQLConfig, c clock.Clock) (*SQL, error) {
	switch cfg.Driver {
	case DriverSQLite, DriverPostgres:
	case "postgres":
		cfg.Driver = DriverPostgres
	default:
		return nil, fmt.Errorf("unsupported blob driver: %s (must be sqlite3 or pgx)", cfg.Driver)
	}
	if cfg.Table == "" {
		cfg.Table = "blobs"
	}
	if !validIdent(cfg.Table) {
		return nil, fmt.Errorf("invalid blob table name %q", cfg.Table)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	// sqlite in-memory databases exist per connection
	if cfg.Driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &SQL{db: db, driver: cfg.Driver, table: cfg.Table, clock: clock.OrReal(c)}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create blob table: %w", err)
	}
	return s, nil
}

func (s *SQL) migrate(ctx context.Context) error {
	dataType := "BLOB"
	if s.driver == DriverPostgres {
		dataType = "BYTEA"
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key        TEXT PRIMARY KEY,
		data       %s NOT NULL,
		metadata   TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`, s.table, dataType))
	return err
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQL) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	meta, err := json.Marshal(copyMetadata(metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if data == nil {
		data = []byte{}
	}

	query := s.rebind(fmt.Sprintf(`INSERT INTO %s (key, data, metadata, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, metadata = excluded.metadata, created_at = excluded.created_at`, s.table))
	if _, err := s.db.ExecContext(ctx, query, key, data, string(meta), s.clock.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, key string) (*Object, error) {
	query := s.rebind(fmt.Sprintf(`SELECT data, metadata, created_at FROM %s WHERE key = ?`, s.table))

	var (
		data      []byte
		meta      string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&data, &meta, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}

	info, err := s.info(key, int64(len(data)), meta, createdAt)
	if err != nil {
		return nil, err
	}
	return &Object{ObjectInfo: info, Data: data}, nil
}

func (s *SQL) info(key string, size int64, meta string, createdAt int64) (ObjectInfo, error) {
	metadata := map[string]string{}
	if err := json.Unmarshal([]byte(meta), &metadata); err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to decode metadata for %s: %w", key, err)
	}
	return ObjectInfo{
		Key:       key,
		Size:      size,
		Metadata:  metadata,
		CreatedAt: time.Unix(0, createdAt).UTC(),
	}, nil
}

func (s *SQL) Exists(ctx context.Context, key string) (bool, error) {
	query := s.rebind(fmt.Sprintf(`SELECT 1 FROM %s WHERE key = ?`, s.table))
	var one int
	err := s.db.QueryRowContext(ctx, query, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check object: %w", err)
	}
	return true, nil
}

func (s *SQL) Delete(ctx context.Context, key string) error {
	query := s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, s.table))
	res, err := s.db.ExecContext(ctx, query, key)
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List matches the prefix with substr rather than LIKE: sqlite's LIKE is
// case-insensitive and both dialects treat _ and % as wildcards.
func (s *SQL) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	query := s.rebind(fmt.Sprintf(`SELECT key, length(data), metadata, created_at FROM %s
		WHERE substr(key, 1, ?) = ? ORDER BY key`, s.table))

	rows, err := s.db.QueryContext(ctx, query, utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	defer rows.Close()

	var infos []ObjectInfo
	for rows.Next() {
		var (
			key       string
			size      int64
			meta      string
			createdAt int64
		)
		if err := rows.Scan(&key, &size, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan object: %w", err)
		}
		info, err := s.info(key, size, meta, createdAt)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	// postgres orders by collation, not bytes
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

// Driver returns the database driver name.
func (s *SQL) Driver() string {
	return s.driver
}

func (s *SQL) Close() error {
	return s.db.Close()
}

func validIdent(name string) bool {
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return name != ""
}
