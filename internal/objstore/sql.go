package objstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/didi/gendry/builder"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	appErr "github.com/xxxsen/chatdistill/internal/pkg/errors"
)

const (
	objectTable = "objects"
	kindAppend  = "append"
	kindBlock   = "block"
)

type sqlConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

type sqlDialect struct {
	schema   string
	sizeExpr string
	concat   string
}

var dialects = map[string]sqlDialect{
	"postgres": {
		schema: `CREATE TABLE IF NOT EXISTS objects (
			object_key TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			data BYTEA NOT NULL,
			mtime BIGINT NOT NULL
		)`,
		sizeExpr: "octet_length(data)",
		concat:   "data || ?",
	},
	"sqlite": {
		schema: `CREATE TABLE IF NOT EXISTS objects (
			object_key TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			data BLOB NOT NULL,
			mtime INTEGER NOT NULL
		)`,
		sizeExpr: "length(CAST(data AS BLOB))",
		concat:   "CAST(data || ? AS BLOB)",
	},
}

// sqlStore keeps objects as rows. The kind column separates appendable rows
// from whole-object writes, matching the append/block split of blob stores.
type sqlStore struct {
	db       *sql.DB
	driver   string
	bindType int
	dialect  sqlDialect
}

func init() {
	Register("sql", createSQLStore)
}

func createSQLStore(args interface{}) (Store, error) {
	config := &sqlConfig{}
	if err := decodeConfig(args, config); err != nil {
		return nil, err
	}
	if config.DSN == "" {
		return nil, fmt.Errorf("sql store dsn is required")
	}
	driver := strings.ToLower(strings.TrimSpace(config.Driver))
	if driver == "" {
		driver = "postgres"
	}
	db, err := sql.Open(driver, config.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewSQLStore(db, driver)
}

// NewSQLStore wraps an open database and ensures the objects table exists.
func NewSQLStore(db *sql.DB, driver string) (Store, error) {
	dialect, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported sql driver: %s", driver)
	}
	if _, err := db.Exec(dialect.schema); err != nil {
		return nil, fmt.Errorf("create objects table: %w", err)
	}
	return &sqlStore{db: db, driver: driver, bindType: sqlx.BindType(driver), dialect: dialect}, nil
}

func (s *sqlStore) Type() string {
	return "sql"
}

func (s *sqlStore) rebind(query string) string {
	return sqlx.Rebind(s.bindType, query)
}

func (s *sqlStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	query := s.rebind(`SELECT kind, ` + s.dialect.sizeExpr + `, mtime FROM objects WHERE object_key = ?`)
	var (
		kind  string
		size  int64
		mtime int64
	)
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&kind, &size, &mtime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	return &ObjectInfo{Size: size, Appendable: kind == kindAppend, ModTime: time.UnixMilli(mtime)}, nil
}

func (s *sqlStore) Read(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	query := s.rebind(`SELECT data FROM objects WHERE object_key = ?`)
	var data []byte
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	return sliceRange(data, offset, length), nil
}

func (s *sqlStore) Write(ctx context.Context, key string, data []byte) error {
	query := s.rebind(`INSERT INTO objects (object_key, kind, data, mtime) VALUES (?, ?, ?, ?)
		ON CONFLICT (object_key) DO UPDATE SET kind = excluded.kind, data = excluded.data, mtime = excluded.mtime`)
	if data == nil {
		data = []byte{}
	}
	_, err := s.db.ExecContext(ctx, query, key, kindBlock, data, time.Now().UnixMilli())
	return err
}

func (s *sqlStore) CreateAppendable(ctx context.Context, key string) error {
	query := s.rebind(`INSERT INTO objects (object_key, kind, data, mtime) VALUES (?, ?, ?, ?)
		ON CONFLICT (object_key) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query, key, kindAppend, []byte{}, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return appErr.ErrConflict
	}
	return nil
}

func (s *sqlStore) Append(ctx context.Context, key string, data []byte) error {
	query := s.rebind(`UPDATE objects SET data = ` + s.dialect.concat + `, mtime = ? WHERE object_key = ? AND kind = ?`)
	res, err := s.db.ExecContext(ctx, query, data, time.Now().UnixMilli(), key, kindAppend)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Stat(ctx, key); err != nil {
		return err
	}
	return appErr.ErrNotAppendable
}

func (s *sqlStore) List(ctx context.Context, prefix string) ([]string, error) {
	where := map[string]interface{}{
		"object_key like": prefix + "%",
		"_orderby":        "object_key asc",
	}
	query, args, err := builder.BuildSelect(objectTable, where, []string{"object_key"})
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
