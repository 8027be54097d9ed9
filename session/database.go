package session

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/cockroachdb/errors"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type databaseBackend struct {
	db     *sql.DB
	table  string
	prefix string
	expire time.Duration
	now    func() time.Time
}

var _ Backend = (*databaseBackend)(nil)

// NewDatabaseBackend stores sessions in a SQL table (id, timestamp, data),
// creating it when missing. The caller owns db. Rows are expired by GC and
// ignored by Get once older than the configured expiration.
func NewDatabaseBackend(ctx context.Context, db *sql.DB, opts ...Option) (Backend, error) {
	o := applyOptions(opts)
	if !tableName.MatchString(o.table) {
		return nil, errors.Newf("session: invalid table name %q", o.table)
	}
	b := &databaseBackend{db: db, table: o.table, prefix: o.prefix, expire: o.expiration, now: o.now}
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	data BLOB NOT NULL
)`, b.table)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, errors.Wrapf(err, "session: create table %s", b.table)
	}
	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_timestamp ON %s(timestamp)`, b.table, b.table)
	if _, err := db.ExecContext(ctx, index); err != nil {
		return nil, errors.Wrapf(err, "session: create index on %s", b.table)
	}
	return b, nil
}

func (d *databaseBackend) Get(ctx context.Context, id string) ([]byte, bool, error) {
	var (
		data []byte
		ts   int64
	)
	err := d.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT data, timestamp FROM %s WHERE id = ?`, d.table), d.prefix+id).
		Scan(&data, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if time.Unix(ts, 0).Add(d.expire).Before(d.now()) {
		return nil, false, nil
	}
	return data, true, nil
}

func (d *databaseBackend) Put(ctx context.Context, id string, data []byte, _ time.Duration) error {
	if data == nil {
		data = []byte{}
	}
	_, err := d.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, timestamp, data) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET timestamp = excluded.timestamp, data = excluded.data`, d.table),
		d.prefix+id, d.now().Unix(), data)
	return err
}

func (d *databaseBackend) Touch(ctx context.Context, id string, _ time.Duration) error {
	_, err := d.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET timestamp = ? WHERE id = ?`, d.table),
		d.now().Unix(), d.prefix+id)
	return err
}

func (d *databaseBackend) Remove(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, d.table), d.prefix+id)
	return err
}

func (d *databaseBackend) GC(ctx context.Context, maxLifetime time.Duration) (int, error) {
	cutoff := d.now().Add(-maxLifetime).Unix()
	res, err := d.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE timestamp < ?`, d.table), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
