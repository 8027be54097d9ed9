package cache

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/agentuity/go-kvstore/envelope"
	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS cache (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	written_at INTEGER NOT NULL,
	ttl INTEGER NOT NULL DEFAULT 0
)`

// liveClause selects rows that have not expired at the unix time bound to ?.
const liveClause = `(ttl <= 0 OR written_at + ttl >= ?)`

// prefixClause compares bytes, since substr on TEXT counts characters and
// prefixes may hold multi-byte UTF-8.
const prefixClause = `substr(CAST(key AS BLOB), 1, ?) = CAST(? AS BLOB)`

type sqliteCache struct {
	base
	db        *sql.DB
	owned     bool
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
}

var (
	_ Store      = (*sqliteCache)(nil)
	_ Enumerator = (*sqliteCache)(nil)
)

// SQLiteDSN returns the modernc.org/sqlite data source name used for path.
// File databases take write locks at BEGIN so read-modify-write transactions
// serialize across processes; ":memory:" is returned as is.
func SQLiteDSN(path string) string {
	if path == "" || path == ":memory:" {
		return ":memory:"
	}
	return "file:" + path + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// OpenSQLite opens the database at path. An in-memory database is limited to
// one connection, since each connection would otherwise see its own copy.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := SQLiteDSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// NewSQLite returns a new Store backed by SQLite.
// If dbPath is empty or ":memory:", an in-memory database is used.
func NewSQLite(ctx context.Context, dbPath string, opts ...Option) (Store, error) {
	db, err := OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	c, err := newSQLite(ctx, db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	c.owned = true
	return c, nil
}

// NewSQLiteDB returns a Store using an existing database handle, which the
// caller keeps ownership of.
func NewSQLiteDB(ctx context.Context, db *sql.DB, opts ...Option) (Store, error) {
	return newSQLite(ctx, db, opts)
}

func newSQLite(ctx context.Context, db *sql.DB, opts []Option) (*sqliteCache, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, errors.Wrap(err, "cache: create table")
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_cache_written_at ON cache(written_at)`); err != nil {
		return nil, errors.Wrap(err, "cache: create index")
	}
	childCtx, cancel := context.WithCancel(ctx)
	c := &sqliteCache{
		base:   newBase(opts),
		db:     db,
		ctx:    childCtx,
		cancel: cancel,
	}
	if c.cfg.expiryCheck > 0 {
		c.waitGroup.Add(1)
		go c.run()
	}
	return c, nil
}

type sqliteRow struct {
	value     []byte
	writtenAt int64
	ttl       int64
}

func (r sqliteRow) entry() (envelope.Entry, error) {
	v, err := envelope.Unmarshal(r.value)
	if err != nil {
		return envelope.Entry{}, err
	}
	return envelope.Entry{Time: r.writtenAt, TTL: r.ttl, Data: v}, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func selectRow(ctx context.Context, q querier, k string) (sqliteRow, bool, error) {
	var r sqliteRow
	err := q.QueryRowContext(ctx, `SELECT value, written_at, ttl FROM cache WHERE key = ?`, k).
		Scan(&r.value, &r.writtenAt, &r.ttl)
	if errors.Is(err, sql.ErrNoRows) {
		return r, false, nil
	}
	if err != nil {
		return r, false, err
	}
	return r, true, nil
}

// load returns the live entry for k. Expired rows are deleted; malformed rows
// are reported as absent.
func (c *sqliteCache) load(ctx context.Context, k string) (envelope.Entry, bool, error) {
	r, found, err := selectRow(ctx, c.db, k)
	if err != nil || !found {
		return envelope.Entry{}, false, err
	}
	e, err := r.entry()
	if err != nil {
		c.cfg.log.Warn("malformed entry %s: %s", k, err)
		return envelope.Entry{}, false, nil
	}
	now := c.now()
	if e.Expired(now) {
		_, _ = c.db.ExecContext(ctx, `DELETE FROM cache WHERE key = ? AND NOT `+liveClause, k, now.Unix())
		c.cfg.log.Debug("expired key %s removed on read", k)
		return envelope.Entry{}, false, nil
	}
	return e, true, nil
}

func (c *sqliteCache) Get(ctx context.Context, key string) (bool, any, error) {
	k, err := c.key(key)
	if err != nil {
		return false, nil, err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	e, ok, err := c.load(qctx, k)
	if !ok || err != nil {
		return false, nil, err
	}
	return true, e.Data, nil
}

func (c *sqliteCache) encode(val any) ([]byte, error) {
	v, _, err := normalize(val)
	if err != nil {
		return nil, err
	}
	return envelope.Marshal(v)
}

func (c *sqliteCache) Save(ctx context.Context, key string, val any, ttl time.Duration) error {
	k, err := c.key(key)
	if err != nil {
		return err
	}
	data, err := c.encode(val)
	if err != nil {
		return err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	_, err = c.db.ExecContext(qctx,
		`INSERT INTO cache (key, value, written_at, ttl) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, written_at = excluded.written_at, ttl = excluded.ttl`,
		k, data, c.now().Unix(), envelope.Seconds(ttl),
	)
	return err
}

// SaveIfAbsent is a single upsert that only overwrites expired rows, so the
// check and the write are one statement.
func (c *sqliteCache) SaveIfAbsent(ctx context.Context, key string, val any, ttl time.Duration) (bool, error) {
	k, err := c.key(key)
	if err != nil {
		return false, err
	}
	data, err := c.encode(val)
	if err != nil {
		return false, err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	now := c.now().Unix()
	res, err := c.db.ExecContext(qctx,
		`INSERT INTO cache (key, value, written_at, ttl) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, written_at = excluded.written_at, ttl = excluded.ttl
		WHERE cache.ttl > 0 AND cache.written_at + cache.ttl < ?`,
		k, data, now, envelope.Seconds(ttl), now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *sqliteCache) Delete(ctx context.Context, key string) (DeleteStatus, error) {
	k, err := c.key(key)
	if err != nil {
		return StatusError, err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	var writtenAt, ttl int64
	err = c.db.QueryRowContext(qctx, `DELETE FROM cache WHERE key = ? RETURNING written_at, ttl`, k).Scan(&writtenAt, &ttl)
	if errors.Is(err, sql.ErrNoRows) {
		return StatusNotFound, nil
	}
	if err != nil {
		return StatusError, err
	}
	if (envelope.Entry{Time: writtenAt, TTL: ttl}).Expired(c.now()) {
		return StatusNotFound, nil
	}
	return StatusDeleted, nil
}

func (c *sqliteCache) Increment(ctx context.Context, key string, offset int64) (int64, error) {
	k, err := c.key(key)
	if err != nil {
		return 0, err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	tx, err := c.db.BeginTx(qctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := c.now()
	e := envelope.NewEntry(offset, now, 0)
	r, found, err := selectRow(qctx, tx, k)
	if err != nil {
		return 0, err
	}
	if found {
		cur, err := r.entry()
		if err == nil && !cur.Expired(now) {
			n, err := bump(cur.Data, offset)
			if err != nil {
				return 0, err
			}
			cur.Data = n
			e = cur
		}
	}
	data, err := envelope.Marshal(e.Data)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(qctx,
		`INSERT INTO cache (key, value, written_at, ttl) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, written_at = excluded.written_at, ttl = excluded.ttl`,
		k, data, e.Time, e.TTL,
	); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	n, _ := envelope.AsInt64(e.Data)
	return n, nil
}

func (c *sqliteCache) Decrement(ctx context.Context, key string, offset int64) (int64, error) {
	return c.Increment(ctx, key, -offset)
}

// Clean deletes the rows under the prefix.
func (c *sqliteCache) Clean(ctx context.Context) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	p := c.codec.Prefix()
	_, err := c.db.ExecContext(qctx, `DELETE FROM cache WHERE `+prefixClause, len(p), p)
	return err
}

func (c *sqliteCache) GetMetaData(ctx context.Context, key string) (bool, MetaData, error) {
	k, err := c.key(key)
	if err != nil {
		return false, MetaData{}, err
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	r, found, err := selectRow(qctx, c.db, k)
	if err != nil || !found {
		return false, MetaData{}, err
	}
	e, err := r.entry()
	if err != nil || e.Expired(c.now()) {
		return false, MetaData{}, nil
	}
	return true, metaOf(e), nil
}

func (c *sqliteCache) Keys(ctx context.Context) ([]string, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	p := c.codec.Prefix()
	rows, err := c.db.QueryContext(qctx,
		`SELECT key FROM cache WHERE `+prefixClause+` AND `+liveClause+` ORDER BY key`,
		len(p), p, c.now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		if logical, ok := c.codec.Decode(k); ok && logical != "" {
			keys = append(keys, logical)
		}
	}
	return keys, rows.Err()
}

func (c *sqliteCache) Info(ctx context.Context) (Info, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	p := c.codec.Prefix()
	info := Info{Handler: "sqlite"}
	err := c.db.QueryRowContext(qctx,
		`SELECT count(*), coalesce(sum(length(value)), 0) FROM cache WHERE `+prefixClause, len(p), p,
	).Scan(&info.Entries, &info.Size)
	return info, err
}

func (c *sqliteCache) IsSupported() bool {
	qctx, cancel := c.queryCtx(c.ctx)
	defer cancel()
	return c.db.PingContext(qctx) == nil
}

func (c *sqliteCache) Close() error {
	var dbErr error
	c.once.Do(func() {
		c.cancel()
		c.waitGroup.Wait()
		if c.owned {
			dbErr = c.db.Close()
		}
	})
	return dbErr
}

func (c *sqliteCache) run() {
	defer c.waitGroup.Done()
	ticker := time.NewTicker(c.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.sweep(c.ctx); err != nil {
				c.cfg.log.Warn("sqlite expiry sweep failed: %s", err)
			}
		}
	}
}

func (c *sqliteCache) sweep(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM cache WHERE NOT `+liveClause, c.now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
