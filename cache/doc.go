// Package cache provides a uniform key-value store interface with multiple
// backend implementations and type-safe generic helpers.
//
// # Store Interface
//
// The [Store] interface defines get, save, conditional save, delete,
// increment, decrement, clean, metadata and capability operations. All
// implementations satisfy it, so backends can be swapped without changing
// application code. A missing or expired key is never an error: it is
// reported through the found result. [Store.Delete] reports a [DeleteStatus]
// instead of a boolean so "nothing to delete" and failure are distinct.
//
// Keys are logical keys. Every store owns a [keycodec.Codec] that rejects
// empty keys and keys with reserved characters ({}()/\@: by default),
// prepends the configured prefix and hashes keys that would grow past the
// maximum physical length.
//
// A ttl <= 0 means the entry never expires, in every backend.
//
// # Values
//
// Values are normalized before they are stored, so every backend hands back
// the same shapes: nil, bool, int64, float64, string, []any and
// map[string]any. Structs are stored as objects and come back as maps; use
// [Get] to convert them back:
//
//	found, user, err := cache.Get[User](ctx, s, "user.123")
//
// Functions, channels and complex numbers cannot be stored.
//
// # Implementations
//
//   - [NewInMemory]: a map guarded by a mutex, owned by the returned value.
//     Expired entries are removed on read and, optionally, by a background
//     sweep ([WithExpiryCheck]).
//
//   - [NewFile]: one file per key holding a msgpack envelope {time, ttl, data}.
//     Writes and read-modify-write operations hold an exclusive flock on the
//     entry file, so increments and [Store.SaveIfAbsent] are atomic across
//     processes sharing the directory. Files get mode 0640 after each write
//     ([WithFileMode]).
//
//   - [NewRedis]: a Redis hash per key with the type tag in field "t" and the
//     value in field "v". Increments use HINCRBY inside a Lua script that
//     rejects non-integer entries. Expiry is native Redis TTL. [Store.Clean]
//     uses SCAN and DEL over the prefix, never FLUSHDB. The caller owns the
//     [redis.Client] lifecycle.
//
//   - [NewSQLite] / [NewSQLiteDB]: a table backed by [modernc.org/sqlite]
//     (pure Go, no CGO). File databases begin transactions with an immediate
//     write lock so increments serialize across processes.
//
//   - [NewBadger] / [NewBadgerDB]: an embedded badger database with native
//     per-entry TTL. Conflicting transactions are retried.
//
//   - [NewBigCache]: a sharded in-process cache built on bigcache, with
//     per-entry TTLs enforced through the envelope.
//
//   - [NewComposite]: chains stores. Get returns the first hit, Save writes
//     to all, and atomic operations are decided by the last store.
//
//   - [NewDummy]: stores nothing; used when no backend is available.
//
// [New] builds the store named in a [config.Cache], falling back to the
// backup handler and then to the dummy store.
//
// # Cache-aside
//
// [Remember] combines lookup and population in one call:
//
//	found, user, err := cache.Remember(ctx, s, "user.123", time.Minute,
//	    func(ctx context.Context) (User, bool, error) {
//	        user, err := queries.GetUser(ctx, id)
//	        if errors.Is(err, sql.ErrNoRows) {
//	            return User{}, false, nil   // not found, won't be cached
//	        }
//	        return user, true, err          // found, will be cached
//	    },
//	)
//
// Concurrent misses for the same key on the same store share one call to the
// invoker. Cache read errors are returned without calling the invoker, so a
// failing backend does not turn into a stampede on the source of truth.
// Cache write errors after a successful invoke are swallowed.
//
// # Timeouts
//
// The SQLite and Redis backends apply a per-operation timeout
// ([DefaultQueryTimeout], 5 seconds) to every I/O operation.
package cache
