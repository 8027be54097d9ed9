package cache

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/agentuity/go-kvstore/envelope"
	"github.com/agentuity/go-kvstore/keycodec"
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// fileCache stores one envelope per key in a directory. Every write, and
// every read-modify-write (SaveIfAbsent, Increment, Delete), runs under an
// exclusive flock on the entry file so concurrent processes serialize on it.
type fileCache struct {
	base
	dir string
}

var (
	_ Store      = (*fileCache)(nil)
	_ Enumerator = (*fileCache)(nil)
)

// NewFile returns a Store that keeps entries as files under dir, creating the
// directory if needed.
func NewFile(dir string, opts ...Option) (Store, error) {
	if dir == "" {
		return nil, errors.Wrap(ErrNotSupported, "file cache requires a directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "cache: create %s", dir)
	}
	c := &fileCache{base: newBase(opts), dir: dir}
	if !c.IsSupported() {
		return nil, errors.Wrapf(ErrNotSupported, "%s is not writable", dir)
	}
	return c, nil
}

func (c *fileCache) path(key string) (string, error) {
	k, err := c.key(key)
	if err != nil {
		return "", err
	}
	if k == "." || k == ".." || filepath.Base(k) != k {
		return "", errors.Wrapf(keycodec.ErrInvalidKey, "key %q cannot be used as a file name", key)
	}
	return filepath.Join(c.dir, k), nil
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			return err
		}
	}
}

// open opens p and locks it. If the file was unlinked while we waited for
// the lock, the stale descriptor is dropped and the open is retried, so the
// returned file is always the one currently at p.
func (c *fileCache) open(p string, flag int, how int) (*os.File, error) {
	for {
		f, err := os.OpenFile(p, flag, c.cfg.fileMode)
		if err != nil {
			return nil, err
		}
		if err := flock(f, how); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "cache: lock %s", p)
		}
		fi, ferr := f.Stat()
		pi, perr := os.Stat(p)
		if ferr == nil && perr == nil && os.SameFile(fi, pi) {
			return f, nil
		}
		f.Close()
		if ferr != nil {
			return nil, ferr
		}
		if perr != nil && (!os.IsNotExist(perr) || flag&os.O_CREATE == 0) {
			return nil, perr
		}
	}
}

func release(f *os.File) {
	_ = flock(f, unix.LOCK_UN)
	f.Close()
}

// read decodes the entry in f. Empty or malformed files report false.
func read(f *os.File) (envelope.Entry, bool) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return envelope.Entry{}, false
	}
	buf, err := io.ReadAll(f)
	if err != nil || len(buf) == 0 {
		return envelope.Entry{}, false
	}
	e, err := envelope.Decode(buf)
	if err != nil {
		return envelope.Entry{}, false
	}
	return e, true
}

func (c *fileCache) write(f *os.File, e envelope.Entry) error {
	buf, err := envelope.Encode(e)
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(buf, 0); err != nil {
		return err
	}
	return f.Chmod(c.cfg.fileMode)
}

// live reads the entry in f and reports whether it exists and is unexpired.
func (c *fileCache) live(f *os.File) (envelope.Entry, bool) {
	e, ok := read(f)
	if !ok || e.Expired(c.now()) {
		return envelope.Entry{}, false
	}
	return e, true
}

func (c *fileCache) Get(_ context.Context, key string) (bool, any, error) {
	p, err := c.path(key)
	if err != nil {
		return false, nil, err
	}
	f, err := c.open(p, os.O_RDONLY, unix.LOCK_SH)
	if os.IsNotExist(err) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	e, ok := read(f)
	release(f)
	if !ok {
		return false, nil, nil
	}
	if e.Expired(c.now()) {
		if _, err := c.removeExpired(p); err != nil {
			c.cfg.log.Warn("failed to remove expired entry %s: %s", p, err)
		} else {
			c.cfg.log.Debug("expired entry %s removed on read", p)
		}
		return false, nil, nil
	}
	return true, e.Data, nil
}

// removeExpired deletes p only if it still holds an expired or unreadable
// entry once the exclusive lock is held.
func (c *fileCache) removeExpired(p string) (bool, error) {
	f, err := c.open(p, os.O_RDWR, unix.LOCK_EX)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer release(f)
	if _, ok := c.live(f); ok {
		return false, nil
	}
	return true, os.Remove(p)
}

func (c *fileCache) Save(_ context.Context, key string, val any, ttl time.Duration) error {
	p, err := c.path(key)
	if err != nil {
		return err
	}
	e, err := c.entry(val, ttl)
	if err != nil {
		return err
	}
	f, err := c.open(p, os.O_RDWR|os.O_CREATE, unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer release(f)
	return c.write(f, e)
}

func (c *fileCache) SaveIfAbsent(_ context.Context, key string, val any, ttl time.Duration) (bool, error) {
	p, err := c.path(key)
	if err != nil {
		return false, err
	}
	e, err := c.entry(val, ttl)
	if err != nil {
		return false, err
	}
	f, err := c.open(p, os.O_RDWR|os.O_CREATE, unix.LOCK_EX)
	if err != nil {
		return false, err
	}
	defer release(f)
	if _, ok := c.live(f); ok {
		return false, nil
	}
	if err := c.write(f, e); err != nil {
		return false, err
	}
	return true, nil
}

func (c *fileCache) Delete(_ context.Context, key string) (DeleteStatus, error) {
	p, err := c.path(key)
	if err != nil {
		return StatusError, err
	}
	f, err := c.open(p, os.O_RDWR, unix.LOCK_EX)
	if os.IsNotExist(err) {
		return StatusNotFound, nil
	}
	if err != nil {
		return StatusError, err
	}
	defer release(f)
	_, ok := c.live(f)
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return StatusError, err
	}
	if !ok {
		return StatusNotFound, nil
	}
	return StatusDeleted, nil
}

func (c *fileCache) Increment(_ context.Context, key string, offset int64) (int64, error) {
	p, err := c.path(key)
	if err != nil {
		return 0, err
	}
	f, err := c.open(p, os.O_RDWR|os.O_CREATE, unix.LOCK_EX)
	if err != nil {
		return 0, err
	}
	defer release(f)
	e, ok := c.live(f)
	if !ok {
		e = envelope.NewEntry(offset, c.now(), 0)
	} else {
		n, err := bump(e.Data, offset)
		if err != nil {
			return 0, err
		}
		e.Data = n
	}
	if err := c.write(f, e); err != nil {
		return 0, err
	}
	n, _ := envelope.AsInt64(e.Data)
	return n, nil
}

func (c *fileCache) Decrement(ctx context.Context, key string, offset int64) (int64, error) {
	return c.Increment(ctx, key, -offset)
}

func (c *fileCache) entries() ([]os.DirEntry, error) {
	all, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, d := range all {
		if d.Type().IsRegular() && c.codec.Owns(d.Name()) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (c *fileCache) Clean(_ context.Context) error {
	entries, err := c.entries()
	if err != nil {
		return err
	}
	for _, d := range entries {
		if err := os.Remove(filepath.Join(c.dir, d.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (c *fileCache) GetMetaData(_ context.Context, key string) (bool, MetaData, error) {
	p, err := c.path(key)
	if err != nil {
		return false, MetaData{}, err
	}
	f, err := c.open(p, os.O_RDONLY, unix.LOCK_SH)
	if os.IsNotExist(err) {
		return false, MetaData{}, nil
	}
	if err != nil {
		return false, MetaData{}, err
	}
	defer release(f)
	e, ok := c.live(f)
	if !ok {
		return false, MetaData{}, nil
	}
	md := metaOf(e)
	if fi, err := f.Stat(); err == nil {
		md.MTime = fi.ModTime()
	}
	return true, md, nil
}

func (c *fileCache) Keys(_ context.Context) ([]string, error) {
	entries, err := c.entries()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, d := range entries {
		if k, ok := c.codec.Decode(d.Name()); ok && k != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *fileCache) Info(_ context.Context) (Info, error) {
	entries, err := c.entries()
	if err != nil {
		return Info{}, err
	}
	info := Info{Handler: "file", Entries: int64(len(entries)), Details: map[string]any{"path": c.dir}}
	for _, d := range entries {
		if fi, err := d.Info(); err == nil {
			info.Size += fi.Size()
		}
	}
	return info, nil
}

// IsSupported reports whether the cache directory exists and is writable.
func (c *fileCache) IsSupported() bool {
	fi, err := os.Stat(c.dir)
	if err != nil || !fi.IsDir() {
		return false
	}
	return unix.Access(c.dir, unix.W_OK) == nil
}

func (c *fileCache) Close() error {
	return nil
}
