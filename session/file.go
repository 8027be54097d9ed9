package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// lockSuffix marks lock files so GC and the backend ignore them.
const lockSuffix = ".lock"

type fileBackend struct {
	dir    string
	prefix string
	mode   os.FileMode
	expire time.Duration
	now    func() time.Time
}

var (
	_ Backend = (*fileBackend)(nil)
	_ Opener  = (*fileBackend)(nil)
)

// NewFileBackend keeps one file per session in dir. A session is expired
// once its modification time is older than the configured expiration; Touch
// bumps the modification time.
func NewFileBackend(dir string, opts ...Option) Backend {
	o := applyOptions(opts)
	return &fileBackend{dir: dir, prefix: o.prefix, mode: o.fileMode, expire: o.expiration, now: o.now}
}

// Open switches to savePath when one is given and creates the directory.
func (f *fileBackend) Open(_ context.Context, savePath string) error {
	if savePath != "" {
		f.dir = savePath
	}
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return errors.Wrapf(err, "session: create %s", f.dir)
	}
	if unix.Access(f.dir, unix.W_OK) != nil {
		return errors.Newf("session: %s is not writable", f.dir)
	}
	return nil
}

func (f *fileBackend) path(id string) string {
	return filepath.Join(f.dir, f.prefix+id)
}

func (f *fileBackend) Get(_ context.Context, id string) ([]byte, bool, error) {
	p := f.path(id)
	fi, err := os.Stat(p)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if fi.ModTime().Add(f.expire).Before(f.now()) {
		_ = os.Remove(p)
		return nil, false, nil
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (f *fileBackend) Put(_ context.Context, id string, data []byte, _ time.Duration) error {
	p := f.path(id)
	tmp, err := os.CreateTemp(f.dir, ".tmp-"+f.prefix+id+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(f.mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return err
	}
	now := f.now()
	return os.Chtimes(p, now, now)
}

func (f *fileBackend) Touch(_ context.Context, id string, _ time.Duration) error {
	now := f.now()
	return os.Chtimes(f.path(id), now, now)
}

func (f *fileBackend) Remove(_ context.Context, id string) error {
	if err := os.Remove(f.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// GC removes session files not modified within maxLifetime.
func (f *fileBackend) GC(_ context.Context, maxLifetime time.Duration) (int, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, err
	}
	cutoff := f.now().Add(-maxLifetime)
	var removed int
	for _, d := range entries {
		name := d.Name()
		if !d.Type().IsRegular() || !strings.HasPrefix(name, f.prefix) ||
			strings.HasSuffix(name, lockSuffix) || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		fi, err := d.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(f.dir, name)); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// fileLock holds a non-blocking flock per lock file. The kernel drops the
// lock when the process dies, so no lease is needed; the lease setting is
// ignored.
type fileLock struct {
	dir    string
	prefix string
	mu     sync.Mutex
	held   map[string]*os.File
}

// NewFileLocker returns a Locker based on flock over files in dir.
func NewFileLocker(dir string, opts ...Option) Locker {
	o := applyOptions(opts)
	return newLock(&fileLock{dir: dir, prefix: o.prefix, held: make(map[string]*os.File)}, o)
}

func (f *fileLock) key(id string) string {
	return filepath.Join(f.dir, f.prefix+id+lockSuffix)
}

func (f *fileLock) tryLock(_ context.Context, key, token string, _ time.Duration) (bool, error) {
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return false, err
	}
	fh, err := os.OpenFile(key, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return false, err
	}
	for {
		err = unix.Flock(int(fh.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err != unix.EINTR {
			break
		}
	}
	if errors.Is(err, unix.EWOULDBLOCK) {
		fh.Close()
		return false, nil
	}
	if err != nil {
		fh.Close()
		return false, err
	}
	f.mu.Lock()
	f.held[token] = fh
	f.mu.Unlock()
	return true, nil
}

func (f *fileLock) refresh(_ context.Context, _, token string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.held[token]
	return ok, nil
}

func (f *fileLock) unlock(_ context.Context, _, token string) error {
	f.mu.Lock()
	fh, ok := f.held[token]
	delete(f.held, token)
	f.mu.Unlock()
	if !ok {
		return nil
	}
	_ = unix.Flock(int(fh.Fd()), unix.LOCK_UN)
	return fh.Close()
}
