// Package keycodec maps logical cache keys onto physical backend keys.
//
// A physical key is the configured prefix followed by the logical key. When
// the combined length would exceed the codec's maximum, the logical key is
// replaced by its BLAKE2b-256 hex digest so the physical key stays bounded
// no matter what the caller passes in.
package keycodec

import (
	"encoding/hex"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/blake2b"
)

// DefaultReservedCharacters are rejected in logical keys unless overridden.
const DefaultReservedCharacters = `{}()/\@:`

// DefaultMaxKeyLength is the longest physical key the codec produces. It
// matches the memcached key limit, the tightest of the supported backends.
const DefaultMaxKeyLength = 250

// HashLength is the length of the hex digest substituted for long keys.
const HashLength = 2 * blake2b.Size256

// ErrInvalidKey is returned for empty keys and keys with reserved characters.
var ErrInvalidKey = errors.New("keycodec: invalid key")

// Codec validates and encodes logical keys for one namespace.
type Codec struct {
	prefix   string
	reserved string
	maxLen   int
}

// Option configures a Codec.
type Option func(*Codec)

// WithReservedCharacters replaces the reserved character set. An empty
// string disables the reserved character check.
func WithReservedCharacters(chars string) Option {
	return func(c *Codec) { c.reserved = chars }
}

// WithMaxKeyLength sets the physical key length above which logical keys are
// hashed. Values <= 0 are ignored. The prefix plus HashLength must fit within
// it, or keys that need hashing are rejected.
func WithMaxKeyLength(n int) Option {
	return func(c *Codec) {
		if n > 0 {
			c.maxLen = n
		}
	}
}

// New returns a Codec for the given prefix.
func New(prefix string, opts ...Option) *Codec {
	c := &Codec{
		prefix:   prefix,
		reserved: DefaultReservedCharacters,
		maxLen:   DefaultMaxKeyLength,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Prefix returns the namespace prefix.
func (c *Codec) Prefix() string {
	return c.prefix
}

// Validate checks a logical key.
func (c *Codec) Validate(key string) error {
	if key == "" {
		return errors.Wrap(ErrInvalidKey, "key cannot be empty")
	}
	if c.reserved != "" {
		if i := strings.IndexAny(key, c.reserved); i >= 0 {
			return errors.Wrapf(ErrInvalidKey, "key %q contains reserved character %q", key, key[i])
		}
	}
	return nil
}

// Encode validates key and returns its physical form.
func (c *Codec) Encode(key string) (string, error) {
	if err := c.Validate(key); err != nil {
		return "", err
	}
	if len(c.prefix)+len(key) > c.maxLen {
		if len(c.prefix)+HashLength > c.maxLen {
			return "", errors.Wrapf(ErrInvalidKey, "prefix %q leaves no room for a hashed key within %d bytes", c.prefix, c.maxLen)
		}
		return c.prefix + Hash(key), nil
	}
	return c.prefix + key, nil
}

// MustEncode is Encode for keys known to be valid. It panics otherwise.
func (c *Codec) MustEncode(key string) string {
	k, err := c.Encode(key)
	if err != nil {
		panic(err)
	}
	return k
}

// Owns reports whether a physical key lives in this codec's namespace.
func (c *Codec) Owns(physical string) bool {
	return strings.HasPrefix(physical, c.prefix)
}

// Decode strips the prefix from a physical key. Hashed keys decode to their
// digest, not the original logical key.
func (c *Codec) Decode(physical string) (string, bool) {
	if !c.Owns(physical) {
		return "", false
	}
	return physical[len(c.prefix):], true
}

// Hash returns the hex BLAKE2b-256 digest of key.
func Hash(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
