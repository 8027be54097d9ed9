package keycodec

import (
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

func TestEncodeConcatenates(t *testing.T) {
	c := New("app_")
	k, err := c.Encode("user.1")
	assert.NoError(t, err)
	assert.Equal(t, "app_user.1", k)
	assert.Equal(t, "app_", c.Prefix())
}

func TestValidateRejectsEmptyAndReserved(t *testing.T) {
	c := New("")
	assert.True(t, errors.Is(c.Validate(""), ErrInvalidKey))
	for _, r := range DefaultReservedCharacters {
		err := c.Validate("a" + string(r) + "b")
		assert.Truef(t, errors.Is(err, ErrInvalidKey), "expected %q to be rejected", r)
	}
	assert.NoError(t, c.Validate("plain-key_1.2"))
}

func TestCustomReservedCharacters(t *testing.T) {
	c := New("", WithReservedCharacters("#"))
	assert.NoError(t, c.Validate("user:1"))
	assert.Error(t, c.Validate("user#1"))

	open := New("", WithReservedCharacters(""))
	assert.NoError(t, open.Validate("{}()/@:"))
}

func TestOverlongKeysAreHashed(t *testing.T) {
	c := New("p_", WithMaxKeyLength(80))
	long := strings.Repeat("x", 79)
	k, err := c.Encode(long)
	assert.NoError(t, err)
	assert.Equal(t, "p_"+Hash(long), k)
	assert.Len(t, k, len("p_")+HashLength)

	// keys at the boundary are kept literally
	exact := strings.Repeat("y", 78)
	k, err = c.Encode(exact)
	assert.NoError(t, err)
	assert.Equal(t, "p_"+exact, k)
}

func TestPrefixTooLongForHashedKeys(t *testing.T) {
	prefix := strings.Repeat("p", DefaultMaxKeyLength-HashLength+1)
	c := New(prefix)

	k, err := c.Encode("short")
	assert.NoError(t, err)
	assert.Equal(t, prefix+"short", k)

	_, err = c.Encode(strings.Repeat("k", DefaultMaxKeyLength))
	assert.True(t, errors.Is(err, ErrInvalidKey))

	fits := New(strings.Repeat("p", DefaultMaxKeyLength-HashLength))
	k, err = fits.Encode(strings.Repeat("k", DefaultMaxKeyLength))
	assert.NoError(t, err)
	assert.Len(t, k, DefaultMaxKeyLength)
}

func TestOverlongKeysDoNotCollide(t *testing.T) {
	c := New("", WithMaxKeyLength(DefaultMaxKeyLength))
	base := strings.Repeat("k", DefaultMaxKeyLength)
	a, err := c.Encode(base + "a")
	assert.NoError(t, err)
	b, err := c.Encode(base + "b")
	assert.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 64)
	assert.Len(t, b, 64)
}

func TestDecode(t *testing.T) {
	c := New("ns:")
	k := c.MustEncode("item")
	logical, ok := c.Decode(k)
	assert.True(t, ok)
	assert.Equal(t, "item", logical)

	_, ok = c.Decode("other:item")
	assert.False(t, ok)
	assert.Panics(t, func() { c.MustEncode("") })
}
