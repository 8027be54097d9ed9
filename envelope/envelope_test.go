package envelope

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type profile struct {
	Name  string `msgpack:"name"`
	Admin bool   `msgpack:"admin"`
}

func TestTagOf(t *testing.T) {
	var nilPtr *profile
	cases := []struct {
		val any
		tag Tag
	}{
		{nil, TagNull},
		{nilPtr, TagNull},
		{true, TagBoolean},
		{42, TagInteger},
		{uint8(1), TagInteger},
		{3.5, TagDouble},
		{"s", TagString},
		{[]byte("b"), TagString},
		{[]any{1, "a"}, TagArray},
		{[3]int{}, TagArray},
		{map[string]any{"a": 1}, TagArray},
		{profile{}, TagObject},
		{&profile{}, TagObject},
		{map[int]string{}, TagUnsupported},
		{make(chan int), TagUnsupported},
		{func() {}, TagUnsupported},
	}
	for _, c := range cases {
		assert.Equalf(t, c.tag, TagOf(c.val), "%T", c.val)
	}
	assert.Equal(t, "integer", TagInteger.String())
	assert.Equal(t, TagDouble, ParseTag("double"))
	assert.Equal(t, TagUnsupported, ParseTag("resource"))
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   any
		want any
	}{
		{nil, nil},
		{false, false},
		{7, int64(7)},
		{uint16(300), int64(300)},
		{float32(1.5), float64(1.5)},
		{"ann", "ann"},
		{[]byte("raw"), "raw"},
		{[]int{1, 2}, []any{int64(1), int64(2)}},
		{map[string]any{"name": "Ann", "n": 1}, map[string]any{"name": "Ann", "n": int64(1)}},
		{map[string]any{"inner": []any{map[string]any{"x": 1.25}}}, map[string]any{"inner": []any{map[string]any{"x": 1.25}}}},
		{profile{Name: "Ann", Admin: true}, map[string]any{"name": "Ann", "admin": true}},
	}
	for _, c := range cases {
		got, _, err := Normalize(c.in)
		require.NoErrorf(t, err, "%T", c.in)
		assert.Equalf(t, c.want, got, "%T", c.in)
	}

	_, _, err := Normalize(func() {})
	assert.True(t, errors.Is(err, ErrUnsupportedType))
	_, _, err = Normalize(map[string]any{"f": make(chan int)})
	assert.True(t, errors.Is(err, ErrUnsupportedType))
}

func TestEntryRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	data, _, err := Normalize(map[string]any{"name": "Ann", "tags": []string{"a"}})
	require.NoError(t, err)
	e := NewEntry(data, now, time.Minute)

	buf, err := Encode(e)
	require.NoError(t, err)
	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, e, got)
	assert.Equal(t, TagArray, got.Tag())

	_, err = Decode([]byte{0xc1, 0x00})
	assert.Error(t, err)
}

func TestEntryExpiry(t *testing.T) {
	now := time.Unix(1_000, 0)
	e := NewEntry("v", now, time.Second)
	assert.False(t, e.Expired(now))
	assert.False(t, e.Expired(now.Add(time.Second)))
	assert.True(t, e.Expired(now.Add(2*time.Second)))
	at, ok := e.ExpiresAt()
	assert.True(t, ok)
	assert.Equal(t, time.Unix(1_001, 0), at)
	assert.Equal(t, time.Second, e.Remaining(now))
	assert.Equal(t, time.Duration(0), e.Remaining(now.Add(time.Hour)))

	forever := NewEntry("v", now, 0)
	assert.False(t, forever.Expired(now.Add(24*365*time.Hour)))
	_, ok = forever.ExpiresAt()
	assert.False(t, ok)

	negative := NewEntry("v", now, -time.Second)
	assert.Equal(t, int64(0), negative.TTL)
	assert.Equal(t, int64(1), Seconds(10*time.Millisecond))
}

func TestFields(t *testing.T) {
	values := []any{nil, true, false, int64(-12), 2.75, "hello", []any{"a", int64(1)}, map[string]any{"k": "v"}}
	for _, v := range values {
		n, tag, err := Normalize(v)
		require.NoError(t, err)
		raw, err := EncodeField(tag, n)
		require.NoError(t, err)
		got, err := DecodeField(tag, raw)
		require.NoError(t, err)
		assert.Equalf(t, n, got, "%v", v)
	}
	raw, err := EncodeField(TagInteger, int64(41))
	require.NoError(t, err)
	assert.Equal(t, "41", raw)

	_, err = DecodeField(TagInteger, "nope")
	assert.Error(t, err)
	_, err = EncodeField(TagInteger, "nope")
	assert.True(t, errors.Is(err, ErrUnsupportedType))
}

func TestClone(t *testing.T) {
	orig := map[string]any{"list": []any{int64(1), map[string]any{"x": "y"}}, "n": int64(2)}
	c := Clone(orig).(map[string]any)
	assert.Equal(t, orig, c)

	c["n"] = int64(3)
	c["list"].([]any)[1].(map[string]any)["x"] = "z"
	assert.Equal(t, int64(2), orig["n"])
	assert.Equal(t, "y", orig["list"].([]any)[1].(map[string]any)["x"])
	assert.Equal(t, "scalar", Clone("scalar"))
}
