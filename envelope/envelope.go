// Package envelope wraps stored payloads with the metadata needed to expire
// and type-check them on backends that only store bytes.
package envelope

import (
	"bytes"
	"math"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrUnsupportedType is returned for values that cannot round-trip through
// the envelope (functions, channels, complex numbers, non-string map keys).
var ErrUnsupportedType = errors.New("envelope: unsupported value type")

// Entry is the unit persisted per key by byte-blob backends. The wire shape
// is the msgpack map {time, ttl, data}.
type Entry struct {
	// Time is the unix time, in seconds, of the last write.
	Time int64 `msgpack:"time"`
	// TTL is the requested lifetime in seconds. Values <= 0 never expire.
	TTL  int64 `msgpack:"ttl"`
	Data any   `msgpack:"data"`
}

// NewEntry builds an Entry written at now. data must already be normalized.
func NewEntry(data any, now time.Time, ttl time.Duration) Entry {
	return Entry{Time: now.Unix(), TTL: Seconds(ttl), Data: data}
}

// Seconds converts a TTL to whole seconds, rounding positive sub-second
// values up so they still expire.
func Seconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	s := int64(ttl / time.Second)
	if ttl%time.Second != 0 {
		s++
	}
	return s
}

// Tag reports the type tag of the stored data.
func (e Entry) Tag() Tag {
	return TagOf(e.Data)
}

// Expired reports whether the entry is past its lifetime at now.
func (e Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && e.Time+e.TTL < now.Unix()
}

// ExpiresAt returns the expiry time, or false when the entry never expires.
func (e Entry) ExpiresAt() (time.Time, bool) {
	if e.TTL <= 0 {
		return time.Time{}, false
	}
	return time.Unix(e.Time+e.TTL, 0), true
}

// Remaining returns the lifetime left at now. Entries without expiry report 0.
func (e Entry) Remaining(now time.Time) time.Duration {
	if e.TTL <= 0 {
		return 0
	}
	d := time.Unix(e.Time+e.TTL, 0).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// WrittenAt returns the write time.
func (e Entry) WrittenAt() time.Time {
	return time.Unix(e.Time, 0)
}

// Encode serializes the entry.
func Encode(e Entry) ([]byte, error) {
	buf, err := msgpack.Marshal(&e)
	if err != nil {
		return nil, errors.Wrap(ErrUnsupportedType, err.Error())
	}
	return buf, nil
}

// Decode parses a serialized entry. Malformed input is reported as an error
// so adapters can treat it as absent.
func Decode(buf []byte) (Entry, error) {
	var e Entry
	dec := msgpack.NewDecoder(bytes.NewReader(buf))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&e); err != nil {
		return Entry{}, errors.Wrap(err, "envelope: decode entry")
	}
	e.Data = canonical(e.Data)
	return e, nil
}

// Marshal serializes a bare value.
func Marshal(v any) ([]byte, error) {
	if TagOf(v) == TagUnsupported {
		return nil, errors.Wrapf(ErrUnsupportedType, "%T", v)
	}
	buf, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(ErrUnsupportedType, err.Error())
	}
	return buf, nil
}

// Unmarshal parses a value produced by Marshal into its normalized form.
func Unmarshal(buf []byte) (any, error) {
	var v any
	dec := msgpack.NewDecoder(bytes.NewReader(buf))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&v); err != nil {
		return nil, errors.Wrap(err, "envelope: decode value")
	}
	return canonical(v), nil
}

// Normalize returns v in the shape every backend hands back on read:
// nil, bool, int64, float64, string, []any, map[string]any or time.Time.
// Byte slices come back as strings and structs as map[string]any.
func Normalize(v any) (any, Tag, error) {
	tag := TagOf(v)
	switch tag {
	case TagUnsupported:
		return nil, tag, errors.Wrapf(ErrUnsupportedType, "%T", v)
	case TagNull:
		return nil, tag, nil
	}
	switch x := v.(type) {
	case bool, string:
		return x, tag, nil
	case []byte:
		return string(x), tag, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return canonical(x), tag, nil
	}
	buf, err := Marshal(v)
	if err != nil {
		return nil, tag, err
	}
	out, err := Unmarshal(buf)
	if err != nil {
		return nil, tag, errors.Wrapf(ErrUnsupportedType, "%T: %v", v, err)
	}
	return out, tag, nil
}

// canonical folds the integer and float widths msgpack may produce into
// int64 and float64, recursing into containers.
func canonical(v any) any {
	switch x := v.(type) {
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint:
		if uint64(x) <= math.MaxInt64 {
			return int64(x)
		}
		return uint64(x)
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return x
	case float32:
		return float64(x)
	case []byte:
		return string(x)
	case []any:
		for i := range x {
			x[i] = canonical(x[i])
		}
		return x
	case map[string]any:
		for k, val := range x {
			x[k] = canonical(val)
		}
		return x
	default:
		return v
	}
}

// Clone deep-copies the containers of a normalized value so a caller can
// modify what it read without reaching into the store that returned it.
func Clone(v any) any {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = Clone(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = Clone(val)
		}
		return out
	default:
		return v
	}
}

// EncodeField renders a normalized value as a single string field, the form
// used by hash-based backends. Integers are kept as decimal text so the
// backend can increment them natively.
func EncodeField(tag Tag, v any) (string, error) {
	switch tag {
	case TagNull:
		return "", nil
	case TagBoolean:
		if b, _ := v.(bool); b {
			return "1", nil
		}
		return "0", nil
	case TagInteger:
		n, ok := AsInt64(v)
		if !ok {
			return "", errors.Wrapf(ErrUnsupportedType, "integer tag with %T", v)
		}
		return strconv.FormatInt(n, 10), nil
	case TagDouble:
		f, ok := v.(float64)
		if !ok {
			return "", errors.Wrapf(ErrUnsupportedType, "double tag with %T", v)
		}
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	case TagString:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		}
		return "", errors.Wrapf(ErrUnsupportedType, "string tag with %T", v)
	case TagArray, TagObject:
		buf, err := Marshal(v)
		if err != nil {
			return "", err
		}
		return string(buf), nil
	}
	return "", errors.Wrapf(ErrUnsupportedType, "tag %s", tag)
}

// DecodeField reverses EncodeField.
func DecodeField(tag Tag, raw string) (any, error) {
	switch tag {
	case TagNull:
		return nil, nil
	case TagBoolean:
		return raw == "1", nil
	case TagInteger:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "envelope: decode integer field")
		}
		return n, nil
	case TagDouble:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, errors.Wrap(err, "envelope: decode double field")
		}
		return f, nil
	case TagString:
		return raw, nil
	case TagArray, TagObject:
		return Unmarshal([]byte(raw))
	}
	return nil, errors.Wrapf(ErrUnsupportedType, "tag %s", tag)
}

// AsInt64 reports the integer value of a normalized or native integer.
func AsInt64(v any) (int64, bool) {
	switch x := canonical(v).(type) {
	case int64:
		return x, true
	default:
		return 0, false
	}
}
