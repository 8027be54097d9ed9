package envelope

import "reflect"

// Tag identifies the dynamic type of a stored value. Backends that cannot
// preserve types natively persist the tag next to the serialized value.
type Tag uint8

const (
	TagNull Tag = iota
	TagBoolean
	TagInteger
	TagDouble
	TagString
	TagArray
	TagObject
	TagUnsupported
)

var tagNames = [...]string{
	TagNull:        "NULL",
	TagBoolean:     "boolean",
	TagInteger:     "integer",
	TagDouble:      "double",
	TagString:      "string",
	TagArray:       "array",
	TagObject:      "object",
	TagUnsupported: "unsupported",
}

func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return tagNames[TagUnsupported]
}

// ParseTag is the inverse of Tag.String. Unknown names parse as TagUnsupported.
func ParseTag(s string) Tag {
	for i, name := range tagNames {
		if name == s {
			return Tag(i)
		}
	}
	return TagUnsupported
}

// TagOf classifies v. Byte slices are strings; maps and slices are arrays;
// structs and pointers to them are objects.
func TagOf(v any) Tag {
	if v == nil {
		return TagNull
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return TagNull
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Bool:
		return TagBoolean
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return TagInteger
	case reflect.Float32, reflect.Float64:
		return TagDouble
	case reflect.String:
		return TagString
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return TagString
		}
		return TagArray
	case reflect.Array:
		return TagArray
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return TagUnsupported
		}
		return TagArray
	case reflect.Struct:
		return TagObject
	case reflect.Interface:
		return TagOf(rv.Elem().Interface())
	}
	return TagUnsupported
}
