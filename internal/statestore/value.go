package statestore

import (
	"fmt"
	"sort"
	"strconv"
)

// Kind of a Value.
type Kind string

// Value kinds.
const (
	KindString Kind = "s"
	KindInt    Kind = "i"
	KindBool   Kind = "b"
	KindList   Kind = "l"
	KindMap    Kind = "m"
)

// Value is a typed attribute value as stored on disk.
type Value struct {
	Kind Kind              `bencode:"k"`
	Str  string            `bencode:"s"`
	Int  int64             `bencode:"i"`
	List []string          `bencode:"l"`
	Map  map[string]string `bencode:"m"`
}

// StringValue returns a string Value.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// IntValue returns an integer Value.
func IntValue(i int64) Value { return Value{Kind: KindInt, Int: i} }

// BoolValue returns a boolean Value.
func BoolValue(b bool) Value {
	v := Value{Kind: KindBool}
	if b {
		v.Int = 1
	}
	return v
}

// ListValue returns a list Value. The slice is copied.
func ListValue(l []string) Value {
	return Value{Kind: KindList, List: append([]string(nil), l...)}
}

// MapValue returns a map Value. The map is copied.
func MapValue(m map[string]string) Value {
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return Value{Kind: KindMap, Map: c}
}

// Equal reports whether both values have the same kind and content.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindInt, KindBool:
		return v.Int == o.Int
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if v.List[i] != o.List[i] {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.Map) != len(o.Map) {
			return false
		}
		for k, s := range v.Map {
			if t, ok := o.Map[k]; !ok || t != s {
				return false
			}
		}
		return true
	}
	return true
}

// Interface returns the value as a plain Go value for display.
func (v Value) Interface() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return v.Int
	case KindBool:
		return v.Int != 0
	case KindList:
		return append([]string(nil), v.List...)
	case KindMap:
		return MapValue(v.Map).Map
	}
	return nil
}

func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return strconv.Quote(v.Str)
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindBool:
		return strconv.FormatBool(v.Int != 0)
	case KindList:
		return fmt.Sprint(v.List)
	case KindMap:
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		s := "{"
		for i, k := range keys {
			if i > 0 {
				s += " "
			}
			s += k + ":" + v.Map[k]
		}
		return s + "}"
	}
	return "<nil>"
}

func copyValues(m map[string]Value) map[string]Value {
	c := make(map[string]Value, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
