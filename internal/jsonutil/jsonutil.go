// Package jsonutil renders values for terminal output.
package jsonutil

import (
	"bytes"
	"sort"

	"github.com/fatih/structs"
	"github.com/hokaccha/go-prettyjson"
)

var compact, indented *prettyjson.Formatter

func init() {
	compact = prettyjson.NewFormatter()
	compact.Indent = 0
	compact.Newline = ""

	indented = prettyjson.NewFormatter()
	indented.Indent = 2
}

// MarshalCompactPretty writes one "Name: value" line per field of v, sorted by name.
// v may be a struct or a map with string keys.
func MarshalCompactPretty(v any) ([]byte, error) {
	var m map[string]any
	switch t := v.(type) {
	case map[string]any:
		m = t
	case map[string]string:
		m = make(map[string]any, len(t))
		for k, s := range t {
			m[k] = s
		}
	default:
		m = structs.Map(v)
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	var buf bytes.Buffer
	for _, name := range names {
		b, err := compact.Marshal(m[name])
		if err != nil {
			return nil, err
		}
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.Write(b)
		buf.WriteRune('\n')
	}
	return buf.Bytes(), nil
}

// MarshalPretty returns colored, indented JSON.
func MarshalPretty(v any) ([]byte, error) {
	return indented.Marshal(v)
}

// DisableColor turns off terminal colors, e.g. when output is not a TTY.
func DisableColor() {
	compact.DisabledColor = true
	indented.DisabledColor = true
}
