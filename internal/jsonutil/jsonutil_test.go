package jsonutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type sample struct {
	Name  string
	Bytes int64
}

func TestMarshalCompactPrettySorted(t *testing.T) {
	DisableColor()
	b, err := MarshalCompactPretty(sample{Name: "debian", Bytes: 42})
	assert.NoError(t, err)
	assert.Equal(t, "Bytes: 42\nName: \"debian\"\n", string(b))
}

func TestMarshalCompactPrettyMap(t *testing.T) {
	DisableColor()
	b, err := MarshalCompactPretty(map[string]string{"b": "2", "a": "1"})
	assert.NoError(t, err)
	assert.Equal(t, "a: \"1\"\nb: \"2\"\n", string(b))
}
