package logger

import (
	"testing"

	"github.com/cenkalti/log"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("Warning")
	assert.NoError(t, err)
	assert.Equal(t, log.WARNING, l)

	l, err = ParseLevel(" debug ")
	assert.NoError(t, err)
	assert.Equal(t, log.DEBUG, l)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}

func TestShort(t *testing.T) {
	assert.Equal(t, "4242e334", Short("4242e334070406956b87c25f7c36251d32743461", 8))
	assert.Equal(t, "abc", Short("abc", 8))
}
