package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "checking", Checking.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestErrorDetail(t *testing.T) {
	var err error = &Error{Kind: ErrFileMissing, Detail: "file missing: a.iso"}
	assert.EqualError(t, err, "file missing: a.iso")
}
