package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasAny(t *testing.T) {
	assert.True(t, HasAny("status 401", "401", "403"))
	assert.False(t, HasAny("Unauthorized", "unauthorized"))
	assert.True(t, HasAnyFold("Unauthorized", "unauthorized"))
	assert.False(t, HasAnyFold("ok", "401"))
}

func TestRedactToken(t *testing.T) {
	assert.Equal(t, "wss://host/data?token=***", RedactToken("wss://host/data?token=abc", "abc"))
	assert.Equal(t, "unchanged", RedactToken("unchanged", ""))
}
