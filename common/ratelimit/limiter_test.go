package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResult_Allowed(t *testing.T) {
	result, err := parseResult([]interface{}{int64(1), int64(3), int64(10), int64(0)})
	require.NoError(t, err)

	assert.True(t, result.Allowed)
	assert.Equal(t, int64(3), result.CurrentCount)
	assert.Equal(t, int64(10), result.Limit)
	assert.Zero(t, result.RetryAfterSeconds)
}

func TestParseResult_Denied(t *testing.T) {
	result, err := parseResult([]interface{}{int64(0), int64(11), int64(10), int64(42)})
	require.NoError(t, err)

	assert.False(t, result.Allowed)
	assert.Equal(t, int64(11), result.CurrentCount)
	assert.Equal(t, int64(42), result.RetryAfterSeconds)
}

func TestParseResult_Malformed(t *testing.T) {
	_, err := parseResult("nope")
	require.Error(t, err)

	_, err = parseResult([]interface{}{int64(1)})
	require.Error(t, err)

	_, err = parseResult([]interface{}{"1", "2", "3", "4"})
	require.Error(t, err)
}
