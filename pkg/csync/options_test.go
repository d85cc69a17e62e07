package csync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions_WithDefaults(t *testing.T) {
	opts := Options{Host: "example.org", Port: 443}.withDefaults()
	assert.Equal(t, 60*time.Second, opts.OperationTimeout)
	assert.Equal(t, 5*time.Second, opts.AdvanceDelay)
	assert.Equal(t, 4096, opts.MatchCacheSize)
	assert.Equal(t, 16, opts.DeliveryWorkers)
	assert.Equal(t, "info", opts.Log.Level)
}

func TestOptions_ValidateRejectsMissingHost(t *testing.T) {
	opts := DefaultOptions()
	opts.Port = 80
	err := opts.Validate()
	require.Error(t, err)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeInvalidRequest, apiErr.Code)
}

func TestOptions_ValidateAcceptsMinimal(t *testing.T) {
	opts := Options{Host: "localhost", Port: 8080}.withDefaults()
	assert.NoError(t, opts.Validate())
}

func TestOptions_DebugEnabled(t *testing.T) {
	opts := Options{Log: LogConfig{DebugChannels: []string{"transport"}}}
	assert.True(t, opts.debugEnabled("transport"))
	assert.False(t, opts.debugEnabled("operation"))
}
