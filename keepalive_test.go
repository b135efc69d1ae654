package wacore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeepAliveIntervalBounds(t *testing.T) {
	require.Less(t, keepAliveIntervalMin, keepAliveIntervalMax)
	require.Greater(t, keepAliveIntervalMin, time.Duration(0))
}

func TestKeepAliveMaxFailures_Positive(t *testing.T) {
	require.Greater(t, keepAliveMaxFailures, 0)
}
