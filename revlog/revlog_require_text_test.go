package revlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireTextErrorsOnCensored(t *testing.T) {
	rl := newTestRevlog(t)
	_, err := rl.Append([]byte("secret"), NullRev, NullRev, 0, FlagCensored)
	require.NoError(t, err)
	_, err = rl.RequireText(0)
	assert.Error(t, err)
}

func TestRequireTextPassesThroughNormalEntry(t *testing.T) {
	rl := newTestRevlog(t)
	_, err := rl.Append([]byte("hello"), NullRev, NullRev, 0, 0)
	require.NoError(t, err)
	text, err := rl.RequireText(0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(text))
}
