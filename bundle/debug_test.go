package bundle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDumpParamsRendersYAML(t *testing.T) {
	p := &Part{Name: "bookmarks", ID: 3, Mandatory: map[string]string{"ver": "1"}}
	out, err := DumpParams(p)
	require.NoError(t, err)
	assert.Contains(t, out, "name: bookmarks")
	assert.Contains(t, out, "ver: \"1\"")
}
