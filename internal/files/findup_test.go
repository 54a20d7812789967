package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", ".execgate.yaml"), nil, 0o644))

	p, err := FindUp(".execgate.yaml", nested)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a", ".execgate.yaml"), p)

	p, err = FindUp("definitely-not-here-7f3a", nested)
	require.NoError(t, err)
	assert.Empty(t, p)

	_, err = FindUp("x", filepath.Join(root, "missing"))
	assert.Error(t, err)
}
