package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataDirHonoursEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDataDir, dir+"/")

	assert.Equal(t, filepath.Clean(dir), DataDir())
	assert.Equal(t, filepath.Join(dir, QuotaDBName), QuotaDB())
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDataDir, dir)
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"memory", Memory, Memory},
		{"absolute", "/var/lib/simlab/../simlab/q.db", "/var/lib/simlab/q.db"},
		{"relative", "data/q.db", filepath.Join(dir, "data", "q.db")},
		{"home", "~/q.db", filepath.Join(home, "q.db")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.in))
		})
	}
}
