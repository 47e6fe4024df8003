package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindRoot(t *testing.T) {
	// base/
	//   repo/ (.tillage)
	//     subdir/
	//       nested/
	//   configured/ (tillage.yaml)
	//   empty/
	baseDir := t.TempDir()
	repoDir := filepath.Join(baseDir, "repo")
	subDir := filepath.Join(repoDir, "subdir")
	nestedDir := filepath.Join(subDir, "nested")
	configuredDir := filepath.Join(baseDir, "configured")
	emptyDir := filepath.Join(baseDir, "empty")

	require.NoError(t, os.MkdirAll(nestedDir, 0o755))
	require.NoError(t, os.MkdirAll(configuredDir, 0o755))
	require.NoError(t, os.MkdirAll(emptyDir, 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(repoDir, ".tillage"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(configuredDir, ConfigFile), []byte("storage:\n  driver: memory\n"), 0o644))

	tests := []struct {
		name      string
		startPath string
		wantRoot  string
		wantErr   bool
	}{
		{name: "start at root", startPath: repoDir, wantRoot: repoDir},
		{name: "start in subdir", startPath: subDir, wantRoot: repoDir},
		{name: "start nested deeply", startPath: nestedDir, wantRoot: repoDir},
		{name: "config file marker", startPath: configuredDir, wantRoot: configuredDir},
		{name: "no root found", startPath: emptyDir, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FindRoot(tt.startPath)
			if tt.wantErr {
				// A marker above the temp dir would make this case meaningless.
				if err == nil {
					t.Skipf("marker found above temp dir at %s", got)
				}
				assert.ErrorIs(t, err, ErrRootNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.Clean(tt.wantRoot), filepath.Clean(got))
		})
	}
}
