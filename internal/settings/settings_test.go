package settings

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		s, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
		require.NoError(t, err)
		assert.Equal(t, runtime.NumCPU(), s.Jobs)
		assert.Equal(t, "qext", s.Generator)
		assert.Equal(t, "debug", s.Profile)
		assert.Empty(t, s.Python)
	})

	t.Run("reads toml file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		content := `
python = "/opt/py/bin/python3"
cython = "/opt/py/bin/cython"
cxx = "clang++"
jobs = 3
generator = "ninja"
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		s, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "/opt/py/bin/python3", s.Python)
		assert.Equal(t, "/opt/py/bin/cython", s.Cython)
		assert.Equal(t, "clang++", s.CXX)
		assert.Equal(t, 3, s.Jobs)
		assert.Equal(t, "ninja", s.Generator)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		require.NoError(t, os.WriteFile(path, []byte("python = \"python3.11\"\njobs = 2\n"), 0o644))
		t.Setenv("QEXT_PYTHON", "python3.13")
		t.Setenv("QEXT_JOBS", "7")

		s, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "python3.13", s.Python)
		assert.Equal(t, 7, s.Jobs)
	})

	t.Run("invalid file is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.toml")
		require.NoError(t, os.WriteFile(path, []byte("python = [unterminated"), 0o644))

		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("non-positive jobs fall back to cpu count", func(t *testing.T) {
		t.Setenv("QEXT_JOBS", "0")
		s, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
		require.NoError(t, err)
		assert.Equal(t, runtime.NumCPU(), s.Jobs)
	})
}

func TestDefaultPathHonoursEnv(t *testing.T) {
	t.Setenv("QEXT_CONFIG", "/tmp/qext.toml")
	path, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/qext.toml", path)
}
