package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/qobs-build/qext/internal/host"
	"github.com/qobs-build/qext/internal/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeSuffix = ".cpython-312-test.so"

// fakePython answers the host query and records every other invocation
const fakePython = `#!/bin/sh
if [ "$1" = "-c" ] && [ "${2#import sys, sysconfig}" != "$2" ]; then
  echo '{"version": "3.12", "include": "/opt/py/include/python3.12", "ext_suffix": "` + fakeSuffix + `", "libdir": "/opt/py/lib", "library": "libpython3.12.a", "prefix": "/opt/py"}'
  exit 0
fi
echo "$PYTHONPATH|$*" >> "$(dirname "$0")/run.log"
`

const fakeCython = `#!/bin/sh
out=""
src=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift 2 ;;
    *) src="$1"; shift ;;
  esac
done
[ -f "$src" ] || { echo "cannot find $src" >&2; exit 1; }
echo "/* generated from $src */" > "$out"
`

// fakeCompiler concatenates its existing inputs into -o and logs its arguments
const fakeCompiler = `#!/bin/sh
echo "$*" >> "$(dirname "$0")/cc.log"
out=""
inputs=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift 2 ;;
    *) [ -f "$1" ] && inputs="$inputs $1"; shift ;;
  esac
done
cat $inputs > "$out"
`

const failingCompiler = `#!/bin/sh
echo "greeter.cpp:1:1: error: expected unqualified-id" >&2
exit 1
`

const greeterConfig = `
[extension]
name = "Greeter"

[target]
language = "c++"
sources = ["bridge.pyx", "greeter.cpp"]
include-dirs = []
libraries = []
extra-compile-args = ["-std=c++11"]
extra-link-args = ["-std=c++11"]
`

type testTools struct {
	dir      string
	settings *settings.Settings
}

func writeTool(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestTools(t *testing.T, compiler string) testTools {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake tools are shell scripts")
	}
	dir := t.TempDir()
	cc := writeTool(t, dir, "fake-c++", compiler)
	return testTools{
		dir: dir,
		settings: &settings.Settings{
			Python:    writeTool(t, dir, "fake-python", fakePython),
			Cython:    writeTool(t, dir, "fake-cython", fakeCython),
			CC:        cc,
			CXX:       cc,
			Jobs:      2,
			Generator: GeneratorQext,
			Profile:   "debug",
		},
	}
}

func (tt testTools) log(t *testing.T, name string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(tt.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func newGreeterProject(t *testing.T, config string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFilename), []byte(config), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bridge.pyx"), []byte("cdef extern from \"greeter.h\":\n    pass\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeter.cpp"), []byte("int greet() { return 42; }\n"), 0o644))
	return dir
}

func newTestBuilder(t *testing.T, dir string, s *settings.Settings) *Builder {
	t.Helper()
	b, err := NewBuilderInDirectory(dir, s)
	require.NoError(t, err)
	b.goos = "linux"
	return b
}

func TestBuild(t *testing.T) {
	tools := newTestTools(t, fakeCompiler)
	dir := newGreeterProject(t, greeterConfig)
	b := newTestBuilder(t, dir, tools.settings)

	result, err := b.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "build", "Greeter"+fakeSuffix), result.Artifact)
	assert.FileExists(t, result.Artifact)
	assert.False(t, result.UpToDate)
	assert.Empty(t, result.Inplace)

	artifact, err := os.ReadFile(result.Artifact)
	require.NoError(t, err)
	assert.Contains(t, string(artifact), "int greet()")
	assert.Contains(t, string(artifact), "generated from")

	// compile_commands.json shows the extra args reaching the compiler
	data, err := os.ReadFile(filepath.Join(dir, "build", "compile_commands.json"))
	require.NoError(t, err)
	var commands []struct {
		File      string   `json:"file"`
		Arguments []string `json:"arguments"`
	}
	require.NoError(t, json.Unmarshal(data, &commands))
	require.Len(t, commands, 2)
	for _, cmd := range commands {
		assert.Contains(t, cmd.Arguments, "-std=c++11", cmd.File)
		assert.Contains(t, cmd.Arguments, "-I/opt/py/include/python3.12", cmd.File)
		assert.Contains(t, cmd.Arguments, "-fPIC", cmd.File)
	}

	calls := tools.log(t, "cc.log")
	require.Len(t, calls, 3, "two compiles and one link")
	link := strings.Fields(calls[2])
	assert.Equal(t, "-std=c++11", link[len(link)-1], "extra link args come last")
	assert.Contains(t, link, "-shared")

	// a second build is a no-op
	again, err := b.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)
	assert.True(t, again.UpToDate)
	assert.Len(t, tools.log(t, "cc.log"), 3)

	second, err := os.ReadFile(again.Artifact)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(artifact, second))
}

func TestBuildRebuildsChangedSource(t *testing.T) {
	tools := newTestTools(t, fakeCompiler)
	dir := newGreeterProject(t, greeterConfig)

	_, err := newTestBuilder(t, dir, tools.settings).Build(context.Background(), BuildOptions{})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeter.cpp"), []byte("int greet() { return 7; }\n"), 0o644))
	result, err := newTestBuilder(t, dir, tools.settings).Build(context.Background(), BuildOptions{})
	require.NoError(t, err)
	assert.False(t, result.UpToDate)

	// one recompile plus one relink
	assert.Len(t, tools.log(t, "cc.log"), 5)
	artifact, err := os.ReadFile(result.Artifact)
	require.NoError(t, err)
	assert.Contains(t, string(artifact), "return 7")
}

func TestBuildProfileChangesFlags(t *testing.T) {
	tools := newTestTools(t, fakeCompiler)
	dir := newGreeterProject(t, greeterConfig)
	b := newTestBuilder(t, dir, tools.settings)

	_, err := b.Build(context.Background(), BuildOptions{Profile: "debug"})
	require.NoError(t, err)
	result, err := b.Build(context.Background(), BuildOptions{Profile: "release"})
	require.NoError(t, err)
	assert.False(t, result.UpToDate)

	calls := tools.log(t, "cc.log")
	require.Len(t, calls, 6)
	assert.True(t, strings.HasPrefix(calls[3], "-O3 ") || strings.HasPrefix(calls[4], "-O3 "))

	_, err = b.Build(context.Background(), BuildOptions{Profile: "nope"})
	assert.ErrorContains(t, err, `unknown profile "nope"`)
}

func TestBuildMissingSource(t *testing.T) {
	tools := newTestTools(t, fakeCompiler)
	dir := newGreeterProject(t, greeterConfig)
	require.NoError(t, os.Remove(filepath.Join(dir, "greeter.cpp")))

	_, err := newTestBuilder(t, dir, tools.settings).Build(context.Background(), BuildOptions{})
	assert.ErrorIs(t, err, ErrSourceNotFound)
	assert.NoDirExists(t, filepath.Join(dir, "build"))
	assert.Empty(t, tools.log(t, "cc.log"))
}

func TestBuildCompilerFailure(t *testing.T) {
	tools := newTestTools(t, failingCompiler)
	dir := newGreeterProject(t, greeterConfig)

	_, err := newTestBuilder(t, dir, tools.settings).Build(context.Background(), BuildOptions{})
	assert.ErrorContains(t, err, "compilation failed")
	matches, _ := filepath.Glob(filepath.Join(dir, "build", "Greeter*"))
	assert.Empty(t, matches)
}

func TestBuildTranslatorFailure(t *testing.T) {
	tools := newTestTools(t, fakeCompiler)
	tools.settings.Cython = writeTool(t, tools.dir, "broken-cython", "#!/bin/sh\necho 'bridge.pyx:1:0: syntax error' >&2\nexit 1\n")
	dir := newGreeterProject(t, greeterConfig)

	_, err := newTestBuilder(t, dir, tools.settings).Build(context.Background(), BuildOptions{})
	assert.ErrorContains(t, err, "translation failed")
	assert.Empty(t, tools.log(t, "cc.log"))
}

func TestBuildBridgeErrors(t *testing.T) {
	tools := newTestTools(t, fakeCompiler)

	dir := newGreeterProject(t, strings.Replace(greeterConfig, `["bridge.pyx", "greeter.cpp"]`, `["greeter.cpp"]`, 1))
	_, err := newTestBuilder(t, dir, tools.settings).Build(context.Background(), BuildOptions{})
	assert.ErrorIs(t, err, ErrNoBridge)

	dir = newGreeterProject(t, strings.Replace(greeterConfig, `["bridge.pyx", "greeter.cpp"]`, `["*.pyx", "other.pyx"]`, 1))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.pyx"), nil, 0o644))
	_, err = newTestBuilder(t, dir, tools.settings).Build(context.Background(), BuildOptions{})
	assert.ErrorIs(t, err, ErrManyBridges)
}

func TestBuildInvalidName(t *testing.T) {
	tools := newTestTools(t, fakeCompiler)
	dir := newGreeterProject(t, strings.Replace(greeterConfig, `"Greeter"`, `"greeter-ext"`, 1))
	_, err := newTestBuilder(t, dir, tools.settings).Build(context.Background(), BuildOptions{})
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestBuildUnknownGenerator(t *testing.T) {
	tools := newTestTools(t, fakeCompiler)
	dir := newGreeterProject(t, greeterConfig)
	_, err := newTestBuilder(t, dir, tools.settings).Build(context.Background(), BuildOptions{Generator: "make"})
	assert.ErrorContains(t, err, `unknown generator "make"`)
}

func TestBuildInplace(t *testing.T) {
	tools := newTestTools(t, fakeCompiler)
	dir := newGreeterProject(t, strings.Replace(greeterConfig, `"Greeter"`, `"pkg.Greeter"`, 1))
	b := newTestBuilder(t, dir, tools.settings)

	result, err := b.Build(context.Background(), BuildOptions{Inplace: true})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "pkg", "Greeter"+fakeSuffix), result.Inplace)
	assert.FileExists(t, result.Inplace)

	require.NoError(t, b.Clean(false))
	assert.NoDirExists(t, filepath.Join(dir, "build"))
	assert.FileExists(t, result.Inplace)

	require.NoError(t, b.Clean(true))
	assert.NoFileExists(t, result.Inplace)
}

func TestBuildNinja(t *testing.T) {
	tools := newTestTools(t, fakeCompiler)
	tools.settings.Generator = GeneratorNinja
	writeTool(t, tools.dir, "ninja", "#!/bin/sh\necho \"$*\" > \"$(dirname \"$0\")/ninja.log\"\nexit 1\n")
	t.Setenv("PATH", tools.dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	dir := newGreeterProject(t, greeterConfig)

	_, err := newTestBuilder(t, dir, tools.settings).Build(context.Background(), BuildOptions{})
	assert.Error(t, err, "the fake ninja produces nothing")

	ninjaFile, err := os.ReadFile(filepath.Join(dir, "build", "build.ninja"))
	require.NoError(t, err)
	assert.Contains(t, string(ninjaFile), "-std=c++11")
	assert.Equal(t, []string{"-C " + filepath.Join(dir, "build")}, tools.log(t, "ninja.log"))
}

func TestBuildAndRun(t *testing.T) {
	tools := newTestTools(t, fakeCompiler)
	dir := newGreeterProject(t, greeterConfig)
	t.Setenv("PYTHONPATH", "")
	b := newTestBuilder(t, dir, tools.settings)

	require.NoError(t, b.BuildAndRun(context.Background(), BuildOptions{}, nil))
	require.NoError(t, b.BuildAndRun(context.Background(), BuildOptions{}, []string{"demo.py", "--loud"}))

	assert.Equal(t, []string{
		filepath.Join(dir, "build") + "|-c import Greeter",
		filepath.Join(dir, "build") + "|demo.py --loud",
	}, tools.log(t, "run.log"))
}

func TestDescribe(t *testing.T) {
	dir := newGreeterProject(t, strings.Replace(greeterConfig, `language = "c++"`, `language = "cpp"`, 1))
	b := newTestBuilder(t, dir, settings.Default())

	out, err := b.Describe("release")
	require.NoError(t, err)

	var described describedTarget
	require.NoError(t, toml.Unmarshal([]byte(out), &described))
	assert.Equal(t, "Greeter", described.Extension.Name)
	assert.Equal(t, "c++", described.Target.Language)
	assert.Equal(t, []string{"bridge.pyx", "greeter.cpp"}, described.Target.Sources)
	assert.Equal(t, []string{"-std=c++11"}, described.Target.ExtraCompileArgs)
	assert.Equal(t, []string{"-std=c++11"}, described.Target.ExtraLinkArgs)
	assert.EqualValues(t, 3, described.Profile.OptLevel)

	_, err = b.Describe("nope")
	assert.Error(t, err)
}

func TestTargetFlags(t *testing.T) {
	b := &Builder{
		basedir: "/work/HelloPy",
		cfg: &Config{Target: TargetSection{
			IncludeDirs:      []string{"../Hello"},
			Libraries:        []string{"m"},
			LibraryDirs:      []string{"lib"},
			Defines:          map[string]string{"B": "", "A": "1"},
			ExtraCompileArgs: []string{"-std=c++11"},
			ExtraLinkArgs:    []string{"-std=c++11"},
		}},
		goos: "linux",
	}
	info := &host.Info{Version: "3.12", Include: "/py/include", Prefix: "/py", Library: "libpython3.12.so"}

	cflags, ldflags := b.targetFlags([]string{"-O2"}, info)
	assert.Equal(t, []string{"-O2", "-fPIC", "-I/py/include", "-I/work/Hello", "-DA=1", "-DB", "-std=c++11"}, cflags)
	assert.Equal(t, []string{"-shared", "-L/work/HelloPy/lib", "-lm", "-std=c++11"}, ldflags)

	b.goos = "darwin"
	_, ldflags = b.targetFlags(nil, info)
	assert.Equal(t, []string{"-bundle", "-undefined", "dynamic_lookup"}, ldflags[:3])

	b.goos = "windows"
	cflags, ldflags = b.targetFlags(nil, &host.Info{Version: "3.12", Include: "/py/include", Prefix: "/py"})
	assert.False(t, slices.Contains(cflags, "-fPIC"))
	assert.Equal(t, []string{"-L" + filepath.Join("/py", "libs"), "-lpython312", "-std=c++11"}, ldflags[len(ldflags)-3:])
}

func TestNewBuilderInDirectoryMissingDescriptor(t *testing.T) {
	_, err := NewBuilderInDirectory(t.TempDir(), nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
