// Package host discovers the scripting host an extension module is built for.
package host

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/qobs-build/qext/internal/msg"
)

var (
	commonInterpreters = []string{"python3", "python"}

	execLookPath = exec.LookPath
)

var libExtRegex = regexp.MustCompile(`\.(so|a|dll|lib|dylib)(\.[0-9.]+)?$`)

var ErrNoInterpreter = errors.New("no python interpreter found (set PYTHON or QEXT_PYTHON)")

// query prints everything needed to compile and name an extension module as a single JSON object
const query = `import sys, sysconfig, json; ` +
	`v = sysconfig.get_config_var; ` +
	`print(json.dumps({"version": sysconfig.get_python_version(), ` +
	`"include": sysconfig.get_paths()["include"], ` +
	`"ext_suffix": v("EXT_SUFFIX") or v("SO") or "", ` +
	`"libdir": v("LIBDIR") or "", ` +
	`"library": v("LDLIBRARY") or "", ` +
	`"prefix": sys.base_prefix}))`

// Info describes an installed interpreter
type Info struct {
	Executable string `json:"-"`
	Version    string `json:"version"`
	Include    string `json:"include"`
	ExtSuffix  string `json:"ext_suffix"`
	LibDir     string `json:"libdir"`
	Library    string `json:"library"`
	Prefix     string `json:"prefix"`
}

// FindInterpreter resolves the interpreter to use. An explicit override wins,
// then $PYTHON, then the first common interpreter name found on PATH.
func FindInterpreter(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if env := os.Getenv("PYTHON"); env != "" {
		return env, nil
	}
	for _, name := range commonInterpreters {
		if path, err := execLookPath(name); err == nil {
			return path, nil
		}
	}
	return "", ErrNoInterpreter
}

// Discover asks the interpreter at python for its build configuration
func Discover(ctx context.Context, python string) (*Info, error) {
	cmd := exec.CommandContext(ctx, python, "-c", query)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	msg.Debug("querying host", "python", python)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w\n%s", python, err, strings.TrimSpace(stderr.String()))
	}
	return parseInfo(python, out)
}

func parseInfo(python string, out []byte) (*Info, error) {
	info := &Info{Executable: python}
	if err := json.Unmarshal(bytes.TrimSpace(out), info); err != nil {
		return nil, fmt.Errorf("unexpected output from %s: %w", python, err)
	}
	if info.Include == "" {
		return nil, fmt.Errorf("%s reported no include directory", python)
	}
	if info.ExtSuffix == "" {
		return nil, fmt.Errorf("%s reported no extension suffix", python)
	}
	return info, nil
}

// ArtifactName returns the file name the host expects for module, e.g.
// "pkg.HelloPy" -> "HelloPy.cpython-312-x86_64-linux-gnu.so"
func (i *Info) ArtifactName(module string) string {
	if idx := strings.LastIndexByte(module, '.'); idx >= 0 {
		module = module[idx+1:]
	}
	return module + i.ExtSuffix
}

// LinkLibrary returns the -l name of the host library, without the lib prefix
// and file extension, or "" when the host does not report one
func (i *Info) LinkLibrary() string {
	lib := i.Library
	if lib == "" {
		return ""
	}
	lib = strings.TrimPrefix(lib, "lib")
	return libExtRegex.ReplaceAllString(lib, "")
}
