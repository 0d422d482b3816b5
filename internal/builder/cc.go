package builder

import (
	"errors"
	"os"
	"os/exec"
)

// TODO: zig cc
var (
	commonCCompilers   = []string{"clang", "gcc", "cc", "icx", "icc"}
	commonCxxCompilers = []string{"clang++", "g++", "c++", "icpx", "icpc"}

	execLookPath = exec.LookPath
)

var (
	errNoCCompiler   = errors.New("no C compiler found (set CC or QEXT_CC)")
	errNoCxxCompiler = errors.New("no C++ compiler found (set CXX or QEXT_CXX)")
)

// findCompiler attempts to find a suitable C or C++ compiler on the system.
// An explicit override wins, then $CC / $CXX, then the common compilers on PATH.
func findCompiler(needCxx bool, override string) (string, error) {
	if override != "" {
		return override, nil
	}

	env, compilersToTry, notFound := "CC", commonCCompilers, errNoCCompiler
	if needCxx {
		env, compilersToTry, notFound = "CXX", commonCxxCompilers, errNoCxxCompiler
	}

	if fromEnv := os.Getenv(env); fromEnv != "" {
		return fromEnv, nil
	}

	for _, compiler := range compilersToTry {
		path, err := execLookPath(compiler)
		if err == nil {
			return path, nil
		}
	}

	return "", notFound
}
