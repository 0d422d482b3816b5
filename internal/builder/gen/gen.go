package gen

import "context"

// Target is one loadable extension module: every source compiles to an object,
// all objects link into Name inside the build directory
type Target struct {
	Name    string // artifact file name, e.g. HelloPy.cpython-312-x86_64-linux-gnu.so
	Basedir string // directory holding the descriptor
	Sources []string
	Cxx     bool // link with the C++ driver
	Cflags  []string
	Ldflags []string
}

type Generator interface {
	SetCompiler(cc, cxx string)
	AddTarget(t Target)
	Generate() (string, error)
	BuildFile() string
	Invoke(ctx context.Context, buildDir string) error
}
