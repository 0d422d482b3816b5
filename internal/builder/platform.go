package builder

import (
	"path/filepath"
	"strings"

	"github.com/qobs-build/qext/internal/host"
)

// picCflags are needed for objects that end up in a shared module
func picCflags(goos string) []string {
	if goos == "windows" {
		return nil
	}
	return []string{"-fPIC"}
}

// moduleLdflags turn the link step into a loadable module. On macOS the host
// symbols are resolved when the interpreter loads the module.
func moduleLdflags(goos string) []string {
	switch goos {
	case "darwin":
		return []string{"-bundle", "-undefined", "dynamic_lookup"}
	default:
		return []string{"-shared"}
	}
}

// hostLdflags links against the host library where the platform requires it.
// Only Windows does: ELF and Mach-O modules resolve host symbols at load time.
func hostLdflags(goos string, info *host.Info) []string {
	if goos != "windows" {
		return nil
	}
	lib := info.LinkLibrary()
	if lib == "" {
		lib = "python" + strings.ReplaceAll(info.Version, ".", "")
	}
	return []string{"-L" + filepath.Join(info.Prefix, "libs"), "-l" + lib}
}
