//go:build windows

package gen

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/heaths/go-vssetup"
)

var errNoMsbuild = errors.New("MSBuild not found: install Visual Studio 2022 with the C++ workload")

// FindMsbuild locates MSBuild.exe through PATH first, then the Visual Studio
// setup configuration
func FindMsbuild() (string, error) {
	if path, err := exec.LookPath("msbuild"); err == nil {
		return path, nil
	}

	instances, err := vssetup.Instances(false)
	if err != nil {
		return "", err
	}
	for _, instance := range instances {
		installPath, err := instance.InstallationPath()
		if err != nil {
			continue
		}
		candidate := filepath.Join(installPath, "MSBuild", "Current", "Bin", "MSBuild.exe")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", errNoMsbuild
}
