//go:build !windows

package gen

import (
	"errors"
	"os/exec"
)

var errNoMsbuild = errors.New("MSBuild not found: the vs2022 generator needs Visual Studio 2022")

func FindMsbuild() (string, error) {
	if path, err := exec.LookPath("msbuild"); err == nil {
		return path, nil
	}
	return "", errNoMsbuild
}
