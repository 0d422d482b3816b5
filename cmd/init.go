// qext init [name], qext new [path]
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/go-git/go-git/v6"
	"github.com/qobs-build/qext/internal/builder"
	"github.com/qobs-build/qext/internal/msg"
	"github.com/spf13/cobra"
)

// writefile creates a file unless it already exists
func writefile(content string, elem ...string) error {
	path := filepath.Join(elem...)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("create file %s: %w", path, err)
	}
	fmt.Fprintf(msg.Output, "%s file: %s\n", color.HiGreenString("Created"), filepath.ToSlash(path))
	return nil
}

func getProgramName() string {
	if len(os.Args) == 0 {
		return "qext"
	}
	basename := filepath.Base(os.Args[0])
	return strings.TrimSuffix(basename, filepath.Ext(basename))
}

var nonIdentRegex = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// moduleName turns a directory name into something the host can import
func moduleName(name string) string {
	name = nonIdentRegex.ReplaceAllString(name, "_")
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "_" + name
	}
	return name
}

func descriptor(name string, bare bool) string {
	sources := `["` + name + `.pyx", "src/**/*.cpp"]`
	if bare {
		sources = `["` + name + `.pyx"]`
	}
	return `[extension]
name = "` + name + `"
description = "This is where I make an extension."
authors = ["AzureDiamond"]

[target]
language = "c++"
sources = ` + sources + `
include-dirs = ["src"]
libraries = []
extra-compile-args = ["-std=c++11"]
extra-link-args = ["-std=c++11"]
`
}

// initIn initializes an extension in an existing directory
func initIn(dir, name string, bare bool) error {
	name = moduleName(name)

	if err := writefile(descriptor(name, bare), dir, builder.ConfigFilename); err != nil {
		return err
	}

	if bare {
		if err := writefile(`def hello():
    return "Hello, World!"
`, dir, name+".pyx"); err != nil {
			return err
		}
	} else {
		if err := writefile(`# distutils: language = c++

cdef extern from "hello.h":
    void hello_world()

def hello():
    hello_world()
`, dir, name+".pyx"); err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Join(dir, "src"), 0o755); err != nil {
			return err
		}
		if err := writefile(`#include <iostream>
#include "hello.h"

void hello_world() {
    std::cout << "Hello, World!" << std::endl;
}
`, dir, "src", "hello.cpp"); err != nil {
			return err
		}
		if err := writefile(`#ifndef HELLO_H
#define HELLO_H

void hello_world();

#endif
`, dir, "src", "hello.h"); err != nil {
			return err
		}
	}

	if err := writefile(`build/
*.so
*.pyd
`, dir, ".gitignore"); err != nil {
		return err
	}

	// the descriptor we just wrote must be one we can build
	cfg, err := builder.ParseConfigFromFile(filepath.Join(dir, builder.ConfigFilename), builder.NewConfigEnv(dir))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if _, err := git.PlainInit(dir, false); err != nil && !errors.Is(err, git.ErrRepositoryAlreadyExists) {
		msg.Warn("could not initialize a git repository: %v", err)
	}

	programName := getProgramName()
	fmt.Fprintf(msg.Output, "You can now do %s to build, or %s to build and import it.\n",
		color.HiCyanString(programName+" "+dir), color.HiCyanString(programName+" run "+dir))
	return nil
}

var flagBare bool

var initCmd = &cobra.Command{
	Use:   "init [name]",
	Short: "Create a new extension in the current directory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := initIn(".", args[0], flagBare); err != nil {
			msg.Fatal("%v", err)
		}
	},
}

var newCmd = &cobra.Command{
	Use:   "new [path]",
	Short: "Create a new extension in a new directory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := os.MkdirAll(args[0], 0o755); err != nil {
			msg.Fatal("mkdir %s: %v", args[0], err)
		}
		if err := initIn(args[0], filepath.Base(args[0]), flagBare); err != nil {
			msg.Fatal("%v", err)
		}
	},
}

func init() {
	// qext init subcommand
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVarP(&flagBare, "bare", "b", false, "Only create the descriptor and the bridge source")

	// qext new subcommand
	rootCmd.AddCommand(newCmd)
	newCmd.Flags().BoolVarP(&flagBare, "bare", "b", false, "Only create the descriptor and the bridge source")
}
