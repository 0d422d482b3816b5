package gen

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/qobs-build/qext/internal/msg"
)

type NinjaGen struct {
	cc, cxx string
	targets []Target
}

func (g *NinjaGen) SetCompiler(cc, cxx string) {
	g.cc, g.cxx = cc, cxx
}

func (g *NinjaGen) BuildFile() string { return "build.ninja" }

var ninjaPathEscaper = strings.NewReplacer("$", "$$", ":", "$:", " ", "$ ")

func quote(s string) string { return ninjaPathEscaper.Replace(s) }

// ninjaValue escapes a variable value: only "$" is special there
func ninjaValue(s string) string { return strings.ReplaceAll(s, "$", "$$") }

// AddTarget adds an extension module to the build graph
func (g *NinjaGen) AddTarget(t Target) {
	g.targets = append(g.targets, t)
}

func (g *NinjaGen) Generate() (string, error) {
	var sb strings.Builder

	writeln(&sb, "ninja_required_version = 1.1")
	writeln(&sb, "cc = ", ninjaValue(shellQuote(g.cc)))
	writeln(&sb, "cxx = ", ninjaValue(shellQuote(g.cxx)))
	writeln(&sb)

	// gen rules
	write(&sb,
		`rule cc
  command = $cc $cflags -c $in -o $out
  description = CC $in
`)
	write(&sb,
		`rule cxx
  command = $cxx $cflags -c $in -o $out
  description = CC $in
`)
	write(&sb,
		`rule link
  command = $linker -o $out $in $ldflags
  description = LINK $out
`)
	writeln(&sb)

	for _, target := range g.targets {
		sources := makeSources(target)
		cflags := ninjaValue(shellJoin(target.Cflags))

		// build object files
		for _, source := range sources {
			rule := "cc"
			if source.isCxx {
				rule = "cxx"
			}
			writeln(&sb, "build ", quote(filepath.ToSlash(source.obj)), ": ", rule, " ", quote(filepath.ToSlash(source.src)))
			writeln(&sb, "  cflags = ", cflags)
		}
		writeln(&sb)

		linker := "$cc"
		for _, source := range sources {
			if source.isCxx {
				linker = "$cxx"
				break
			}
		}

		// link the module
		write(&sb, "build ", quote(target.Name), ": link")
		for _, source := range sources {
			write(&sb, " ", quote(filepath.ToSlash(source.obj)))
		}
		writeln(&sb)
		writeln(&sb, "  linker = ", linker)
		writeln(&sb, "  ldflags = ", ninjaValue(shellJoin(target.Ldflags)))
		writeln(&sb)
	}

	return sb.String(), nil
}

func (g *NinjaGen) Invoke(ctx context.Context, buildDir string) error {
	msg.Debug("exec", "cmd", "ninja", "args", "-C "+buildDir)
	cmd := exec.CommandContext(ctx, "ninja", "-C", buildDir)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}
