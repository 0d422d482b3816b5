package builder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/qobs-build/qext/internal/bridge"
	"github.com/qobs-build/qext/internal/msg"
)

var (
	ErrInvalidName    = errors.New("invalid extension name")
	ErrNoSources      = errors.New("target.sources is empty")
	ErrNoBridge       = errors.New("target.sources has no bridge source (.pyx)")
	ErrManyBridges    = errors.New("target.sources has more than one bridge source")
	ErrSourceNotFound = errors.New("source file not found")
)

var moduleNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// Validate checks the parts of the target that do not touch the filesystem
func (cfg *Config) Validate() error {
	if !moduleNameRegex.MatchString(cfg.Extension.Name) {
		return fmt.Errorf("%w %q: must be a dotted sequence of identifiers", ErrInvalidName, cfg.Extension.Name)
	}
	if _, err := bridge.ParseLanguage(cfg.Target.Language); err != nil {
		return err
	}
	if len(cfg.Target.Sources) == 0 {
		return ErrNoSources
	}
	return nil
}

// ModuleName is the last dotted part of the extension name, which is what the
// artifact file is named after
func (cfg *Config) ModuleName() string {
	name := cfg.Extension.Name
	if idx := strings.LastIndexByte(name, '.'); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

func hasGlobMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// resolveSources expands patterns relative to basedir in declared order.
// Literal paths must exist, globs must match at least one file.
func resolveSources(basedir string, patterns []string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	add := func(path string) {
		path = filepath.Clean(path)
		if !seen[path] {
			seen[path] = true
			files = append(files, path)
		}
	}

	for _, pat := range patterns {
		full := pat
		if !filepath.IsAbs(full) {
			full = filepath.Join(basedir, pat)
		}

		if !hasGlobMeta(pat) {
			stat, err := os.Stat(full)
			if err != nil {
				if os.IsNotExist(err) {
					return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, pat)
				}
				return nil, err
			}
			if stat.IsDir() {
				return nil, fmt.Errorf("source %s is a directory", pat)
			}
			add(full)
			continue
		}

		matches, err := doublestar.FilepathGlob(full, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("while globbing %s: %w", pat, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("%w: %s matched no files", ErrSourceNotFound, pat)
		}
		for _, match := range matches {
			add(match)
		}
	}

	return files, nil
}

// splitSources separates the one bridge source from the native sources
func splitSources(sources []string) (bridgeSrc string, native []string, err error) {
	for _, src := range sources {
		if !bridge.IsBridgeSource(src) {
			native = append(native, src)
			continue
		}
		if bridgeSrc != "" {
			return "", nil, fmt.Errorf("%w: %s and %s", ErrManyBridges, filepath.Base(bridgeSrc), filepath.Base(src))
		}
		bridgeSrc = src
	}
	if bridgeSrc == "" {
		return "", nil, ErrNoBridge
	}
	if len(native) == 0 {
		msg.Warn("target.sources lists no native sources besides %s", filepath.Base(bridgeSrc))
	}
	return bridgeSrc, native, nil
}

// absPaths makes every directory in dirs absolute against basedir
func absPaths(basedir string, dirs []string) []string {
	out := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(basedir, dir)
		}
		out = append(out, filepath.Clean(dir))
	}
	return out
}
