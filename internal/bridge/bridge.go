// Package bridge turns a bridge source (a .pyx module) into plain C or C++
// that the native toolchain can compile.
package bridge

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/qobs-build/qext/internal/msg"
)

const (
	stateFile = "bridge_state.json"
	bridgeExt = ".pyx"
)

var (
	commonTranslators = []string{"cython", "cython3"}

	execLookPath = exec.LookPath
)

var ErrNoTranslator = errors.New("no cython translator found (set CYTHON or QEXT_CYTHON)")

// Language selects what the translator emits
type Language string

const (
	LanguageC   Language = "c"
	LanguageCxx Language = "c++"
)

// ParseLanguage accepts the descriptor spellings of a language mode
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "c":
		return LanguageC, nil
	case "c++", "cxx", "cpp":
		return LanguageCxx, nil
	}
	return "", fmt.Errorf("unsupported language %q (expected \"c\" or \"c++\")", s)
}

// SourceExt is the extension of the generated file
func (l Language) SourceExt() string {
	if l == LanguageCxx {
		return ".cpp"
	}
	return ".c"
}

// IsBridgeSource reports whether path is a bridge source rather than a native one
func IsBridgeSource(path string) bool {
	return strings.EqualFold(filepath.Ext(path), bridgeExt)
}

// FindTranslator resolves the translator executable: override, then $CYTHON,
// then the first common name on PATH
func FindTranslator(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if env := os.Getenv("CYTHON"); env != "" {
		return env, nil
	}
	for _, name := range commonTranslators {
		if path, err := execLookPath(name); err == nil {
			return path, nil
		}
	}
	return "", ErrNoTranslator
}

// state is what a previous translation was made from
type state struct {
	SourceHash string   `json:"source_hash"`
	Args       []string `json:"args"`
}

// Translator runs the bridge-generation step
type Translator struct {
	Path        string
	Language    Language
	IncludeDirs []string
	Args        []string // passed verbatim before the source file
	Stdout      io.Writer
	Stderr      io.Writer
}

// OutputPath returns where the generated source for src lands inside outDir
func (t *Translator) OutputPath(src, outDir string) string {
	stem := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	return filepath.Join(outDir, stem+t.Language.SourceExt())
}

// Arguments returns the full translator command line for src -> out
func (t *Translator) Arguments(src, out string) []string {
	args := []string{"-3"}
	if t.Language == LanguageCxx {
		args = append(args, "--cplus")
	}
	for _, dir := range t.IncludeDirs {
		args = append(args, "-I", dir)
	}
	args = append(args, t.Args...)
	args = append(args, "-o", out, src)
	return args
}

// Translate generates outDir/<stem>.c[pp] from src. It returns the generated
// path and whether the translator actually ran; an unchanged source with
// unchanged arguments is not translated again.
func (t *Translator) Translate(ctx context.Context, src, outDir string) (string, bool, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", false, err
	}

	out := t.OutputPath(src, outDir)
	args := t.Arguments(src, out)

	hash, err := fileHash(src)
	if err != nil {
		return "", false, fmt.Errorf("bridge source %s: %w", src, err)
	}

	statePath := filepath.Join(outDir, stateFile)
	if prev, err := loadState(statePath); err == nil && prev.SourceHash == hash && slices.Equal(prev.Args, args) {
		if _, err := os.Stat(out); err == nil {
			msg.Debug("bridge up to date", "source", src, "output", out)
			return out, false, nil
		}
	}

	cmd := exec.CommandContext(ctx, t.Path, args...)
	cmd.Stdout = &msg.IndentWriter{Indent: "    ", W: t.stdout()}
	cmd.Stderr = &msg.IndentWriter{Indent: "    ", W: t.stderr()}

	fmt.Fprintf(t.stdout(), "CYTHON %s\n", src)
	msg.Debug("exec", "cmd", t.Path, "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		// a half-written output must not look up to date next time
		os.Remove(statePath)
		return "", true, fmt.Errorf("translating %s: %w", src, err)
	}
	if _, err := os.Stat(out); err != nil {
		return "", true, fmt.Errorf("translator produced no output for %s: %w", src, err)
	}

	if err := saveState(statePath, state{SourceHash: hash, Args: args}); err != nil {
		msg.Warn("failed to save bridge state: %v", err)
	}
	return out, true, nil
}

func (t *Translator) stdout() io.Writer {
	if t.Stdout != nil {
		return t.Stdout
	}
	return os.Stdout
}

func (t *Translator) stderr() io.Writer {
	if t.Stderr != nil {
		return t.Stderr
	}
	return os.Stderr
}

func loadState(path string) (*state, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s := new(state)
	if err := json.NewDecoder(bufio.NewReader(f)).Decode(s); err != nil {
		return nil, err
	}
	return s, nil
}

func saveState(path string, s state) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
