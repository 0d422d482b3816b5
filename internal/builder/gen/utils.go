package gen

import (
	"path/filepath"
	"strings"
)

const objDir = "QextFiles"

func write(sb *strings.Builder, s ...string) {
	for _, str := range s {
		sb.WriteString(str)
	}
}
func writeln(sb *strings.Builder, s ...string) {
	for _, str := range s {
		sb.WriteString(str)
	}
	sb.WriteByte('\n')
}

// sourceFile represents a single source file and its corresponding object file path
type sourceFile struct {
	src   string
	obj   string // relative to the build directory
	isCxx bool
}

var cxxExts = map[string]bool{
	".cpp": true, ".cc": true, ".cxx": true, ".c++": true, ".cp": true,
}

// IsCxx reports whether path is compiled as C++
func IsCxx(path string) bool {
	ext := filepath.Ext(path)
	if ext == ".C" {
		return true
	}
	return cxxExts[strings.ToLower(ext)]
}

// objectPath maps src to a stable object path under QextFiles/<target>.dir.
// Sources outside basedir (../Hello/Hello.cpp) keep their shape with ".."
// spelled "__" so they never escape the object directory.
func objectPath(target, basedir, src string) string {
	rel, err := filepath.Rel(basedir, src)
	if err != nil {
		rel = filepath.Base(src)
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for i, p := range parts {
		if p == ".." {
			parts[i] = "__"
		}
	}
	return filepath.Join(objDir, target+".dir", filepath.FromSlash(strings.Join(parts, "/"))+".o")
}

func makeSources(t Target) []sourceFile {
	sources := make([]sourceFile, 0, len(t.Sources))
	for _, src := range t.Sources {
		sources = append(sources, sourceFile{
			src:   src,
			obj:   objectPath(t.Name, t.Basedir, src),
			isCxx: t.Cxx || IsCxx(src),
		})
	}
	return sources
}

// shellQuote quotes s for a POSIX shell when it needs it
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`*?[]{}()<>|&;#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}
