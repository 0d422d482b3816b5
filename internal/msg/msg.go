package msg

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/fatih/color"
)

// Output is where user-facing messages go. Tests swap it out.
var Output io.Writer = os.Stdout

var logger = log.NewWithOptions(os.Stderr, log.Options{
	Level:  log.InfoLevel,
	Prefix: "qext",
})

// SetVerbose enables debug logging of every tool invocation
func SetVerbose(verbose bool) {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	logger = log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		Prefix:          "qext",
		ReportTimestamp: verbose,
	})
}

// Verbose reports whether debug logging is on
func Verbose() bool {
	return logger.GetLevel() <= log.DebugLevel
}

func Debug(msg string, keyvals ...any) {
	logger.Debug(msg, keyvals...)
}

func Error(format string, a ...any) {
	printPrefixed(color.HiRedString("error"), format, a...)
}

func Warn(format string, a ...any) {
	printPrefixed(color.YellowString("warn"), format, a...)
}

func Fatal(format string, a ...any) {
	printPrefixed(color.RedString("fatal"), format, a...)
	os.Exit(1)
}

func Info(format string, a ...any) {
	printPrefixed(color.HiGreenString("info"), format, a...)
}

func printPrefixed(prefix, format string, a ...any) {
	fmt.Fprint(Output, prefix)
	fmt.Fprint(Output, ": ")
	fmt.Fprintf(Output, format, a...)
	fmt.Fprint(Output, "\n")
}

// IndentWriter prefixes every line written through it with Indent
type IndentWriter struct {
	Indent    string
	W         io.Writer
	didIndent bool
}

func (w *IndentWriter) Write(p []byte) (n int, err error) {
	for len(p) > 0 {
		if !w.didIndent {
			if _, err := io.WriteString(w.W, w.Indent); err != nil {
				return n, err
			}
			w.didIndent = true
		}

		line := p
		if i := bytes.IndexAny(p, "\n\r"); i >= 0 {
			line = p[:i+1]
			w.didIndent = false
		}
		written, err := w.W.Write(line)
		n += written
		if err != nil {
			return n, err
		}
		p = p[len(line):]
	}
	return n, nil
}
