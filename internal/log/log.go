// Package log prints the per-unit outcome lines of the ovslab commands.
// Every line carries a status prefix: [+] work started, [✓] converged,
// [=] already in the declared state, [!] failed. Prefixes are colorized
// per stream, only when that stream is a terminal.
package log

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

const (
	reset  = "\033[0m"
	cyan   = "\033[1;36m"
	green  = "\033[1;32m"
	yellow = "\033[1;33m"
	red    = "\033[1;31m"
)

func emit(w io.Writer, color, prefix, msg string) {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		prefix = color + prefix + reset
	}
	fmt.Fprintf(w, "%s %s\n", prefix, msg)
}

// Info marks the start of a unit of work.
func Info(msg string) { emit(os.Stdout, cyan, "[+]", msg) }

// Ok marks a unit that changed host state and converged.
func Ok(msg string) { emit(os.Stdout, green, "[✓]", msg) }

// Skip marks a unit that was already in the declared state.
func Skip(msg string) { emit(os.Stdout, yellow, "[=]", msg) }

// Error marks a failed unit. Errors go to stderr.
func Error(msg string) { emit(os.Stderr, red, "[!]", msg) }
