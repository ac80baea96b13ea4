// Package passphrase resolves the backup password from the sources
// spec.md §6 allows: the -p/--password flag, the BACKUP_PASSWORD
// environment variable, or an interactive terminal prompt. Structure
// and the command-line passphrase warning are grounded on
// icemarkom-secure-backup/internal/passphrase.Get; the interactive
// fallback is grounded on golang.org/x/term usage in
// CodeCracker-oss-Picocrypt-NG/src/internal/cli/password.go.
package passphrase

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// envVar is the environment variable consulted when no flag value is
// given, before falling back to the prompt.
const envVar = "BACKUP_PASSWORD"

// Get resolves the passphrase in priority order: flagValue, then
// BACKUP_PASSWORD, then an interactive prompt read from in (which
// should be os.Stdin outside tests). An empty flagValue is not an
// error by itself; it simply falls through to the next source.
func Get(flagValue string, in *os.File) (string, error) {
	if flagValue != "" {
		fmt.Fprintln(os.Stderr, "WARNING: passphrase on the command line is visible in process listings; prefer BACKUP_PASSWORD or the interactive prompt")
		return flagValue, nil
	}

	if env := os.Getenv(envVar); env != "" {
		return env, nil
	}

	return prompt(in)
}

// prompt reads a passphrase from in without echoing it, when in is a
// terminal; it falls back to a plain line read otherwise (piped
// stdin, used by tests and scripted invocations).
func prompt(in *os.File) (string, error) {
	fmt.Fprint(os.Stderr, "Backup password: ")
	if term.IsTerminal(int(in.Fd())) {
		data, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(data), nil
	}

	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading password: %w", err)
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line, nil
}
