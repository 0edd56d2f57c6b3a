package exec

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// ErrUnsafeCommand marks an executable or argument rejected before any
	// process started.
	ErrUnsafeCommand = errors.New("unsafe command")

	// ErrCommandNotAllowed marks an executable outside the configured
	// allow-list.
	ErrCommandNotAllowed = errors.New("command not allowed")
)

var (
	shellMetachars = regexp.MustCompile("[;&|`$<>]")
	controlChars   = regexp.MustCompile(`[\x00-\x08\x0a-\x1f\x7f]`)
	quoteChars     = regexp.MustCompile(`["']`)
	bareName       = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)
	driveLetter    = regexp.MustCompile(`^[A-Za-z]:[\\/]`)
)

// CommandError is a command rejected by validation.
type CommandError struct {
	Command string
	Err     error
	Reason  string
}

func (e *CommandError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%v: %q", e.Err, e.Command)
	}
	return fmt.Sprintf("%v: %q: %s", e.Err, e.Command, e.Reason)
}

func (e *CommandError) Unwrap() error { return e.Err }

// SecurityViolation marks the error for the tool router.
func (e *CommandError) SecurityViolation() bool { return true }

// isLikelyPath reports whether value names a file rather than a bare
// executable looked up on PATH.
func isLikelyPath(value string) bool {
	if value == "" {
		return false
	}
	if strings.HasPrefix(value, ".") || strings.HasPrefix(value, "~") {
		return true
	}
	if strings.ContainsAny(value, `/\`) {
		return true
	}
	return driveLetter.MatchString(value)
}

// checkExecutable validates the program name. Commands run without a
// shell, so metacharacters in the name can only be an injection attempt.
func checkExecutable(value string) (string, error) {
	name := strings.TrimSpace(value)
	reject := func(reason string) (string, error) {
		return "", &CommandError{Command: value, Err: ErrUnsafeCommand, Reason: reason}
	}
	switch {
	case name == "":
		return reject("empty executable")
	case controlChars.MatchString(name):
		return reject("control characters")
	case shellMetachars.MatchString(name):
		return reject("shell metacharacters")
	case quoteChars.MatchString(name):
		return reject("quote characters")
	case isLikelyPath(name):
		return name, nil
	case strings.HasPrefix(name, "-"):
		return reject("leading dash")
	case !bareName.MatchString(name):
		return reject("invalid characters")
	}
	return name, nil
}

// checkArgs validates arguments. They reach the process as argv without a
// shell, so only NUL bytes are refused.
func checkArgs(command string, args []string) error {
	for i, arg := range args {
		if strings.ContainsRune(arg, 0) {
			return &CommandError{Command: command, Err: ErrUnsafeCommand, Reason: fmt.Sprintf("argument %d contains a NUL byte", i)}
		}
	}
	return nil
}

// allowed reports whether command matches one of the patterns. Bare names
// match on the base name, so "go" also admits "/usr/local/go/bin/go".
// An empty pattern list allows everything.
func allowed(patterns []string, command string) bool {
	if len(patterns) == 0 {
		return true
	}
	base := filepath.Base(command)
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if ok, _ := path.Match(p, command); ok {
			return true
		}
		if !isLikelyPath(p) {
			if ok, _ := path.Match(p, base); ok {
				return true
			}
		}
	}
	return false
}
