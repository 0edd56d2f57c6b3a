package exec

import (
	"errors"
	"testing"
)

func TestCheckExecutable(t *testing.T) {
	tests := []struct {
		name  string
		value string
		ok    bool
	}{
		{"bare name", "git", true},
		{"bare name with plus", "g++", true},
		{"bare name with extension", "node.exe", true},
		{"absolute path", "/usr/bin/ls", true},
		{"relative path", "./script.sh", true},
		{"home path", "~/bin/tool", true},
		{"windows path", `C:\Windows\System32\cmd.exe`, true},
		{"surrounding space", "  go  ", true},

		{"semicolon", "ls;rm", false},
		{"pipe", "echo|cat", false},
		{"backtick", "ls`whoami`", false},
		{"dollar", "ls$PATH", false},
		{"redirect", "cmd>file", false},
		{"newline", "ls\nrm", false},
		{"nul", "ls\x00", false},
		{"quote", `ls"`, false},
		{"leading dash", "-rf", false},
		{"space inside bare name", "my tool", false},
		{"empty", "", false},
		{"blank", "   ", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := checkExecutable(tt.value)
			if tt.ok && err != nil {
				t.Fatalf("checkExecutable(%q) = %v", tt.value, err)
			}
			if !tt.ok && !errors.Is(err, ErrUnsafeCommand) {
				t.Fatalf("checkExecutable(%q) = %v, want ErrUnsafeCommand", tt.value, err)
			}
		})
	}

	if got, _ := checkExecutable("  go  "); got != "go" {
		t.Errorf("checkExecutable did not trim: %q", got)
	}
}

func TestCheckArgs(t *testing.T) {
	if err := checkArgs("git", []string{"commit", "-m", "line one\nline two", "$HOME", "a;b"}); err != nil {
		t.Errorf("argv without a shell should pass: %v", err)
	}
	err := checkArgs("git", []string{"ok", "bad\x00"})
	var ce *CommandError
	if !errors.As(err, &ce) || ce.Reason != "argument 1 contains a NUL byte" {
		t.Errorf("err = %v", err)
	}
}

func TestAllowed(t *testing.T) {
	tests := []struct {
		patterns []string
		command  string
		want     bool
	}{
		{nil, "anything", true},
		{[]string{"go"}, "go", true},
		{[]string{"go"}, "/usr/local/go/bin/go", true},
		{[]string{"go"}, "gofmt", false},
		{[]string{"py*"}, "python3", true},
		{[]string{"/usr/bin/*"}, "/usr/bin/make", true},
		{[]string{"/usr/bin/*"}, "make", false},
		{[]string{"/usr/bin/*"}, "/opt/bin/make", false},
		{[]string{" ", "npm"}, "npm", true},
	}
	for _, tt := range tests {
		if got := allowed(tt.patterns, tt.command); got != tt.want {
			t.Errorf("allowed(%v, %q) = %v, want %v", tt.patterns, tt.command, got, tt.want)
		}
	}
}
