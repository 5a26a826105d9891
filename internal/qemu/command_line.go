// SPDX-FileCopyrightText: 2026 Tobias Böhm <code@aibor.de>
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qemu

import (
	"fmt"
	"strings"

	"github.com/mattn/go-shellwords"
)

// Characters a POSIX shell treats specially outside of quotes.
const shellSpecialChars = " \t\n'\"\\$`!*?[]{}()<>|&;#~"

// ParseCustomArguments splits a user supplied argument line into words
// using shell quoting rules. Variables and command substitutions are not
// expanded.
func ParseCustomArguments(line string) ([]string, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = false
	parser.ParseBacktick = false

	args, err := parser.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCustomArguments, err)
	}

	if parser.Position != -1 {
		return nil, fmt.Errorf("%w: unexpected shell operator at %d",
			ErrInvalidCustomArguments, parser.Position)
	}

	return args, nil
}

// JoinCommandLine returns the executable and arguments as single line that
// can be pasted into a POSIX shell.
func JoinCommandLine(executable string, args []string) string {
	words := make([]string, 0, 1+len(args))
	words = append(words, quote(executable))

	for _, arg := range args {
		words = append(words, quote(arg))
	}

	return strings.Join(words, " ")
}

func quote(word string) string {
	if word == "" {
		return "''"
	}

	if !strings.ContainsAny(word, shellSpecialChars) {
		return word
	}

	return "'" + strings.ReplaceAll(word, "'", `'\''`) + "'"
}
