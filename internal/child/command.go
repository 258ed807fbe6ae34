// Package child supervises the stdio subprocess that carries NDJSON JSON-RPC
// on its stdin/stdout. One Supervisor owns one OS process at a time; writes
// are serialized, reads are fanned out to subscribers.
package child

import (
	"errors"

	"github.com/google/shlex"
)

// CommandSpec is the immutable (program, args) pair parsed from a
// POSIX-shell-quoted command string.
type CommandSpec struct {
	Program string
	Args    []string
}

// ParseCommandSpec splits a shell-quoted command line.
func ParseCommandSpec(cmd string) (CommandSpec, error) {
	parts, err := shlex.Split(cmd)
	if err != nil {
		return CommandSpec{}, err
	}
	if len(parts) == 0 {
		return CommandSpec{}, errors.New("stdio command is empty")
	}
	return CommandSpec{Program: parts[0], Args: parts[1:]}, nil
}

// String renders the spec for logging.
func (s CommandSpec) String() string {
	out := s.Program
	for _, arg := range s.Args {
		out += " " + arg
	}
	return out
}
