// Package service provides shared shell-out plumbing used by the firewall
// backends to drive ipset/iptables.
package service

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// CommandService provides centralized command execution
type CommandService struct {
	logger zerolog.Logger
}

// NewCommandService creates a new command service
func NewCommandService(logger zerolog.Logger) *CommandService {
	return &CommandService{
		logger: logger,
	}
}

// Run executes a command and returns error if it fails
func (s *CommandService) Run(name string, args ...string) error {
	s.logger.Debug().
		Str("command", name).
		Strs("args", args).
		Msg("executing command")

	cmd := exec.Command(name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		s.logger.Debug().
			Err(err).
			Str("command", name).
			Strs("args", args).
			Str("stderr", stderr.String()).
			Msg("command failed")
		return &ExecError{Name: name, Args: args, Stderr: stderr.String(), Err: err}
	}

	return nil
}

// RunOutput executes a command and returns its output
func (s *CommandService) RunOutput(name string, args ...string) (string, error) {
	s.logger.Debug().
		Str("command", name).
		Strs("args", args).
		Msg("executing command with output")

	cmd := exec.Command(name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", &ExecError{Name: name, Args: args, Stderr: string(output), Err: err}
	}

	return string(output), nil
}

// RunQuiet executes a command without logging errors (useful for existence checks)
func (s *CommandService) RunQuiet(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	return cmd.Run()
}

// RunOutputQuiet executes a command and returns output without logging errors
func (s *CommandService) RunOutputQuiet(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// RunShell executes a shell command (sh -c "command").
func (s *CommandService) RunShell(command string) error {
	s.logger.Debug().Str("shell_command", command).Msg("executing shell command")
	return s.Run("sh", "-c", command)
}

// CommandExists checks if a command is available in PATH
func (s *CommandService) CommandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// ExecError wraps a failed shell-out with its stderr, the way the firewall
// backends need to pattern-match on stderr text for idempotent failures.
type ExecError struct {
	Name   string
	Args   []string
	Stderr string
	Err    error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("command '%s %s' failed: %v: %s", e.Name, strings.Join(e.Args, " "), e.Err, e.Stderr)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}
