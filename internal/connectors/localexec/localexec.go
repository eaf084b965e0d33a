// Package localexec runs allowlisted, read-only git commands in a local
// repository.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/fentz26/devcast/internal/connectors"
)

// DefaultTimeout bounds every command.
const DefaultTimeout = 10 * time.Second

// ErrNotAllowed is returned for commands outside the allowlist.
var ErrNotAllowed = errors.New("command not allowed")

// allowedCommands is the strict allowlist: only git subcommands that read
// history.
var allowedCommands = map[string][]string{
	"git": {"log", "rev-parse", "diff", "show"},
}

// deniedFlagPrefixes would let a read-only subcommand write files or run
// other programs.
var deniedFlagPrefixes = []string{"--output", "--ext-diff", "--textconv", "--exec"}

// LocalExec implements connectors.Connector for a local working tree.
type LocalExec struct {
	workDir string
	timeout time.Duration
}

// New creates a connector rooted at workDir.
func New(workDir string) *LocalExec {
	return &LocalExec{workDir: workDir, timeout: DefaultTimeout}
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks if a command is in the allowlist.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	allowedSubcmds, ok := allowedCommands[cmd]
	if !ok || len(args) == 0 {
		return false
	}

	for _, a := range args[1:] {
		for _, p := range deniedFlagPrefixes {
			if strings.HasPrefix(a, p) {
				return false
			}
		}
	}

	for _, allowed := range allowedSubcmds {
		if args[0] == allowed {
			return true
		}
	}
	return false
}

// Execute runs a command if it's in the allowlist.
func (l *LocalExec) Execute(ctx context.Context, cmd string, args []string) (*connectors.ExecResult, error) {
	if !l.IsAllowed(cmd, args) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotAllowed, cmd, strings.Join(args, " "))
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	execCmd := exec.CommandContext(ctx, cmd, args...)
	if l.workDir != "" {
		execCmd.Dir = l.workDir
	}
	// Never page or prompt.
	execCmd.Env = append(execCmd.Environ(), "GIT_PAGER=cat", "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	exitCode := 0
	if err := execCmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("exec error: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &connectors.ExecResult{
		Command:  cmd,
		Args:     args,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}
