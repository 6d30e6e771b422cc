// Package localexec runs prompts through an allowlisted local command. The
// prompt, preceded by its context fragments, is written to the command's
// stdin and its stdout is the answer.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/fentz26/kaiba/internal/connectors"
	"github.com/fentz26/kaiba/internal/models"
)

// LocalExec implements connectors.Invoker for local commands.
type LocalExec struct {
	workDir string
	allowed map[string]struct{}
}

// New creates a LocalExec that may only run the given commands.
func New(workDir string, allowed []string) *LocalExec {
	l := &LocalExec{workDir: workDir, allowed: make(map[string]struct{}, len(allowed))}
	for _, c := range allowed {
		l.allowed[c] = struct{}{}
	}
	return l
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks if a command is in the allowlist.
func (l *LocalExec) IsAllowed(cmd string) bool {
	if cmd == "" {
		return false
	}
	_, ok := l.allowed[cmd]
	return ok
}

// Invoke runs the backend's command. Config.Command wins over ModelID.
func (l *LocalExec) Invoke(ctx context.Context, backend models.Backend, prompt string, fragments []string) (*connectors.Response, error) {
	cmd := backend.Config.Command
	if cmd == "" {
		cmd = backend.ModelID
	}
	if !l.IsAllowed(cmd) {
		return nil, fmt.Errorf("command not allowed: %s: %w", cmd, connectors.ErrPermanent)
	}

	var input strings.Builder
	for _, f := range fragments {
		input.WriteString(f)
		input.WriteString("\n\n")
	}
	input.WriteString(prompt)

	execCmd := exec.CommandContext(ctx, cmd, backend.Config.Args...)
	if l.workDir != "" {
		execCmd.Dir = l.workDir
	}
	execCmd.Stdin = strings.NewReader(input.String())

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	if err := execCmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("run %s: %w", cmd, errors.Join(ctxErr, connectors.ErrTransient))
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run %s: exit %d: %s: %w", cmd, exitErr.ExitCode(),
				strings.TrimSpace(stderr.String()), connectors.ErrPermanent)
		}
		return nil, fmt.Errorf("exec error: %v: %w", err, connectors.ErrPermanent)
	}

	out := strings.TrimSpace(stdout.String())
	return &connectors.Response{
		Text:           out,
		TokensConsumed: connectors.EstimateTokens(input.String(), out),
		Model:          cmd,
	}, nil
}
