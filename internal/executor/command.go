package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"
)

// CommandResult is the observed outcome of one stage command invocation.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Combined returns stdout and stderr joined for persistence.
func (r *CommandResult) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// runCommand executes argv with the given working directory, environment
// and timeout. A deadline hit is reported through TimedOut rather than an
// error so the caller can record a distinct outcome. A command that exits
// non-zero is also not an error here; only failures to start one are.
func runCommand(ctx context.Context, argv []string, workdir string, environ []string, timeout time.Duration) (*CommandResult, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}

	cctx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// #nosec G204 -- stage commands come from the operator's pipeline file
	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), environ...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: errors.Is(cctx.Err(), context.DeadlineExceeded),
	}

	switch {
	case err == nil:
		res.ExitCode = 0
	case res.TimedOut:
		res.ExitCode = -1
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			// the process never started (missing binary, bad workdir)
			return nil, err
		}
	}
	return res, nil
}
