package tools

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// Result is the outcome of one command. ReturnCode is 127 when the binary
// could not be started and -1 when the context ended the process.
type Result struct {
	Stdout     []byte
	Stderr     []byte
	ReturnCode int
}

// CommandRunner abstracts process execution so actions can be tested
// without a host.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner executes commands on the local host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ReturnCode = -1
		return res, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ReturnCode = exitErr.ExitCode()
		return res, err
	}

	res.ReturnCode = 1
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		res.ReturnCode = 127
	}
	return res, err
}

// RunnerFunc adapts a function into a CommandRunner.
type RunnerFunc func(ctx context.Context, name string, args ...string) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, name string, args ...string) (Result, error) {
	return f(ctx, name, args...)
}
