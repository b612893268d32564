package imagebuilder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// Command is one toolchain invocation.
type Command struct {
	Dir  string
	Args []string
	Env  []string
}

// Result carries the outcome of a Command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Executor runs toolchain commands. Implementations return an error only
// when the command could not be run at all; a non-zero exit is reported
// through Result.ExitCode.
type Executor interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// LocalExecutor runs commands as host processes.
type LocalExecutor struct{}

func (LocalExecutor) Run(ctx context.Context, cmd Command) (Result, error) {
	if len(cmd.Args) == 0 {
		return Result{}, errors.New("empty command")
	}
	c := exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), cmd.Env...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, err
}

// Extractor unpacks a toolchain archive into dest, dropping the archive's
// top level directory.
type Extractor interface {
	Extract(ctx context.Context, archive, dest string) error
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, archive, dest string) error

func (f ExtractorFunc) Extract(ctx context.Context, archive, dest string) error {
	return f(ctx, archive, dest)
}

// TarExtractor extracts with the system tar, which handles xz archives.
type TarExtractor struct {
	Exec Executor
}

func (t TarExtractor) Extract(ctx context.Context, archive, dest string) error {
	ex := t.Exec
	if ex == nil {
		ex = LocalExecutor{}
	}
	res, err := ex.Run(ctx, Command{Dir: dest, Args: []string{"tar", "--strip-components=1", "-xf", archive}})
	if err != nil {
		return &ExtractionError{Archive: archive, Output: res.Stderr, Err: err}
	}
	if res.ExitCode != 0 {
		return &ExtractionError{Archive: archive, Output: res.Stderr, Err: fmt.Errorf("tar exited with status %d", res.ExitCode)}
	}
	return nil
}
