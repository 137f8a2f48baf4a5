// Package tools is the boundary to every external collaborator: the key and
// waypoint tool, the genesis contract compiler, the funding tool, and git for
// pinned dependency checkouts. All of them go through one fallible call
// signature so failure handling is uniform.
package tools

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// CommandRunner abstracts external tool execution. Implementations return the
// captured streams and exit code alongside the error so callers never have to
// sniff output text for success.
type CommandRunner interface {
	Run(name string, args ...string) ([]byte, []byte, int32, error)
}

// ExecRunner executes commands on the local host.
type ExecRunner struct {
	// Dir, when set, is the working directory for every command.
	Dir string
	// Env entries are appended to the inherited environment.
	Env []string
}

func (r ExecRunner) Run(name string, args ...string) ([]byte, []byte, int32, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), int32(exitErr.ExitCode()), err
	}

	exitCode := int32(1)
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		exitCode = 127
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}

// RunChecked executes one collaborator invocation and folds a failure into a
// single descriptive error carrying exit code and both streams.
func RunChecked(runner CommandRunner, name string, args ...string) ([]byte, error) {
	log.Debug().Str("cmd", name).Str("args", strings.Join(args, " ")).Msg("exec")
	stdout, stderr, exitCode, err := runner.Run(name, args...)
	if err == nil {
		return stdout, nil
	}
	return stdout, fmt.Errorf(
		"external tool failed cmd=%s args=%q exit=%d stdout=%q stderr=%q: %w",
		name,
		strings.Join(args, " "),
		exitCode,
		strings.TrimSpace(string(stdout)),
		strings.TrimSpace(string(stderr)),
		err,
	)
}
