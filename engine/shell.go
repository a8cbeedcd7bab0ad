// ABOUTME: Shared process execution for the code and hook handlers.
// ABOUTME: Commands run in their own process group so timeouts kill the whole tree.

package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// shellResult captures one command run.
type shellResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// runShell executes command through `sh -c`.
func runShell(ctx context.Context, command, dir string, extraEnv map[string]string) (*shellResult, error) {
	return runCommand(ctx, "sh", []string{"-c", command}, dir, extraEnv)
}

// runCommand executes name with args, overlaying extraEnv on the parent
// environment. The child gets its own process group; on ctx expiry the
// whole group is killed so shell-spawned children do not linger.
func runCommand(ctx context.Context, name string, args []string, dir string, extraEnv map[string]string) (*shellResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if dir != "" {
		cmd.Dir = dir
	}
	env := os.Environ()
	for k, v := range extraEnv {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res := &shellResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr != nil {
		res.ExitCode = commandExitCode(runErr)
		if ctx.Err() == context.DeadlineExceeded {
			killProcessGroup(cmd)
			return res, context.DeadlineExceeded
		}
		return res, fmt.Errorf("exit code %d: %s", res.ExitCode, excerpt(res.Stderr, 512))
	}
	return res, nil
}

// commandExitCode pulls the exit code from an *exec.ExitError, defaulting
// to 1 for other failure shapes.
func commandExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

// killProcessGroup sends SIGKILL to the command's process group so children
// spawned by the shell die with it.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}

// excerpt trims s and caps it at n bytes for inclusion in error messages.
func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n] + "…"
	}
	return s
}
