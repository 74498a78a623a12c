package utils

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"

	"github.com/voidshard/b1k/internal/logger"
)

// RunAndLog runs cmd, logging its combined stdout & stderr line by line
// under the given name.
//
// A non zero exit code or termination by signal is returned as an error.
func RunAndLog(ctx context.Context, name string, cmd *exec.Cmd) error {
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return fmt.Errorf("could not start %s: %w", name, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		log := logger.With(logger.Fields{"proc": name})
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			log.Debug(strings.TrimRight(scanner.Text(), "\r"))
		}
		// drain whatever is left so the process never blocks on a full pipe
		io.Copy(io.Discard, pr)
	}()

	err := cmd.Wait()
	pw.Close()
	<-done

	return exitError(err)
}

// ShellCommand returns a command running `script` through sh.
func ShellCommand(ctx context.Context, script string) *exec.Cmd {
	return exec.CommandContext(ctx, "sh", "-c", script)
}

// CommandName is the base name of the first word of a command line.
func CommandName(cmdline string) string {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return ""
	}
	parts := strings.Split(fields[0], "/")
	return parts[len(parts)-1]
}

func exitError(err error) error {
	if err == nil {
		return nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return err
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return fmt.Errorf("process terminated by signal: %d", status.Signal())
	}
	return fmt.Errorf("process exited with code: %d", exitErr.ExitCode())
}
