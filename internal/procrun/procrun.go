// Package procrun runs external tools (cross-compilers, enclave converters
// and signers, the remote-attestation helper binary) as subprocesses:
// arguments are logged at debug verbosity, stderr is suppressed unless debug
// logging is enabled, and a non-zero exit is surfaced as a *ProcessRunError.
package procrun

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"

	"github.com/sepidehpouyan/reactive-tools/internal/logging"
)

// ProcessRunError reports a subprocess that exited with a non-zero status.
type ProcessRunError struct {
	Args   []string
	Code   int
	Stderr string
}

func (e *ProcessRunError) Error() string {
	return "procrun: " + argsString(e.Args) + " exited with code " + itoa(e.Code)
}

func argsString(args []string) string {
	var buf bytes.Buffer
	for i, a := range args {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(a)
	}
	return buf.String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}

func debugLogArgs(name string, args []string) {
	logging.Default().WithField("component", "procrun").
		WithField("args", append([]string{name}, args...)).
		Debug("running external tool")
}

func stderrWriter() io.Writer {
	if logging.Default().IsLevelEnabled(logrus.DebugLevel) {
		return os.Stderr
	}
	return io.Discard
}

// Run waits for name(args...) to finish, returning *ProcessRunError on a
// non-zero exit. Stdout is discarded; use CaptureStdout when the tool's
// output is needed.
func Run(ctx context.Context, name string, args ...string) error {
	debugLogArgs(name, args)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = stderrWriter()
	return checkExit(cmd.Run(), name, args, nil)
}

// CaptureStdout waits for name(args...) to finish, returning its stdout.
func CaptureStdout(ctx context.Context, name string, args ...string) ([]byte, error) {
	return CaptureStdoutEnv(ctx, nil, name, args...)
}

// CaptureStdoutEnv is CaptureStdout with additional environment variables
// appended to the subprocess's environment (e.g. the SGX attester's
// SP_PRIVKEY/IAS_CERT/ENCLAVE_*/AESM_PORT contract).
func CaptureStdoutEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	debugLogArgs(name, args)
	cmd := exec.CommandContext(ctx, name, args...)
	if env != nil {
		cmd.Env = append(os.Environ(), env...)
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = stderrWriter()
	err := checkExit(cmd.Run(), name, args, &stdout)
	if err != nil {
		return nil, err
	}
	return stdout.Bytes(), nil
}

// Handle is a running background subprocess (the attester binary, a
// long-lived service helper) that the caller can terminate later.
type Handle struct {
	cmd *exec.Cmd
}

// Background starts name(args...) without waiting for it to finish.
// env, if non-nil, is appended to the subprocess's environment (used for
// passing SP_PRIVKEY/IAS_CERT/etc. to the SGX remote-attestation helper).
func Background(ctx context.Context, env []string, name string, args ...string) (*Handle, error) {
	debugLogArgs(name, args)
	cmd := exec.CommandContext(ctx, name, args...)
	if env != nil {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = stderrWriter()
	if err := cmd.Start(); err != nil {
		return nil, &ProcessRunError{Args: append([]string{name}, args...), Code: -1, Stderr: err.Error()}
	}
	return &Handle{cmd: cmd}, nil
}

// Kill terminates a background subprocess. Safe to call multiple times or
// after the process has already exited.
func (h *Handle) Kill() error {
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	err := h.cmd.Process.Kill()
	_ = h.cmd.Wait()
	if err != nil && err.Error() == "os: process already finished" {
		return nil
	}
	return err
}

func checkExit(err error, name string, args []string, stdout *bytes.Buffer) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	code := -1
	if ok := asExitError(err, &exitErr); ok {
		code = exitErr.ExitCode()
	}
	stderrText := ""
	if exitErr != nil {
		stderrText = string(exitErr.Stderr)
	}
	return &ProcessRunError{
		Args:   append([]string{name}, args...),
		Code:   code,
		Stderr: stderrText,
	}
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}
