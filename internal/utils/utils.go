package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"

	"github.com/pkg/errors"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (ffmpeg / engine logs)
// This ensures we don't lose critical crash information if a child process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe.
// It prepares the command for execution but does not start it. The process is
// killed if ctx is cancelled before it exits.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ExitCode returns the exit status of a finished command, or -1 if the
// process never ran to completion.
func (s *SafeCommand) ExitCode() int {
	if s.ProcessState == nil {
		return -1
	}
	return s.ProcessState.ExitCode()
}

// Die is the unified exit strategy for the CLI.
// It prints a formatted error box and dumps child process logs if a SafeCommand is provided.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// ShowError prints the same error box as Die without exiting.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 FACECOLLECT ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nPROCESS LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// --- 2. Filesystem Safety ---

// ErrUnsafeSubjectID is returned for subject ids that cannot be used as a directory name.
var ErrUnsafeSubjectID = errors.New("subject id is not filesystem-safe")

var subjectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateSubjectID ensures id can be used as a single path component under the data directory.
func ValidateSubjectID(id string) error {
	if !subjectIDPattern.MatchString(id) || id == "." || id == ".." {
		return errors.Wrapf(ErrUnsafeSubjectID, "%q", id)
	}
	return nil
}
