package ssh

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "write")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool

	// ExitStatus is the remote exit status of a command that ran, or -1.
	ExitStatus int

	// Stderr is what a failed command wrote to standard error.
	Stderr string
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the operation may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

func transportError(op string, err error, temporary bool) *TransportError {
	return &TransportError{Op: op, Err: err, IsTemporary: temporary, ExitStatus: -1}
}

// exitError converts a failed session run. A command that ran and exited
// non-zero is not temporary.
func exitError(op string, err error, stderr string) *TransportError {
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return &TransportError{
			Op:         op,
			Err:        fmt.Errorf("command exited with code %d: %s", exitErr.ExitStatus(), stderr),
			ExitStatus: exitErr.ExitStatus(),
			Stderr:     stderr,
		}
	}
	te := transportError(op, err, true)
	te.Stderr = stderr
	return te
}
