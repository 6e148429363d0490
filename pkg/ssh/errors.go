package ssh

import (
	"errors"
	"fmt"
)

// Failure classes of a remote command run. Errors returned by Client wrap
// exactly one of these, except a connect timeout which wraps both ErrConnect
// and ErrTimeout.
var (
	// ErrConnect is returned when the TCP connection or SSH handshake fails.
	ErrConnect = errors.New("connect error")
	// ErrAuth is returned when credentials are missing, unusable or rejected.
	ErrAuth = errors.New("auth error")
	// ErrExec is returned when the remote command could not be run to completion.
	ErrExec = errors.New("exec error")
	// ErrTimeout is returned when a connect or command deadline expires.
	ErrTimeout = errors.New("timeout")
	// ErrNonZeroExit is matched by *ExitError.
	ErrNonZeroExit = errors.New("non-zero exit")
)

// ExitError reports a remote command that terminated with a non-zero status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote command exited with code %d", e.Code)
}

// Is makes errors.Is(err, ErrNonZeroExit) hold for any *ExitError.
func (e *ExitError) Is(target error) bool {
	return target == ErrNonZeroExit
}
