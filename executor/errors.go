package executor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrManagerClosed = errors.New("execution environment manager is closed")
	ErrContextExited = errors.New("execution context exited")
)

// EnvironmentInitError is a failed bootstrap. It is permanent for the
// context instance; RestartContext is the only recovery.
type EnvironmentInitError struct {
	Msg string
	Err error
}

func (e *EnvironmentInitError) Error() string {
	return "environment init failed: " + e.Msg
}

func (e *EnvironmentInitError) Unwrap() error {
	return e.Err
}

// PackageInstallError is a failed install batch. Only the requesting future
// rejects.
type PackageInstallError struct {
	Packages []string
	Msg      string
}

func (e *PackageInstallError) Error() string {
	return fmt.Sprintf("install %s: %s", strings.Join(e.Packages, ", "), e.Msg)
}
