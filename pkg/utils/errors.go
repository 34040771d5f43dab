package utils

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"
)

// Sentinel errors for common conditions.
// Use errors.Is() to check for these rather than string matching.
var (
	// ErrNotConnected indicates an operation was attempted before Connect
	ErrNotConnected = errors.New("not connected to router")

	// ErrArtifactNotCreated indicates a remote backup or export never produced its file
	ErrArtifactNotCreated = errors.New("remote artifact not created")

	// ErrUnsafeRemotePath indicates a remote file name that would escape the local output tree
	ErrUnsafeRemotePath = errors.New("unsafe remote path")

	// ErrSessionLost indicates the SSH session stopped opening channels after a command timed out
	ErrSessionLost = errors.New("device session lost")

	// ErrInvalidParameter indicates an invalid parameter was provided
	ErrInvalidParameter = errors.New("invalid parameter")
)

// StageError records a non-fatal failure of one collection step.
// The pipeline keeps going after a StageError; it only ends up in logs and the manifest.
type StageError struct {
	Stage string // "commands", "files", "backup", "config", "snmp", ...
	Item  string // group name, remote file name, ...
	Err   error
}

// Error implements the error interface
func (e *StageError) Error() string {
	if e.Item == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Item, e.Err)
}

// Unwrap returns the underlying error
func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError wraps err for the given stage and item and logs it at warning level
func NewStageError(stage, item string, err error) *StageError {
	if err == nil {
		err = errors.New("unknown failure")
	}
	se := &StageError{Stage: stage, Item: item, Err: err}
	klog.Warningf("Skipping after failure: %v", se)
	return se
}
