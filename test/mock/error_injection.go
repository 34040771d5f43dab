package mock

import (
	"sync"

	"k8s.io/klog/v2"
)

// ErrorMode defines the type of error to inject
type ErrorMode int

const (
	// ErrorModeNone indicates no error injection
	ErrorModeNone ErrorMode = iota
	// ErrorModeCommandFail makes operator commands fail with "failure: execution error"
	ErrorModeCommandFail
	// ErrorModeArtifactFail makes backup save and export fail with "failure: not enough space"
	ErrorModeArtifactFail
	// ErrorModeNoArtifact makes backup save and export report success without writing a file
	ErrorModeNoArtifact
	// ErrorModeSSHDrop closes new connections before the SSH handshake
	ErrorModeSSHDrop
)

// ErrorInjector manages error injection for testing
type ErrorInjector struct {
	mode         ErrorMode
	operationNum int
	triggerAfter int
	mu           sync.Mutex // Protect operation counter
}

// NewErrorInjector creates a new error injector from configuration
func NewErrorInjector(config MockRouterConfig) *ErrorInjector {
	return &ErrorInjector{
		mode:         ParseErrorMode(config.ErrorMode),
		triggerAfter: config.ErrorAfterN,
	}
}

// ParseErrorMode converts string error mode to ErrorMode constant
func ParseErrorMode(s string) ErrorMode {
	switch s {
	case "command_fail":
		return ErrorModeCommandFail
	case "artifact_fail":
		return ErrorModeArtifactFail
	case "no_artifact":
		return ErrorModeNoArtifact
	case "ssh_drop":
		return ErrorModeSSHDrop
	case "none", "":
		return ErrorModeNone
	default:
		klog.Warningf("Unknown error mode %q, using none", s)
		return ErrorModeNone
	}
}

// SetMode switches the injection mode and resets the counter
func (e *ErrorInjector) SetMode(mode ErrorMode, afterN int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = mode
	e.triggerAfter = afterN
	e.operationNum = 0
}

// trigger counts one operation of a matching mode and reports whether it fails.
// Callers hold e.mu.
func (e *ErrorInjector) trigger(modes ...ErrorMode) bool {
	for _, m := range modes {
		if e.mode == m {
			e.operationNum++
			return e.operationNum > e.triggerAfter
		}
	}
	return false
}

// ShouldDropConnection returns true if a new connection should be closed unanswered
func (e *ErrorInjector) ShouldDropConnection() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trigger(ErrorModeSSHDrop)
}

// ShouldFailCommand returns whether an operator command should fail and the error message
func (e *ErrorInjector) ShouldFailCommand() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.trigger(ErrorModeCommandFail) {
		return true, "failure: execution error\n"
	}
	return false, ""
}

// ArtifactOutcome decides what a backup save or export does.
// fail reports a device error; skip reports success without producing the file.
func (e *ErrorInjector) ArtifactOutcome() (fail bool, skip bool, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.mode {
	case ErrorModeArtifactFail:
		if e.trigger(ErrorModeArtifactFail) {
			return true, false, "failure: not enough space\n"
		}
	case ErrorModeNoArtifact:
		if e.trigger(ErrorModeNoArtifact) {
			return false, true, ""
		}
	}
	return false, false, ""
}

// Reset resets the operation counter for test isolation
func (e *ErrorInjector) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.operationNum = 0
}
