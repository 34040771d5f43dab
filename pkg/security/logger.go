// Package security provides the audit trail of a collection run: SSH trust
// decisions, every change made on the device and rejected remote input.
// Events are written through klog with a "[SECURITY]" prefix and can be
// counted by a Recorder.
package security

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Recorder counts security events, typically into run metrics
type Recorder interface {
	RecordSecurityEvent(eventType, outcome string)
}

// Logger provides centralized security event logging
type Logger struct {
	recorder Recorder
}

// globalLogger is the global security logger instance
var (
	globalLogger *Logger
	loggerOnce   sync.Once
)

// GetLogger returns the global security logger instance, which has no recorder
func GetLogger() *Logger {
	loggerOnce.Do(func() {
		globalLogger = &Logger{}
	})
	return globalLogger
}

// NewLogger creates a security logger that also reports events to recorder (may be nil)
func NewLogger(recorder Recorder) *Logger {
	return &Logger{recorder: recorder}
}

// severityMapping defines how a severity level maps to klog behavior
type severityMapping struct {
	logFunc func(args ...interface{})
}

var severityMap = map[EventSeverity]severityMapping{
	SeverityInfo:     {logFunc: func(args ...interface{}) { klog.V(2).Info(args...) }},
	SeverityWarning:  {logFunc: klog.Warning},
	SeverityError:    {logFunc: klog.Error},
	SeverityCritical: {logFunc: klog.Error},
}

// LogEvent logs a security event with structured logging
func (l *Logger) LogEvent(event *SecurityEvent) {
	if l.recorder != nil {
		l.recorder.RecordSecurityEvent(string(event.EventType), string(event.Outcome))
	}

	mapping, ok := severityMap[event.Severity]
	if !ok {
		mapping = severityMap[SeverityInfo]
	}
	mapping.logFunc(formatLogMessage(event))

	// Critical events are also logged as JSON for easy parsing
	if event.Severity == SeverityCritical {
		if jsonBytes, err := json.Marshal(event); err == nil {
			klog.Errorf("CRITICAL_SECURITY_EVENT: %s", string(jsonBytes))
		}
	}
}

// formatLogMessage formats a security event as a single key=value line
func formatLogMessage(event *SecurityEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[SECURITY] category=%s type=%s severity=%s outcome=%s msg=%q",
		event.Category, event.EventType, event.Severity, event.Outcome, event.Message)

	if event.Username != "" {
		fmt.Fprintf(&b, " username=%s", event.Username)
	}
	if event.TargetIP != "" {
		fmt.Fprintf(&b, " target_ip=%s", event.TargetIP)
	}
	if event.RemoteFile != "" {
		fmt.Fprintf(&b, " remote_file=%q", event.RemoteFile)
	}
	if event.LocalPath != "" {
		fmt.Fprintf(&b, " local_path=%q", event.LocalPath)
	}
	if event.Operation != "" {
		fmt.Fprintf(&b, " operation=%s", event.Operation)
	}
	if event.Duration > 0 {
		fmt.Fprintf(&b, " duration_ms=%d", event.Duration.Milliseconds())
	}
	if event.Error != "" {
		fmt.Fprintf(&b, " error=%q", event.Error)
	}

	// Sorted so identical events produce identical lines
	keys := make([]string, 0, len(event.Details))
	for k := range event.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%q", k, event.Details[k])
	}

	fmt.Fprintf(&b, " timestamp=%s", event.Timestamp.Format("2006-01-02T15:04:05.000Z"))
	return b.String()
}

// outcomeOf maps an operation error to an outcome
func outcomeOf(err error) EventOutcome {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// LogSSHConnectionAttempt logs an SSH connection attempt
func (l *Logger) LogSSHConnectionAttempt(username, address string) {
	l.LogEvent(NewSecurityEvent(
		EventSSHConnectionAttempt,
		CategoryAuthentication,
		SeverityInfo,
		"SSH connection attempt",
	).WithIdentity(username, address))
}

// LogSSHConnectionSuccess logs a successful SSH connection
func (l *Logger) LogSSHConnectionSuccess(username, address string) {
	l.LogEvent(NewSecurityEvent(
		EventSSHConnectionSuccess,
		CategoryAuthentication,
		SeverityInfo,
		"SSH connection established",
	).WithIdentity(username, address).
		WithOutcome(OutcomeSuccess))
}

// LogSSHConnectionFailure logs a failed SSH connection
func (l *Logger) LogSSHConnectionFailure(username, address string, err error) {
	l.LogEvent(NewSecurityEvent(
		EventSSHConnectionFailure,
		CategoryAuthentication,
		SeverityError,
		"SSH connection failed",
	).WithIdentity(username, address).
		WithOutcome(OutcomeFailure).
		WithError(err))
}

// LogSSHHostKeyUnverified logs that the device host key is accepted without verification
func (l *Logger) LogSSHHostKeyUnverified(address string) {
	l.LogEvent(NewSecurityEvent(
		EventSSHHostKeyUnverified,
		CategoryAuthentication,
		SeverityWarning,
		"SSH host key not verified; pass --known-hosts to verify the device",
	).WithIdentity("", address).
		WithOutcome(OutcomeUnknown))
}

// LogSSHHostKeyMismatch logs a host key that contradicts known_hosts (critical security event)
func (l *Logger) LogSSHHostKeyMismatch(address, knownHostsFile string, err error) {
	l.LogEvent(NewSecurityEvent(
		EventSSHHostKeyMismatch,
		CategorySecurityViolation,
		SeverityCritical,
		"SSH host key verification failed - possible MITM attack",
	).WithIdentity("", address).
		WithDetail("known_hosts", knownHostsFile).
		WithOutcome(OutcomeDenied).
		WithError(err))
}

// LogDeviceFileCreate logs a command that writes a file on the device (backup, export)
func (l *Logger) LogDeviceFileCreate(address, remote, operation string, err error) {
	severity := SeverityInfo
	if err != nil {
		severity = SeverityWarning
	}
	l.LogEvent(NewSecurityEvent(
		EventDeviceFileCreate,
		CategoryDeviceChange,
		severity,
		"File created on device",
	).WithIdentity("", address).
		WithFile(remote, "").
		WithOperation(operation, 0).
		WithOutcome(outcomeOf(err)).
		WithError(err))
}

// LogDeviceFileRemove logs the removal of a file from the device. A failed
// removal leaves collector artifacts behind and is logged as a warning.
func (l *Logger) LogDeviceFileRemove(address, remote string, err error) {
	severity := SeverityInfo
	if err != nil {
		severity = SeverityWarning
	}
	l.LogEvent(NewSecurityEvent(
		EventDeviceFileRemove,
		CategoryDeviceChange,
		severity,
		"File removed from device",
	).WithIdentity("", address).
		WithFile(remote, "").
		WithOperation("/file remove", 0).
		WithOutcome(outcomeOf(err)).
		WithError(err))
}

// LogFileDownload logs a file copied off the device
func (l *Logger) LogFileDownload(address, remote, local string, bytes int64, err error) {
	severity := SeverityInfo
	if err != nil {
		severity = SeverityWarning
	}
	l.LogEvent(NewSecurityEvent(
		EventFileDownload,
		CategoryDataAccess,
		severity,
		"File downloaded from device",
	).WithIdentity("", address).
		WithFile(remote, local).
		WithDetail("bytes", fmt.Sprintf("%d", bytes)).
		WithOutcome(outcomeOf(err)).
		WithError(err))
}

// LogPathTraversalAttempt logs a remote file name that would escape the output tree
func (l *Logger) LogPathTraversalAttempt(address, remote string, err error) {
	l.LogEvent(NewSecurityEvent(
		EventPathTraversalAttempt,
		CategorySecurityViolation,
		SeverityCritical,
		"Remote file name rejected",
	).WithIdentity("", address).
		WithFile(remote, "").
		WithOutcome(OutcomeDenied).
		WithError(err))
}

// LogCircuitBreakerOpen logs that the session was declared dead
func (l *Logger) LogCircuitBreakerOpen(address string) {
	l.LogEvent(NewSecurityEvent(
		EventCircuitBreakerOpen,
		CategoryAuthentication,
		SeverityWarning,
		"Session circuit breaker opened; remaining remote operations fail fast",
	).WithIdentity("", address).
		WithOutcome(OutcomeDenied))
}
