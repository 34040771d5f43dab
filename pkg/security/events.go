package security

import "time"

// EventCategory represents the category of a security event
type EventCategory string

const (
	// CategoryAuthentication represents SSH authentication and host verification
	CategoryAuthentication EventCategory = "authentication"

	// CategoryDeviceChange represents changes the collector makes on the device
	CategoryDeviceChange EventCategory = "device_change"

	// CategoryDataAccess represents files read from the device
	CategoryDataAccess EventCategory = "data_access"

	// CategorySecurityViolation represents potential security violations
	CategorySecurityViolation EventCategory = "security_violation"
)

// EventSeverity represents the severity level of a security event
type EventSeverity string

const (
	// SeverityInfo represents informational events
	SeverityInfo EventSeverity = "info"

	// SeverityWarning represents warning events
	SeverityWarning EventSeverity = "warning"

	// SeverityError represents error events
	SeverityError EventSeverity = "error"

	// SeverityCritical represents critical security events
	SeverityCritical EventSeverity = "critical"
)

// EventOutcome represents the outcome of a security event
type EventOutcome string

const (
	// OutcomeSuccess indicates the operation succeeded
	OutcomeSuccess EventOutcome = "success"

	// OutcomeFailure indicates the operation failed
	OutcomeFailure EventOutcome = "failure"

	// OutcomeDenied indicates the operation was denied
	OutcomeDenied EventOutcome = "denied"

	// OutcomeUnknown indicates the outcome is unknown
	OutcomeUnknown EventOutcome = "unknown"
)

// EventType represents specific types of security events
type EventType string

const (
	// Authentication events
	EventSSHConnectionAttempt EventType = "ssh_connection_attempt"
	EventSSHConnectionSuccess EventType = "ssh_connection_success"
	EventSSHConnectionFailure EventType = "ssh_connection_failure"
	EventSSHHostKeyUnverified EventType = "ssh_host_key_unverified"
	EventSSHHostKeyMismatch   EventType = "ssh_host_key_mismatch"

	// Device change events
	EventDeviceFileCreate EventType = "device_file_create"
	EventDeviceFileRemove EventType = "device_file_remove"

	// Data access events
	EventFileDownload EventType = "file_download"

	// Security violation events
	EventPathTraversalAttempt EventType = "path_traversal_attempt"
	EventCircuitBreakerOpen   EventType = "circuit_breaker_open"
)

// SecurityEvent represents a security-relevant event of a collection run
type SecurityEvent struct {
	// Core event fields
	Timestamp time.Time     `json:"timestamp"`
	EventType EventType     `json:"event_type"`
	Category  EventCategory `json:"category"`
	Severity  EventSeverity `json:"severity"`
	Outcome   EventOutcome  `json:"outcome"`
	Message   string        `json:"message"`

	// Identity fields
	Username string `json:"username,omitempty"`
	TargetIP string `json:"target_ip,omitempty"`

	// Resource fields
	RemoteFile string `json:"remote_file,omitempty"`
	LocalPath  string `json:"local_path,omitempty"`

	// Operation details
	Operation string            `json:"operation,omitempty"`
	Duration  time.Duration     `json:"duration_ms,omitempty"`
	Error     string            `json:"error,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// NewSecurityEvent creates a new security event with timestamp
func NewSecurityEvent(eventType EventType, category EventCategory, severity EventSeverity, message string) *SecurityEvent {
	return &SecurityEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Category:  category,
		Severity:  severity,
		Outcome:   OutcomeUnknown,
		Message:   message,
		Details:   make(map[string]string),
	}
}

// WithOutcome sets the outcome for the event
func (e *SecurityEvent) WithOutcome(outcome EventOutcome) *SecurityEvent {
	e.Outcome = outcome
	return e
}

// WithIdentity sets the SSH user and device address
func (e *SecurityEvent) WithIdentity(username, targetIP string) *SecurityEvent {
	e.Username = username
	e.TargetIP = targetIP
	return e
}

// WithFile sets the remote file and, if known, where it was stored locally
func (e *SecurityEvent) WithFile(remote, local string) *SecurityEvent {
	e.RemoteFile = remote
	e.LocalPath = local
	return e
}

// WithOperation sets operation details
func (e *SecurityEvent) WithOperation(operation string, duration time.Duration) *SecurityEvent {
	e.Operation = operation
	e.Duration = duration
	return e
}

// WithError sets error information
func (e *SecurityEvent) WithError(err error) *SecurityEvent {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDetail adds a custom detail field
func (e *SecurityEvent) WithDetail(key, value string) *SecurityEvent {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}
