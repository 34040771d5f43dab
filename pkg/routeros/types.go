package routeros

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"git.srvlab.io/whiskey/rosac/pkg/security"
)

// ClientConfig holds configuration for creating a RouterOS client
type ClientConfig struct {
	Address         string              // Device IP address or host name
	Port            int                 // SSH port (default 22)
	User            string              // SSH user
	PrivateKey      []byte              // SSH private key content
	KeyPassphrase   string              // Passphrase for an encrypted private key (optional)
	KnownHostsFile  string              // known_hosts file for host key verification (optional)
	HostKeyCallback ssh.HostKeyCallback // Overrides KnownHostsFile when set
	Timeout         time.Duration       // Connection timeout (default 10s)
	ConnectRetries  int                 // Extra dial attempts for transient errors (default 0)
	Audit           *security.Logger    // Receives connection audit events (default security.GetLogger())
}

// RemoteFile is one entry of the device file listing
type RemoteFile struct {
	Name string // Path relative to the device root, e.g. "flash/pub/notes.txt"
	Type string // "directory", "backup", ".txt file", ...
	Size int64  // Best-effort size in bytes (0 if unknown)
}

// IsDir reports whether the entry is a container rather than a downloadable file
func (f RemoteFile) IsDir() bool {
	return f.Type == "directory" || f.Type == "disk"
}

// CommandError is returned when a command ran but the device reported failure
type CommandError struct {
	Command    string
	ExitStatus int
	Stdout     string
	Stderr     string
}

// Error implements the error interface
func (e *CommandError) Error() string {
	detail := e.Stderr
	if detail == "" {
		detail = e.Stdout
	}
	return fmt.Sprintf("command failed (exit %d): %s", e.ExitStatus, trimOutput(detail))
}

// IsCommandError reports whether err is (or wraps) a device-side command failure.
// Anything else returned by RunCommand is a transport failure.
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}

// HealthReading is one value read from the MikroTik health MIB
type HealthReading struct {
	Name    string
	OID     string
	Unit    string
	Value   float64
	Present bool
}

// HardwareHealth is the set of health readings collected over SNMP
type HardwareHealth struct {
	Target    string
	Collected time.Time
	Readings  []HealthReading
}
