// Package mock provides an environment-configurable mock RouterOS device for
// testing: an in-process SSH server answering RouterOS CLI commands plus an SFTP
// subsystem serving the device file system from a temporary directory.
//
// Environment Variables:
//
// Timing Control:
//   - MOCK_ROUTER_REALISTIC_TIMING: Enable realistic timing simulation (default: false)
//   - MOCK_ROUTER_SSH_LATENCY_MS: SSH session latency in ms (default: 200)
//   - MOCK_ROUTER_SSH_LATENCY_JITTER_MS: Latency jitter range in ms (default: 50)
//   - MOCK_ROUTER_BACKUP_DELAY_MS: Delay before a saved backup appears in ms (default: 500)
//   - MOCK_ROUTER_EXPORT_DELAY_MS: Delay before an export appears in ms (default: 300)
//
// Error Injection:
//   - MOCK_ROUTER_ERROR_MODE: Error injection mode (none|command_fail|artifact_fail|no_artifact|ssh_drop)
//   - MOCK_ROUTER_ERROR_AFTER_N: Fail after N operations (default: 0 = immediate)
//
// Observability:
//   - MOCK_ROUTER_ENABLE_HISTORY: Enable command history tracking (default: true)
//   - MOCK_ROUTER_HISTORY_DEPTH: Maximum history entries (default: 100)
//   - MOCK_ROUTER_ROUTEROS_VERSION: RouterOS version to simulate (default: "7.16")
//   - MOCK_ROUTER_IDENTITY: System identity reported by the device (default: "MikroTik")
package mock

import (
	"os"
	"strconv"
)

// MockRouterConfig holds configuration for mock router behavior
type MockRouterConfig struct {
	// Timing control
	RealisticTiming    bool // MOCK_ROUTER_REALISTIC_TIMING (default: false)
	SSHLatencyMs       int  // MOCK_ROUTER_SSH_LATENCY_MS (default: 200)
	SSHLatencyJitterMs int  // MOCK_ROUTER_SSH_LATENCY_JITTER_MS (default: 50, gives 150-250ms range)
	BackupDelayMs      int  // MOCK_ROUTER_BACKUP_DELAY_MS (default: 500)
	ExportDelayMs      int  // MOCK_ROUTER_EXPORT_DELAY_MS (default: 300)

	// Error injection
	ErrorMode   string // MOCK_ROUTER_ERROR_MODE
	ErrorAfterN int    // MOCK_ROUTER_ERROR_AFTER_N (fail after N operations, default: 0 = immediate)

	// Observability
	EnableHistory   bool   // MOCK_ROUTER_ENABLE_HISTORY (default: true)
	HistoryDepth    int    // MOCK_ROUTER_HISTORY_DEPTH (default: 100)
	RouterOSVersion string // MOCK_ROUTER_ROUTEROS_VERSION (default: "7.16")
	Identity        string // MOCK_ROUTER_IDENTITY (default: "MikroTik")
}

// LoadConfigFromEnv loads mock router configuration from environment variables
func LoadConfigFromEnv() MockRouterConfig {
	return MockRouterConfig{
		RealisticTiming:    getEnvBool("MOCK_ROUTER_REALISTIC_TIMING", false),
		SSHLatencyMs:       getEnvInt("MOCK_ROUTER_SSH_LATENCY_MS", 200),
		SSHLatencyJitterMs: getEnvInt("MOCK_ROUTER_SSH_LATENCY_JITTER_MS", 50),
		BackupDelayMs:      getEnvInt("MOCK_ROUTER_BACKUP_DELAY_MS", 500),
		ExportDelayMs:      getEnvInt("MOCK_ROUTER_EXPORT_DELAY_MS", 300),
		ErrorMode:          getEnvString("MOCK_ROUTER_ERROR_MODE", "none"),
		ErrorAfterN:        getEnvInt("MOCK_ROUTER_ERROR_AFTER_N", 0),
		EnableHistory:      getEnvBool("MOCK_ROUTER_ENABLE_HISTORY", true),
		HistoryDepth:       getEnvInt("MOCK_ROUTER_HISTORY_DEPTH", 100),
		RouterOSVersion:    getEnvString("MOCK_ROUTER_ROUTEROS_VERSION", "7.16"),
		Identity:           getEnvString("MOCK_ROUTER_IDENTITY", "MikroTik"),
	}
}

// getEnvBool reads a boolean environment variable with a default value
func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val == "true" || val == "1" || val == "yes"
}

// getEnvInt reads an integer environment variable with a default value
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}

// getEnvString reads a string environment variable with a default value
func getEnvString(key string, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}
