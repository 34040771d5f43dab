// Package routeros provides the SSH/SFTP client and RouterOS command wrappers
// used to collect artifacts from a MikroTik device.
//
// # Logging Verbosity Convention
//
// This package follows the klog verbosity conventions:
//
//   - V(0): Always visible - connection failures, critical errors
//   - V(2): Production default - operation outcomes
//     Examples: "Connected to 192.168.88.1:22", "Downloaded rtrbackup.backup"
//   - V(4): Debug level - intermediate steps, command parameters
//     Examples: "Opening SFTP session", "Waiting for config.rsc"
//   - V(5): Trace level - RouterOS command syntax, raw output
//     Examples: "Executing: /file print terse", "RouterOS response: ..."
//
// V(3) is avoided in favor of V(2) (if actionable) or V(4) (if diagnostic).
package routeros
