package utils

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Characters that would let a remote file name break out of a quoted RouterOS argument
var dangerousCharacters = []string{
	"\"",   // String delimiter
	"\\",   // Escape character
	"$",    // Variable expansion
	"[",    // Command substitution
	"]",    // Command substitution
	";",    // Command separator
	"\n",   // Newline (command separator)
	"\r",   // Carriage return
	"\x00", // Null byte
}

// ValidateRemoteName checks that a RouterOS file name is safe to embed in a
// quoted command argument such as `/file remove "name"`.
func ValidateRemoteName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: remote file name cannot be empty", ErrInvalidParameter)
	}
	for _, char := range dangerousCharacters {
		if strings.Contains(name, char) {
			return fmt.Errorf("%w: remote file name contains dangerous character %q: %s", ErrInvalidParameter, char, name)
		}
	}
	return nil
}

// SafeLocalPath maps a remote RouterOS file name (slash separated, relative to
// the device root) to a path below baseDir. Absolute names and names that
// traverse upwards are rejected with ErrUnsafeRemotePath.
func SafeLocalPath(baseDir, remoteName string) (string, error) {
	if remoteName == "" {
		return "", fmt.Errorf("%w: empty name", ErrUnsafeRemotePath)
	}
	if strings.HasPrefix(remoteName, "/") || strings.Contains(remoteName, "\\") || strings.Contains(remoteName, "\x00") {
		return "", fmt.Errorf("%w: %s", ErrUnsafeRemotePath, remoteName)
	}
	for _, part := range strings.Split(remoteName, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %s", ErrUnsafeRemotePath, remoteName)
		}
	}

	cleaned := path.Clean(remoteName)
	if cleaned == "." {
		return "", fmt.Errorf("%w: %s", ErrUnsafeRemotePath, remoteName)
	}

	local := filepath.Join(baseDir, filepath.FromSlash(cleaned))
	rel, err := filepath.Rel(baseDir, local)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafeRemotePath, remoteName)
	}
	return local, nil
}
