package routeros

import (
	"context"
)

// Client is the set of device operations the collector needs.
// sshClient is the production implementation; MockClient backs unit tests.
type Client interface {
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool
	GetAddress() string

	// RunCommand executes one RouterOS CLI command and returns its raw stdout.
	// Device-side failures are returned as *CommandError together with stdout.
	RunCommand(ctx context.Context, command string) (string, error)

	// Download copies a remote file to localPath over SFTP and returns the byte count.
	Download(ctx context.Context, remoteName, localPath string) (int64, error)

	ListFiles(ctx context.Context) ([]RemoteFile, error)
	FileExists(ctx context.Context, name string) (bool, error)
	RemoveFile(ctx context.Context, name string) error
	SaveBackup(ctx context.Context, name string) error
	ExportConfig(ctx context.Context, name string) error
}

// NewClient creates a new SSH-based RouterOS client.
// The client is not connected until Connect is called.
func NewClient(config ClientConfig) (Client, error) {
	return newSSHClient(config)
}
