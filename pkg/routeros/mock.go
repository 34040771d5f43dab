package routeros

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"git.srvlab.io/whiskey/rosac/pkg/utils"
)

// MockClient is an in-memory implementation of Client for testing
type MockClient struct {
	mu        sync.RWMutex
	address   string
	connected bool

	// ConnectErr is returned by Connect when set
	ConnectErr error

	responses map[string]string // command -> stdout
	failures  map[string]error  // command -> error
	files     map[string][]byte // remote name -> content

	// skipArtifacts makes SaveBackup/ExportConfig succeed without creating the file
	skipArtifacts bool

	commands  []string
	downloads []string
}

// NewMockClient creates a new MockClient for testing
func NewMockClient() *MockClient {
	return &MockClient{
		address:   "mock-router",
		responses: make(map[string]string),
		failures:  make(map[string]error),
		files:     make(map[string][]byte),
	}
}

// SetResponse sets the output returned for a command (test helper).
// Commands are matched after trimming surrounding whitespace.
func (m *MockClient) SetResponse(command, output string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[strings.TrimSpace(command)] = output
}

// SetFailure makes a command fail with err (test helper)
func (m *MockClient) SetFailure(command string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[strings.TrimSpace(command)] = err
}

// AddFile places a file on the mock device (test helper)
func (m *MockClient) AddFile(name string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = content
}

// HasFile reports whether a file is present on the mock device (test helper)
func (m *MockClient) HasFile(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.files[name]
	return ok
}

// SkipArtifacts makes backup/export report success without producing a file (test helper)
func (m *MockClient) SkipArtifacts(skip bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipArtifacts = skip
}

// Commands returns the commands executed so far, in order (test helper)
func (m *MockClient) Commands() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.commands))
	copy(out, m.commands)
	return out
}

// Downloads returns the remote names downloaded so far, in order (test helper)
func (m *MockClient) Downloads() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.downloads))
	copy(out, m.downloads)
	return out
}

// Connect implements Client
func (m *MockClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.connected = true
	return nil
}

// Close implements Client
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected implements Client
func (m *MockClient) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// GetAddress implements Client
func (m *MockClient) GetAddress() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.address
}

// RunCommand implements Client
func (m *MockClient) RunCommand(ctx context.Context, command string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runLocked(command)
}

func (m *MockClient) runLocked(command string) (string, error) {
	if !m.connected {
		return "", utils.ErrNotConnected
	}
	m.commands = append(m.commands, command)

	key := strings.TrimSpace(command)
	if err, ok := m.failures[key]; ok {
		return "", err
	}
	if out, ok := m.responses[key]; ok {
		return out, nil
	}
	return "", nil
}

// Download implements Client
func (m *MockClient) Download(ctx context.Context, remoteName, localPath string) (int64, error) {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return 0, utils.ErrNotConnected
	}
	m.downloads = append(m.downloads, remoteName)
	content, ok := m.files[remoteName]
	m.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("opening remote file %s: %w", remoteName, fs.ErrNotExist)
	}
	return writeLocalFile(ctx, bytes.NewReader(content), localPath)
}

// ListFiles implements Client
func (m *MockClient) ListFiles(ctx context.Context) ([]RemoteFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.runLocked(ListFilesCommand); err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	names := make([]string, 0, len(m.files))
	for name := range m.files {
		names = append(names, name)
	}
	sort.Strings(names)

	files := make([]RemoteFile, 0, len(names))
	for _, name := range names {
		files = append(files, RemoteFile{Name: name, Type: "file", Size: int64(len(m.files[name]))})
	}
	return files, nil
}

// FileExists implements Client
func (m *MockClient) FileExists(ctx context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return false, utils.ErrNotConnected
	}
	_, ok := m.files[name]
	return ok, nil
}

// RemoveFile implements Client
func (m *MockClient) RemoveFile(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.runLocked(fmt.Sprintf("/file remove %s", quoteArg(name))); err != nil {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	delete(m.files, name)
	return nil
}

// SaveBackup implements Client
func (m *MockClient) SaveBackup(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.runLocked(fmt.Sprintf("/system backup save name=%s", quoteArg(name))); err != nil {
		return fmt.Errorf("failed to save backup: %w", err)
	}
	if !m.skipArtifacts {
		m.files[name+".backup"] = []byte("mock backup of " + m.address)
	}
	return nil
}

// ExportConfig implements Client
func (m *MockClient) ExportConfig(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.runLocked(fmt.Sprintf("/export file=%s", quoteArg(name))); err != nil {
		return fmt.Errorf("failed to export config: %w", err)
	}
	if !m.skipArtifacts {
		m.files[name+".rsc"] = []byte("# mock export\n/system identity set name=mock\n")
	}
	return nil
}
