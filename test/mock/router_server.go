package mock

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"k8s.io/klog/v2"
)

// MockRouterServer simulates a MikroTik RouterOS device for testing.
// Commands arrive as SSH exec requests; the "sftp" subsystem serves the
// device file system, which lives in a temporary directory.
type MockRouterServer struct {
	address        string
	port           int
	listener       net.Listener
	sshConfig      *ssh.ServerConfig
	hostKey        ssh.PublicKey
	config         MockRouterConfig
	timing         *TimingSimulator
	errorInjector  *ErrorInjector
	root           string            // device file system
	responses      map[string]string // custom command -> output
	failures       map[string]string // custom command -> error output (exit 1)
	commandHistory []CommandLog      // Command execution history for debugging
	pending        sync.WaitGroup    // delayed artifact writes
	mu             sync.RWMutex
	shutdown       chan struct{}
}

// CommandLog represents a single command execution record
type CommandLog struct {
	Timestamp time.Time
	Command   string
	Response  string
	ExitCode  int
}

// NewMockRouterServer creates a new mock router listening on port (0 = random)
func NewMockRouterServer(port int) (*MockRouterServer, error) {
	config := LoadConfigFromEnv()

	signer, err := generateHostKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}

	root, err := os.MkdirTemp("", "mock-routeros-")
	if err != nil {
		return nil, fmt.Errorf("failed to create device file system: %w", err)
	}

	sshConfig := &ssh.ServerConfig{
		NoClientAuth: true, // Simplified for testing
	}
	sshConfig.AddHostKey(signer)

	return &MockRouterServer{
		address:        "127.0.0.1",
		port:           port,
		sshConfig:      sshConfig,
		hostKey:        signer.PublicKey(),
		config:         config,
		timing:         NewTimingSimulator(config),
		errorInjector:  NewErrorInjector(config),
		root:           root,
		responses:      make(map[string]string),
		failures:       make(map[string]string),
		commandHistory: make([]CommandLog, 0),
		shutdown:       make(chan struct{}),
	}, nil
}

// RequirePublicKey restricts authentication to the given client key.
// Must be called before Start.
func (s *MockRouterServer) RequirePublicKey(authorized ssh.PublicKey) {
	s.sshConfig.NoClientAuth = false
	s.sshConfig.PublicKeyCallback = func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
		if string(key.Marshal()) == string(authorized.Marshal()) {
			return nil, nil
		}
		return nil, fmt.Errorf("unknown public key")
	}
}

// Start starts the mock router SSH server
func (s *MockRouterServer) Start() error {
	addr := net.JoinHostPort(s.address, strconv.Itoa(s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener

	// Update port if it was 0 (random port assignment)
	if s.port == 0 {
		if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
			s.port = tcpAddr.Port
		}
	}

	klog.Infof("Mock router listening on %s:%d", s.address, s.port)

	go s.acceptConnections()

	return nil
}

// Stop stops the server and removes the device file system
func (s *MockRouterServer) Stop() error {
	close(s.shutdown)
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.pending.Wait()
	if rmErr := os.RemoveAll(s.root); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

// Address returns the server address
func (s *MockRouterServer) Address() string {
	return s.address
}

// Port returns the server port
func (s *MockRouterServer) Port() int {
	return s.port
}

// HostKey returns the server's public host key, for known_hosts tests
func (s *MockRouterServer) HostKey() ssh.PublicKey {
	return s.hostKey
}

// Root returns the directory backing the device file system
func (s *MockRouterServer) Root() string {
	return s.root
}

// ErrorInjector exposes the injector so tests can switch modes at runtime
func (s *MockRouterServer) ErrorInjector() *ErrorInjector {
	return s.errorInjector
}

// SetResponse makes a command succeed with output. Commands are matched after
// trimming surrounding whitespace.
func (s *MockRouterServer) SetResponse(command, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[strings.TrimSpace(command)] = output
}

// SetFailure makes a command print output and exit with status 1
func (s *MockRouterServer) SetFailure(command, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[strings.TrimSpace(command)] = output
}

// AddFile creates a file on the device. name is slash separated, relative to
// the device root; parent directories are created as needed.
func (s *MockRouterServer) AddFile(name string, content []byte) error {
	p := filepath.Join(s.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, content, 0o644)
}

// HasFile reports whether a file exists on the device
func (s *MockRouterServer) HasFile(name string) bool {
	_, err := os.Stat(filepath.Join(s.root, filepath.FromSlash(name)))
	return err == nil
}

// GetCommandHistory returns a copy of the command execution history
func (s *MockRouterServer) GetCommandHistory() []CommandLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := make([]CommandLog, len(s.commandHistory))
	copy(history, s.commandHistory)
	return history
}

// ClearCommandHistory clears the command execution history
func (s *MockRouterServer) ClearCommandHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commandHistory = make([]CommandLog, 0)
}

// ResetErrorInjector resets the error injector's operation counter
func (s *MockRouterServer) ResetErrorInjector() {
	s.errorInjector.Reset()
}

func (s *MockRouterServer) acceptConnections() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				klog.Errorf("Failed to accept connection: %v", err)
				continue
			}
		}

		if s.errorInjector.ShouldDropConnection() {
			klog.V(2).Info("MOCK ERROR INJECTION: dropping connection before handshake")
			_ = conn.Close()
			continue
		}

		go s.handleConnection(conn)
	}
}

func (s *MockRouterServer) handleConnection(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.sshConfig)
	if err != nil {
		klog.V(4).Infof("Mock router handshake failed: %v", err)
		return
	}
	defer func() { _ = sshConn.Close() }()

	klog.V(4).Infof("New SSH connection from %s", sshConn.RemoteAddr())

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			klog.Errorf("Could not accept channel: %v", err)
			continue
		}

		go s.handleSession(channel, requests)
	}
}

func (s *MockRouterServer) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer func() { _ = channel.Close() }()

	s.timing.SimulateSSHLatency()

	for req := range requests {
		klog.V(5).Infof("Mock router received request type: %s, payload len: %d", req.Type, len(req.Payload))

		switch req.Type {
		case "exec":
			command, ok := parseStringPayload(req.Payload)
			if !ok {
				klog.Warning("Mock router: invalid exec payload format")
				_ = req.Reply(false, nil)
				continue
			}

			response, exitStatus := s.executeCommand(command)
			_ = req.Reply(true, nil)
			if response != "" {
				_, _ = channel.Write([]byte(response))
			}
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{Status: uint32(exitStatus)}))
			return

		case "subsystem":
			name, ok := parseStringPayload(req.Payload)
			if !ok || name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			s.serveSFTP(channel)
			return

		default:
			_ = req.Reply(false, nil)
		}
	}
}

func (s *MockRouterServer) serveSFTP(channel ssh.Channel) {
	server, err := sftp.NewServer(channel, sftp.WithServerWorkingDirectory(s.root))
	if err != nil {
		klog.Errorf("Mock router: failed to start SFTP server: %v", err)
		return
	}
	if err := server.Serve(); err != nil {
		klog.V(4).Infof("Mock router: SFTP session ended: %v", err)
	}
	_ = server.Close()
}

// parseStringPayload decodes the single SSH string carried by exec and subsystem requests
func parseStringPayload(payload []byte) (string, bool) {
	if len(payload) < 4 {
		return "", false
	}
	n := uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])
	if len(payload) < 4+int(n) {
		return "", false
	}
	return string(payload[4 : 4+n]), true
}

func (s *MockRouterServer) executeCommand(raw string) (string, int) {
	command := strings.TrimSpace(raw)
	klog.V(4).Infof("Mock router executing command: %s", command)

	output, exitCode := s.dispatch(command)
	s.recordCommand(command, output, exitCode)
	return output, exitCode
}

func (s *MockRouterServer) dispatch(command string) (string, int) {
	s.mu.RLock()
	failOut, failed := s.failures[command]
	out, custom := s.responses[command]
	s.mu.RUnlock()

	switch {
	case failed:
		return failOut, 1
	case custom:
		return s.userCommand(out)
	case strings.HasPrefix(command, "/file print"):
		return s.handleFilePrint(command)
	case strings.HasPrefix(command, "/file remove"):
		return s.handleFileRemove(command)
	case strings.HasPrefix(command, "/system backup save"):
		return s.handleArtifact(command, "backup", ".backup")
	case strings.HasPrefix(command, "/export"):
		return s.handleArtifact(command, "export", ".rsc")
	case command == "/system identity print":
		return s.userCommand(fmt.Sprintf("  name: %s\n", s.config.Identity))
	case command == "/system resource print":
		return s.userCommand(fmt.Sprintf("                   uptime: 1w2d3h\n                  version: %s (stable)\n              board-name: CHR\n", s.config.RouterOSVersion))
	default:
		klog.Warningf("Mock router: unrecognized command: %s", command)
		return fmt.Sprintf("bad command name %s\n", command), 1
	}
}

// userCommand applies command_fail injection to operator commands
func (s *MockRouterServer) userCommand(output string) (string, int) {
	if fail, msg := s.errorInjector.ShouldFailCommand(); fail {
		klog.V(2).Infof("MOCK ERROR INJECTION: command failed - %s", strings.TrimSpace(msg))
		return msg, 1
	}
	return output, 0
}

// recordCommand adds a command execution to the history log
func (s *MockRouterServer) recordCommand(command, response string, exitCode int) {
	if !s.config.EnableHistory {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.commandHistory) >= s.config.HistoryDepth {
		s.commandHistory = s.commandHistory[1:]
	}

	s.commandHistory = append(s.commandHistory, CommandLog{
		Timestamp: time.Now(),
		Command:   command,
		Response:  response,
		ExitCode:  exitCode,
	})
}

// handleFilePrint answers `/file print terse [without-paging] [where name=X]`
func (s *MockRouterServer) handleFilePrint(command string) (string, int) {
	filter, filtered := extractParam(command, "name")

	var names []string
	typeOf := map[string]string{}
	sizeOf := map[string]int64{}

	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == s.root {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		names = append(names, name)
		typeOf[name] = fileType(name, d.IsDir())
		sizeOf[name] = info.Size()
		return nil
	})
	if err != nil {
		return fmt.Sprintf("failure: %v\n", err), 1
	}
	sort.Strings(names)

	var b strings.Builder
	n := 0
	for _, name := range names {
		if filtered && name != filter {
			continue
		}
		fmt.Fprintf(&b, "%2d name=%s type=%s", n, quoteValue(name), quoteValue(typeOf[name]))
		if typeOf[name] != "directory" {
			fmt.Fprintf(&b, " size=%d", sizeOf[name])
		}
		b.WriteString(" last-modified=2024-05-01 10:00:00\n")
		n++
	}
	return b.String(), 0
}

func (s *MockRouterServer) handleFileRemove(command string) (string, int) {
	name := strings.TrimSpace(strings.TrimPrefix(command, "/file remove"))
	name = unquote(name)
	if name == "" {
		return "expected end of command\n", 1
	}

	p, ok := s.devicePath(name)
	if !ok {
		return "no such item\n", 1
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Sprintf("failure: %v\n", err), 1
	}
	if _, err := os.Stat(p); err == nil {
		return fmt.Sprintf("failure: %s still present\n", name), 1
	}
	klog.V(4).Infof("Mock router: removed %s", name)
	return "", 0
}

// handleArtifact answers `/system backup save name=X` and `/export file=X`
func (s *MockRouterServer) handleArtifact(command, op, ext string) (string, int) {
	param := "name"
	if op == "export" {
		param = "file"
	}
	base, ok := extractParam(command, param)
	if !ok || base == "" {
		// /export without file= prints the configuration
		if op == "export" {
			return s.exportContent(), 0
		}
		return "expected name\n", 1
	}

	fail, skip, msg := s.errorInjector.ArtifactOutcome()
	if fail {
		klog.V(2).Infof("MOCK ERROR INJECTION: %s failed - %s", op, strings.TrimSpace(msg))
		return msg, 1
	}

	var content []byte
	out := ""
	if op == "backup" {
		content = []byte("mock backup of " + s.config.Identity)
		out = "Configuration backup saved\n"
	} else {
		content = []byte(s.exportContent())
	}
	if skip {
		klog.V(2).Infof("MOCK ERROR INJECTION: %s reported success without writing %s%s", op, base, ext)
		return out, 0
	}

	name := base + ext
	delay := s.timing.ArtifactDelay(op)
	if delay == 0 {
		if err := s.AddFile(name, content); err != nil {
			return fmt.Sprintf("failure: %v\n", err), 1
		}
		return out, 0
	}

	// The device returns before the file is written
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		select {
		case <-time.After(delay):
			if err := s.AddFile(name, content); err != nil {
				klog.Errorf("Mock router: failed to write %s: %v", name, err)
			}
		case <-s.shutdown:
		}
	}()
	return out, 0
}

func (s *MockRouterServer) exportContent() string {
	return fmt.Sprintf("# by RouterOS %s\n# software id = MOCK-0000\n/system identity\nset name=%s\n", s.config.RouterOSVersion, s.config.Identity)
}

// devicePath maps a device file name into the root, refusing escapes
func (s *MockRouterServer) devicePath(name string) (string, bool) {
	clean := path.Clean("/" + name)
	if clean == "/" {
		return "", false
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), true
}

func fileType(name string, dir bool) string {
	switch {
	case dir:
		return "directory"
	case strings.HasSuffix(name, ".backup"):
		return "backup"
	case strings.HasSuffix(name, ".rsc"):
		return "script"
	}
	if ext := path.Ext(name); ext != "" {
		return ext + " file"
	}
	return "file"
}

func quoteValue(v string) string {
	if strings.ContainsAny(v, " \t\"") {
		return strconv.Quote(v)
	}
	return v
}

func unquote(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		if u, err := strconv.Unquote(v); err == nil {
			return u
		}
		return v[1 : len(v)-1]
	}
	return v
}

var paramPatterns sync.Map // param -> *regexp.Regexp

// extractParam returns the value of param=value in command, unquoted
func extractParam(command, param string) (string, bool) {
	re, ok := paramPatterns.Load(param)
	if !ok {
		re, _ = paramPatterns.LoadOrStore(param, regexp.MustCompile(`(?:^|\s)`+regexp.QuoteMeta(param)+`=("(?:[^"\\]|\\.)*"|\S+)`))
	}
	m := re.(*regexp.Regexp).FindStringSubmatch(command)
	if len(m) < 2 {
		return "", false
	}
	return unquote(m[1]), true
}

func generateHostKey() (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	return ssh.NewSignerFromKey(priv)
}
