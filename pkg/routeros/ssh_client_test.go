package routeros

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"git.srvlab.io/whiskey/rosac/pkg/security"
	"git.srvlab.io/whiskey/rosac/pkg/utils"
)

// ============================================================================
// Part A: Pure function tests (no SSH connection needed)
// ============================================================================

func TestNewSSHClient(t *testing.T) {
	tests := []struct {
		name      string
		config    ClientConfig
		expectErr bool
		errMsg    string
	}{
		{
			name: "valid config with all fields",
			config: ClientConfig{
				Address:        "10.42.68.1",
				Port:           2222,
				User:           "admin",
				PrivateKey:     []byte("test-key"),
				Timeout:        5 * time.Second,
				ConnectRetries: 3,
			},
		},
		{
			name:      "missing address returns error",
			config:    ClientConfig{User: "admin"},
			expectErr: true,
			errMsg:    "address is required",
		},
		{
			name:      "missing user returns error",
			config:    ClientConfig{Address: "10.42.68.1"},
			expectErr: true,
			errMsg:    "user is required",
		},
		{
			name:      "negative retries returns error",
			config:    ClientConfig{Address: "10.42.68.1", User: "admin", ConnectRetries: -1},
			expectErr: true,
			errMsg:    "connect retries cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := newSSHClient(tt.config)
			if tt.expectErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.config.Address, client.GetAddress())
		})
	}
}

func TestNewSSHClientDefaults(t *testing.T) {
	client, err := newSSHClient(ClientConfig{Address: "10.42.68.1", User: "admin"})
	require.NoError(t, err)
	assert.Equal(t, 22, client.port)
	assert.Equal(t, 10*time.Second, client.timeout)
	assert.Equal(t, "10.42.68.1:22", client.dialAddress())
}

func TestBuildSSHConfig(t *testing.T) {
	t.Run("missing key", func(t *testing.T) {
		client, err := newSSHClient(ClientConfig{Address: "10.42.68.1", User: "admin"})
		require.NoError(t, err)
		_, err = client.buildSSHConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "private key is required")
	})

	t.Run("garbage key", func(t *testing.T) {
		client, err := newSSHClient(ClientConfig{Address: "10.42.68.1", User: "admin", PrivateKey: []byte("not a key")})
		require.NoError(t, err)
		_, err = client.buildSSHConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse private key")
	})

	t.Run("encrypted key with passphrase", func(t *testing.T) {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte("s3cret"))
		require.NoError(t, err)

		client, err := newSSHClient(ClientConfig{
			Address:       "10.42.68.1",
			User:          "admin",
			PrivateKey:    pem.EncodeToMemory(block),
			KeyPassphrase: "s3cret",
		})
		require.NoError(t, err)
		cfg, err := client.buildSSHConfig()
		require.NoError(t, err)
		assert.Equal(t, "admin", cfg.User)
		assert.Len(t, cfg.Auth, 1)
	})

	t.Run("missing known_hosts file", func(t *testing.T) {
		client, err := newSSHClient(ClientConfig{
			Address:        "10.42.68.1",
			User:           "admin",
			PrivateKey:     generateTestClientKey(t),
			KnownHostsFile: filepath.Join(t.TempDir(), "absent"),
		})
		require.NoError(t, err)
		_, err = client.buildSSHConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load known_hosts")
	})
}

func TestTrimOutput(t *testing.T) {
	assert.Equal(t, "ok", trimOutput("  ok\r\n"))
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	trimmed := trimOutput(string(long))
	assert.Len(t, trimmed, 203)
	assert.Equal(t, "...", trimmed[200:])
}

// ============================================================================
// Part B: SSH mock server tests for Connect/RunCommand/Download
// ============================================================================

// mockSSHServer is a simple SSH server for testing
type mockSSHServer struct {
	listener net.Listener
	address  string
	port     int
	config   *ssh.ServerConfig
	handler  func(channel ssh.Channel, requests <-chan *ssh.Request)
}

// startMockSSHServer creates and starts an in-process SSH server accepting any client
func startMockSSHServer(t *testing.T, handler func(channel ssh.Channel, requests <-chan *ssh.Request)) *mockSSHServer {
	t.Helper()
	return startMockSSHServerWithConfig(t, &ssh.ServerConfig{NoClientAuth: true}, handler)
}

func startMockSSHServerWithConfig(t *testing.T, config *ssh.ServerConfig, handler func(channel ssh.Channel, requests <-chan *ssh.Request)) *mockSSHServer {
	t.Helper()

	hostKey, err := generateTestHostKey()
	require.NoError(t, err, "failed to generate test host key")
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "failed to start listener")

	srv := &mockSSHServer{
		listener: listener,
		address:  "127.0.0.1",
		port:     listener.Addr().(*net.TCPAddr).Port,
		config:   config,
		handler:  handler,
	}

	go srv.acceptConnections(t)

	t.Cleanup(func() {
		_ = srv.Close()
	})

	return srv
}

func (s *mockSSHServer) acceptConnections(t *testing.T) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// Listener closed
			return
		}
		go s.handleConnection(t, conn)
	}
}

func (s *mockSSHServer) handleConnection(t *testing.T, netConn net.Conn) {
	defer func() { _ = netConn.Close() }()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		t.Logf("SSH handshake failed: %v", err)
		return
	}
	defer func() { _ = sshConn.Close() }()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			t.Logf("Failed to accept channel: %v", err)
			continue
		}

		go s.handler(channel, requests)
	}
}

func (s *mockSSHServer) Close() error {
	return s.listener.Close()
}

// generateTestHostKey generates an Ed25519 host key for testing
func generateTestHostKey() (ssh.Signer, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(privateKey)
}

// generateTestClientKey returns a PEM encoded OpenSSH private key
func generateTestClientKey(t *testing.T) []byte {
	t.Helper()
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(privateKey, "rosac-test")
	require.NoError(t, err)
	return pem.EncodeToMemory(block)
}

// routerHandler answers exec requests through reply and serves the sftp
// subsystem from sftpDir
func routerHandler(sftpDir string, reply func(cmd string) (string, uint32)) func(ssh.Channel, <-chan *ssh.Request) {
	return func(channel ssh.Channel, requests <-chan *ssh.Request) {
		defer func() { _ = channel.Close() }()

		for req := range requests {
			switch req.Type {
			case "exec":
				var payload struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
					_ = req.Reply(false, nil)
					return
				}
				_ = req.Reply(true, nil)

				output, status := reply(payload.Command)
				_, _ = channel.Write([]byte(output))
				_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(&struct{ Status uint32 }{status}))
				return
			case "subsystem":
				var payload struct{ Name string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" || sftpDir == "" {
					_ = req.Reply(false, nil)
					continue
				}
				_ = req.Reply(true, nil)

				server, err := sftp.NewServer(channel, sftp.WithServerWorkingDirectory(sftpDir))
				if err != nil {
					return
				}
				_ = server.Serve()
				return
			default:
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
			}
		}
	}
}

// createConnectedTestClient creates an SSH client and connects to the mock server
func createConnectedTestClient(t *testing.T, srv *mockSSHServer) *sshClient {
	t.Helper()

	client, err := newSSHClient(ClientConfig{
		Address:    srv.address,
		Port:       srv.port,
		User:       "admin",
		PrivateKey: generateTestClientKey(t),
		Timeout:    2 * time.Second,
	})
	require.NoError(t, err)

	require.NoError(t, client.Connect(context.Background()))

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestSSHClientConnect(t *testing.T) {
	srv := startMockSSHServer(t, routerHandler("", func(string) (string, uint32) {
		return "connected", 0
	}))

	client, err := newSSHClient(ClientConfig{
		Address:    srv.address,
		Port:       srv.port,
		User:       "admin",
		PrivateKey: generateTestClientKey(t),
	})
	require.NoError(t, err)

	require.NoError(t, client.Connect(context.Background()))
	assert.True(t, client.IsConnected(), "client should be connected")

	// Connecting twice reuses the connection
	require.NoError(t, client.Connect(context.Background()))

	require.NoError(t, client.Close())
	assert.False(t, client.IsConnected(), "client should be disconnected after Close")
}

func TestSSHClientPublicKeyAuth(t *testing.T) {
	key := generateTestClientKey(t)
	signer, err := ssh.ParsePrivateKey(key)
	require.NoError(t, err)
	authorized := signer.PublicKey().Marshal()

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() == "admin" && string(pubKey.Marshal()) == string(authorized) {
				return nil, nil
			}
			return nil, errors.New("unknown public key")
		},
	}
	srv := startMockSSHServerWithConfig(t, config, routerHandler("", func(string) (string, uint32) {
		return "ok", 0
	}))

	t.Run("authorized key", func(t *testing.T) {
		client, err := newSSHClient(ClientConfig{Address: srv.address, Port: srv.port, User: "admin", PrivateKey: key})
		require.NoError(t, err)
		require.NoError(t, client.Connect(context.Background()))
		defer func() { _ = client.Close() }()

		out, err := client.RunCommand(context.Background(), "/system identity print")
		require.NoError(t, err)
		assert.Equal(t, "ok", out)
	})

	t.Run("unknown key is not retried", func(t *testing.T) {
		client, err := newSSHClient(ClientConfig{
			Address:        srv.address,
			Port:           srv.port,
			User:           "admin",
			PrivateKey:     generateTestClientKey(t),
			ConnectRetries: 5,
		})
		require.NoError(t, err)

		start := time.Now()
		err = client.Connect(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unable to authenticate")
		assert.Less(t, time.Since(start), time.Second, "auth failures must not back off")
	})
}

func TestSSHClientHostKeyCallback(t *testing.T) {
	srv := startMockSSHServer(t, routerHandler("", func(string) (string, uint32) { return "", 0 }))

	client, err := newSSHClient(ClientConfig{
		Address:    srv.address,
		Port:       srv.port,
		User:       "admin",
		PrivateKey: generateTestClientKey(t),
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			return errors.New("host key mismatch")
		},
	})
	require.NoError(t, err)

	err = client.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host key mismatch")
}

func TestSSHClientRunCommand(t *testing.T) {
	tests := []struct {
		name           string
		command        string
		expectedOutput string
		exitStatus     uint32
	}{
		{
			name:           "successful command returns output",
			command:        "/interface print terse",
			expectedOutput: " 0 R name=ether1 type=ether mtu=1500\n",
		},
		{
			name:           "failed command returns command error with output",
			command:        "/bogus print",
			expectedOutput: "bad command name bogus (line 1 column 2)\n",
			exitStatus:     1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			received := make(chan string, 1)
			srv := startMockSSHServer(t, routerHandler("", func(cmd string) (string, uint32) {
				received <- cmd
				return tt.expectedOutput, tt.exitStatus
			}))

			client := createConnectedTestClient(t, srv)

			output, err := client.RunCommand(context.Background(), tt.command)
			assert.Equal(t, tt.command, <-received)
			assert.Equal(t, tt.expectedOutput, output)

			if tt.exitStatus != 0 {
				require.Error(t, err)
				var cmdErr *CommandError
				require.ErrorAs(t, err, &cmdErr)
				assert.Equal(t, int(tt.exitStatus), cmdErr.ExitStatus)
				assert.Equal(t, tt.command, cmdErr.Command)
				assert.Contains(t, err.Error(), "bad command name")
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestSSHClientRunCommandCancelled(t *testing.T) {
	srv := startMockSSHServer(t, func(channel ssh.Channel, requests <-chan *ssh.Request) {
		defer func() { _ = channel.Close() }()
		for req := range requests {
			if req.Type == "exec" {
				// Never answer; wait for the client to give up
				_ = req.Reply(true, nil)
			}
		}
	})

	client := createConnectedTestClient(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.RunCommand(ctx, "/tool sniffer quick")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsCommandError(err))
}

// blackholeProxy forwards TCP traffic to target until stalled is set, after
// which it silently drops everything in both directions
type blackholeProxy struct {
	listener net.Listener
	target   string
	stalled  *atomic.Bool
}

func startBlackholeProxy(t *testing.T, target string, stalled *atomic.Bool) *blackholeProxy {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := &blackholeProxy{listener: listener, target: target, stalled: stalled}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			upstream, err := net.Dial("tcp", target)
			if err != nil {
				_ = conn.Close()
				continue
			}
			go p.pipe(conn, upstream)
			go p.pipe(upstream, conn)
		}
	}()
	t.Cleanup(func() { _ = listener.Close() })
	return p
}

func (p *blackholeProxy) pipe(src, dst net.Conn) {
	defer func() { _ = dst.Close() }()
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if err != nil {
			return
		}
		if p.stalled.Load() {
			continue
		}
		if _, err := dst.Write(buf[:n]); err != nil {
			return
		}
	}
}

func (p *blackholeProxy) port() int {
	return p.listener.Addr().(*net.TCPAddr).Port
}

func TestSSHClientRunCommandSilentLink(t *testing.T) {
	old := channelCloseTimeout
	channelCloseTimeout = 200 * time.Millisecond
	t.Cleanup(func() { channelCloseTimeout = old })

	var stalled atomic.Bool
	srv := startMockSSHServer(t, func(channel ssh.Channel, requests <-chan *ssh.Request) {
		defer func() { _ = channel.Close() }()
		for req := range requests {
			if req.Type == "exec" {
				_ = req.Reply(true, nil)
				// The link goes dark while the command runs
				stalled.Store(true)
			}
		}
	})
	proxy := startBlackholeProxy(t, net.JoinHostPort(srv.address, strconv.Itoa(srv.port)), &stalled)

	client, err := newSSHClient(ClientConfig{
		Address:    "127.0.0.1",
		Port:       proxy.port(),
		User:       "admin",
		PrivateKey: generateTestClientKey(t),
		Timeout:    2 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	out, err := client.RunCommand(ctx, "/tool torch ether1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, out)
	assert.Less(t, time.Since(start), 5*time.Second, "a silent link must not block the command")

	assert.False(t, client.IsConnected(), "the dead connection is dropped")
	_, err = client.RunCommand(context.Background(), "/system identity print")
	assert.ErrorIs(t, err, utils.ErrNotConnected)
}

// auditCounter records audit events as "type/outcome"
type auditCounter struct {
	mu     sync.Mutex
	events map[string]int
}

func (a *auditCounter) RecordSecurityEvent(eventType, outcome string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events[eventType+"/"+outcome]++
}

func TestSSHClientConnectIsAudited(t *testing.T) {
	srv := startMockSSHServer(t, routerHandler("", func(string) (string, uint32) {
		return "", 0
	}))

	rec := &auditCounter{events: make(map[string]int)}
	client, err := newSSHClient(ClientConfig{
		Address:    srv.address,
		Port:       srv.port,
		User:       "admin",
		PrivateKey: generateTestClientKey(t),
		Timeout:    2 * time.Second,
		Audit:      security.NewLogger(rec),
	})
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.events["ssh_connection_attempt/unknown"])
	assert.Equal(t, 1, rec.events["ssh_connection_success/success"])
	assert.Equal(t, 1, rec.events["ssh_host_key_unverified/unknown"])
}

func TestSSHClientNotConnected(t *testing.T) {
	client := &sshClient{
		address: "10.42.68.1",
		port:    22,
		user:    "admin",
	}

	_, err := client.RunCommand(context.Background(), "/system resource print")
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrNotConnected)

	_, err = client.Download(context.Background(), "log.0.txt", filepath.Join(t.TempDir(), "log.0.txt"))
	assert.ErrorIs(t, err, utils.ErrNotConnected)

	assert.False(t, client.IsConnected())
	assert.NoError(t, client.Close())
}

func TestSSHClientConnectFailure(t *testing.T) {
	// Reserve a port, then free it so nothing is listening
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	client, err := newSSHClient(ClientConfig{
		Address:    "127.0.0.1",
		Port:       port,
		User:       "admin",
		PrivateKey: generateTestClientKey(t),
		Timeout:    100 * time.Millisecond,
	})
	require.NoError(t, err)

	err = client.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
	assert.False(t, client.IsConnected())
}

func TestSSHClientDownload(t *testing.T) {
	remoteDir := t.TempDir()
	content := []byte("may/01 10:00:00 system,info router rebooted\n")
	require.NoError(t, os.WriteFile(filepath.Join(remoteDir, "log.0.txt"), content, 0o644))

	srv := startMockSSHServer(t, routerHandler(remoteDir, func(string) (string, uint32) { return "", 0 }))
	client := createConnectedTestClient(t, srv)

	localDir := t.TempDir()

	t.Run("existing file", func(t *testing.T) {
		local := filepath.Join(localDir, "output", "files", "log.0.txt")
		n, err := client.Download(context.Background(), "log.0.txt", local)
		require.NoError(t, err)
		assert.Equal(t, int64(len(content)), n)

		got, err := os.ReadFile(local)
		require.NoError(t, err)
		assert.Equal(t, content, got)
	})

	t.Run("missing file leaves nothing behind", func(t *testing.T) {
		local := filepath.Join(localDir, "output", "files", "absent.txt")
		_, err := client.Download(context.Background(), "absent.txt", local)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "opening remote file absent.txt")

		_, statErr := os.Stat(local)
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("commands still work after sftp is open", func(t *testing.T) {
		_, err := client.RunCommand(context.Background(), "/system identity print")
		assert.NoError(t, err)
	})
}

func TestWriteLocalFileCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	local := filepath.Join(t.TempDir(), "files", "partial.bin")
	_, err := writeLocalFile(ctx, &infiniteReader{}, local)
	require.ErrorIs(t, err, context.Canceled)

	_, statErr := os.Stat(local)
	assert.True(t, os.IsNotExist(statErr), "partial file must be removed")
}

type infiniteReader struct{}

func (infiniteReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'a'
	}
	return len(p), nil
}
