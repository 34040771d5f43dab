package routeros

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/rosac/pkg/security"
	"git.srvlab.io/whiskey/rosac/pkg/utils"
)

// channelCloseTimeout bounds the wait for the device to confirm an interrupted
// command's channel close before the whole connection is dropped
var channelCloseTimeout = 2 * time.Second

// sshClient implements Client using SSH exec for commands and SFTP for downloads
type sshClient struct {
	address         string
	port            int
	user            string
	privateKey      []byte
	keyPassphrase   string
	knownHostsFile  string
	hostKeyCallback ssh.HostKeyCallback
	timeout         time.Duration
	connectRetries  int
	audit           *security.Logger
	sshClient       *ssh.Client
	sftpClient      *sftp.Client
}

// newSSHClient creates a new SSH-based RouterOS client
func newSSHClient(config ClientConfig) (*sshClient, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("address is required")
	}
	if config.User == "" {
		return nil, fmt.Errorf("user is required")
	}
	if config.ConnectRetries < 0 {
		return nil, fmt.Errorf("connect retries cannot be negative")
	}

	// Set defaults
	if config.Port == 0 {
		config.Port = 22
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Audit == nil {
		config.Audit = security.GetLogger()
	}

	return &sshClient{
		address:         config.Address,
		port:            config.Port,
		user:            config.User,
		privateKey:      config.PrivateKey,
		keyPassphrase:   config.KeyPassphrase,
		knownHostsFile:  config.KnownHostsFile,
		hostKeyCallback: config.HostKeyCallback,
		timeout:         config.Timeout,
		connectRetries:  config.ConnectRetries,
		audit:           config.Audit,
	}, nil
}

// GetAddress returns the device address
func (c *sshClient) GetAddress() string {
	return c.address
}

func (c *sshClient) dialAddress() string {
	return net.JoinHostPort(c.address, strconv.Itoa(c.port))
}

// buildSSHConfig assembles auth and host key verification
func (c *sshClient) buildSSHConfig() (*ssh.ClientConfig, error) {
	var hostKeyCallback ssh.HostKeyCallback
	switch {
	case c.hostKeyCallback != nil:
		hostKeyCallback = c.hostKeyCallback
		klog.V(4).Info("Using custom host key verification")
	case c.knownHostsFile != "":
		cb, err := knownhosts.New(c.knownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts %s: %w", c.knownHostsFile, err)
		}
		hostKeyCallback = cb
		klog.V(4).Infof("Verifying host key against %s", c.knownHostsFile)
	default:
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
		c.audit.LogSSHHostKeyUnverified(c.dialAddress())
	}

	if len(c.privateKey) == 0 {
		return nil, fmt.Errorf("private key is required")
	}

	var signer ssh.Signer
	var err error
	if c.keyPassphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(c.privateKey, []byte(c.keyPassphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(c.privateKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return &ssh.ClientConfig{
		User:            c.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.timeout,
	}, nil
}

// Connect establishes the SSH connection, retrying transient dial errors
// up to connectRetries times.
func (c *sshClient) Connect(ctx context.Context) error {
	if c.sshClient != nil {
		return nil
	}

	klog.V(4).Infof("Connecting to RouterOS at %s as user %s", c.dialAddress(), c.user)

	sshConfig, err := c.buildSSHConfig()
	if err != nil {
		return err
	}

	audit := c.audit
	audit.LogSSHConnectionAttempt(c.user, c.dialAddress())

	err = utils.RetryWithBackoff(ctx, utils.DefaultBackoff(), c.connectRetries, func() error {
		return c.dial(ctx, sshConfig)
	})
	if err != nil {
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) > 0 {
			audit.LogSSHHostKeyMismatch(c.dialAddress(), c.knownHostsFile, err)
		}
		audit.LogSSHConnectionFailure(c.user, c.dialAddress(), err)
		return err
	}

	audit.LogSSHConnectionSuccess(c.user, c.dialAddress())
	klog.V(2).Infof("Connected to RouterOS at %s", c.dialAddress())
	return nil
}

func (c *sshClient) dial(ctx context.Context, sshConfig *ssh.ClientConfig) error {
	addr := c.dialAddress()

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	dialer := &net.Dialer{Timeout: c.timeout}
	netConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	// Bound the handshake as well; ssh.ClientConfig.Timeout only covers the TCP dial
	_ = netConn.SetDeadline(time.Now().Add(c.timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, sshConfig)
	if err != nil {
		_ = netConn.Close()
		return fmt.Errorf("SSH handshake with %s failed: %w", addr, err)
	}
	_ = netConn.SetDeadline(time.Time{})

	c.sshClient = ssh.NewClient(sshConn, chans, reqs)
	return nil
}

// Close closes the SFTP session (if any) and the SSH connection
func (c *sshClient) Close() error {
	var errs []error
	if c.sftpClient != nil {
		klog.V(4).Info("Closing SFTP session")
		if err := c.sftpClient.Close(); err != nil {
			errs = append(errs, err)
		}
		c.sftpClient = nil
	}
	if c.sshClient != nil {
		klog.V(4).Info("Closing SSH connection to RouterOS")
		if err := c.sshClient.Close(); err != nil {
			errs = append(errs, err)
		}
		c.sshClient = nil
	}
	return errors.Join(errs...)
}

// dropConnection closes the transport without waiting on the device.
// Later operations fail with ErrNotConnected.
func (c *sshClient) dropConnection() {
	if c.sshClient != nil {
		_ = c.sshClient.Close()
	}
	c.sshClient = nil
	c.sftpClient = nil
}

// IsConnected returns true if SSH connection is active
func (c *sshClient) IsConnected() bool {
	if c.sshClient == nil {
		return false
	}

	// RouterOS may not answer keepalive requests, so use session creation as test
	session, err := c.sshClient.NewSession()
	if err != nil {
		return false
	}
	_ = session.Close()
	return true
}

// RunCommand executes a RouterOS CLI command on a new channel of the shared connection
func (c *sshClient) RunCommand(ctx context.Context, command string) (string, error) {
	if c.sshClient == nil {
		return "", utils.ErrNotConnected
	}

	klog.V(5).Infof("Executing RouterOS command: %s", strings.TrimRight(command, "\r\n"))

	session, err := c.sshClient.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create SSH session: %w", err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Close()
		select {
		case <-done:
			return stdout.String(), fmt.Errorf("command interrupted: %w", ctx.Err())
		case <-time.After(channelCloseTimeout):
			// The device never acknowledged the close; only tearing down the
			// connection unblocks session.Run. stdout may still be written to.
			klog.Warningf("%s did not close the command channel within %s, dropping the connection",
				c.dialAddress(), channelCloseTimeout)
			c.dropConnection()
			return "", fmt.Errorf("command interrupted: %w", ctx.Err())
		}
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), &CommandError{
				Command:    command,
				ExitStatus: exitErr.ExitStatus(),
				Stdout:     stdout.String(),
				Stderr:     stderr.String(),
			}
		}
		var missing *ssh.ExitMissingError
		if errors.As(err, &missing) {
			// Some RouterOS builds close the channel without an exit status
			klog.V(4).Infof("Command finished without exit status: %s", strings.TrimSpace(command))
			return stdout.String(), nil
		}
		return stdout.String(), fmt.Errorf("failed to run command: %w", err)
	}

	output := stdout.String()
	klog.V(5).Infof("RouterOS response: %s", output)
	return output, nil
}

// trimOutput shortens device output for error messages
func trimOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
