package routeros

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/sftp"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/rosac/pkg/utils"
)

// getSFTP returns the SFTP session, opening it on first use.
// The session shares the SSH connection used for commands.
func (c *sshClient) getSFTP() (*sftp.Client, error) {
	if c.sftpClient != nil {
		return c.sftpClient, nil
	}
	if c.sshClient == nil {
		return nil, utils.ErrNotConnected
	}

	klog.V(4).Info("Opening SFTP session")
	sc, err := sftp.NewClient(c.sshClient)
	if err != nil {
		return nil, fmt.Errorf("creating SFTP client: %w", err)
	}
	c.sftpClient = sc
	return sc, nil
}

// Download copies remoteName to localPath, creating parent directories.
// A partially written local file is removed on failure.
func (c *sshClient) Download(ctx context.Context, remoteName, localPath string) (int64, error) {
	sc, err := c.getSFTP()
	if err != nil {
		return 0, err
	}

	klog.V(4).Infof("Downloading %s to %s", remoteName, localPath)

	src, err := sc.Open(remoteName)
	if err != nil {
		return 0, fmt.Errorf("opening remote file %s: %w", remoteName, err)
	}
	defer func() { _ = src.Close() }()

	n, err := writeLocalFile(ctx, src, localPath)
	if err != nil {
		return n, fmt.Errorf("downloading %s: %w", remoteName, err)
	}

	klog.V(2).Infof("Downloaded %s (%d bytes)", remoteName, n)
	return n, nil
}

// writeLocalFile streams r into localPath honoring ctx cancellation between reads
func writeLocalFile(ctx context.Context, r io.Reader, localPath string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, fmt.Errorf("creating directory for %s: %w", localPath, err)
	}

	dst, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", localPath, err)
	}

	n, copyErr := io.Copy(dst, &contextReader{ctx: ctx, r: r})
	closeErr := dst.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(localPath)
		return n, copyErr
	}
	return n, nil
}

// contextReader stops a copy once its context is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
