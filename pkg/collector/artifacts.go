package collector

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/rosac/pkg/routeros"
	"git.srvlab.io/whiskey/rosac/pkg/utils"
)

// artifact describes a file the device produces on request
type artifact struct {
	kind   string // KindBackup or KindConfig
	name   string // name passed to the create command
	file   string // file the device writes
	subdir string // below output/files
	create func(ctx context.Context, name string) error
}

// errNotYet marks a poll that did not find the artifact yet
var errNotYet = errors.New("artifact not present yet")

// CollectBackup saves a binary system backup on the device, downloads it into
// output/files/backup/ and removes the remote copy.
func (c *Collector) CollectBackup(ctx context.Context) DownloadResult {
	return c.collectArtifact(ctx, artifact{
		kind:   KindBackup,
		name:   routeros.BackupName,
		file:   routeros.BackupFile,
		subdir: "backup",
		create: c.client.SaveBackup,
	})
}

// CollectConfig exports the configuration on the device, downloads it into
// output/files/config/ and removes the remote copy.
func (c *Collector) CollectConfig(ctx context.Context) DownloadResult {
	return c.collectArtifact(ctx, artifact{
		kind:   KindConfig,
		name:   routeros.ConfigName,
		file:   routeros.ConfigFile,
		subdir: "config",
		create: c.client.ExportConfig,
	})
}

// collectArtifact runs create, waits for the file, downloads it and removes the
// remote copy. The remove is issued whenever create was issued, even if the
// file never showed up or the download failed.
func (c *Collector) collectArtifact(ctx context.Context, a artifact) (result DownloadResult) {
	result = DownloadResult{Kind: a.kind, Remote: a.file}
	local := filepath.Join(c.config.OutputDir, FilesDir, a.subdir, a.file)

	err := c.command(ctx, func(ctx context.Context) error {
		return a.create(ctx, a.name)
	})
	c.audit.LogDeviceFileCreate(c.client.GetAddress(), a.file, a.kind, err)
	if err != nil {
		result.setError(utils.NewStageError(a.kind, a.file, err))
		c.metrics.RecordDownload(a.kind, 0, err)
		if errors.Is(err, context.Canceled) {
			return result
		}
		// A timed out create may still finish on the device
		c.removeArtifact(ctx, &result)
		return result
	}

	defer c.removeArtifact(ctx, &result)

	if err := c.waitForArtifact(ctx, a.file); err != nil {
		result.setError(utils.NewStageError(a.kind, a.file, err))
		c.metrics.RecordDownload(a.kind, 0, err)
		return result
	}

	n, err := c.download(ctx, a.kind, a.file, local)
	result.Bytes = n
	if err != nil {
		result.setError(utils.NewStageError(a.kind, a.file, err))
		return result
	}
	result.Local = relOutput(c.config.OutputDir, local)

	klog.V(2).Infof("Collected %s %s (%d bytes)", a.kind, a.file, n)
	return result
}

// waitForArtifact polls the device listing until name appears or the artifact
// wait elapses. A device that never shows the file yields ErrArtifactNotCreated.
func (c *Collector) waitForArtifact(ctx context.Context, name string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = c.config.ArtifactWait
	b.Reset()

	attempt := 0
	op := func() error {
		attempt++
		var exists bool
		err := c.command(ctx, func(ctx context.Context) error {
			var err error
			exists, err = c.client.FileExists(ctx, name)
			return err
		})
		if err != nil {
			return backoff.Permanent(fmt.Errorf("checking for %s: %w", name, err))
		}
		if !exists {
			klog.V(4).Infof("Waiting for %s (attempt %d)", name, attempt)
			return errNotYet
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if errors.Is(err, errNotYet) {
		return fmt.Errorf("%w: %s did not appear within %s", utils.ErrArtifactNotCreated, name, c.config.ArtifactWait)
	}
	return err
}

// removeArtifact deletes the remote copy, recording failure on result
func (c *Collector) removeArtifact(ctx context.Context, result *DownloadResult) {
	// Clean up even when the run is being cancelled
	ctx = context.WithoutCancel(ctx)

	err := c.command(ctx, func(ctx context.Context) error {
		return c.client.RemoveFile(ctx, result.Remote)
	})
	c.audit.LogDeviceFileRemove(c.client.GetAddress(), result.Remote, err)
	if err != nil {
		klog.Warningf("Failed to remove %s from device: %v", result.Remote, err)
		result.CleanupError = err.Error()
		return
	}
	klog.V(4).Infof("Removed %s from device", result.Remote)
}
