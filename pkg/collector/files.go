package collector

import (
	"context"
	"fmt"
	"path/filepath"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/rosac/pkg/utils"
)

// Download kinds, used in results and metrics
const (
	KindFile   = "file"
	KindBackup = "backup"
	KindConfig = "config"
)

// DownloadResult records the outcome of one download
type DownloadResult struct {
	Kind   string `yaml:"kind"`
	Remote string `yaml:"remote"`
	// Local is relative to the output directory
	Local        string `yaml:"local,omitempty"`
	Bytes        int64  `yaml:"bytes"`
	Error        string `yaml:"error,omitempty"`
	CleanupError string `yaml:"cleanup_error,omitempty"`

	Err error `yaml:"-"`
}

func (r *DownloadResult) setError(err error) {
	r.Err = err
	r.Error = err.Error()
}

// CollectFiles lists the device file system and downloads every non-directory
// entry into output/files/<name>, keeping the remote directory structure.
// A failed listing is returned as an error; failed downloads are recorded in
// their result and skipped.
func (c *Collector) CollectFiles(ctx context.Context) ([]DownloadResult, error) {
	filesDir := filepath.Join(c.config.OutputDir, FilesDir)

	var results []DownloadResult
	err := c.command(ctx, func(ctx context.Context) error {
		files, err := c.client.ListFiles(ctx)
		if err != nil {
			return err
		}

		for _, f := range files {
			if f.IsDir() {
				klog.V(4).Infof("Skipping %s %s", f.Type, f.Name)
				continue
			}
			results = append(results, DownloadResult{Kind: KindFile, Remote: f.Name, Bytes: f.Size})
		}
		return nil
	})
	if err != nil {
		return nil, utils.NewStageError("files", "", fmt.Errorf("listing device files: %w", err))
	}
	klog.V(4).Infof("Device lists %d downloadable files", len(results))

	for i := range results {
		r := &results[i]
		if err := ctx.Err(); err != nil {
			r.setError(fmt.Errorf("not downloaded: %w", err))
			continue
		}

		local, err := utils.SafeLocalPath(filesDir, r.Remote)
		if err != nil {
			c.audit.LogPathTraversalAttempt(c.client.GetAddress(), r.Remote, err)
			r.setError(utils.NewStageError("files", r.Remote, err))
			c.metrics.RecordDownload(KindFile, 0, err)
			continue
		}

		n, err := c.download(ctx, KindFile, r.Remote, local)
		r.Bytes = n
		if err != nil {
			r.setError(utils.NewStageError("files", r.Remote, err))
			continue
		}
		r.Local = relOutput(c.config.OutputDir, local)
	}

	klog.V(2).Infof("Downloaded %d of %d device files", countOK(results), len(results))
	return results, nil
}

// relOutput returns path relative to the output directory, slash separated
func relOutput(outputDir, path string) string {
	rel, err := filepath.Rel(outputDir, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func countOK(results []DownloadResult) int {
	n := 0
	for _, r := range results {
		if r.Error == "" {
			n++
		}
	}
	return n
}
