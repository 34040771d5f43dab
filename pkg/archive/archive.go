// Package archive packs the collection output tree into a timestamped .tar.gz.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/rosac/pkg/utils"
)

// TimestampFormat is the UTC, second precision timestamp used in archive names
const TimestampFormat = "20060102-150405"

// Name returns the archive file name for a run at t, e.g. output_20240501-100000.tar.gz
func Name(prefix string, t time.Time) string {
	return fmt.Sprintf("%s_%s.tar.gz", prefix, t.UTC().Format(TimestampFormat))
}

// Result describes a written archive
type Result struct {
	Path    string
	Bytes   int64
	Entries int
}

// Create archives workDir/srcName as workDir/<srcName>_<timestamp>.tar.gz with
// entries prefixed by srcName/, then removes the source tree. If the archive
// cannot be completed it is deleted and the source tree is left in place.
// An existing archive of the same name is never overwritten.
func Create(ctx context.Context, workDir, srcName string, now time.Time) (*Result, error) {
	srcDir := filepath.Join(workDir, srcName)
	info, err := os.Stat(srcDir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", srcDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", srcDir)
	}

	archivePath := filepath.Join(workDir, Name(srcName, now))
	klog.V(4).Infof("Archiving %s into %s", srcDir, archivePath)

	f, err := os.OpenFile(archivePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}

	entries, writeErr := writeTarGz(ctx, f, workDir, srcName)
	closeErr := f.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		if rmErr := os.Remove(archivePath); rmErr != nil {
			klog.Warningf("Failed to remove partial archive %s: %v", archivePath, rmErr)
		}
		return nil, fmt.Errorf("failed to write archive %s: %w", archivePath, writeErr)
	}

	st, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	if err := os.RemoveAll(srcDir); err != nil {
		// The archive is complete; a leftover tree is only clutter
		klog.Warningf("Archive written but failed to remove %s: %v", srcDir, err)
	}

	klog.V(2).Infof("Wrote %s (%d entries, %d bytes)", archivePath, entries, st.Size())
	return &Result{Path: archivePath, Bytes: st.Size(), Entries: entries}, nil
}

// writeTarGz walks baseDir/srcName and streams it through tar and gzip into w
func writeTarGz(ctx context.Context, w io.Writer, baseDir, srcName string) (int, error) {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	entries := 0
	walkErr := filepath.WalkDir(filepath.Join(baseDir, srcName), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(baseDir, path)
		if err != nil {
			return err
		}
		if err := addEntry(tw, path, filepath.ToSlash(rel), d); err != nil {
			return fmt.Errorf("adding %s: %w", rel, err)
		}
		entries++
		return nil
	})

	twErr := tw.Close()
	gzErr := gz.Close()
	return entries, errors.Join(walkErr, twErr, gzErr)
}

func addEntry(tw *tar.Writer, path, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return err
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = name
	if info.IsDir() {
		hdr.Name += "/"
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	_, err = io.Copy(tw, src)
	return err
}

// Extract unpacks a .tar.gz produced by Create into destDir. Entries that would
// land outside destDir are rejected.
func Extract(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read gzip stream: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive entry: %w", err)
		}

		target, err := utils.SafeLocalPath(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := extractFile(tr, target, hdr); err != nil {
				return err
			}
		default:
			klog.V(4).Infof("Skipping %s entry %s", string(hdr.Typeflag), hdr.Name)
			continue
		}

		if err := os.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
			klog.V(4).Infof("Failed to restore mtime of %s: %v", target, err)
		}
	}
}

func extractFile(r io.Reader, target string, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, r); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}
