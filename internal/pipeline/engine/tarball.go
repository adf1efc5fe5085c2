package engine

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
)

// writeTarGz writes a gzip-compressed tar archive at tarPath containing every
// file under root for which include returns true. Paths inside the archive
// are relative to root, using forward slashes. Directories that include
// rejects are pruned from the walk entirely (e.g. worktree/ for the run-level
// tarball), so a large excluded subtree is never traversed.
func writeTarGz(tarPath, root string, include func(rel string, d os.DirEntry) bool) error {
	tmpPath := tarPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if include != nil && !include(rel, d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			return statErr
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		hdr, hdrErr := tar.FileInfoHeader(info, "")
		if hdrErr != nil {
			return hdrErr
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		src, openErr := os.Open(path)
		if openErr != nil {
			return openErr
		}
		defer func() { _ = src.Close() }()
		_, copyErr := io.Copy(tw, src)
		return copyErr
	})
	if closeErr := tw.Close(); walkErr == nil {
		walkErr = closeErr
	}
	if closeErr := gz.Close(); walkErr == nil {
		walkErr = closeErr
	}
	if closeErr := f.Close(); walkErr == nil {
		walkErr = closeErr
	}
	if walkErr != nil {
		_ = os.Remove(tmpPath)
		return walkErr
	}
	return os.Rename(tmpPath, tarPath)
}

// includeInStageArchive selects which files go into a stage's stage.tgz: the
// whole stage directory except the archive itself (and its in-progress tmp
// file), to avoid a file trying to include itself mid-write.
func includeInStageArchive(rel string, d os.DirEntry) bool {
	if rel == "stage.tgz" || rel == "stage.tgz.tmp" {
		return false
	}
	return true
}
