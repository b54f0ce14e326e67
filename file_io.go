// file_io.go - Download store: sanitized WAV writes under one directory

/*
(c) 2025 - 2026 Phylosonics
https://github.com/phylosonics/PhyloEngine
License: GPLv3 or later
*/

package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// DownloadStore writes fetched WAV files into a restricted directory on
// the host. Every filename passes the traversal check before any write.
type DownloadStore struct {
	baseDir string
}

func NewDownloadStore(baseDir string) *DownloadStore {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		absBase = baseDir
	}
	return &DownloadStore{baseDir: absBase}
}

func (d *DownloadStore) BaseDir() string { return d.baseDir }

// sanitizePath ensures the given path is safe and within baseDir.
func (d *DownloadStore) sanitizePath(path string) (string, bool) {
	// Reject absolute paths and paths containing ".."
	if filepath.IsAbs(path) || strings.Contains(path, "..") {
		return "", false
	}

	fullPath := filepath.Join(d.baseDir, path)

	// Final check: must be inside baseDir
	rel, err := filepath.Rel(d.baseDir, fullPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}

	return fullPath, true
}

// Save writes data under the sanitized name and returns the full path.
func (d *DownloadStore) Save(name string, data []byte) (string, error) {
	fullPath, ok := d.sanitizePath(name)
	if !ok {
		return "", errors.Errorf("unsafe download name %q", name)
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return "", errors.Wrap(err, "create download dir")
	}
	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		return "", errors.Wrap(err, "write download")
	}
	return fullPath, nil
}
