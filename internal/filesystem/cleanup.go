package filesystem

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// TempPatterns match files left behind by interrupted downloads.
var TempPatterns = []string{"*.tmp", "*.partial", "*.downloading"}

// CleanupSummary reports what Cleanup removed.
type CleanupSummary struct {
	FilesRemoved       int
	BytesFreed         int64
	DirectoriesRemoved int
	Errors             []string
	Duration           time.Duration
}

// Cleanup removes temporary files under root, then removes directories left
// empty, deepest first. root itself is never removed. Failures are collected
// in the summary rather than stopping the sweep.
func (fsys *FileSystem) Cleanup(root string) CleanupSummary {
	start := time.Now()
	var summary CleanupSummary
	var dirs []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root {
				dirs = append(dirs, path)
			}
			return nil
		}
		if !isTempFile(d.Name()) {
			return nil
		}

		var size int64
		if info, err := d.Info(); err == nil {
			size = info.Size()
		}
		if err := os.Remove(path); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("remove %s: %v", path, err))
			return nil
		}
		summary.FilesRemoved++
		summary.BytesFreed += size
		return nil
	})
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
	}

	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(filepath.Separator)) > strings.Count(dirs[j], string(filepath.Separator))
	})
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dir); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("remove %s: %v", dir, err))
			continue
		}
		summary.DirectoriesRemoved++
	}

	summary.Duration = time.Since(start)
	fsys.log.Infof("Cleanup of %s: %d files (%s), %d directories, %d errors",
		root, summary.FilesRemoved, humanize.Bytes(uint64(summary.BytesFreed)), summary.DirectoriesRemoved, len(summary.Errors))
	return summary
}

func isTempFile(name string) bool {
	for _, pattern := range TempPatterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
