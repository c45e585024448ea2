package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// CleanupResult holds the result of a cleanup operation.
type CleanupResult struct {
	FilesDeleted int
	BytesFreed   int64
	FilesSkipped int
	Errors       []error
}

// Cleanup deletes run archives in dir last modified before cutoff.
// Files not named runs-*.parquet are left alone. A missing dir is not
// an error. With dryRun nothing is deleted.
func Cleanup(dir string, cutoff time.Time, dryRun bool) CleanupResult {
	var result CleanupResult

	files, err := listArchives(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			result.Errors = append(result.Errors, fmt.Errorf("list archives: %w", err))
		}
		return result
	}

	for _, f := range files {
		if f.modTime.After(cutoff) {
			result.FilesSkipped++
			continue
		}

		if !dryRun {
			if err := os.Remove(f.path); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", f.path, err))
				continue
			}
		}

		result.FilesDeleted++
		result.BytesFreed += f.size
	}

	if result.FilesDeleted > 0 {
		log.Info("archive cleanup", "dir", dir, "deleted", result.FilesDeleted,
			"bytes", result.BytesFreed, "dry_run", dryRun)
	}
	return result
}

type archiveFile struct {
	path    string
	size    int64
	modTime time.Time
}

// listArchives lists run archives oldest first.
func listArchives(dir string) ([]archiveFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []archiveFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, "runs-") || filepath.Ext(name) != ".parquet" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, archiveFile{
			path:    filepath.Join(dir, name),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})
	return files, nil
}
