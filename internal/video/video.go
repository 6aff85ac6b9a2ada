// Package video stores execution recordings under a date-nested layout,
// <root>/YYYY/MM/DD/<request_id>.webm. Files are immutable once renamed
// into place; readers tolerate a file deleted by the retention sweep.
package video

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/browserd/browserd/internal/model"
)

// Store manages the video root. Paths handed to other components are
// relative to the root; only Store resolves them to the filesystem.
type Store struct {
	root string
	log  *zap.Logger
}

func NewStore(root string, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating video root: %w", err)
	}
	return &Store{root: root, log: log}, nil
}

// TempPath returns a scratch location for an in-progress recording. The
// recorder writes here; Place moves the finished file into the dated tree.
func (s *Store) TempPath(requestID string) string {
	return filepath.Join(s.root, "."+requestID+".webm.part")
}

// Place moves a finished recording into today's directory and returns the
// root-relative path plus the authoritative on-disk size.
func (s *Store) Place(requestID, srcPath string) (string, float64, error) {
	fi, err := os.Stat(srcPath)
	if err != nil {
		return "", 0, fmt.Errorf("stating recording: %w", err)
	}
	if fi.Size() == 0 {
		os.Remove(srcPath)
		return "", 0, fmt.Errorf("recording for %s is empty", requestID)
	}

	now := time.Now()
	rel := filepath.Join(now.Format("2006"), now.Format("01"), now.Format("02"), requestID+".webm")
	dst := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, fmt.Errorf("creating dated directory: %w", err)
	}
	if err := os.Rename(srcPath, dst); err != nil {
		return "", 0, fmt.Errorf("placing recording: %w", err)
	}
	return rel, float64(fi.Size()) / (1024 * 1024), nil
}

// Open opens a stored recording by its root-relative path.
func (s *Store) Open(relPath string) (*os.File, error) {
	full, err := s.fullPath(relPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("opening recording %s: %w", relPath, err)
	}
	return f, nil
}

// fullPath resolves relPath under the root, rejecting traversal outside it.
func (s *Store) fullPath(relPath string) (string, error) {
	full := filepath.Join(s.root, relPath)
	if !strings.HasPrefix(full, filepath.Clean(s.root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("recording path %q: %w", relPath, model.ErrNotFound)
	}
	return full, nil
}

// Info stats a stored recording. A missing file is not an error: the
// artifact may have been reclaimed while the job row survives.
func (s *Store) Info(requestID, relPath string) (*model.VideoInfo, error) {
	info := &model.VideoInfo{RequestID: requestID, Path: relPath}
	if relPath == "" {
		return info, nil
	}
	full, err := s.fullPath(relPath)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return info, nil
		}
		return nil, fmt.Errorf("stating recording %s: %w", relPath, err)
	}
	info.Exists = true
	info.SizeMB = float64(fi.Size()) / (1024 * 1024)
	info.CreatedAt = fi.ModTime()
	return info, nil
}

// Stats describes the whole video root.
type Stats struct {
	Files       int     `json:"files"`
	TotalSizeMB float64 `json:"total_size_mb"`
}

func (s *Store) Stats() (*Stats, error) {
	var st Stats
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".webm") {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		st.Files++
		st.TotalSizeMB += float64(fi.Size()) / (1024 * 1024)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking video root: %w", err)
	}
	return &st, nil
}

// Sweep deletes recordings older than retentionDays by mtime, calls
// onDelete with each request_id so the job row can be unlinked, and prunes
// emptied date directories. Abandoned ".part" scratch files past the cutoff
// are reclaimed too; those never had a job row pointing at them, so no
// onDelete. Returns the number of files removed.
func (s *Store) Sweep(retentionDays int, onDelete func(requestID string) error) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	removed := 0

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		isPartial := strings.HasSuffix(d.Name(), ".part")
		if !isPartial && !strings.HasSuffix(d.Name(), ".webm") {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		if fi.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			s.log.Warn("removing expired recording", zap.String("path", path), zap.Error(err))
			return nil
		}
		removed++
		if isPartial {
			return nil
		}
		requestID := strings.TrimSuffix(d.Name(), ".webm")
		if err := onDelete(requestID); err != nil {
			s.log.Warn("unlinking video path",
				zap.String("request_id", requestID), zap.Error(err))
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweeping video root: %w", err)
	}

	s.pruneEmptyDirs()
	return removed, nil
}

// pruneEmptyDirs removes emptied date directories, deepest first. The root
// itself is kept.
func (s *Store) pruneEmptyDirs() {
	var dirs []string
	filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != s.root {
			dirs = append(dirs, path)
		}
		return nil
	})
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err == nil && len(entries) == 0 {
			os.Remove(dirs[i])
		}
	}
}
