package video

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/browserd/browserd/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return s
}

func writeRecording(t *testing.T, s *Store, requestID string, size int) string {
	t.Helper()
	tmp := s.TempPath(requestID)
	require.NoError(t, os.WriteFile(tmp, make([]byte, size), 0o644))
	rel, _, err := s.Place(requestID, tmp)
	require.NoError(t, err)
	return rel
}

func TestPlaceAndOpen(t *testing.T) {
	s := newTestStore(t)
	rel := writeRecording(t, s, "req-1", 2048)

	// Dated layout: YYYY/MM/DD/<id>.webm
	now := time.Now()
	want := filepath.Join(now.Format("2006"), now.Format("01"), now.Format("02"), "req-1.webm")
	assert.Equal(t, want, rel)

	f, err := s.Open(rel)
	require.NoError(t, err)
	defer f.Close()
	fi, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(2048), fi.Size())

	// Temp file is gone after placement.
	_, err = os.Stat(s.TempPath("req-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestPlaceRejectsEmptyRecording(t *testing.T) {
	s := newTestStore(t)
	tmp := s.TempPath("req-1")
	require.NoError(t, os.WriteFile(tmp, nil, 0o644))

	_, _, err := s.Place("req-1", tmp)
	assert.Error(t, err)
	_, statErr := os.Stat(tmp)
	assert.True(t, os.IsNotExist(statErr), "empty temp file is cleaned up")
}

func TestOpenMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Open("2026/01/01/nope.webm")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestOpenRejectsPathOutsideRoot(t *testing.T) {
	s := newTestStore(t)
	outside := filepath.Join(filepath.Dir(s.root), "secret")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))

	_, err := s.Open("../secret")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.Open("2026/01/../../../secret")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = s.Info("req-1", "../secret")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestInfo(t *testing.T) {
	s := newTestStore(t)
	rel := writeRecording(t, s, "req-1", 1024*1024)

	info, err := s.Info("req-1", rel)
	require.NoError(t, err)
	assert.True(t, info.Exists)
	assert.InDelta(t, 1.0, info.SizeMB, 0.01)

	// A reclaimed artifact reports Exists=false, not an error.
	info, err = s.Info("req-2", "2026/01/01/req-2.webm")
	require.NoError(t, err)
	assert.False(t, info.Exists)

	info, err = s.Info("req-3", "")
	require.NoError(t, err)
	assert.False(t, info.Exists)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	writeRecording(t, s, "req-1", 1024*1024)
	writeRecording(t, s, "req-2", 2*1024*1024)

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Files)
	assert.InDelta(t, 3.0, st.TotalSizeMB, 0.01)
}

func TestSweepRemovesExpired(t *testing.T) {
	s := newTestStore(t)
	oldRel := writeRecording(t, s, "req-old", 1024)
	keepRel := writeRecording(t, s, "req-new", 1024)

	oldAbs := filepath.Join(s.root, oldRel)
	tenDaysAgo := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(oldAbs, tenDaysAgo, tenDaysAgo))

	var unlinked []string
	removed, err := s.Sweep(7, func(requestID string) error {
		unlinked = append(unlinked, requestID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"req-old"}, unlinked)

	_, err = os.Stat(oldAbs)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(s.root, keepRel))
	assert.NoError(t, err)
}

func TestSweepReclaimsAbandonedPartials(t *testing.T) {
	s := newTestStore(t)

	// A recorder that died mid-job leaves its scratch file behind.
	stale := s.TempPath("req-dead")
	require.NoError(t, os.WriteFile(stale, []byte("frames"), 0o644))
	tenDaysAgo := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(stale, tenDaysAgo, tenDaysAgo))

	fresh := s.TempPath("req-live")
	require.NoError(t, os.WriteFile(fresh, []byte("frames"), 0o644))

	var unlinked []string
	removed, err := s.Sweep(7, func(requestID string) error {
		unlinked = append(unlinked, requestID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Empty(t, unlinked, "partials have no job row to unlink")

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err, "in-progress recording is kept")
}

func TestSweepPrunesEmptyDirs(t *testing.T) {
	s := newTestStore(t)

	// A recording dated entirely in the past leaves an empty tree behind.
	dir := filepath.Join(s.root, "2020", "01", "15")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	file := filepath.Join(dir, "req-old.webm")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	past := time.Date(2020, 1, 15, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(file, past, past))

	removed, err := s.Sweep(7, func(string) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(filepath.Join(s.root, "2020"))
	assert.True(t, os.IsNotExist(err), "emptied date tree is pruned")
	_, err = os.Stat(s.root)
	assert.NoError(t, err, "root is kept")
}
