package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dinner-queue/internal/models"
)

func TestArchiveWritesNDJSON(t *testing.T) {
	dir := t.TempDir()
	a := New(&LocalUploader{BaseDir: dir})
	a.now = func() time.Time { return time.Date(2026, 10, 14, 3, 0, 0, 0, time.UTC) }

	jobs := []models.Job{
		{ID: 3, Type: "meal_generation", Status: models.StatusCompleted},
		{ID: 9, Type: "data_cleanup", Status: models.StatusFailed},
	}
	loc, err := a.Archive(context.Background(), jobs)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "jobs/2026/10/14/3-9.ndjson"), loc)

	raw, err := os.ReadFile(loc)
	require.NoError(t, err)
	var ids []int64
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		var j models.Job
		require.NoError(t, json.Unmarshal(sc.Bytes(), &j))
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []int64{3, 9}, ids)
}

func TestArchiveEmptyBatch(t *testing.T) {
	dir := t.TempDir()
	loc, err := New(&LocalUploader{BaseDir: dir}).Archive(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, loc)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLocalUploaderStaysInBaseDir(t *testing.T) {
	dir := t.TempDir()
	loc, err := (&LocalUploader{BaseDir: dir}).Upload(context.Background(), "../../etc/x.ndjson", []byte("{}\n"), "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "etc/x.ndjson"), loc)
}
