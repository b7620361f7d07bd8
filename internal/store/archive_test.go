package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livedoc/internal/model"
)

func TestBackupRestore_SameStore(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := model.NewKey("space", "doc")
	require.NoError(t, s.Initialize(ctx, key, update(`{"v":1}`, `{}`)))

	token, err := s.Backup(ctx, key)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, err = s.Patch(ctx, key, update(`{"v":2}`, `{"v":1}`))
	require.NoError(t, err)

	require.NoError(t, s.Restore(ctx, key, token))
	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(got.Patch))
	assert.Equal(t, int64(1), got.Seq)

	// Restoring again is harmless.
	require.NoError(t, s.Restore(ctx, key, token))
	got, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(got.Patch))
}

func TestBackupRestore_AcrossMachinesSharingArchive(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "archive.db")
	ctx := context.Background()
	key := model.NewKey("space", "doc")

	m1, err := Open(filepath.Join(dir, "m1.db"), WithArchive(archivePath))
	require.NoError(t, err)
	defer m1.Close()
	m2, err := Open(filepath.Join(dir, "m2.db"), WithArchive(archivePath))
	require.NoError(t, err)
	defer m2.Close()

	require.NoError(t, m1.Initialize(ctx, key, update(`{"owner":"m1"}`, `{}`)))
	_, err = m1.Patch(ctx, key, update(`{"n":7}`, `{"n":null}`))
	require.NoError(t, err)
	token, err := m1.Backup(ctx, key)
	require.NoError(t, err)

	_, err = m2.Get(ctx, key)
	require.True(t, model.IsCode(err, model.ErrDocumentNotFound))

	require.NoError(t, m2.Restore(ctx, key, token))
	got, err := m2.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `{"n":7,"owner":"m1"}`, string(got.Patch))
	assert.Equal(t, int64(2), got.Seq)

	// New writes on m2 continue the sequence.
	seq, err := m2.Patch(ctx, key, update(`{"n":8}`, `{"n":7}`))
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
}

func TestRestore_UnknownToken(t *testing.T) {
	s := createTestStore(t)

	err := s.Restore(context.Background(), model.NewKey("space", "doc"), "nope")
	assert.True(t, model.IsCode(err, model.ErrRestoreFailed), "got %v", err)
}

func TestBackup_MissingDocument(t *testing.T) {
	s := createTestStore(t)

	_, err := s.Backup(context.Background(), model.NewKey("space", "doc"))
	assert.True(t, model.IsCode(err, model.ErrDocumentNotFound), "got %v", err)
}

func TestBackup_KeepsEveryArchiveUntilPruned(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := model.NewKey("space", "doc")
	require.NoError(t, s.Initialize(ctx, key, update(`{"v":1}`, `{}`)))

	recorded, err := s.Backup(ctx, key)
	require.NoError(t, err)
	for i := 0; i < archivesKept; i++ {
		_, err := s.Backup(ctx, key)
		require.NoError(t, err)
	}

	assert.Equal(t, archivesKept+1, countArchives(t, s, key))
	require.NoError(t, s.Restore(ctx, key, recorded))
}

func TestPrune_NeverDropsRecordedArchive(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	key := model.NewKey("space", "doc")
	other := model.NewKey("space", "other")
	require.NoError(t, s.Initialize(ctx, key, update(`{"v":1}`, `{}`)))
	require.NoError(t, s.Initialize(ctx, other, update(`{"o":1}`, `{}`)))

	recorded, err := s.Backup(ctx, key)
	require.NoError(t, err)
	otherToken, err := s.Backup(ctx, other)
	require.NoError(t, err)
	var latest string
	for i := 0; i < 5; i++ {
		latest, err = s.Backup(ctx, key)
		require.NoError(t, err)
	}

	require.NoError(t, s.Prune(ctx, key, recorded))
	assert.Equal(t, archivesKept+1, countArchives(t, s, key), "newest archives plus the recorded one")
	require.NoError(t, s.Restore(ctx, key, recorded))

	require.NoError(t, s.Prune(ctx, key, latest))
	assert.Equal(t, archivesKept, countArchives(t, s, key))
	err = s.Restore(ctx, key, recorded)
	assert.True(t, model.IsCode(err, model.ErrRestoreFailed), "got %v", err)
	require.NoError(t, s.Restore(ctx, key, latest))

	require.NoError(t, s.Restore(ctx, other, otherToken), "other documents are untouched")
}

func countArchives(t *testing.T, s *Store, key model.Key) int {
	t.Helper()
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM `+s.archive+`.archives WHERE namespace = ? AND id = ?`,
		key.Namespace, key.ID).Scan(&n)
	require.NoError(t, err)
	return n
}
