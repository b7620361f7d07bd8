package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/livedoc/internal/model"
)

// archivesKept is how many archives are retained per document.
const archivesKept = 3

// Backup snapshots the document into the archive database and returns the
// archive token. Older archives are kept until Prune.
func (s *Store) Backup(ctx context.Context, key model.Key) (string, error) {
	token, err := uuid.NewV7()
	if err != nil {
		return "", model.WrapError(model.ErrArchiveFailed, "archive token", err)
	}

	err = s.retry(ctx, "backup", func() error {
		return inTx(ctx, s.db, func(tx *sql.Tx) error {
			var snapshot string
			var head int64
			err := tx.QueryRowContext(ctx, `
				SELECT snapshot, head_seq FROM documents WHERE namespace = ? AND id = ?
			`, key.Namespace, key.ID).Scan(&snapshot, &head)
			if errors.Is(err, sql.ErrNoRows) {
				return model.KeyError(model.ErrDocumentNotFound, key, nil)
			}
			if err != nil {
				return fmt.Errorf("read snapshot: %w", err)
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO `+s.archive+`.archives (token, namespace, id, snapshot, head_seq, created)
				VALUES (?, ?, ?, ?, ?, ?)
			`, token.String(), key.Namespace, key.ID, snapshot, head, s.now())
			if err != nil {
				return fmt.Errorf("insert archive: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return "", model.DetectOrWrap(model.ErrArchiveFailed, err)
	}
	return token.String(), nil
}

// Prune drops old archives of the document. keep, the token the directory
// records, always survives, as do the newest archivesKept archives.
func (s *Store) Prune(ctx context.Context, key model.Key, keep string) error {
	err := s.retry(ctx, "prune", func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM `+s.archive+`.archives
			WHERE namespace = ? AND id = ? AND token != ? AND rowid NOT IN (
				SELECT rowid FROM `+s.archive+`.archives
				WHERE namespace = ? AND id = ?
				ORDER BY rowid DESC LIMIT ?
			)
		`, key.Namespace, key.ID, keep, key.Namespace, key.ID, archivesKept)
		if err != nil {
			return fmt.Errorf("prune archives: %w", err)
		}
		return nil
	})
	return model.DetectOrWrap(model.ErrArchiveFailed, err)
}

// Restore replaces the local copy of the document with an archived snapshot.
// Restoring the same token twice leaves the same state.
func (s *Store) Restore(ctx context.Context, key model.Key, archiveKey string) error {
	err := s.retry(ctx, "restore", func() error {
		return inTx(ctx, s.db, func(tx *sql.Tx) error {
			var snapshot string
			var head int64
			err := tx.QueryRowContext(ctx, `
				SELECT snapshot, head_seq FROM `+s.archive+`.archives
				WHERE token = ? AND namespace = ? AND id = ?
			`, archiveKey, key.Namespace, key.ID).Scan(&snapshot, &head)
			if errors.Is(err, sql.ErrNoRows) {
				return model.KeyError(model.ErrRestoreFailed, key, fmt.Errorf("archive %q not found", archiveKey))
			}
			if err != nil {
				return fmt.Errorf("read archive: %w", err)
			}

			now := s.now()
			_, err = tx.ExecContext(ctx, `
				INSERT INTO documents (namespace, id, snapshot, head_seq, invalidate_at, created, updated)
				VALUES (?, ?, ?, ?, NULL, ?, ?)
				ON CONFLICT(namespace, id) DO UPDATE SET
					snapshot = excluded.snapshot,
					head_seq = excluded.head_seq,
					invalidate_at = NULL,
					updated = excluded.updated
			`, key.Namespace, key.ID, snapshot, head, now, now)
			if err != nil {
				return fmt.Errorf("write restored document: %w", err)
			}

			_, err = tx.ExecContext(ctx, `
				DELETE FROM patches WHERE namespace = ? AND id = ? AND seq > ?
			`, key.Namespace, key.ID, head)
			if err != nil {
				return fmt.Errorf("trim patches: %w", err)
			}
			return nil
		})
	})
	return model.DetectOrWrap(model.ErrRestoreFailed, err)
}
