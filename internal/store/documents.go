package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/livedoc/internal/data"
	"github.com/roach88/livedoc/internal/model"
)

var _ data.Archiver = (*Store)(nil)

// PatchRecord is one entry of a document's patch log.
type PatchRecord struct {
	Seq     int64
	Who     string
	Request json.RawMessage
	Redo    json.RawMessage
	Undo    json.RawMessage
	Created time.Time
}

// Get returns the materialized document.
func (s *Store) Get(ctx context.Context, key model.Key) (*data.LocalDocumentChange, error) {
	var change data.LocalDocumentChange
	err := s.retry(ctx, "get", func() error {
		var snapshot string
		err := s.db.QueryRowContext(ctx, `
			SELECT d.snapshot, d.head_seq,
			       (SELECT COUNT(*) FROM patches p WHERE p.namespace = d.namespace AND p.id = d.id)
			FROM documents d
			WHERE d.namespace = ? AND d.id = ?
		`, key.Namespace, key.ID).Scan(&snapshot, &change.Seq, &change.Reads)
		if errors.Is(err, sql.ErrNoRows) {
			return model.KeyError(model.ErrDocumentNotFound, key, nil)
		}
		if err != nil {
			return fmt.Errorf("get document: %w", err)
		}
		change.Patch = []byte(snapshot)
		return nil
	})
	if err != nil {
		return nil, model.DetectOrWrap(model.ErrDataGetFailed, err)
	}
	return &change, nil
}

// Initialize creates the document at seq 1 from its construction update.
func (s *Store) Initialize(ctx context.Context, key model.Key, update data.RemoteDocumentUpdate) error {
	snapshot, err := data.MergeJSON(nil, update.Redo)
	if err != nil {
		return model.WrapError(model.ErrDataInitializeFailed, "initialize", err)
	}

	err = s.retry(ctx, "initialize", func() error {
		return inTx(ctx, s.db, func(tx *sql.Tx) error {
			now := s.now()
			res, err := tx.ExecContext(ctx, `
				INSERT INTO documents (namespace, id, snapshot, head_seq, invalidate_at, created, updated)
				VALUES (?, ?, ?, 1, ?, ?, ?)
				ON CONFLICT(namespace, id) DO NOTHING
			`, key.Namespace, key.ID, string(snapshot), invalidateAt(now, update), now, now)
			if err != nil {
				return fmt.Errorf("insert document: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return model.KeyError(model.ErrDocumentAlreadyCreated, key, nil)
			}
			return insertPatch(ctx, tx, key, 1, update, now)
		})
	})
	return model.DetectOrWrap(model.ErrDataInitializeFailed, err)
}

// Patch appends updates in order and returns the new head sequence.
func (s *Store) Patch(ctx context.Context, key model.Key, updates ...data.RemoteDocumentUpdate) (int64, error) {
	if len(updates) == 0 {
		return 0, model.NewCodedError(model.ErrInvalidRequest, "patch requires at least one update")
	}

	var head int64
	err := s.retry(ctx, "patch", func() error {
		return inTx(ctx, s.db, func(tx *sql.Tx) error {
			var snapshot string
			err := tx.QueryRowContext(ctx, `
				SELECT snapshot, head_seq FROM documents WHERE namespace = ? AND id = ?
			`, key.Namespace, key.ID).Scan(&snapshot, &head)
			if errors.Is(err, sql.ErrNoRows) {
				return model.KeyError(model.ErrDocumentNotFound, key, nil)
			}
			if err != nil {
				return fmt.Errorf("read head: %w", err)
			}

			now := s.now()
			doc := []byte(snapshot)
			for _, update := range updates {
				head++
				doc, err = data.MergeJSON(doc, update.Redo)
				if err != nil {
					return fmt.Errorf("merge seq %d: %w", head, err)
				}
				if err := insertPatch(ctx, tx, key, head, update, now); err != nil {
					return err
				}
			}

			last := updates[len(updates)-1]
			_, err = tx.ExecContext(ctx, `
				UPDATE documents SET snapshot = ?, head_seq = ?, invalidate_at = ?, updated = ?
				WHERE namespace = ? AND id = ?
			`, string(doc), head, invalidateAt(now, last), now, key.Namespace, key.ID)
			if err != nil {
				return fmt.Errorf("update document: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return 0, model.DetectOrWrap(model.ErrDataPatchFailed, err)
	}
	return head, nil
}

// Delete removes the document, its patch log and its archives. Deleting a
// missing document succeeds.
func (s *Store) Delete(ctx context.Context, key model.Key) error {
	err := s.retry(ctx, "delete", func() error {
		return inTx(ctx, s.db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE namespace = ? AND id = ?`,
				key.Namespace, key.ID); err != nil {
				return fmt.Errorf("delete document: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+s.archive+`.archives WHERE namespace = ? AND id = ?`,
				key.Namespace, key.ID); err != nil {
				return fmt.Errorf("delete archives: %w", err)
			}
			return nil
		})
	})
	return model.DetectOrWrap(model.ErrDataDeleteFailed, err)
}

// ScanActive lists documents with a pending invalidation, ordered by key.
func (s *Store) ScanActive(ctx context.Context) ([]data.ActiveKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace, id, invalidate_at FROM documents
		WHERE invalidate_at IS NOT NULL
		ORDER BY namespace, id
	`)
	if err != nil {
		return nil, fmt.Errorf("scan active: %w", err)
	}
	defer rows.Close()

	now := s.now()
	active := []data.ActiveKey{}
	for rows.Next() {
		var key model.Key
		var at int64
		if err := rows.Scan(&key.Namespace, &key.ID, &at); err != nil {
			return nil, fmt.Errorf("scan active row: %w", err)
		}
		after := time.Duration(max(at-now, 0)) * time.Millisecond
		active = append(active, data.ActiveKey{Key: key, After: after})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active: %w", err)
	}
	return active, nil
}

// History returns up to limit of the most recent patch records, newest first.
func (s *Store) History(ctx context.Context, key model.Key, limit int) ([]PatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, COALESCE(who, ''), request, redo, undo, created FROM patches
		WHERE namespace = ? AND id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, key.Namespace, key.ID, max(limit, 1))
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	records := []PatchRecord{}
	for rows.Next() {
		var r PatchRecord
		var request, redo, undo string
		var created int64
		if err := rows.Scan(&r.Seq, &r.Who, &request, &redo, &undo, &created); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.Request = json.RawMessage(request)
		r.Redo = json.RawMessage(redo)
		r.Undo = json.RawMessage(undo)
		r.Created = time.UnixMilli(created).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return records, nil
}

func insertPatch(ctx context.Context, tx *sql.Tx, key model.Key, seq int64, update data.RemoteDocumentUpdate, now int64) error {
	var who sql.NullString
	if update.Who != nil {
		who = sql.NullString{String: update.Who.String(), Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO patches (namespace, id, seq, who, request, redo, undo, created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, key.Namespace, key.ID, seq, who, string(orEmpty(update.Request)), string(orEmpty(update.Redo)),
		string(orEmpty(update.Undo)), now)
	if err != nil {
		return fmt.Errorf("insert patch %d: %w", seq, err)
	}
	return nil
}

func invalidateAt(now int64, update data.RemoteDocumentUpdate) sql.NullInt64 {
	if !update.RequiresFutureInvalidation {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: now + update.WhenToInvalidate.Milliseconds(), Valid: true}
}

func orEmpty(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}
