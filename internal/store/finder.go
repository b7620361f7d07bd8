package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/roach88/livedoc/internal/data"
	"github.com/roach88/livedoc/internal/model"
)

//go:embed finder_schema.sql
var finderSchemaSQL string

var _ data.Finder = (*Finder)(nil)

// Finder is the SQLite directory of document locations. Machines of one
// deployment share the database file.
type Finder struct {
	db     *sql.DB
	opts   options
	region string
}

// OpenFinder opens the directory database at path for machines of region.
func OpenFinder(path, region string, opts ...Option) (*Finder, error) {
	o := buildOptions(opts)
	db, err := openDB(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open finder: %w", err)
	}
	if _, err := db.Exec(finderSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply finder schema: %w", err)
	}
	return &Finder{db: db, opts: o, region: region}, nil
}

// Close closes the database connection.
func (f *Finder) Close() error {
	return f.db.Close()
}

// Region returns the region the finder answers for.
func (f *Finder) Region() string {
	return f.region
}

// Find implements data.Finder.
func (f *Finder) Find(ctx context.Context, key model.Key) (*data.FinderResult, error) {
	var result data.FinderResult
	err := retry(ctx, &f.opts, "find", func() error {
		var kind int
		err := f.db.QueryRowContext(ctx, `
			SELECT type, region, machine, archive FROM directory WHERE namespace = ? AND id = ?
		`, key.Namespace, key.ID).Scan(&kind, &result.Region, &result.Machine, &result.Archive)
		if errors.Is(err, sql.ErrNoRows) {
			return model.KeyError(model.ErrDocumentNotFound, key, nil)
		}
		if err != nil {
			return fmt.Errorf("find: %w", err)
		}
		result.Location = data.LocationKind(kind)
		return nil
	})
	if err != nil {
		return nil, model.DetectOrWrap(model.ErrFindFailed, err)
	}
	return &result, nil
}

// Bind implements data.Finder. The update only matches rows that are not
// live or are already live on region/machine; when no row exists one is
// inserted. If neither statement touches a row another machine owns the
// document.
func (f *Finder) Bind(ctx context.Context, key model.Key, region, machine string) error {
	err := retry(ctx, &f.opts, "bind", func() error {
		now := f.opts.clock.NowMilliseconds()
		res, err := f.db.ExecContext(ctx, `
			UPDATE directory SET type = ?, region = ?, machine = ?, updated = ?
			WHERE namespace = ? AND id = ? AND (type != ? OR (region = ? AND machine = ?))
		`, int(data.LocationMachine), region, machine, now,
			key.Namespace, key.ID, int(data.LocationMachine), region, machine)
		if err != nil {
			return fmt.Errorf("bind update: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}

		res, err = f.db.ExecContext(ctx, `
			INSERT INTO directory (namespace, id, type, region, machine, archive, created, updated)
			VALUES (?, ?, ?, ?, ?, '', ?, ?)
			ON CONFLICT(namespace, id) DO NOTHING
		`, key.Namespace, key.ID, int(data.LocationMachine), region, machine, now, now)
		if err != nil {
			return fmt.Errorf("bind insert: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.KeyError(model.ErrBindFailed, key, nil)
		}
		return nil
	})
	return model.DetectOrWrap(model.ErrBindFailed, err)
}

// Backup implements data.Finder.
func (f *Finder) Backup(ctx context.Context, key model.Key, archiveKey, machine string) error {
	err := retry(ctx, &f.opts, "finder-backup", func() error {
		res, err := f.db.ExecContext(ctx, `
			UPDATE directory SET archive = ?, updated = ?
			WHERE namespace = ? AND id = ? AND type = ? AND region = ? AND machine = ?
		`, archiveKey, f.opts.clock.NowMilliseconds(), key.Namespace, key.ID,
			int(data.LocationMachine), f.region, machine)
		if err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.KeyError(model.ErrWrongMachine, key, nil)
		}
		return nil
	})
	return model.DetectOrWrap(model.ErrArchiveFailed, err)
}

// Free implements data.Finder. The row becomes archived at its last backup.
func (f *Finder) Free(ctx context.Context, key model.Key, machine string) error {
	err := retry(ctx, &f.opts, "free", func() error {
		res, err := f.db.ExecContext(ctx, `
			UPDATE directory SET type = ?, region = '', machine = '', updated = ?
			WHERE namespace = ? AND id = ? AND type = ? AND region = ? AND machine = ?
		`, int(data.LocationArchive), f.opts.clock.NowMilliseconds(), key.Namespace, key.ID,
			int(data.LocationMachine), f.region, machine)
		if err != nil {
			return fmt.Errorf("free: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.KeyError(model.ErrWrongMachine, key, nil)
		}
		return nil
	})
	return model.DetectOrWrap(model.ErrFindFailed, err)
}

// Delete implements data.Finder. A missing row is not an error; a row live on
// another machine is ErrWrongMachine.
func (f *Finder) Delete(ctx context.Context, key model.Key, machine string) error {
	err := retry(ctx, &f.opts, "finder-delete", func() error {
		return inTx(ctx, f.db, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				DELETE FROM directory
				WHERE namespace = ? AND id = ? AND (type != ? OR (region = ? AND machine = ?))
			`, key.Namespace, key.ID, int(data.LocationMachine), f.region, machine)
			if err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				return nil
			}
			var exists int
			err = tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM directory WHERE namespace = ? AND id = ?
			`, key.Namespace, key.ID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("delete check: %w", err)
			}
			if exists > 0 {
				return model.KeyError(model.ErrWrongMachine, key, nil)
			}
			return nil
		})
	})
	return model.DetectOrWrap(model.ErrDataDeleteFailed, err)
}

// List implements data.Finder.
func (f *Finder) List(ctx context.Context, machine string) ([]model.Key, error) {
	rows, err := f.db.QueryContext(ctx, `
		SELECT namespace, id FROM directory
		WHERE type = ? AND region = ? AND machine = ?
		ORDER BY namespace, id
	`, int(data.LocationMachine), f.region, machine)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()

	keys := []model.Key{}
	for rows.Next() {
		var key model.Key
		if err := rows.Scan(&key.Namespace, &key.ID); err != nil {
			return nil, fmt.Errorf("scan list: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate list: %w", err)
	}
	return keys, nil
}
