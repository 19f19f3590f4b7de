package store

import (
	"database/sql"
	"fmt"

	"cmdtrace/internal/model"
)

// InsertReadEvents bulk-inserts the classified read set for one command.
func InsertReadEvents(tx *sql.Tx, cmdID int64, reads []model.ReadEvent) error {
	stmt, err := tx.Prepare(
		`INSERT INTO readFile (cmdId, name, path, size, mtime, hash, bytes) VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare readFile insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range reads {
		var hash interface{}
		if r.HasHash {
			hash = int64(r.Hash)
		}
		var bytes interface{}
		if len(r.Bytes) > 0 {
			bytes = r.Bytes
		}
		if _, err := stmt.Exec(cmdID, r.Name, r.Path, r.Size, r.Mtime.UnixNano(), hash, bytes); err != nil {
			return fmt.Errorf("insert readFile %s: %w", r.Path, err)
		}
	}
	return nil
}

// InsertWriteEvents bulk-inserts the classified write set for one command.
func InsertWriteEvents(tx *sql.Tx, cmdID int64, writes []model.WriteEvent) error {
	stmt, err := tx.Prepare(
		`INSERT INTO writtenFile (cmdId, name, path, size, mtime, hash) VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare writtenFile insert: %w", err)
	}
	defer stmt.Close()

	for _, w := range writes {
		var hash interface{}
		if w.HasHash {
			hash = int64(w.Hash)
		}
		if _, err := stmt.Exec(cmdID, w.Name, w.Path, w.Size, w.Mtime.UnixNano(), hash); err != nil {
			return fmt.Errorf("insert writtenFile %s: %w", w.Path, err)
		}
	}
	return nil
}
