// Package recorder is the Command Recorder (C7): it owns the transition
// from an in-memory classifier.Cache to durable rows in the store.
//
// Grounded on original_source's filewatcher.cpp's flushToDisk: insert the
// command row if it has no id yet, else update it in place, then write the
// file events, all in one transaction. The recorder neither creates the
// archive directory (archive.Open and archive.Store.Put do that) nor
// clears the cache; its callers clear the cache after every Flush,
// whatever the outcome, since a failed flush's events are not worth
// retrying.
package recorder

import (
	"context"
	"database/sql"
	"log"
	"os"
	"time"

	"cmdtrace/internal/model"
	"cmdtrace/internal/store"
)

// Recorder persists one command's accumulated events to the store.
type Recorder struct {
	st     *store.Store
	logger *log.Logger
}

// New constructs a Recorder writing to st.
func New(st *store.Store, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.New(os.Stderr, "[recorder] ", log.LstdFlags)
	}
	return &Recorder{st: st, logger: logger}
}

// Flush inserts or updates cmd and writes its accumulated read/write events
// in a single transaction. A store failure is logged and the events are
// dropped — matching flushToDisk's "we discard events anyway" comment,
// since retrying would mean holding an unbounded amount of file content in
// memory across commands. A command with no text and no events yet, and
// not already persisted, is skipped outright: a record exists only once
// it has something worth recording.
func (r *Recorder) Flush(ctx context.Context, cmd *model.CommandInfo, reads []model.ReadEvent, writes []model.WriteEvent) {
	if cmd.ID == 0 && cmd.Empty(len(reads), len(writes)) {
		return
	}

	if cmd.EndTime.IsZero() {
		cmd.EndTime = time.Now()
	}

	err := r.st.WithTx(ctx, func(tx *sql.Tx) error {
		envID, err := store.EnsureEnv(tx, cmd.Hostname, cmd.Username)
		if err != nil {
			return err
		}
		if err := store.EnsureSession(tx, cmd.SessionID, ""); err != nil {
			return err
		}

		if cmd.ID == 0 {
			id, err := store.InsertCommand(tx, cmd, envID)
			if err != nil {
				return err
			}
			cmd.ID = id
		} else {
			if err := store.UpdateCommand(tx, cmd); err != nil {
				return err
			}
		}

		if err := store.InsertWriteEvents(tx, cmd.ID, writes); err != nil {
			return err
		}
		return store.InsertReadEvents(tx, cmd.ID, reads)
	})
	if err != nil {
		// May happen, e.g. if we run out of disk space. We discard the
		// events anyway; holding onto them would only delay the next
		// failure.
		r.logger.Printf("failed to store file-events to disk (they are lost): %v", err)
	}
}
