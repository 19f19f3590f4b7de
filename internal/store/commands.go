package store

import (
	"database/sql"
	"fmt"

	"cmdtrace/internal/model"
)

// EnsureEnv inserts or finds the (hostname, username) env row, returning
// its id.
func EnsureEnv(tx *sql.Tx, hostname, username string) (int64, error) {
	if _, err := tx.Exec(
		`INSERT INTO env (hostname, username) VALUES (?, ?)
		 ON CONFLICT(hostname, username) DO UPDATE SET hostname = excluded.hostname`,
		hostname, username,
	); err != nil {
		return 0, fmt.Errorf("upsert env: %w", err)
	}

	// LastInsertId is not used: when the upsert takes the UPDATE branch it
	// reports the connection's previous insert, not this row.
	var existing int64
	if err := tx.QueryRow(
		"SELECT id FROM env WHERE hostname = ? AND username = ?", hostname, username,
	).Scan(&existing); err != nil {
		return 0, fmt.Errorf("lookup env: %w", err)
	}
	return existing, nil
}

// EnsureSession inserts a session row if it does not already exist.
func EnsureSession(tx *sql.Tx, uuid, comment string) error {
	if uuid == "" {
		return nil
	}
	_, err := tx.Exec(
		`INSERT INTO session (id, comment) VALUES (?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		uuid, comment,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// InsertCommand inserts a new cmd row and returns its assigned id.
func InsertCommand(tx *sql.Tx, c *model.CommandInfo, envID int64) (int64, error) {
	var sessionID interface{}
	if c.SessionID != "" {
		sessionID = c.SessionID
	}
	var endTime interface{}
	if !c.EndTime.IsZero() {
		endTime = c.EndTime.UnixNano()
	}

	res, err := tx.Exec(
		`INSERT INTO cmd (txt, workingDirectory, comment, startTime, endTime, returnVal, sessionId, envId)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Text, c.WorkingDir, c.Comment, c.StartTime.UnixNano(), endTime, c.ReturnVal, sessionID, envID,
	)
	if err != nil {
		return 0, fmt.Errorf("insert command: %w", err)
	}
	return res.LastInsertId()
}

// UpdateCommand updates an existing cmd row in place, per the recorder's
// "insert if id absent, else update" rule.
func UpdateCommand(tx *sql.Tx, c *model.CommandInfo) error {
	var endTime interface{}
	if !c.EndTime.IsZero() {
		endTime = c.EndTime.UnixNano()
	}
	_, err := tx.Exec(
		`UPDATE cmd SET txt = ?, workingDirectory = ?, comment = ?, endTime = ?, returnVal = ? WHERE id = ?`,
		c.Text, c.WorkingDir, c.Comment, endTime, c.ReturnVal, c.ID,
	)
	if err != nil {
		return fmt.Errorf("update command %d: %w", c.ID, err)
	}
	return nil
}
