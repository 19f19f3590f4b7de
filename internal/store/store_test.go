package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"cmdtrace/internal/model"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "test.db")

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	var version string
	if err := s.db.QueryRow("SELECT ver FROM version WHERE id = 1").Scan(&version); err != nil {
		t.Fatalf("reading version row: %v", err)
	}
	if version != AppVersion {
		t.Errorf("version = %q, want %q", version, AppVersion)
	}
}

func TestOpen_OpensExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path, nil)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer s2.Close()

	var count int
	if err := s2.db.QueryRow("SELECT COUNT(*) FROM cmd").Scan(&count); err != nil {
		t.Errorf("query failed: %v", err)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path, nil)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{"env", "session", "cmd", "writtenFile", "readFile", "version"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestMigration_FreshStoreMatchesAppVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	var version string
	if err := s.db.QueryRow("SELECT ver FROM version WHERE id = 1").Scan(&version); err != nil {
		t.Fatalf("reading version row: %v", err)
	}
	if version != AppVersion {
		t.Errorf("fresh store version = %q, want %q", version, AppVersion)
	}
}

func TestMigration_UpgradeFromOlderVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open database directly: %v", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	if _, err := db.Exec("INSERT INTO version (id, ver) VALUES (1, '0.1.0')"); err != nil {
		t.Fatalf("failed to seed old version: %v", err)
	}
	db.Close()

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	var version string
	if err := s.db.QueryRow("SELECT ver FROM version WHERE id = 1").Scan(&version); err != nil {
		t.Fatalf("reading version row: %v", err)
	}
	if version != AppVersion {
		t.Errorf("version after migration = %q, want %q", version, AppVersion)
	}
}

func TestMigration_DowngradeWarnsButDoesNotFail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open database directly: %v", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	if _, err := db.Exec("INSERT INTO version (id, ver) VALUES (1, '99.0.0')"); err != nil {
		t.Fatalf("failed to seed future version: %v", err)
	}
	db.Close()

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() should not fail on downgrade, got: %v", err)
	}
	defer s.Close()

	var version string
	if err := s.db.QueryRow("SELECT ver FROM version WHERE id = 1").Scan(&version); err != nil {
		t.Fatalf("reading version row: %v", err)
	}
	if version != "99.0.0" {
		t.Errorf("downgraded-open version = %q, want the stored newer version preserved", version)
	}
}

func TestPragma_ForeignKeysAndBusyTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	var fk int
	if err := s.db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("reading foreign_keys pragma: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}

	var timeout int
	if err := s.db.QueryRow("PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("reading busy_timeout pragma: %v", err)
	}
	if timeout != 15000 {
		t.Errorf("busy_timeout = %d, want 15000", timeout)
	}
}

func TestConstraint_ForeignKeyWrittenFileToCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	_, err = s.db.Exec(
		`INSERT INTO writtenFile (cmdId, name, path, size, mtime) VALUES (999, 'x', '/tmp/x', 1, 1)`,
	)
	if err == nil {
		t.Error("expected foreign key violation inserting writtenFile with nonexistent cmdId, got nil")
	}
}

func TestInsertCommandAndEvents_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	cmd := &model.CommandInfo{
		Text:       "ls -la",
		WorkingDir: "/home/user",
		StartTime:  time.Unix(1000, 0),
		EndTime:    time.Unix(1001, 0),
		ReturnVal:  0,
		Hostname:   "devbox",
		Username:   "alice",
	}

	var cmdID int64
	err = s.WithTx(context.Background(), func(tx *sql.Tx) error {
		envID, err := EnsureEnv(tx, cmd.Hostname, cmd.Username)
		if err != nil {
			return err
		}
		cmdID, err = InsertCommand(tx, cmd, envID)
		if err != nil {
			return err
		}
		writes := []model.WriteEvent{
			{Path: "/home/user/out.txt", Name: "out.txt", Size: 42, Mtime: time.Unix(1001, 0), Hash: 7, HasHash: true},
		}
		reads := []model.ReadEvent{
			{Path: "/etc/hosts", Name: "hosts", Size: 10, Mtime: time.Unix(999, 0)},
		}
		if err := InsertWriteEvents(tx, cmdID, writes); err != nil {
			return err
		}
		return InsertReadEvents(tx, cmdID, reads)
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
	if cmdID == 0 {
		t.Fatal("expected a nonzero cmd id")
	}

	var gotText string
	if err := s.db.QueryRow("SELECT txt FROM cmd WHERE id = ?", cmdID).Scan(&gotText); err != nil {
		t.Fatalf("reading back cmd: %v", err)
	}
	if gotText != "ls -la" {
		t.Errorf("txt = %q, want %q", gotText, "ls -la")
	}

	var writeCount, readCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM writtenFile WHERE cmdId = ?", cmdID).Scan(&writeCount); err != nil {
		t.Fatalf("counting writtenFile rows: %v", err)
	}
	if writeCount != 1 {
		t.Errorf("writtenFile count = %d, want 1", writeCount)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM readFile WHERE cmdId = ?", cmdID).Scan(&readCount); err != nil {
		t.Fatalf("counting readFile rows: %v", err)
	}
	if readCount != 1 {
		t.Errorf("readFile count = %d, want 1", readCount)
	}
}

func TestRun_PredicateQueryByWrittenFileHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	cmd := &model.CommandInfo{
		Text:       "make build",
		WorkingDir: "/src",
		StartTime:  time.Unix(2000, 0),
		EndTime:    time.Unix(2005, 0),
		Hostname:   "ci",
		Username:   "bob",
	}

	err = s.WithTx(context.Background(), func(tx *sql.Tx) error {
		envID, err := EnsureEnv(tx, cmd.Hostname, cmd.Username)
		if err != nil {
			return err
		}
		cmdID, err := InsertCommand(tx, cmd, envID)
		if err != nil {
			return err
		}
		writes := []model.WriteEvent{
			{Path: "/src/build/out.bin", Name: "out.bin", Size: 4096, Mtime: time.Unix(2005, 0), Hash: 0xDEADBEEF, HasHash: true},
		}
		return InsertWriteEvents(tx, cmdID, writes)
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	rows, err := s.Run(context.Background(), &Query{
		NeedsWrite: true,
		Predicates: []Predicate{
			{Column: ColWrittenFileHash, Op: OpEq, Value: int64(0xDEADBEEF)},
		},
	})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].Text != "make build" {
		t.Errorf("Text = %q, want %q", rows[0].Text, "make build")
	}
	if !rows[0].FileName.Valid || rows[0].FileName.String != "out.bin" {
		t.Errorf("FileName = %+v, want out.bin", rows[0].FileName)
	}
}

func TestRun_HistoryLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	for i := 0; i < 5; i++ {
		cmd := &model.CommandInfo{
			Text:      "cmd",
			StartTime: time.Unix(int64(i), 0),
			Hostname:  "h",
			Username:  "u",
		}
		err = s.WithTx(context.Background(), func(tx *sql.Tx) error {
			envID, err := EnsureEnv(tx, cmd.Hostname, cmd.Username)
			if err != nil {
				return err
			}
			_, err = InsertCommand(tx, cmd, envID)
			return err
		})
		if err != nil {
			t.Fatalf("insert %d failed: %v", i, err)
		}
	}

	rows, err := s.Run(context.Background(), &Query{Limit: 2})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
}

func TestUpdateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	cmd := &model.CommandInfo{
		Text:      "sleep 1",
		StartTime: time.Unix(5000, 0),
		Hostname:  "h",
		Username:  "u",
		ReturnVal: model.InvalidReturnVal,
	}

	var cmdID int64
	err = s.WithTx(context.Background(), func(tx *sql.Tx) error {
		envID, err := EnsureEnv(tx, cmd.Hostname, cmd.Username)
		if err != nil {
			return err
		}
		cmdID, err = InsertCommand(tx, cmd, envID)
		return err
	})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	cmd.ID = cmdID
	cmd.EndTime = time.Unix(5001, 0)
	cmd.ReturnVal = 0
	err = s.WithTx(context.Background(), func(tx *sql.Tx) error {
		return UpdateCommand(tx, cmd)
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	var returnVal int32
	if err := s.db.QueryRow("SELECT returnVal FROM cmd WHERE id = ?", cmdID).Scan(&returnVal); err != nil {
		t.Fatalf("reading back cmd: %v", err)
	}
	if returnVal != 0 {
		t.Errorf("returnVal = %d, want 0", returnVal)
	}
}
