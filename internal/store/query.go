package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Op is a comparison operator mnemonic accepted by every predicate flag,
// matching argcontrol_dbquery.cpp's -eq/-ne/-lt/-le/-gt/-ge/-like family.
type Op string

const (
	OpEq   Op = "-eq"
	OpNe   Op = "-ne"
	OpLt   Op = "-lt"
	OpLe   Op = "-le"
	OpGt   Op = "-gt"
	OpGe   Op = "-ge"
	OpLike Op = "-like"
)

func (o Op) sql() (string, error) {
	switch o {
	case OpEq:
		return "=", nil
	case OpNe:
		return "!=", nil
	case OpLt:
		return "<", nil
	case OpLe:
		return "<=", nil
	case OpGt:
		return ">", nil
	case OpGe:
		return ">=", nil
	case OpLike:
		return "LIKE", nil
	default:
		return "", fmt.Errorf("unknown comparison operator %q", o)
	}
}

// Predicate is one AND-connected clause over a named column.
type Predicate struct {
	Column string
	Op     Op
	Value  interface{}
}

// Query builds the AND-connected predicate query described in spec.md §6:
// joins cmd, env, and optionally readFile/writtenFile, filtered by an
// arbitrary set of predicates plus an optional row limit (the `history N`
// flag).
type Query struct {
	Predicates []Predicate
	Limit      int
	NeedsRead  bool
	NeedsWrite bool
}

// Row is one denormalized result row: a command plus, if requested, the
// read/write file that matched.
type Row struct {
	CmdID            int64
	Text             string
	WorkingDirectory string
	StartTime        int64
	EndTime          sql.NullInt64
	ReturnVal        int32
	SessionID        sql.NullString
	Hostname         string
	Username         string

	FileName  sql.NullString
	FilePath  sql.NullString
	FileSize  sql.NullInt64
	FileMtime sql.NullInt64
	FileHash  sql.NullInt64
}

func (q *Query) buildSQL() (string, []interface{}, error) {
	var b strings.Builder
	b.WriteString("SELECT cmd.id, cmd.txt, cmd.workingDirectory, cmd.startTime, cmd.endTime, cmd.returnVal, cmd.sessionId, env.hostname, env.username")

	if q.NeedsWrite {
		b.WriteString(", writtenFile.name, writtenFile.path, writtenFile.size, writtenFile.mtime, writtenFile.hash")
	} else if q.NeedsRead {
		b.WriteString(", readFile.name, readFile.path, readFile.size, readFile.mtime, readFile.hash")
	} else {
		b.WriteString(", NULL, NULL, NULL, NULL, NULL")
	}

	b.WriteString(" FROM cmd JOIN env ON env.id = cmd.envId")
	if q.NeedsWrite {
		b.WriteString(" JOIN writtenFile ON writtenFile.cmdId = cmd.id")
	}
	if q.NeedsRead {
		b.WriteString(" JOIN readFile ON readFile.cmdId = cmd.id")
	}

	var args []interface{}
	if len(q.Predicates) > 0 {
		b.WriteString(" WHERE ")
		for i, p := range q.Predicates {
			if i > 0 {
				b.WriteString(" AND ")
			}
			opSQL, err := p.Op.sql()
			if err != nil {
				return "", nil, err
			}
			fmt.Fprintf(&b, "%s %s ?", p.Column, opSQL)
			args = append(args, p.Value)
		}
	}

	b.WriteString(" ORDER BY cmd.startTime DESC")
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}

	return b.String(), args, nil
}

// Run executes the query against the store and returns the denormalized
// rows.
func (s *Store) Run(ctx context.Context, q *Query) ([]Row, error) {
	sqlText, args, err := q.buildSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, &StoreError{Op: "run query", Err: err}
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(
			&r.CmdID, &r.Text, &r.WorkingDirectory, &r.StartTime, &r.EndTime, &r.ReturnVal, &r.SessionID,
			&r.Hostname, &r.Username,
			&r.FileName, &r.FilePath, &r.FileSize, &r.FileMtime, &r.FileHash,
		); err != nil {
			return nil, fmt.Errorf("scan query row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate query rows: %w", err)
	}
	return out, nil
}
