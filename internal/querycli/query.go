package querycli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"cmdtrace/internal/archive"
	"cmdtrace/internal/store"
)

// QueryOptions holds every predicate flag spec.md §6 and
// argcontrol_dbquery.cpp's QOptSqlArg surface defines.
type QueryOptions struct {
	*RootOptions

	WName  string
	WPath  string
	WSize  string
	WHash  string
	WMtime string

	RName  string
	RPath  string
	RSize  string
	RMtime string

	CommandText       string
	CommandWorkingDir string
	CommandID         string
	CommandEndDate    string

	ShellSessionID string

	History int

	WFile         string
	TakeFromWFile string

	MaxRFileLines int
}

// NewQueryCommand builds the `query` subcommand.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query recorded commands and their file events",
		Long: `Query commands and their read/write file events with AND-connected
predicates, each of the form OP:VALUE (e.g. --wsize gt:10KiB).

Examples:
  cmdtrace query --wpath eq:/etc --wname eq:passwd
  cmdtrace query --command-text like:%make% --history 20
  cmdtrace query --wfile ./build/out.bin --take-from-wfile hash,size`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, cmd)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.WName, "wname", "", "written file name predicate (OP:VALUE)")
	f.StringVar(&opts.WPath, "wpath", "", "written file path predicate (OP:VALUE)")
	f.StringVar(&opts.WSize, "wsize", "", "written file size predicate (OP:VALUE, byte sizes like 10KiB)")
	f.StringVar(&opts.WHash, "whash", "", "written file hash predicate (OP:VALUE, signed decimal integer as stored; hex is not accepted)")
	f.StringVar(&opts.WMtime, "wmtime", "", "written file mtime predicate (OP:VALUE, unix nanoseconds)")

	f.StringVar(&opts.RName, "rname", "", "read file name predicate (OP:VALUE)")
	f.StringVar(&opts.RPath, "rpath", "", "read file path predicate (OP:VALUE)")
	f.StringVar(&opts.RSize, "rsize", "", "read file size predicate (OP:VALUE, byte sizes like 10KiB)")
	f.StringVar(&opts.RMtime, "rmtime", "", "read file mtime predicate (OP:VALUE, unix nanoseconds)")

	f.StringVar(&opts.CommandText, "command-text", "", "command text predicate (OP:VALUE)")
	f.StringVar(&opts.CommandWorkingDir, "command-working-dir", "", "command working directory predicate (OP:VALUE)")
	f.StringVar(&opts.CommandID, "command-id", "", "command id predicate (OP:VALUE)")
	f.StringVar(&opts.CommandEndDate, "command-end-date", "", "command end time predicate (OP:VALUE, unix nanoseconds)")

	f.StringVar(&opts.ShellSessionID, "shell-session-id", "", "shell session uuid predicate (OP:VALUE)")

	f.IntVar(&opts.History, "history", 0, "limit results to the N most recent commands")

	f.StringVar(&opts.WFile, "wfile", "", "reference file: take --take-from-wfile properties from this local file")
	f.StringVar(&opts.TakeFromWFile, "take-from-wfile", "", "comma-separated subset of mtime,hash,size to take from --wfile")

	f.IntVar(&opts.MaxRFileLines, "max-rfile-lines", 0, "accepted but has no effect: query output does not include retained read-file content")

	return cmd
}

func runQuery(opts *QueryOptions, cmd *cobra.Command) error {
	st, err := store.Open(opts.Database, nil)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer st.Close()

	q, err := buildQuery(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid query", err)
	}

	rows, err := st.Run(cmd.Context(), q)
	if err != nil {
		return WrapExitError(ExitCommandError, "query failed", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return formatter.Success(rows)
}

func buildQuery(opts *QueryOptions) (*store.Query, error) {
	q := &store.Query{Limit: opts.History}

	add := func(column, raw string, kind valueKind) error {
		if raw == "" {
			return nil
		}
		p, err := parsePredicate(column, raw, kind)
		if err != nil {
			return err
		}
		q.Predicates = append(q.Predicates, p)
		return nil
	}

	if opts.WFile != "" {
		if err := applyWFileReference(opts, q); err != nil {
			return nil, err
		}
	}

	checks := []struct {
		column string
		raw    string
		kind   valueKind
		needsW bool
		needsR bool
	}{
		{store.ColWrittenFileName, opts.WName, valueString, true, false},
		{store.ColWrittenFilePath, opts.WPath, valueString, true, false},
		{store.ColWrittenFileSize, opts.WSize, valueByteSize, true, false},
		{store.ColWrittenFileHash, opts.WHash, valueInt, true, false},
		{store.ColWrittenFileMtime, opts.WMtime, valueInt, true, false},
		{store.ColReadFileName, opts.RName, valueString, false, true},
		{store.ColReadFilePath, opts.RPath, valueString, false, true},
		{store.ColReadFileSize, opts.RSize, valueByteSize, false, true},
		{store.ColReadFileMtime, opts.RMtime, valueInt, false, true},
		{store.ColCmdText, opts.CommandText, valueString, false, false},
		{store.ColCmdWorkingDir, opts.CommandWorkingDir, valueString, false, false},
		{store.ColCmdID, opts.CommandID, valueInt, false, false},
		{store.ColCmdEndTime, opts.CommandEndDate, valueInt, false, false},
		{store.ColCmdSessionID, opts.ShellSessionID, valueString, false, false},
	}
	for _, c := range checks {
		if c.raw == "" {
			continue
		}
		if err := add(c.column, c.raw, c.kind); err != nil {
			return nil, err
		}
		if c.needsW {
			q.NeedsWrite = true
		}
		if c.needsR {
			q.NeedsRead = true
		}
	}

	if q.NeedsWrite && q.NeedsRead {
		return nil, fmt.Errorf("cannot combine written-file and read-file predicates in one query")
	}
	return q, nil
}

// applyWFileReference stats (and, if hash is requested, hashes) opts.WFile
// and injects equality predicates for the requested subset of
// mtime/hash/size — the --take-from-wfile shortcut from
// argcontrol_dbquery.cpp, so a caller can ask "what command produced a
// file matching this one" without typing the properties by hand.
func applyWFileReference(opts *QueryOptions, q *store.Query) error {
	info, err := os.Stat(opts.WFile)
	if err != nil {
		return fmt.Errorf("stat --wfile %s: %w", opts.WFile, err)
	}

	wanted := map[string]bool{}
	for _, prop := range strings.Split(opts.TakeFromWFile, ",") {
		prop = strings.TrimSpace(prop)
		if prop != "" {
			wanted[prop] = true
		}
	}
	if len(wanted) == 0 {
		wanted["mtime"] = true
		wanted["size"] = true
	}

	q.NeedsWrite = true
	if wanted["size"] {
		q.Predicates = append(q.Predicates, store.Predicate{
			Column: store.ColWrittenFileSize, Op: store.OpEq, Value: info.Size(),
		})
	}
	if wanted["mtime"] {
		q.Predicates = append(q.Predicates, store.Predicate{
			Column: store.ColWrittenFileMtime, Op: store.OpEq, Value: info.ModTime().UnixNano(),
		})
	}
	if wanted["hash"] {
		data, err := os.ReadFile(opts.WFile)
		if err != nil {
			return fmt.Errorf("read --wfile %s for hashing: %w", opts.WFile, err)
		}
		hash := archive.Hash(data)
		q.Predicates = append(q.Predicates, store.Predicate{
			Column: store.ColWrittenFileHash, Op: store.OpEq, Value: int64(hash),
		})
	}
	return nil
}
