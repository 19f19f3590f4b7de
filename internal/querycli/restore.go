package querycli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"cmdtrace/internal/archive"
	"cmdtrace/internal/store"
)

// RestoreOptions holds the flags for restoring archived read-file content
// back to the filesystem, per argcontrol_dbquery.cpp's
// --restore-rfile-id/--restore-rfiles flags, with --restore-at.
type RestoreOptions struct {
	*RootOptions

	RestoreRFileID int64
	RestoreRFiles  bool
	RestoreAt      string
}

// NewRestoreCommand builds the `restore-rfile` subcommand.
func NewRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RestoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "restore-rfile",
		Short: "Restore archived read-file content to disk",
		Long: `Writes the archived bytes for one read-file event (--restore-rfile-id),
or for every read-file event in the store (--restore-rfiles), back to the
filesystem.

Examples:
  cmdtrace restore-rfile --restore-rfile-id 42
  cmdtrace restore-rfile --restore-rfiles --restore-at ./restored/`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(opts, cmd)
		},
	}

	f := cmd.Flags()
	f.Int64Var(&opts.RestoreRFileID, "restore-rfile-id", 0, "restore a single readFile row by id")
	f.BoolVar(&opts.RestoreRFiles, "restore-rfiles", false, "restore every readFile row in the store")
	f.StringVar(&opts.RestoreAt, "restore-at", "", "destination directory (defaults to the original recorded path's directory)")

	return cmd
}

func runRestore(opts *RestoreOptions, cmd *cobra.Command) error {
	st, err := store.Open(opts.Database, nil)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer st.Close()

	ar, err := archive.Open(filepath.Dir(opts.Database))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open archive", err)
	}

	if opts.RestoreRFileID == 0 && !opts.RestoreRFiles {
		return WrapExitError(ExitCommandError, "restore requires --restore-rfile-id or --restore-rfiles", nil)
	}

	var restored []string
	if opts.RestoreRFileID != 0 {
		path, err := restoreOne(st, ar, opts.RestoreRFileID, opts.RestoreAt)
		if err != nil {
			return WrapExitError(ExitCommandError, "restore failed", err)
		}
		restored = append(restored, path)
	} else {
		ids, err := matchingReadFileIDs(cmd, st)
		if err != nil {
			return WrapExitError(ExitCommandError, "listing matched readFile rows failed", err)
		}
		for _, id := range ids {
			path, err := restoreOne(st, ar, id, opts.RestoreAt)
			if err != nil {
				return WrapExitError(ExitCommandError, fmt.Sprintf("restore readFile id %d failed", id), err)
			}
			restored = append(restored, path)
		}
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return formatter.Success(restored)
}

func matchingReadFileIDs(cmd *cobra.Command, st *store.Store) ([]int64, error) {
	rows, err := st.DB().QueryContext(cmd.Context(), "SELECT id FROM readFile")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// restoreOne writes one archived readFile row's bytes (inline content if
// retained, else the content-addressed blob) to destDir, returning the
// path written.
func restoreOne(st *store.Store, ar *archive.Store, rfileID int64, destDir string) (string, error) {
	var name, path string
	var bytesInline []byte
	var hash int64
	var hasHash bool

	row := st.DB().QueryRow("SELECT name, path, bytes, hash FROM readFile WHERE id = ?", rfileID)
	var hashN interface{}
	if err := row.Scan(&name, &path, &bytesInline, &hashN); err != nil {
		return "", fmt.Errorf("look up readFile %d: %w", rfileID, err)
	}
	if hashN != nil {
		hash = hashN.(int64)
		hasHash = true
	}

	if destDir == "" {
		destDir = path // the path column already holds the file's directory
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("create restore directory %s: %w", destDir, err)
	}
	dest := filepath.Join(destDir, name)

	var src io.Reader
	if len(bytesInline) > 0 {
		src = bytes.NewReader(bytesInline)
	} else if hasHash {
		f, err := ar.OpenBlob(uint64(hash))
		if err != nil {
			return "", fmt.Errorf("open archived blob for readFile %d: %w", rfileID, err)
		}
		defer f.Close()
		src = f
	} else {
		return "", fmt.Errorf("readFile %d has no retained content or archived blob", rfileID)
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create restore target %s: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return "", fmt.Errorf("write restore target %s: %w", dest, err)
	}
	return dest, nil
}
