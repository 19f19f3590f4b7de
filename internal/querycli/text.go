package querycli

import (
	"fmt"
	"io"
	"time"

	"cmdtrace/internal/store"
)

// writeText renders a query/restore result in the teacher's plain-text
// style: one line per row, nothing fancier, since this output is meant to
// be piped into grep/awk as much as read directly.
func writeText(w io.Writer, data interface{}) error {
	switch v := data.(type) {
	case []store.Row:
		if len(v) == 0 {
			fmt.Fprintln(w, "(no matching commands)")
			return nil
		}
		for _, r := range v {
			writeRowText(w, r)
		}
		return nil
	case string:
		fmt.Fprintln(w, v)
		return nil
	default:
		fmt.Fprintf(w, "%v\n", v)
		return nil
	}
}

func writeRowText(w io.Writer, r store.Row) {
	start := time.Unix(0, r.StartTime)
	fmt.Fprintf(w, "cmd[%d] %s  %s@%s  %s\n", r.CmdID, start.Format(time.RFC3339), r.Username, r.Hostname, r.Text)
	fmt.Fprintf(w, "    workdir: %s  returnVal: %d\n", r.WorkingDirectory, r.ReturnVal)
	if r.FileName.Valid {
		fmt.Fprintf(w, "    file: %s (%s)", r.FileName.String, r.FilePath.String)
		if r.FileSize.Valid {
			fmt.Fprintf(w, " size=%d", r.FileSize.Int64)
		}
		if r.FileHash.Valid {
			fmt.Fprintf(w, " hash=%016x", uint64(r.FileHash.Int64))
		}
		fmt.Fprintln(w)
	}
}
