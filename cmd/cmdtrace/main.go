// Command cmdtrace is the query CLI: inspect recorded commands and their
// file events, and restore archived content, directly against a
// cmdtrace store file.
package main

import (
	"fmt"
	"os"

	"cmdtrace/internal/querycli"
)

func main() {
	root := querycli.NewRootCommand()
	err := root.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(querycli.GetExitCode(err))
}
