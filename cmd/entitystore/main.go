// Command entitystore inspects the entity store selected by the POLYGENE_*
// environment variables.
package main

import (
	"fmt"
	"os"

	"polygene/internal/cli"
)

var exitFunc = os.Exit

func main() {
	exitFunc(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := cli.NewRootCommand()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "entitystore:", err)
		return cli.GetExitCode(err)
	}
	return cli.ExitSuccess
}
