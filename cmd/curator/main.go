// Command curator is a demo CLI driving the coverage-guided corpus
// curation engine against a synthetic in-memory target.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fuzzkit/curator/internal/cli"
	"github.com/fuzzkit/curator/internal/config"
)

func main() {
	env := config.EnvMap(os.Environ())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exitCode := cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args, env, sigCh)

	os.Exit(exitCode)
}
