package cli

import (
	"fmt"
	"io"
)

// IO handles command output, mirroring stdout/stderr ordering guarantees:
// normal output goes to stdout, errors to stderr, and Finish reports an
// exit code reflecting whether anything went to stderr.
type IO struct {
	out    io.Writer
	errOut io.Writer
	warned bool
}

// NewIO creates a new IO instance.
func NewIO(out, errOut io.Writer) *IO {
	return &IO{out: out, errOut: errOut}
}

// Println writes to stdout.
func (o *IO) Println(a ...any) {
	_, _ = fmt.Fprintln(o.out, a...)
}

// Printf writes formatted output to stdout.
func (o *IO) Printf(format string, a ...any) {
	_, _ = fmt.Fprintf(o.out, format, a...)
}

// ErrPrintln writes to stderr and marks the session as having warned/
// errored, for Finish's exit code.
func (o *IO) ErrPrintln(a ...any) {
	o.warned = true
	_, _ = fmt.Fprintln(o.errOut, a...)
}

// Finish returns the exit code for this IO session: 1 if anything was
// written to stderr, 0 otherwise.
func (o *IO) Finish() int {
	if o.warned {
		return 1
	}

	return 0
}
