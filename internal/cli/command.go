package cli

import (
	"context"
	"errors"
	"strings"

	flag "github.com/spf13/pflag"
)

// Command defines a CLI command with unified help generation, grounded on
// the teacher's dependency-injection-via-closure command shape: a
// constructor closes over its dependencies and returns a *Command whose
// Exec needs nothing beyond parsed flags and positional args.
type Command struct {
	Flags *flag.FlagSet
	Usage string
	Short string
	Long  string
	Exec  func(ctx context.Context, o *IO, args []string) error
}

// Name returns the command name (first word of Usage).
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")
	return name
}

// HelpLine returns the short help line for the top-level usage display.
func (c *Command) HelpLine() string {
	return "  " + pad(c.Usage, 24) + c.Short
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s + " "
	}

	return s + strings.Repeat(" ", width-len(s))
}

// PrintHelp prints full help for "curator <cmd> --help".
func (c *Command) PrintHelp(o *IO) {
	o.Println("Usage: curator", c.Usage)
	o.Println()

	desc := c.Long
	if desc == "" {
		desc = c.Short
	}

	o.Println(desc)

	if c.Flags != nil && c.Flags.HasFlags() {
		o.Println()
		o.Println("Flags:")

		var buf strings.Builder
		c.Flags.SetOutput(&buf)
		c.Flags.PrintDefaults()
		o.Printf("%s", buf.String())
	}
}

// Run parses flags and executes the command. Returns an exit code.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	c.Flags.SetOutput(&strings.Builder{})

	if err := c.Flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.PrintHelp(o)
			return 0
		}

		o.ErrPrintln("error:", err)
		o.ErrPrintln()
		c.PrintHelp(o)

		return 1
	}

	if err := c.Exec(ctx, o, c.Flags.Args()); err != nil {
		o.ErrPrintln("error:", err)
		return 1
	}

	return 0
}
