package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/fuzzkit/curator/internal/config"
)

// PrintConfigCmd prints the resolved configuration as JSON.
func PrintConfigCmd(cfg config.Config) *Command {
	fs := flag.NewFlagSet("print-config", flag.ContinueOnError)

	return &Command{
		Flags: fs,
		Usage: "print-config",
		Short: "Print the resolved configuration",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			out, err := config.FormatConfig(cfg)
			if err != nil {
				return fmt.Errorf("print-config: %w", err)
			}

			o.Println(out)

			return nil
		},
	}
}
