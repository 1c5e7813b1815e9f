package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/fuzzkit/curator/pkg/corpus"
)

// FavoredCmd recomputes and prints the NCDm-favored set (spec §4.6).
func FavoredCmd(engine *corpus.Engine) *Command {
	fs := flag.NewFlagSet("favored", flag.ContinueOnError)

	return &Command{
		Flags: fs,
		Usage: "favored",
		Short: "Recompute and print the NCDm-favored set",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			result, err := engine.Favored()
			if err != nil {
				return fmt.Errorf("favored: %w", err)
			}

			o.Printf("selected=%v ncd=%.4f\n", result.Selected, result.NCD)

			return nil
		},
	}
}
