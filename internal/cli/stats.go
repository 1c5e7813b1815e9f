package cli

import (
	"context"

	flag "github.com/spf13/pflag"

	"github.com/fuzzkit/curator/pkg/corpus"
)

// StatsCmd prints the engine's running counters.
func StatsCmd(engine *corpus.Engine) *Command {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)

	return &Command{
		Flags: fs,
		Usage: "stats",
		Short: "Show engine counters",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			printStats(o, engine.Stats())
			return nil
		},
	}
}

func printStats(o *IO, s corpus.Stats) {
	o.Printf("cycle=%d\n", s.Cycle)
	o.Printf("discovered_edges=%d\n", s.DiscoveredEdges)
	o.Printf("queue_size=%d\n", s.QueueSize)
	o.Printf("unique_tmouts=%d\n", s.UniqueTimeouts)
	o.Printf("unique_crashes=%d\n", s.UniqueCrashes)
}
