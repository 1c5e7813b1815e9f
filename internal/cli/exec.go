package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/fuzzkit/curator/internal/target"
	"github.com/fuzzkit/curator/pkg/corpus"
	"github.com/fuzzkit/curator/pkg/triage"
)

// ExecCmd runs a single input through the target executor and feeds the
// result into the engine's pipeline (spec §4.7 save_if_interesting).
func ExecCmd(engine *corpus.Engine, executor target.Executor) *Command {
	fs := flag.NewFlagSet("exec", flag.ContinueOnError)

	return &Command{
		Flags: fs,
		Usage: "exec <input>",
		Short: "Execute one input and report the triage outcome",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("exec: expected exactly one input argument, got %d", len(args))
			}

			result, err := observe(ctx, engine, executor, []byte(args[0]))
			if err != nil {
				return err
			}

			o.Printf("outcome=%v new_bits=%v path=%q\n", result.Outcome, result.NewBits, result.Path)

			return nil
		},
	}
}

// observe runs buf through executor then through the engine's triage sink.
func observe(ctx context.Context, engine *corpus.Engine, executor target.Executor, buf []byte) (triage.Result, error) {
	execResult, err := executor.Run(ctx, buf)
	if err != nil {
		return triage.Result{}, fmt.Errorf("exec: target run: %w", err)
	}

	result, err := engine.Observe(ctx, corpus.Observation{
		Buf:   buf,
		Raw:   execResult.Trace,
		Fault: translateFault(execResult.Fault),
		Sig:   execResult.Sig,
	})
	if err != nil {
		return triage.Result{}, fmt.Errorf("exec: observe: %w", err)
	}

	return result, nil
}

// translateFault maps the target collaborator's fault classification onto
// triage's, keeping internal/target free of any dependency on pkg/triage's
// types beyond this one call site.
func translateFault(f target.Fault) triage.Fault {
	switch f {
	case target.FaultTimeout:
		return triage.FaultTmout
	case target.FaultCrash:
		return triage.FaultCrash
	default:
		return triage.FaultNone
	}
}

func tmoutFault() triage.Fault { return triage.FaultTmout }
func crashFault() triage.Fault { return triage.FaultCrash }
