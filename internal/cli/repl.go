package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/peterh/liner"

	"github.com/fuzzkit/curator/internal/target"
	"github.com/fuzzkit/curator/pkg/corpus"
)

// ReplCmd starts the interactive REPL driving the pipeline against an
// executor, grounded on cmd/sloty/main.go's REPL shape (liner-backed
// prompt + history file + Fields-split dispatch).
func ReplCmd(engine *corpus.Engine, executor target.Executor) *Command {
	fs := flag.NewFlagSet("repl", flag.ContinueOnError)

	return &Command{
		Flags: fs,
		Usage: "repl",
		Short: "Start an interactive session (put/exec/stats/favored/triage)",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			r := &repl{ctx: ctx, engine: engine, executor: executor, o: o}
			return r.run()
		},
	}
}

type repl struct {
	ctx      context.Context
	engine   *corpus.Engine
	executor target.Executor
	o        *IO
	liner    *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".curator_history")
}

func (r *repl) run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		_ = f.Close()
	}

	r.o.Println("curator - corpus curation engine REPL")
	r.o.Println("Type 'help' for available commands.")
	r.o.Println()

	for {
		line, err := r.liner.Prompt("curator> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				r.o.Println("\nBye!")
				break
			}

			return fmt.Errorf("repl: reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			r.o.Println("Bye!")
			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "put", "exec":
			r.cmdExec(args)

		case "stats":
			printStats(r.o, r.engine.Stats())

		case "favored":
			r.cmdFavored()

		case "triage":
			r.cmdTriage(args)

		default:
			r.o.Printf("unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *repl) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			_, _ = r.liner.WriteHistory(f)
			_ = f.Close()
		}
	}
}

func (r *repl) printHelp() {
	r.o.Println("Commands:")
	r.o.Println("  put <input> / exec <input>   Execute an input and triage it")
	r.o.Println("  stats                         Show engine counters")
	r.o.Println("  favored                       Recompute the NCDm-favored set")
	r.o.Println("  triage <input> [tmout|crash]  Execute with a forced fault outcome")
	r.o.Println("  help                          Show this help")
	r.o.Println("  exit / quit / q               Exit")
}

func (r *repl) cmdExec(args []string) {
	if len(args) != 1 {
		r.o.Println("usage: exec <input>")
		return
	}

	result, err := observe(r.ctx, r.engine, r.executor, []byte(args[0]))
	if err != nil {
		r.o.Printf("error: %v\n", err)
		return
	}

	r.o.Printf("outcome=%v new_bits=%v path=%q\n", result.Outcome, result.NewBits, result.Path)
}

func (r *repl) cmdFavored() {
	result, err := r.engine.Favored()
	if err != nil {
		r.o.Printf("error: %v\n", err)
		return
	}

	r.o.Printf("selected=%v ncd=%.4f\n", result.Selected, result.NCD)
}

// cmdTriage runs an input through the executor but overrides the fault
// outcome, for demoing the hang/crash triage paths without needing a
// trigger byte sequence wired into the executor.
func (r *repl) cmdTriage(args []string) {
	if len(args) < 1 {
		r.o.Println("usage: triage <input> [tmout|crash]")
		return
	}

	buf := []byte(args[0])

	execResult, err := r.executor.Run(r.ctx, buf)
	if err != nil {
		r.o.Printf("error: %v\n", err)
		return
	}

	fault := translateFault(execResult.Fault)
	sig := execResult.Sig

	if len(args) > 1 {
		switch strings.ToLower(args[1]) {
		case "tmout", "timeout", "hang":
			fault = tmoutFault()
		case "crash":
			fault = crashFault()

			if sig == 0 {
				sig = 11 // SIGSEGV, matching target.InMemory's own trigger convention
			}
		}
	}

	result, err := r.engine.Observe(r.ctx, corpus.Observation{
		Buf:   buf,
		Raw:   execResult.Trace,
		Fault: fault,
		Sig:   sig,
	})
	if err != nil {
		r.o.Printf("error: %v\n", err)
		return
	}

	r.o.Printf("outcome=%v new_bits=%v path=%q\n", result.Outcome, result.NewBits, result.Path)
}

