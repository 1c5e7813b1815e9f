package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/fuzzkit/curator/internal/config"
	"github.com/fuzzkit/curator/internal/target"
	"github.com/fuzzkit/curator/pkg/corpus"
	"github.com/fuzzkit/curator/pkg/fs"
	"github.com/fuzzkit/curator/pkg/reservoir"
)

// Run is the main entry point. Returns the exit code. sigCh may be nil
// (e.g. in tests).
func Run(_ io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	globalFlags := flag.NewFlagSet("curator", flag.ContinueOnError)
	globalFlags.SetInterspersed(false)
	globalFlags.Usage = func() {}
	globalFlags.SetOutput(&strings.Builder{})

	flagHelp := globalFlags.BoolP("help", "h", false, "Show help")
	flagCwd := globalFlags.StringP("cwd", "C", "", "Run as if started in `dir`")
	flagConfig := globalFlags.StringP("config", "c", "", "Use specified config `file`")
	flagOutDir := globalFlags.String("out-dir", "", "Override output `directory`")

	if err := globalFlags.Parse(args[1:]); err != nil {
		fprintln(errOut, "error:", err)
		printGlobalOptions(errOut)

		return 1
	}

	workDir := *flagCwd
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			fprintln(errOut, "error:", err)
			return 1
		}
	}

	cfg, _, err := config.LoadConfig(config.LoadInput{
		WorkDir:        workDir,
		ConfigPath:     *flagConfig,
		OutDirOverride: *flagOutDir,
		Env:            env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)
		printGlobalOptions(errOut)

		return 1
	}

	engine, executor, err := buildEngine(cfg)
	if err != nil {
		fprintln(errOut, "error:", err)
		return 1
	}

	commands := allCommands(cfg, engine, executor)

	commandMap := make(map[string]*Command, len(commands))
	for _, cmd := range commands {
		commandMap[cmd.Name()] = cmd
	}

	commandAndArgs := globalFlags.Args()

	if *flagHelp || (len(commandAndArgs) == 0 && globalFlags.NFlag() == 0) {
		printUsage(out, commands)
		return 0
	}

	if len(commandAndArgs) == 0 {
		fprintln(errOut, "error: no command provided")
		printUsage(errOut, commands)

		return 1
	}

	cmdName := commandAndArgs[0]

	cmd, ok := commandMap[cmdName]
	if !ok {
		fprintln(errOut, "error: unknown command:", cmdName)
		printUsage(errOut, commands)

		return 1
	}

	cmdIO := NewIO(out, errOut)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan int, 1)

	go func() {
		done <- cmd.Run(ctx, cmdIO, commandAndArgs[1:])
	}()

	select {
	case exitCode := <-done:
		if exitCode != 0 {
			return exitCode
		}

		return cmdIO.Finish()
	case <-sigCh:
		fprintln(errOut, "shutting down with 5s timeout...")
		cancel()
	}

	select {
	case <-done:
		fprintln(errOut, "graceful shutdown ok (130)")
		return 130
	case <-time.After(5 * time.Second):
		fprintln(errOut, "graceful shutdown timed out, forced exit (130)")
		return 130
	case <-sigCh:
		fprintln(errOut, "graceful shutdown interrupted, forced exit (130)")
		return 130
	}
}

// buildEngine wires a fresh corpus.Engine and in-memory target.Executor
// from cfg, matching internal/target's reference-implementation role for
// the REPL and bench tool.
func buildEngine(cfg config.Config) (*corpus.Engine, target.Executor, error) {
	atomKind := reservoir.AtomTestcase
	if cfg.NCDAtom == "trace_mini" {
		atomKind = reservoir.AtomTraceMini
	}

	engine, err := corpus.New(corpus.Config{
		OutDir:          cfg.OutDir,
		MapSize:         cfg.MapSize,
		K:               cfg.K,
		AtomKind:        atomKind,
		HashfuzzMode:    cfg.HashfuzzMode,
		KeepUniqueHang:  cfg.KeepUniqueHang,
		KeepUniqueCrash: cfg.KeepUniqueCrash,
	}, fs.NewReal(), noopCalibrator{}, noopScheduler{}, nil, nil, nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("cli: build engine: %w", err)
	}

	return engine, target.NewInMemory(cfg.MapSize), nil
}

// allCommands returns all commands in display order. Dependencies are
// captured via closures in each command constructor.
func allCommands(cfg config.Config, engine *corpus.Engine, executor target.Executor) []*Command {
	return []*Command{
		PrintConfigCmd(cfg),
		ExecCmd(engine, executor),
		StatsCmd(engine),
		FavoredCmd(engine),
		ReplCmd(engine, executor),
	}
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

const globalOptionsHelp = `  -h, --help             Show help
  -C, --cwd <dir>        Run as if started in <dir>
  -c, --config <file>    Use specified config file
  --out-dir <dir>        Override output directory`

func printGlobalOptions(w io.Writer) {
	fprintln(w, "Usage: curator [flags] <command> [args]")
	fprintln(w)
	fprintln(w, "Global flags:")
	fprintln(w, globalOptionsHelp)
	fprintln(w)
	fprintln(w, "Run 'curator --help' for a list of commands.")
}

func printUsage(w io.Writer, commands []*Command) {
	fprintln(w, "curator - coverage-guided corpus curation engine")
	fprintln(w)
	fprintln(w, "Usage: curator [flags] <command> [args]")
	fprintln(w)
	fprintln(w, "Flags:")
	fprintln(w, globalOptionsHelp)
	fprintln(w)
	fprintln(w, "Commands:")

	for _, cmd := range commands {
		fprintln(w, cmd.HelpLine())
	}
}
