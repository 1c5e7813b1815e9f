// Command curator-bench benchmarks the corpus curation engine at
// increasing corpus sizes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fuzzkit/curator/internal/target"
	"github.com/fuzzkit/curator/pkg/corpus"
	"github.com/fuzzkit/curator/pkg/fs"
	"github.com/fuzzkit/curator/pkg/reservoir"
)

// Config holds all benchmark configuration.
type Config struct {
	OutDir  string
	MapSize int
	Counts  []int
	Reps    int
}

// sample holds the time of one executor run plus its Observe() call.
type sample struct {
	d time.Duration
}

// report holds the per-corpus-size benchmark result.
type report struct {
	Observed int
	Total    time.Duration
	Mean     time.Duration
	P50      time.Duration
	P95      time.Duration
}

func main() {
	cfg := Config{}

	flag.StringVar(&cfg.OutDir, "out", filepath.Join(".", ".benchmarks"), "Output directory for reports")
	flag.IntVar(&cfg.MapSize, "map-size", 1<<16, "Trace bitmap size")
	flag.IntVar(&cfg.Reps, "reps", 3, "Repetitions per corpus size, best-of kept")

	countsStr := flag.String("counts", "1000,10000,100000", "Comma-separated list of corpus sizes to benchmark")

	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: curator-bench [flags]\n\n")
		fmt.Fprint(os.Stderr, "Benchmarks Observe() throughput and latency against a synthetic in-memory target at increasing corpus sizes.\n\n")
		fmt.Fprint(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	for countStr := range strings.SplitSeq(*countsStr, ",") {
		countStr = strings.TrimSpace(countStr)
		if countStr == "" {
			continue
		}

		count, err := strconv.Atoi(countStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid count %q: %v\n", countStr, err)
			os.Exit(1)
		}

		cfg.Counts = append(cfg.Counts, count)
	}

	if len(cfg.Counts) == 0 {
		fmt.Fprint(os.Stderr, "no counts specified\n")
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.OutDir, 0o750); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create output directory: %v\n", err)
		os.Exit(1)
	}

	if err := runObserveBench(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "observe benchmark failed: %v\n", err)
		os.Exit(1)
	}
}

func getSystemInfo() string {
	var sb strings.Builder

	timestampUTC := time.Now().UTC().Format(time.RFC3339)
	sb.WriteString(fmt.Sprintf("## Run %s\n\n", timestampUTC))

	ctx := context.Background()

	gitRev, gitErr := exec.CommandContext(ctx, "git", "rev-parse", "--short", "HEAD").Output()
	if gitErr == nil {
		sb.WriteString(fmt.Sprintf("- git: %s\n", strings.TrimSpace(string(gitRev))))
	} else {
		sb.WriteString("- git: unknown\n")
	}

	goVer, goErr := exec.CommandContext(ctx, "go", "version").Output()
	if goErr == nil {
		sb.WriteString(fmt.Sprintf("- %s\n", strings.TrimSpace(string(goVer))))
	}

	sb.WriteString(fmt.Sprintf("- %s/%s, %d CPUs\n", runtime.GOOS, runtime.GOARCH, runtime.NumCPU()))
	sb.WriteString("- note: in-process timing, no external benchmarking binary\n\n")

	return sb.String()
}

// runObserveBench drives corpus.Engine.Observe across increasing corpus
// sizes against a synthetic target.InMemory, measuring per-call latency
// in-process instead of shelling out to an external tool.
func runObserveBench(cfg *Config) error {
	timestamp := time.Now().UTC().Format("20060102-150405")
	outFile := filepath.Join(cfg.OutDir, fmt.Sprintf("observe_%s.md", timestamp))

	var out strings.Builder
	out.WriteString(getSystemInfo())
	out.WriteString("| corpus size | observed | total | mean | p50 | p95 |\n")
	out.WriteString("|---|---|---|---|---|---|\n")

	for _, count := range cfg.Counts {
		fmt.Fprintf(os.Stderr, "\n%s\n", strings.Repeat("=", 60))
		fmt.Fprintf(os.Stderr, "OBSERVE BENCHMARK: %d inputs\n", count)
		fmt.Fprintf(os.Stderr, "%s\n\n", strings.Repeat("=", 60))

		var best *report

		for rep := 0; rep < cfg.Reps; rep++ {
			r, err := benchOnce(cfg.MapSize, count)
			if err != nil {
				return fmt.Errorf("corpus size %d, rep %d: %w", count, rep, err)
			}

			if best == nil || r.Mean < best.Mean {
				best = r
			}
		}

		out.WriteString(fmt.Sprintf("| %d | %d | %s | %s | %s | %s |\n",
			count, best.Observed, best.Total, best.Mean, best.P50, best.P95))
	}

	if err := os.WriteFile(outFile, []byte(out.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	fmt.Fprintf(os.Stderr, "wrote %s\n", outFile)

	return nil
}

// benchOnce runs count synthetic inputs through a fresh engine and returns
// latency statistics for each executor run plus Observe() call.
func benchOnce(mapSize, count int) (*report, error) {
	outDir, err := os.MkdirTemp("", "curator-bench-*")
	if err != nil {
		return nil, fmt.Errorf("mkdir temp: %w", err)
	}
	defer os.RemoveAll(outDir)

	engine, err := corpus.New(corpus.Config{
		OutDir:          outDir,
		MapSize:         mapSize,
		K:               4,
		AtomKind:        reservoir.AtomTestcase,
		KeepUniqueHang:  1,
		KeepUniqueCrash: 1,
	}, fs.NewReal(), benchCalibrator{}, benchScheduler{}, nil, nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("new engine: %w", err)
	}

	executor := target.NewInMemory(mapSize)
	ctx := context.Background()

	samples := make([]sample, 0, count)
	start := time.Now()

	for i := 0; i < count; i++ {
		buf := []byte(fmt.Sprintf("bench-input-%08d", i))

		t0 := time.Now()

		execResult, err := executor.Run(ctx, buf)
		if err != nil {
			return nil, fmt.Errorf("executor run %d: %w", i, err)
		}

		_, err = engine.Observe(ctx, corpus.Observation{
			Buf: buf,
			Raw: execResult.Trace,
		})
		if err != nil {
			return nil, fmt.Errorf("observe %d: %w", i, err)
		}

		samples = append(samples, sample{d: time.Since(t0)})
	}

	total := time.Since(start)

	return &report{
		Observed: len(samples),
		Total:    total,
		Mean:     meanDuration(samples),
		P50:      percentileDuration(samples, 0.50),
		P95:      percentileDuration(samples, 0.95),
	}, nil
}

func meanDuration(samples []sample) time.Duration {
	if len(samples) == 0 {
		return 0
	}

	var sum time.Duration
	for _, s := range samples {
		sum += s.d
	}

	return sum / time.Duration(len(samples))
}

func percentileDuration(samples []sample, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(samples))
	for i, s := range samples {
		sorted[i] = s.d
	}

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}

// benchCalibrator and benchScheduler are fixed stand-ins for the
// out-of-scope calibration/scheduler collaborators, matching
// internal/cli's noop adapters.
type benchCalibrator struct{}

func (benchCalibrator) Calibrate(_ context.Context, _ *reservoir.Entry, _ int, _ reservoir.CalibrateFlags) (reservoir.CalibrationResult, error) {
	return reservoir.CalibrationResult{ExecUS: 1}, nil
}

type benchScheduler struct{}

func (benchScheduler) FavFactor(e *reservoir.Entry) uint64 {
	return uint64(len(e.TestcaseBuf))
}

func (benchScheduler) UpdateBitmapScore(_ *reservoir.Entry) {}
