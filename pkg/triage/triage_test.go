package triage_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fuzzkit/curator/pkg/fs"
	"github.com/fuzzkit/curator/pkg/triage"
	"github.com/fuzzkit/curator/pkg/virgin"
)

type fakeQueueStore struct {
	calls int
}

func (f *fakeQueueStore) AddToQueue(path string, length int, passedDet bool, hashfuzzClass int, cksum uint32, newPartition bool) error {
	f.calls++
	return nil
}

type fakeCalibrator struct {
	calls int
}

func (f *fakeCalibrator) Calibrate(_ context.Context, e *triage.LegacyEntry, _ int) error {
	f.calls++
	e.ExecUS = 42

	return nil
}

type fakeRerunner struct {
	crashes bool
}

func (f *fakeRerunner) RerunWithHangTimeout(_ context.Context, _ []byte) (bool, error) {
	return f.crashes, nil
}

func newSink(t *testing.T, cfg triage.Config) (*triage.Sink, *fakeQueueStore, *fakeCalibrator) {
	t.Helper()

	cfg.OutDir = t.TempDir()

	qs := &fakeQueueStore{}
	cal := &fakeCalibrator{}

	mapSize := 8
	sink := triage.New(
		cfg,
		fs.NewReal(),
		virgin.New(mapSize, virgin.Normal),
		virgin.New(mapSize, virgin.Timeout),
		virgin.New(mapSize, virgin.Crash),
		nil, // reservoir unused in legacy-mode tests
		nil, // partitions unused unless HashfuzzMode
		cal,
		qs,
		nil, // rerunner
		nil, // crashHook
	)

	return sink, qs, cal
}

func Test_SaveNormal_FirstInput_IsQueuedAndCalibrated(t *testing.T) {
	t.Parallel()

	sink, qs, cal := newSink(t, triage.Config{})

	result, err := sink.SaveIfInteresting(context.Background(), triage.Input{
		Buf: []byte("hello"),
		Raw: []byte{0, 1, 0, 0, 0, 0, 0, 0},
	})
	if err != nil {
		t.Fatalf("SaveIfInteresting: %v", err)
	}

	if result.Outcome != triage.OutcomeQueued {
		t.Fatalf("outcome = %v, want Queued", result.Outcome)
	}

	if result.Path == "" {
		t.Fatal("expected a written path")
	}

	if qs.calls != 1 {
		t.Fatalf("QueueStore.AddToQueue calls = %d, want 1", qs.calls)
	}

	if cal.calls != 1 {
		t.Fatalf("Calibrator.Calibrate calls = %d, want 1", cal.calls)
	}

	got, err := fs.NewReal().ReadFile(result.Path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != "hello" {
		t.Fatalf("file contents = %q, want %q", got, "hello")
	}
}

func Test_SaveNormal_NoNewBits_IsNotInteresting(t *testing.T) {
	t.Parallel()

	sink, qs, cal := newSink(t, triage.Config{})

	first, err := sink.SaveIfInteresting(context.Background(), triage.Input{
		Buf: []byte("hello"),
		Raw: []byte{0, 1, 0, 0, 0, 0, 0, 0},
	})
	if err != nil {
		t.Fatalf("first SaveIfInteresting: %v", err)
	}

	if first.Outcome != triage.OutcomeQueued {
		t.Fatalf("first outcome = %v, want Queued", first.Outcome)
	}

	callsBefore := qs.calls
	calBefore := cal.calls

	second, err := sink.SaveIfInteresting(context.Background(), triage.Input{
		Buf: []byte("hello-again"),
		Raw: []byte{0, 1, 0, 0, 0, 0, 0, 0}, // identical trace: no new bits
	})
	if err != nil {
		t.Fatalf("second SaveIfInteresting: %v", err)
	}

	if second.Outcome != triage.OutcomeNotInteresting {
		t.Fatalf("second outcome = %v, want NotInteresting", second.Outcome)
	}

	if qs.calls != callsBefore || cal.calls != calBefore {
		t.Fatal("expected no further queue/calibrate calls for an uninteresting input")
	}
}

// Test_Scenario_S6_HangWithNoNewBits_IsGatedFromDisk reproduces spec §8 S6:
// a timeout with no new virgin_tmout bits increments the counter but
// writes nothing to hangs/.
func Test_Scenario_S6_HangWithNoNewBits_IsGatedFromDisk(t *testing.T) {
	t.Parallel()

	outDir := t.TempDir()
	cfg := triage.Config{OutDir: outDir}

	qs := &fakeQueueStore{}
	cal := &fakeCalibrator{}

	sink := triage.New(
		cfg,
		fs.NewReal(),
		virgin.New(8, virgin.Normal),
		virgin.New(8, virgin.Timeout),
		virgin.New(8, virgin.Crash),
		nil, nil,
		cal, qs, nil, nil,
	)
	ctx := context.Background()

	first, err := sink.SaveIfInteresting(ctx, triage.Input{
		Buf:   []byte("slow-input"),
		Raw:   []byte{0, 1, 0, 0, 0, 0, 0, 0},
		Fault: triage.FaultTmout,
	})
	if err != nil {
		t.Fatalf("first timeout: %v", err)
	}

	if first.Outcome != triage.OutcomeHang {
		t.Fatalf("first outcome = %v, want Hang", first.Outcome)
	}

	hangsDir := outDir + "/hangs"

	entriesBefore, err := fs.NewReal().ReadDir(hangsDir)
	if err != nil {
		t.Fatalf("ReadDir hangs: %v", err)
	}

	if len(entriesBefore) != 1 {
		t.Fatalf("hangs dir entries = %d, want 1 after first unique timeout", len(entriesBefore))
	}

	second, err := sink.SaveIfInteresting(ctx, triage.Input{
		Buf:   []byte("slow-input-again"),
		Raw:   []byte{0, 1, 0, 0, 0, 0, 0, 0}, // same trace: no new virgin_tmout bits
		Fault: triage.FaultTmout,
	})
	if err != nil {
		t.Fatalf("second timeout: %v", err)
	}

	if second.Outcome != triage.OutcomeNotInteresting {
		t.Fatalf("second outcome = %v, want NotInteresting (no new bits)", second.Outcome)
	}

	entriesAfter, err := fs.NewReal().ReadDir(hangsDir)
	if err != nil {
		t.Fatalf("ReadDir hangs: %v", err)
	}

	if len(entriesAfter) != 1 {
		t.Fatalf("hangs dir entries after repeat timeout = %d, want still 1 (no file created)", len(entriesAfter))
	}
}

func Test_SaveTimeout_RerunCrash_FallsThroughToCrashPath(t *testing.T) {
	t.Parallel()

	cfg := triage.Config{}
	cfg.OutDir = t.TempDir()

	sink := triage.New(
		cfg,
		fs.NewReal(),
		virgin.New(8, virgin.Normal),
		virgin.New(8, virgin.Timeout),
		virgin.New(8, virgin.Crash),
		nil, nil, nil, nil,
		&fakeRerunner{crashes: true},
		nil,
	)

	result, err := sink.SaveIfInteresting(context.Background(), triage.Input{
		Buf:   []byte("hangs-then-crashes"),
		Raw:   []byte{0, 1, 0, 0, 0, 0, 0, 0},
		Fault: triage.FaultTmout,
	})
	if err != nil {
		t.Fatalf("SaveIfInteresting: %v", err)
	}

	if result.Outcome != triage.OutcomeCrash {
		t.Fatalf("outcome = %v, want Crash (rerun confirmed a crash)", result.Outcome)
	}

	if !strings.Contains(result.Path, "crashes") {
		t.Fatalf("path = %q, want it under crashes/", result.Path)
	}
}

func Test_SaveCrash_FirstCrash_WritesReadme(t *testing.T) {
	t.Parallel()

	sink, _, _ := newSink(t, triage.Config{})

	result, err := sink.SaveIfInteresting(context.Background(), triage.Input{
		Buf:   []byte("boom"),
		Raw:   []byte{0, 1, 0, 0, 0, 0, 0, 0},
		Fault: triage.FaultCrash,
	})
	if err != nil {
		t.Fatalf("SaveIfInteresting: %v", err)
	}

	if result.Outcome != triage.OutcomeCrash {
		t.Fatalf("outcome = %v, want Crash", result.Outcome)
	}

	readmePath := strings.Replace(result.Path, filepathBase(result.Path), "README.txt", 1)

	if _, err := fs.NewReal().ReadFile(readmePath); err != nil {
		t.Fatalf("expected README.txt to be written: %v", err)
	}
}

// Test_SaveCrash_FilenameCarriesObservedSignal covers spec §6's crash
// filename grammar: sig must reflect the execution's actual signal, not a
// hardcoded placeholder.
func Test_SaveCrash_FilenameCarriesObservedSignal(t *testing.T) {
	t.Parallel()

	sink, _, _ := newSink(t, triage.Config{})

	result, err := sink.SaveIfInteresting(context.Background(), triage.Input{
		Buf:   []byte("boom"),
		Raw:   []byte{0, 1, 0, 0, 0, 0, 0, 0},
		Fault: triage.FaultCrash,
		Sig:   11,
	})
	if err != nil {
		t.Fatalf("SaveIfInteresting: %v", err)
	}

	if !strings.Contains(filepathBase(result.Path), "sig:11") {
		t.Fatalf("crash basename = %q, want it to contain sig:11", filepathBase(result.Path))
	}
}

func Test_SaveCrash_GatedAboveKeepUniqueCrash(t *testing.T) {
	t.Parallel()

	sink, _, _ := newSink(t, triage.Config{KeepUniqueCrash: 1})
	ctx := context.Background()

	first, err := sink.SaveIfInteresting(ctx, triage.Input{
		Buf:   []byte("crash-one"),
		Raw:   []byte{0, 1, 0, 0, 0, 0, 0, 0},
		Fault: triage.FaultCrash,
	})
	if err != nil {
		t.Fatalf("first crash: %v", err)
	}

	if first.Outcome != triage.OutcomeCrash {
		t.Fatalf("first outcome = %v, want Crash", first.Outcome)
	}

	second, err := sink.SaveIfInteresting(ctx, triage.Input{
		Buf:   []byte("crash-two"),
		Raw:   []byte{0, 0, 1, 0, 0, 0, 0, 0}, // distinct new bits, but cap already reached
		Fault: triage.FaultCrash,
	})
	if err != nil {
		t.Fatalf("second crash: %v", err)
	}

	if second.Outcome != triage.OutcomeNotInteresting {
		t.Fatalf("second outcome = %v, want NotInteresting (KeepUniqueCrash cap reached)", second.Outcome)
	}
}

func Test_BuildDescribeString_NewCoverageSuffix(t *testing.T) {
	t.Parallel()

	pos := 3

	s := triage.BuildDescribeString(triage.DescribeInfo{
		Src:     1,
		TimeMS:  1000,
		Stage:   "havoc",
		Pos:     &pos,
		NewBits: virgin.NewEdge,
	})

	if !strings.HasPrefix(s, "src:000001,time:1000,op:havoc,pos:3") {
		t.Fatalf("describe string = %q, unexpected prefix", s)
	}

	if !strings.HasSuffix(s, ",+cov") {
		t.Fatalf("describe string = %q, want trailing ,+cov for new coverage", s)
	}
}

func Test_BuildDescribeString_LeavesTruncationToCaller(t *testing.T) {
	t.Parallel()

	s := triage.BuildDescribeString(triage.DescribeInfo{
		Src:               1,
		TimeMS:             1,
		CustomMutatorDesc: strings.Repeat("x", 1000),
	})

	if len(s) < 1000 { // builder itself doesn't truncate; callers do on the full basename
		t.Fatalf("unexpectedly truncated inside BuildDescribeString: len=%d", len(s))
	}
}

// Test_SaveIfInteresting_QueueDirFailure_IsFatal drives pkg/fs's Chaos
// decorator through the legacy queue path's MkdirAll call and checks the
// failure surfaces wrapped in ErrFatal rather than a silent drop.
func Test_SaveIfInteresting_QueueDirFailure_IsFatal(t *testing.T) {
	t.Parallel()

	chaos := fs.NewChaos(fs.NewReal(), fs.ChaosConfig{MkdirFailRate: 1})

	cfg := triage.Config{OutDir: t.TempDir()}
	mapSize := 8

	sink := triage.New(
		cfg,
		chaos,
		virgin.New(mapSize, virgin.Normal),
		virgin.New(mapSize, virgin.Timeout),
		virgin.New(mapSize, virgin.Crash),
		nil,
		nil,
		&fakeCalibrator{},
		&fakeQueueStore{},
		nil,
		nil,
	)

	raw := make([]byte, mapSize)
	raw[0] = 1

	_, err := sink.SaveIfInteresting(context.Background(), triage.Input{
		Buf: []byte("AAAA"), Raw: raw, Fault: triage.FaultNone,
	})
	if err == nil {
		t.Fatal("expected queue directory creation failure to surface as an error")
	}

	if !errors.Is(err, triage.ErrFatal) {
		t.Fatalf("err = %v, want errors.Is(err, triage.ErrFatal)", err)
	}
}

func filepathBase(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}

	return p
}

