// Package corpus wires the classifier, novelty detector, edge reservoir,
// favored-set builder, path-partition map, and triage sink into the single
// per-exec pipeline described in spec §2: given one target execution's raw
// trace and fault outcome, decide whether to keep it and where.
package corpus

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/fuzzkit/curator/pkg/favored"
	"github.com/fuzzkit/curator/pkg/fs"
	"github.com/fuzzkit/curator/pkg/partition"
	"github.com/fuzzkit/curator/pkg/reservoir"
	"github.com/fuzzkit/curator/pkg/triage"
	"github.com/fuzzkit/curator/pkg/virgin"
)

// Calibrator, Scheduler, QueueStore, HangRerunner, and CrashHook are the
// collaborator contracts of spec §6, aliased here so callers that build an
// Engine need only import pkg/corpus. They are declared in pkg/reservoir and
// pkg/triage — their actual consumers — not here: Engine imports both of
// those packages to wire them together, so declaring the interfaces in
// pkg/corpus instead would force pkg/triage to import pkg/corpus for its own
// method signatures, an import cycle.
type (
	Calibrator       = reservoir.Calibrator
	Scheduler        = reservoir.Scheduler
	QueueStore       = triage.QueueStore
	HangRerunner     = triage.HangRerunner
	CrashHook        = triage.CrashHook
	LegacyCalibrator = triage.Calibrator
	LegacyEntry      = triage.LegacyEntry
)

// Config configures an Engine. Mirrors internal/config.Config's fuzzer-
// facing fields (spec §4.9 ambient config section).
type Config struct {
	OutDir   string
	MapSize  int
	K        int
	AtomKind reservoir.AtomKind

	HashfuzzMode      bool
	HashfuzzMimicMode bool

	KeepUniqueHang  int
	KeepUniqueCrash int
}

// Engine is the wired pipeline: one reservoir, three virgin bitmaps, an
// optional path-partition map, and a triage sink, all sharing one cycle
// counter (spec §9 Design Notes: one explicit state object, not
// package-level singletons).
//
// Not safe for concurrent use (spec §5).
type Engine struct {
	cfg Config

	res          *reservoir.Reservoir
	virginNormal *virgin.Map
	virginTmout  *virgin.Map
	virginCrash  *virgin.Map
	partitions   *partition.Map
	sink         *triage.Sink

	cycle int
}

// New constructs an Engine. legacyCal, queueStore, rerunner, and crashHook
// may be nil per triage.New's nil-safety (unused when the corresponding
// feature is inactive).
func New(
	cfg Config,
	fsys fs.FS,
	calibrator Calibrator,
	scheduler Scheduler,
	legacyCal LegacyCalibrator,
	queueStore QueueStore,
	rerunner HangRerunner,
	crashHook CrashHook,
) (*Engine, error) {
	res, err := reservoir.New(reservoir.Config{
		MapSize:  cfg.MapSize,
		K:        cfg.K,
		AtomKind: cfg.AtomKind,
		OutDir:   cfg.OutDir,
	}, fsys, calibrator, scheduler)
	if err != nil {
		return nil, fmt.Errorf("corpus: new reservoir: %w", err)
	}

	virginNormal := virgin.New(cfg.MapSize, virgin.Normal)
	virginTmout := virgin.New(cfg.MapSize, virgin.Timeout)
	virginCrash := virgin.New(cfg.MapSize, virgin.Crash)

	var partitions *partition.Map
	if cfg.HashfuzzMode {
		partitions = partition.New()
	}

	sink := triage.New(
		triage.Config{
			OutDir:            cfg.OutDir,
			KeepUniqueHang:    cfg.KeepUniqueHang,
			KeepUniqueCrash:   cfg.KeepUniqueCrash,
			NCDQueueMode:      true,
			HashfuzzMode:      cfg.HashfuzzMode,
			HashfuzzMimicMode: cfg.HashfuzzMimicMode,
		},
		fsys,
		virginNormal, virginTmout, virginCrash,
		res,
		partitions,
		legacyCal,
		queueStore,
		rerunner,
		crashHook,
	)

	return &Engine{
		cfg:          cfg,
		res:          res,
		virginNormal: virginNormal,
		virginTmout:  virginTmout,
		virginCrash:  virginCrash,
		partitions:   partitions,
		sink:         sink,
	}, nil
}

// Hash64 implements the hash64(buf, len, seed) collaborator contract of
// spec §6 via xxhash. The seed is mixed in as an 8-byte little-endian
// prefix, since cespare/xxhash/v2's Digest has no native seed parameter.
func Hash64(buf []byte, seed uint64) uint64 {
	var seedBytes [8]byte
	binary.LittleEndian.PutUint64(seedBytes[:], seed)

	d := xxhash.New()
	_, _ = d.Write(seedBytes[:])
	_, _ = d.Write(buf)

	return d.Sum64()
}

// Observation is one target execution's outcome, offered to the pipeline.
type Observation struct {
	Buf   []byte // the testcase buffer that produced this execution
	Raw   []byte // raw (unclassified) trace_bits, length MapSize
	Fault triage.Fault
	Sig   int // crash signal, meaningful only when Fault == triage.FaultCrash

	PathChecksum   uint32 // unclassified-trace checksum, hashfuzz mode only
	PartitionClass int    // hashfuzz mode only
	PassedDet      bool

	Describe triage.DescribeInfo
}

// Observe runs one execution's result through classify -> novelty ->
// reservoir/partition -> triage, advancing the engine's cycle counter.
func (e *Engine) Observe(ctx context.Context, obs Observation) (triage.Result, error) {
	e.cycle++

	return e.sink.SaveIfInteresting(ctx, triage.Input{
		Buf:            obs.Buf,
		Raw:            obs.Raw,
		Fault:          obs.Fault,
		Sig:            obs.Sig,
		Cycle:          e.cycle,
		InputHash:      Hash64(obs.Buf, 0),
		PathChecksum:   obs.PathChecksum,
		PartitionClass: obs.PartitionClass,
		PassedDet:      obs.PassedDet,
		Describe:       obs.Describe,
	})
}

// Favored recomputes the NCDm-favored set (spec §4.6) over every live entry
// in the reservoir arena and marks each entry's NCDMFavored flag.
func (e *Engine) Favored() (favored.Result, error) {
	entries := e.res.Entries()

	candidates := make([]favored.Candidate, 0, len(entries))
	for _, entry := range entries {
		if entry == nil || entry.Disabled {
			continue
		}

		candidates = append(candidates, favored.Candidate{
			ID:            int(entry.ID),
			TraceMini:     entry.TraceMini,
			Atom:          entry.Atom(e.res.AtomKind()),
			CompressedLen: entry.CompressedLen,
		})
	}

	discovered := make([]byte, (e.res.MapSize()+7)/8)
	e.virginNormal.Discovered(discovered)

	result, err := favored.SetNCDMFavored(candidates, discovered, e.res.Scratch())
	if err != nil {
		return favored.Result{}, fmt.Errorf("corpus: favored set: %w", err)
	}

	selected := make(map[int]bool, len(result.Selected))
	for _, id := range result.Selected {
		selected[id] = true
	}

	for _, entry := range entries {
		if entry == nil {
			continue
		}

		entry.NCDMFavored = selected[int(entry.ID)]
	}

	return result, nil
}

// Stats summarizes the engine's running counters, for the REPL's `stats`
// command and the bench tool's report.
type Stats struct {
	Cycle            int
	DiscoveredEdges  int
	QueueSize        int
	UniqueTimeouts   int
	UniqueCrashes    int
}

// Stats returns a snapshot of the engine's current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Cycle:           e.cycle,
		DiscoveredEdges: e.virginNormal.CountDiscoveredEdges(),
		QueueSize:       len(e.res.Entries()),
		UniqueTimeouts:  e.sink.UniqueTimeouts(),
		UniqueCrashes:   e.sink.UniqueCrashes(),
	}
}

// Reservoir exposes the underlying reservoir for callers (REPL `put`/
// `exec` commands) that need entry-level detail beyond Stats.
func (e *Engine) Reservoir() *reservoir.Reservoir {
	return e.res
}

// VirginNormal exposes the normal-execution virgin bitmap, for callers that
// want to persist it via virgin.Map.WriteBitmap between runs.
func (e *Engine) VirginNormal() *virgin.Map {
	return e.virginNormal
}
