// Package triage implements the crash/hang/queue triage sink: the
// final per-exec decision of whether an input is interesting enough to
// keep, where to file it, and what name to give it.
package triage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/fuzzkit/curator/pkg/bitmap"
	"github.com/fuzzkit/curator/pkg/fs"
	"github.com/fuzzkit/curator/pkg/partition"
	"github.com/fuzzkit/curator/pkg/reservoir"
	"github.com/fuzzkit/curator/pkg/virgin"
)

// nameMax bounds a generated basename, matching the filesystem NAME_MAX
// this module's on-disk artefacts are written under (spec §6).
const nameMax = 255

// Fault classifies one target execution's outcome.
type Fault int

const (
	FaultNone Fault = iota // "crash_mode" — no fault, the common case
	FaultTmout
	FaultCrash
	FaultError
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultTmout:
		return "tmout"
	case FaultCrash:
		return "crash"
	case FaultError:
		return "error"
	default:
		return fmt.Sprintf("Fault(%d)", int(f))
	}
}

// Outcome is the named result of SaveIfInteresting (spec §9: sum-typed
// results should be named variants, not integers).
type Outcome int

const (
	OutcomeNotInteresting Outcome = iota
	OutcomeQueued
	OutcomeHang
	OutcomeCrash
)

// ErrFatal wraps every fatal condition SaveIfInteresting can hit: an I/O
// creation/write/rename failure (spec §7).
var ErrFatal = errors.New("triage: fatal")

// LegacyEntry is the minimal queue-entry view calibrated inline by the
// legacy/hashfuzz append path — used only when NCD-queue mode is inactive,
// since in NCD mode the reservoir already calibrates on insertion.
type LegacyEntry struct {
	Path      string
	Buf       []byte
	Cksum     uint32
	ExecUS    int64
	CalFailed bool
}

// Calibrator measures a newly queued legacy entry's timing. Consumed only
// on the non-NCD append path (spec §4.7: "calibrate inline unless NCD mode
// already did").
type Calibrator interface {
	Calibrate(ctx context.Context, e *LegacyEntry, cycle int) error
}

// QueueStore is the legacy queue-append collaborator contract (spec §6
// add_to_queue).
type QueueStore interface {
	AddToQueue(path string, length int, passedDet bool, hashfuzzClass int, cksum uint32, newPartition bool) error
}

// HangRerunner re-executes an input under the more generous hang_tmout to
// confirm a genuine hang versus a crash discovered late (spec §4.7).
type HangRerunner interface {
	RerunWithHangTimeout(ctx context.Context, buf []byte) (crashed bool, err error)
}

// CrashHook is the optional "infoexec" notification (spec §4.7) fired
// after a new crash artefact is written. Nil-safe: callers that don't
// need it pass nil.
type CrashHook interface {
	Notify(ctx context.Context, path string) error
}

// Config configures a Sink.
type Config struct {
	OutDir            string
	KeepUniqueHang    int // 0 means unlimited
	KeepUniqueCrash   int // 0 means unlimited
	NCDQueueMode      bool
	HashfuzzMode      bool
	HashfuzzMimicMode bool
}

// Sink is the triage entry point, save_if_interesting (spec §4.7). Owns
// the running queue/hang/crash id counters and the crash-README flag.
//
// Not safe for concurrent use (spec §5: single-threaded core).
type Sink struct {
	cfg  Config
	fsys fs.FS

	virginNormal *virgin.Map
	virginTmout  *virgin.Map
	virginCrash  *virgin.Map

	res        *reservoir.Reservoir
	partitions *partition.Map
	calibrator Calibrator
	queueStore QueueStore
	rerunner   HangRerunner
	crashHook  CrashHook

	uniqueTmouts  int
	uniqueCrashes int

	nextQueueID int
	nextHangID  int
	nextCrashID int

	readmeWritten bool
}

// New constructs a Sink. calibrator, queueStore, rerunner, and crashHook
// may be nil when the corresponding feature (legacy queue append, hang
// confirmation re-run, infoexec) is unused.
func New(
	cfg Config,
	fsys fs.FS,
	virginNormal, virginTmout, virginCrash *virgin.Map,
	res *reservoir.Reservoir,
	partitions *partition.Map,
	calibrator Calibrator,
	queueStore QueueStore,
	rerunner HangRerunner,
	crashHook CrashHook,
) *Sink {
	return &Sink{
		cfg:          cfg,
		fsys:         fsys,
		virginNormal: virginNormal,
		virginTmout:  virginTmout,
		virginCrash:  virginCrash,
		res:          res,
		partitions:   partitions,
		calibrator:   calibrator,
		queueStore:   queueStore,
		rerunner:     rerunner,
		crashHook:    crashHook,
	}
}

// ValSpec describes the `val:[be:]<±n>` segment of a describe string.
type ValSpec struct {
	BigEndian bool
	Delta     int
}

// DescribeInfo carries the provenance fields for the describe-string
// builder (spec §6).
type DescribeInfo struct {
	Src               int
	SpliceSrc         *int
	TimeMS            int64
	Stage             string
	Pos               *int
	Val               *ValSpec
	Rep               *int
	CustomMutatorDesc string
	NewBits           virgin.Grade
	NewPartition      bool
}

// BuildDescribeString renders the human-readable suffix of a queue/crash/
// hang filename (spec §6), without the leading id:/cksum:/sig: prefix or
// NAME_MAX truncation — callers apply truncation to the full basename.
func BuildDescribeString(info DescribeInfo) string {
	var b strings.Builder

	fmt.Fprintf(&b, "src:%06d", info.Src)

	if info.SpliceSrc != nil {
		fmt.Fprintf(&b, "+%06d", *info.SpliceSrc)
	}

	fmt.Fprintf(&b, ",time:%d", info.TimeMS)

	switch {
	case info.CustomMutatorDesc != "":
		b.WriteString(",")
		b.WriteString(info.CustomMutatorDesc)
	case info.Rep != nil:
		fmt.Fprintf(&b, ",op:%s,rep:%d", info.Stage, *info.Rep)
	default:
		fmt.Fprintf(&b, ",op:%s", info.Stage)

		if info.Pos != nil {
			fmt.Fprintf(&b, ",pos:%d", *info.Pos)

			if info.Val != nil {
				sign := "+"
				if info.Val.Delta < 0 {
					sign = ""
				}

				if info.Val.BigEndian {
					fmt.Fprintf(&b, ",val:be:%s%d", sign, info.Val.Delta)
				} else {
					fmt.Fprintf(&b, ",val:%s%d", sign, info.Val.Delta)
				}
			}
		}
	}

	if info.NewBits == virgin.NewEdge {
		b.WriteString(",+cov")
	} else if info.NewPartition {
		b.WriteString(",+partition")
	}

	return b.String()
}

func truncateName(name string) string {
	if len(name) <= nameMax {
		return name
	}

	return name[:nameMax]
}

// Input is one save_if_interesting call's parameters.
type Input struct {
	Buf   []byte
	Raw   []byte // raw trace_bits for this exec, length MapSize
	Fault Fault
	Cycle int
	Sig   int // crash signal, meaningful only when Fault == FaultCrash

	InputHash     uint64
	PathChecksum  uint32 // unclassified-trace checksum, hashfuzz mode only
	PartitionClass int   // pre-computed by the caller, hashfuzz mode only
	PassedDet     bool

	Describe DescribeInfo
}

// Result is what one SaveIfInteresting call decided.
type Result struct {
	Outcome Outcome
	NewBits virgin.Grade
	Path    string
}

// UniqueTimeouts returns the running unique_tmouts counter (spec §8 S6:
// incremented on every timeout, independent of whether a file was written).
func (s *Sink) UniqueTimeouts() int {
	return s.uniqueTmouts
}

// UniqueCrashes returns the running unique_crashes counter.
func (s *Sink) UniqueCrashes() int {
	return s.uniqueCrashes
}

// SaveIfInteresting is the triage entry point (spec §4.7).
func (s *Sink) SaveIfInteresting(ctx context.Context, in Input) (Result, error) {
	switch in.Fault {
	case FaultNone:
		return s.saveNormal(ctx, in)
	case FaultTmout:
		return s.saveTimeout(ctx, in)
	case FaultCrash:
		return s.saveCrash(ctx, in)
	default:
		return Result{}, fmt.Errorf("%w: unhandled fault outcome %v", ErrFatal, in.Fault)
	}
}

func (s *Sink) saveNormal(ctx context.Context, in Input) (Result, error) {
	// Novelty is checked before the reservoir update below, the reverse of
	// spec §5's "reservoir updated before novelty counters" ordering.
	// Harmless: HasNewBitsUnclassified only reads/flips virgin bits and
	// doesn't depend on reservoir state, so the two checks commute here.
	grade := s.virginNormal.HasNewBitsUnclassified(in.Raw)
	interesting := grade != virgin.NoNewBits
	newPartition := false

	if s.cfg.NCDQueueMode {
		classified := append([]byte(nil), in.Raw...)
		bitmap.Classify(classified)

		stats, err := s.res.SaveToEdgeEntries(ctx, reservoir.NewInput{
			Buf:        in.Buf,
			Classified: classified,
			InputHash:  in.InputHash,
			Cycle:      in.Cycle,
		})
		if err != nil {
			return Result{}, fmt.Errorf("%w: save to edge entries: %v", ErrFatal, err)
		}

		if stats.Inserted > 0 || stats.Evicted > 0 {
			interesting = true
		}
	}

	if s.cfg.HashfuzzMode {
		if s.cfg.HashfuzzMimicMode {
			newPartition = s.partitions.IsFirstForPartitionMimic(in.PartitionClass)
		} else {
			newPartition = s.partitions.Register(in.PathChecksum, in.PartitionClass)
		}

		if newPartition {
			interesting = true
		}
	}

	if !interesting {
		return Result{Outcome: OutcomeNotInteresting, NewBits: grade}, nil
	}

	if s.cfg.NCDQueueMode {
		// The reservoir already persisted the file and calibrated inline.
		return Result{Outcome: OutcomeQueued, NewBits: grade}, nil
	}

	info := in.Describe
	info.NewBits = grade
	info.NewPartition = newPartition

	basename := truncateName(fmt.Sprintf("id:%06d,cksum:%08x,%s", s.nextQueueID, in.PathChecksum, BuildDescribeString(info)))
	path := filepath.Join(s.cfg.OutDir, "queue", basename)
	s.nextQueueID++

	if err := s.fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Result{}, fmt.Errorf("%w: create queue dir: %v", ErrFatal, err)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(in.Buf)); err != nil {
		return Result{}, fmt.Errorf("%w: write queue file %q: %v", ErrFatal, path, err)
	}

	if s.queueStore != nil {
		if err := s.queueStore.AddToQueue(path, len(in.Buf), in.PassedDet, in.PartitionClass, in.PathChecksum, newPartition); err != nil {
			return Result{}, fmt.Errorf("%w: add to queue: %v", ErrFatal, err)
		}
	}

	if s.calibrator != nil {
		entry := &LegacyEntry{Path: path, Buf: in.Buf, Cksum: in.PathChecksum}
		if err := s.calibrator.Calibrate(ctx, entry, in.Cycle); err != nil {
			return Result{}, fmt.Errorf("%w: calibrate: %v", ErrFatal, err)
		}
	}

	return Result{Outcome: OutcomeQueued, NewBits: grade, Path: path}, nil
}

func (s *Sink) saveTimeout(ctx context.Context, in Input) (Result, error) {
	s.uniqueTmouts++

	if s.cfg.KeepUniqueHang > 0 && s.uniqueTmouts > s.cfg.KeepUniqueHang {
		return Result{Outcome: OutcomeNotInteresting}, nil
	}

	classified := append([]byte(nil), in.Raw...)
	bitmap.Classify(classified)
	bitmap.Simplify(classified)

	grade := s.virginTmout.HasNewBits(classified)
	if grade == virgin.NoNewBits {
		return Result{Outcome: OutcomeNotInteresting}, nil
	}

	if s.rerunner != nil {
		crashed, err := s.rerunner.RerunWithHangTimeout(ctx, in.Buf)
		if err != nil {
			return Result{}, fmt.Errorf("%w: hang confirmation re-run: %v", ErrFatal, err)
		}

		if crashed {
			return s.saveCrash(ctx, in)
		}
	}

	basename := truncateName(fmt.Sprintf("id:%06d,%s", s.nextHangID, BuildDescribeString(in.Describe)))
	path := filepath.Join(s.cfg.OutDir, "hangs", basename)
	s.nextHangID++

	if err := s.fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Result{}, fmt.Errorf("%w: create hangs dir: %v", ErrFatal, err)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(in.Buf)); err != nil {
		return Result{}, fmt.Errorf("%w: write hang file %q: %v", ErrFatal, path, err)
	}

	return Result{Outcome: OutcomeHang, NewBits: grade, Path: path}, nil
}

const crashReadme = `This directory contains inputs that caused the target to crash.

Each filename is a describe-string identifying how the input was produced.
See the crash describe-string grammar for details.
`

func (s *Sink) saveCrash(ctx context.Context, in Input) (Result, error) {
	s.uniqueCrashes++

	if s.cfg.KeepUniqueCrash > 0 && s.uniqueCrashes > s.cfg.KeepUniqueCrash {
		return Result{Outcome: OutcomeNotInteresting}, nil
	}

	classified := append([]byte(nil), in.Raw...)
	bitmap.Classify(classified)
	bitmap.Simplify(classified)

	grade := s.virginCrash.HasNewBits(classified)
	if grade == virgin.NoNewBits {
		return Result{Outcome: OutcomeNotInteresting}, nil
	}

	if err := s.fsys.MkdirAll(filepath.Join(s.cfg.OutDir, "crashes"), 0o755); err != nil {
		return Result{}, fmt.Errorf("%w: create crashes dir: %v", ErrFatal, err)
	}

	if !s.readmeWritten {
		readmePath := filepath.Join(s.cfg.OutDir, "crashes", "README.txt")
		// Recoverable-informational (spec §7): README write failure is ignored.
		_ = atomic.WriteFile(readmePath, strings.NewReader(crashReadme))
		s.readmeWritten = true
	}

	basename := truncateName(fmt.Sprintf("id:%06d,sig:%02d,%s", s.nextCrashID, in.Sig, BuildDescribeString(in.Describe)))
	path := filepath.Join(s.cfg.OutDir, "crashes", basename)
	s.nextCrashID++

	if err := atomic.WriteFile(path, bytes.NewReader(in.Buf)); err != nil {
		return Result{}, fmt.Errorf("%w: write crash file %q: %v", ErrFatal, path, err)
	}

	if s.crashHook != nil {
		// Recoverable-informational: the hook is a notification, not load-bearing.
		_ = s.crashHook.Notify(ctx, path)
	}

	return Result{Outcome: OutcomeCrash, NewBits: grade, Path: path}, nil
}
