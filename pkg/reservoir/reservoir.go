// Package reservoir implements the per-edge×bucket reservoir: the bounded
// list of kept queue entries for every (edge, bucket) pair, insertion,
// rate-limited diversity-driven eviction, and the eviction swap that keeps
// on-disk files, in-memory buffers, and the favored set consistent.
package reservoir

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fuzzkit/curator/pkg/bitmap"
	"github.com/fuzzkit/curator/pkg/diversity"
	"github.com/fuzzkit/curator/pkg/fs"
	"github.com/fuzzkit/curator/pkg/hashindex"
)

// EntryID addresses a Entry in the reservoir's arena. Stable for the life
// of the process; never reused (entries are overwritten in place on
// eviction, never freed — spec §3 Lifecycle).
type EntryID int

// noEntry is the sentinel EntryID meaning "no entry".
const noEntry EntryID = -1

// AtomKind selects which bytes the diversity kernel treats as an entry's
// NCD atom. The choice is invariant across a run (spec §4.5).
type AtomKind int

const (
	AtomTestcase AtomKind = iota
	AtomTraceMini
)

// Entry is a candidate test case kept in the reservoir (spec §3 "Queue
// entry"). Owned by the arena; referenced elsewhere only by EntryID.
type Entry struct {
	ID EntryID

	Path          string
	TestcaseBuf   []byte
	Length        int
	InputHash     uint64
	ExecChecksum  uint32 // 0 means stale
	TraceMini     []byte
	CompressedLen int

	edgeSlotIndex int // index into Reservoir.slots

	Duplicates int

	Favored     bool
	NCDMFavored bool
	WasFuzzed   bool
	HasNewCov   bool
	Disabled    bool

	CalFailed  bool
	ExecUS     int64
	BitmapSize int
	Handicap   int
	FuzzLevel  int
}

// Atom returns the bytes the diversity kernel treats as this entry's NCD
// atom under kind: the raw testcase buffer, or the minified trace.
func (e *Entry) Atom(kind AtomKind) []byte {
	if kind == AtomTraceMini {
		return e.TraceMini
	}

	return e.TestcaseBuf
}

// edgeSlot is one (edge, bucket) pair's reservoir state (spec §3 "Edge
// entry").
type edgeSlot struct {
	edgeIndex int
	bucket    int

	hitCount         uint64
	replacementCount uint64
	discoveryExec    int

	members   []EntryID
	diversity float64
}

// Calibrator measures a newly inserted entry's timing and bitmap size. An
// out-of-scope external collaborator per spec §1.
type Calibrator interface {
	Calibrate(ctx context.Context, e *Entry, cycle int, flags CalibrateFlags) (CalibrationResult, error)
}

// CalibrateFlags carries call-scoped context for a calibration request.
type CalibrateFlags struct {
	Cycle int
}

// CalibrationResult is cached on an entry and (within one SaveToEdgeEntries
// call) reused across sibling slots discovering the same input (spec §4.3
// step 3).
type CalibrationResult struct {
	CalFailed    bool
	ExecUS       int64
	ExecChecksum uint32
	BitmapSize   int
	Handicap     int
}

// Scheduler supplies fav_factor and is notified when a favored entry
// changes. An out-of-scope external collaborator per spec §1.
type Scheduler interface {
	FavFactor(e *Entry) uint64
	UpdateBitmapScore(e *Entry)
}

var (
	// ErrInvalidConfig is returned by New for a malformed Config.
	ErrInvalidConfig = errors.New("reservoir: invalid config")
)

// Config configures a Reservoir.
type Config struct {
	MapSize  int
	K        int
	AtomKind AtomKind
	OutDir   string
}

// Reservoir owns the arena of queue entries and the per-(edge,bucket)
// slots referencing them by EntryID, plus the input-hash index and
// diversity scratch shared across all slots (spec §9 Design Notes: one
// explicit state object, not a free-function singleton).
//
// Not safe for concurrent use (spec §5: single-threaded core).
type Reservoir struct {
	mapSize int
	k       int
	atom    AtomKind
	outDir  string

	slots    []edgeSlot
	topRated []EntryID
	arena    []*Entry

	hashIndex *hashindex.Index
	scratch   *diversity.Scratch

	writer *fs.AtomicWriter
	fsys   fs.FS

	calibrator Calibrator
	scheduler  Scheduler
}

// New constructs an empty Reservoir. MapSize must be a positive power of
// two; K must be at least 2.
func New(cfg Config, fsys fs.FS, calibrator Calibrator, scheduler Scheduler) (*Reservoir, error) {
	if cfg.MapSize <= 0 || cfg.MapSize&(cfg.MapSize-1) != 0 {
		return nil, fmt.Errorf("%w: map size %d is not a positive power of two", ErrInvalidConfig, cfg.MapSize)
	}

	if cfg.K < 2 {
		return nil, fmt.Errorf("%w: K must be >= 2, got %d", ErrInvalidConfig, cfg.K)
	}

	if fsys == nil || calibrator == nil || scheduler == nil {
		return nil, fmt.Errorf("%w: fsys, calibrator, and scheduler must be non-nil", ErrInvalidConfig)
	}

	slots := make([]edgeSlot, cfg.MapSize*8)
	for i := range slots {
		slots[i].edgeIndex = i / 8
		slots[i].bucket = i % 8
	}

	topRated := make([]EntryID, cfg.MapSize)
	for i := range topRated {
		topRated[i] = noEntry
	}

	if err := fsys.MkdirAll(filepath.Join(cfg.OutDir, "queue"), 0o755); err != nil {
		return nil, fmt.Errorf("reservoir: create queue dir: %w", err)
	}

	return &Reservoir{
		mapSize:    cfg.MapSize,
		k:          cfg.K,
		atom:       cfg.AtomKind,
		outDir:     cfg.OutDir,
		slots:      slots,
		topRated:   topRated,
		hashIndex:  hashindex.New(),
		scratch:    diversity.NewScratch(),
		writer:     fs.NewAtomicWriter(fsys),
		fsys:       fsys,
		calibrator: calibrator,
		scheduler:  scheduler,
	}, nil
}

// Entries returns the full arena, indexed by EntryID.
func (r *Reservoir) Entries() []*Entry {
	return r.arena
}

// Entry returns the entry for id, or nil if out of range.
func (r *Reservoir) Entry(id EntryID) *Entry {
	if id < 0 || int(id) >= len(r.arena) {
		return nil
	}

	return r.arena[id]
}

// MapSize returns the configured trace map size.
func (r *Reservoir) MapSize() int {
	return r.mapSize
}

// K returns the configured reservoir capacity per (edge, bucket) slot.
func (r *Reservoir) K() int {
	return r.k
}

// AtomKind returns the configured NCD-atom selection.
func (r *Reservoir) AtomKind() AtomKind {
	return r.atom
}

// Scratch returns the shared diversity scratch buffers, for callers (the
// favored-set builder) that need to run additional NCD computations
// against the same amortised buffers.
func (r *Reservoir) Scratch() *diversity.Scratch {
	return r.scratch
}

// SlotDiversity returns the cached diversity score for (edgeIndex, bucket).
func (r *Reservoir) SlotDiversity(edgeIndex, bucket int) float64 {
	return r.slots[edgeIndex*8+bucket].diversity
}

// SlotMembers returns the entry IDs currently held in (edgeIndex, bucket),
// in insertion order.
func (r *Reservoir) SlotMembers(edgeIndex, bucket int) []EntryID {
	return r.slots[edgeIndex*8+bucket].members
}

// NewInput is a freshly observed candidate test case being offered to the
// reservoir for one exec.
type NewInput struct {
	Buf        []byte
	Classified []byte // length MapSize(), already run through bitmap.Classify
	InputHash  uint64
	Cycle      int
}

// SaveStats summarizes what one SaveToEdgeEntries call did.
type SaveStats struct {
	Discovered int
	Inserted   int
	Evicted    int
}

// SaveToEdgeEntries is the reservoir's entry point (spec §4.3): walk every
// non-zero byte of a classified trace and, for each (edge, bucket) slot,
// insert, skip, or evict-and-replace per the rules in spec §4.3.
func (r *Reservoir) SaveToEdgeEntries(ctx context.Context, in NewInput) (SaveStats, error) {
	if len(in.Classified) != r.mapSize {
		panic(fmt.Sprintf("reservoir: classified trace length %d != map size %d", len(in.Classified), r.mapSize))
	}

	traceMini := make([]byte, (r.mapSize+7)/8)
	bitmap.Minimize(traceMini, in.Classified)

	var (
		stats    SaveStats
		calCache *CalibrationResult
	)

	for edgeIndex, c := range in.Classified {
		if c == 0 {
			continue
		}

		bucket := bitmap.Bucket(c)
		slot := &r.slots[edgeIndex*8+bucket]
		slot.hitCount++

		if r.slotContainsHash(slot, in.InputHash) {
			continue // I5: at most one entry per input_hash per slot
		}

		if len(slot.members) < r.k {
			firstSighting := len(slot.members) == 0

			if firstSighting {
				slot.discoveryExec = in.Cycle
				stats.Discovered++
			} else if r.hashIndex.Size(in.InputHash) > 0 {
				continue // do not duplicate the same input across slots
			}

			entry, err := r.insertNew(ctx, slot, in, traceMini, &calCache)
			if err != nil {
				return stats, err
			}

			_ = entry
			stats.Inserted++

			continue
		}

		if len(slot.members) > r.k {
			panic(fmt.Sprintf("reservoir: slot %d,%d holds %d members, exceeds K=%d", slot.edgeIndex, slot.bucket, len(slot.members), r.k))
		}

		evicted, err := r.tryEvict(ctx, slot, in, traceMini)
		if err != nil {
			return stats, err
		}

		if evicted {
			stats.Evicted++
		}
	}

	return stats, nil
}

func (r *Reservoir) slotContainsHash(slot *edgeSlot, hash uint64) bool {
	for _, id := range slot.members {
		if r.arena[id].InputHash == hash {
			return true
		}
	}

	return false
}

func (r *Reservoir) insertNew(ctx context.Context, slot *edgeSlot, in NewInput, traceMini []byte, calCache **CalibrationResult) (*Entry, error) {
	id := EntryID(len(r.arena))

	entry := &Entry{
		ID:            id,
		TestcaseBuf:   append([]byte(nil), in.Buf...),
		Length:        len(in.Buf),
		InputHash:     in.InputHash,
		TraceMini:     append([]byte(nil), traceMini...),
		edgeSlotIndex: slot.edgeIndex*8 + slot.bucket,
	}

	compLen, err := r.scratch.CompressedLen(entry.Atom(r.atom))
	if err != nil {
		return nil, err
	}

	entry.CompressedLen = compLen

	entry.Path = r.queueFilePath(slot, id, len(slot.members))

	if err := r.writer.WriteWithDefaults(entry.Path, bytes.NewReader(entry.TestcaseBuf)); err != nil {
		return nil, fmt.Errorf("reservoir: write queue file %q: %w", entry.Path, err)
	}

	r.arena = append(r.arena, entry)
	slot.members = append(slot.members, id)

	members := r.hashIndex.Insert(in.InputHash, int(id))
	r.refreshDuplicates(members)

	if err := r.recomputeDiversity(slot); err != nil {
		return nil, err
	}

	if *calCache == nil {
		result, err := r.calibrator.Calibrate(ctx, entry, in.Cycle, CalibrateFlags{Cycle: in.Cycle})
		if err != nil {
			return nil, fmt.Errorf("reservoir: calibrate: %w", err)
		}

		*calCache = &result
	}

	applyCalibration(entry, **calCache)

	return entry, nil
}

func applyCalibration(e *Entry, result CalibrationResult) {
	e.CalFailed = result.CalFailed
	e.ExecUS = result.ExecUS
	e.ExecChecksum = result.ExecChecksum
	e.BitmapSize = result.BitmapSize
	e.Handicap = result.Handicap
}

func (r *Reservoir) refreshDuplicates(members []int) {
	for _, id := range members {
		r.arena[id].Duplicates = len(members) - 1
	}
}

func (r *Reservoir) recomputeDiversity(slot *edgeSlot) error {
	atoms := make([][]byte, len(slot.members))
	for i, id := range slot.members {
		atoms[i] = r.arena[id].Atom(r.atom)
	}

	score, err := r.diversityOf(atoms)
	if err != nil {
		return err
	}

	slot.diversity = score

	return nil
}

// diversityOf applies the configured kernel: normalized Levenshtein when
// K==2 (spec §4.5), NCD otherwise.
func (r *Reservoir) diversityOf(atoms [][]byte) (float64, error) {
	if r.k == 2 && len(atoms) == 2 {
		return diversity.NormalizedLevenshtein(atoms[0], atoms[1]), nil
	}

	return diversity.NCD(atoms, r.scratch)
}

func rateLimited(hitCount uint64) bool {
	switch {
	case hitCount <= 10:
		return true
	case hitCount <= 100:
		return hitCount%10 == 0
	case hitCount <= 10000:
		return hitCount%100 == 0
	default:
		return hitCount%1000 == 0
	}
}

func (r *Reservoir) tryEvict(ctx context.Context, slot *edgeSlot, in NewInput, traceMini []byte) (bool, error) {
	for i, id := range slot.members {
		if r.arena[id].Duplicates > 0 {
			return true, r.swapIn(ctx, slot, i, in, traceMini)
		}
	}

	if !rateLimited(slot.hitCount) {
		return false, nil
	}

	idx, err := r.findEvictionCandidate(slot, in, traceMini)
	if err != nil {
		return false, err
	}

	if idx < 0 {
		return false, nil
	}

	return true, r.swapIn(ctx, slot, idx, in, traceMini)
}

// candidateAtom returns the bytes the candidate input q contributes to a
// diversity computation, matching the configured AtomKind.
func candidateAtom(kind AtomKind, buf, traceMini []byte) []byte {
	if kind == AtomTraceMini {
		return traceMini
	}

	return buf
}

// candidateSet builds (S \ {S[skip]}) ∪ {q}: the i entries before skip, the
// K-1-i entries after skip, then the candidate atom appended last. This is
// the spec §9 Open Question fix — never the buggy pointer-sized memcpy.
func candidateSet(members []EntryID, arena []*Entry, kind AtomKind, skip int, candidate []byte) [][]byte {
	out := make([][]byte, 0, len(members))

	for _, id := range members[:skip] {
		out = append(out, arena[id].Atom(kind))
	}

	for _, id := range members[skip+1:] {
		out = append(out, arena[id].Atom(kind))
	}

	out = append(out, candidate)

	return out
}

// findEvictionCandidate evaluates, for each i in 0..K, the diversity of
// (S \ {S[i]}) ∪ {q}, returning the i giving the strict maximum that
// strictly beats the slot's cached score, or -1 if none does.
func (r *Reservoir) findEvictionCandidate(slot *edgeSlot, in NewInput, traceMini []byte) (int, error) {
	cand := candidateAtom(r.atom, in.Buf, traceMini)

	best := -1
	bestScore := slot.diversity

	for i := range slot.members {
		atoms := candidateSet(slot.members, r.arena, r.atom, i, cand)

		score, err := r.diversityOf(atoms)
		if err != nil {
			return -1, err
		}

		if score > bestScore {
			bestScore = score
			best = i
		}
	}

	return best, nil
}

// swapIn performs swap_in_candidate (spec §4.3): the hash-index bucket
// move and duplicate refresh happen before the buffer/file rewrite, which
// happens before favored repair — this ordering is load-bearing (spec §9).
func (r *Reservoir) swapIn(ctx context.Context, slot *edgeSlot, idx int, in NewInput, traceMini []byte) error {
	_ = ctx

	evicteeID := slot.members[idx]
	evictee := r.arena[evicteeID]

	oldHash := evictee.InputHash

	oldMembers, _ := r.hashIndex.Remove(oldHash, int(evicteeID))
	r.refreshDuplicates(oldMembers)

	newMembers := r.hashIndex.Insert(in.InputHash, int(evicteeID))
	r.refreshDuplicates(newMembers)

	evictee.TestcaseBuf = append([]byte(nil), in.Buf...)
	evictee.Length = len(in.Buf)
	evictee.InputHash = in.InputHash
	evictee.TraceMini = append([]byte(nil), traceMini...)
	evictee.ExecChecksum = 0 // stale until recalibrated

	compLen, err := r.scratch.CompressedLen(evictee.Atom(r.atom))
	if err != nil {
		return err
	}

	evictee.CompressedLen = compLen

	newPath, err := r.rewriteAndRenameFile(evictee)
	if err != nil {
		return err
	}

	evictee.Path = newPath
	slot.replacementCount++

	if evictee.Favored {
		wasFavored := evictee.Favored
		evictee.Favored = false
		r.repairFavored(slot.edgeIndex, evicteeID, evictee, wasFavored)
	}

	return r.recomputeDiversity(slot)
}

// repairFavored implements the favored-repair tail of swap_in_candidate:
// find the minimum-fav_factor survivor across all 8 buckets of the
// evictee's edge and promote it, or restore the evictee's favored flag if
// no successor exists.
func (r *Reservoir) repairFavored(edgeIndex int, evicteeID EntryID, evictee *Entry, wasFavored bool) {
	if r.topRated[edgeIndex] != evicteeID {
		return
	}

	var best *Entry

	for b := 0; b < 8; b++ {
		slot := &r.slots[edgeIndex*8+b]

		for _, id := range slot.members {
			if id == evicteeID {
				continue
			}

			candidate := r.arena[id]
			if best == nil || r.scheduler.FavFactor(candidate) < r.scheduler.FavFactor(best) {
				best = candidate
			}
		}
	}

	if best == nil {
		evictee.Favored = wasFavored
		return
	}

	best.Favored = true
	r.topRated[edgeIndex] = best.ID
	r.scheduler.UpdateBitmapScore(best)

	if !best.WasFuzzed {
		best.FuzzLevel = evictee.FuzzLevel
		best.WasFuzzed = evictee.WasFuzzed
	}
}

// SetTopRated records id as the scheduler-favored entry for edgeIndex.
// Called by the scheduler collaborator when it (re)computes top_rated;
// the reservoir only consumes this to know which entry to repair on
// eviction.
func (r *Reservoir) SetTopRated(edgeIndex int, id EntryID) {
	r.topRated[edgeIndex] = id
}

func (r *Reservoir) queueFilePath(slot *edgeSlot, id EntryID, entryIndexInSlot int) string {
	name := fmt.Sprintf("id:%06d,edge_num:%d,edge_freq:%d,cksum:%08x,entry:%d",
		int(id), slot.edgeIndex, slot.bucket, 0, entryIndexInSlot)

	return filepath.Join(r.outDir, "queue", name)
}

const updatedSegmentPrefix = ",op:"

// insertUpdatedSegment inserts a ",updated:<ms>" segment before the
// trailing ",op:" segment of a queue filename (spec §6), or appends it if
// no ",op:" segment is present.
func insertUpdatedSegment(name string, ms int64) string {
	seg := fmt.Sprintf(",updated:%d", ms)

	idx := strings.Index(name, updatedSegmentPrefix)
	if idx == -1 {
		return name + seg
	}

	return name[:idx] + seg + name[idx:]
}

func (r *Reservoir) rewriteAndRenameFile(evictee *Entry) (string, error) {
	if err := r.writer.WriteWithDefaults(evictee.Path, bytes.NewReader(evictee.TestcaseBuf)); err != nil {
		return "", fmt.Errorf("reservoir: rewrite evicted file %q: %w", evictee.Path, err)
	}

	dir := filepath.Dir(evictee.Path)
	base := filepath.Base(evictee.Path)
	newBase := insertUpdatedSegment(base, time.Now().UnixMilli())
	newPath := filepath.Join(dir, newBase)

	if newPath == evictee.Path {
		return newPath, nil
	}

	if err := r.fsys.Rename(evictee.Path, newPath); err != nil {
		return "", fmt.Errorf("reservoir: rename evicted file %q -> %q: %w", evictee.Path, newPath, err)
	}

	return newPath, nil
}
