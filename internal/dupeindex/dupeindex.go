// Package dupeindex implements the kdedup duplicate-detection core: a
// two-stage content index keyed first by file size and then by content
// fingerprint, with deferred hashing and hard-link equivalence tracking.
//
// # Why this shape
//
// The core is strictly single-threaded and synchronous — one FileRecord is
// classified at a time, in Walker delivery order, with no internal
// concurrency. The fan-out lives entirely in the external internal/walker
// package, and everything downstream of it collapses into this one
// synchronous Engine, the way kDeDup.c's kDupDoFile() processes one FTSENT
// at a time.
//
// # Processing pipeline
//
//	Walker entry ──► Process()
//	    │
//	    ├──► Step 0: size filter (outside [min,max] → dropped)
//	    ├──► Step 1: speculative unique SizeBucket insert
//	    ├──► Step 2: size collision → existing bucket
//	    ├──► Step 3: hard-link check against lone existing member
//	    ├──► Step 4: hash the incoming record (and the lone member, if forced)
//	    ├──► Step 5: ContentIndex insert
//	    └──► Step 6: content collision → hard-link check, else DuplicateList append
package dupeindex

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ivoronin/kdedup/internal/avltree"
	"github.com/ivoronin/kdedup/internal/hasher"
	"github.com/ivoronin/kdedup/internal/types"
)

func compareKeys(a, b [types.ContentKeySize]byte) int {
	for i := range a {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return 0
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// sizeBucket aggregates all FileRecords of one file length.
//
// While count == 1 the sole member is unhashed and held directly in `sole`;
// the ContentIndex tree is created lazily, on the size collision that forces
// hashing. A bucket with exactly one member never needs a content key for
// it — there's nothing to compare it against yet.
type sizeBucket struct {
	size    int64
	count   int
	sole    *types.FileRecord
	content *avltree.Tree[[types.ContentKeySize]byte, *types.FileRecord]
}

func newSizeBucket(size int64, first *types.FileRecord) *sizeBucket {
	return &sizeBucket{size: size, count: 1, sole: first}
}

// Stats tracks scan outcomes.
type Stats struct {
	TotalFiles       int64
	Hardlinked       int64
	Duplicates       int64
	HardlinkableDups int64 // genuine duplicates sharing a device with their predecessor
	BytesSaveable    int64

	startTime time.Time
}

func (s *Stats) String() string {
	return fmt.Sprintf("Scanned %d files in %.1fs: %d hardlinked, %d duplicates (%d hardlinkable, %s saveable)",
		s.TotalFiles, time.Since(s.startTime).Seconds(), s.Hardlinked, s.Duplicates,
		s.HardlinkableDups, humanize.IBytes(uint64(s.BytesSaveable)))
}

// Engine is the single-threaded duplicate-detection core. Create with New,
// feed it every Walker entry via Process, then call Finish.
type Engine struct {
	minSize int64
	maxSize int64

	sizes  *avltree.Tree[int64, *sizeBucket]
	hash   *hasher.Hasher
	stats  Stats
	nextID uint64

	dupHead *types.FileRecord  // head of the DuplicateList
	dupTail *types.FileRecord  // tail, for O(1) append

	onWarning func(error)
	onEvent   func(string) // verbosity>=1 events ("Found hardlinked", ...)
	onDebug   func(string) // verbosity>=2 per-file trace ("kDupDoFile(path)")
}

// New creates an Engine. minSize/maxSize bound the size filter applied in
// Process (defaults: min=1, max=unlimited — pass 1 and math.MaxInt64).
// onWarning receives non-fatal diagnostics (hash/read errors); onEvent
// receives verbosity>=1 trace lines; onDebug receives a verbosity>=2 line per
// file entering the decision tree. Any may be nil.
func New(minSize, maxSize int64, onWarning func(error), onEvent func(string), onDebug func(string)) *Engine {
	e := &Engine{
		minSize:   minSize,
		maxSize:   maxSize,
		sizes:     avltree.New[int64, *sizeBucket](cmpInt64),
		hash:      hasher.New(),
		onWarning: onWarning,
		onEvent:   onEvent,
		onDebug:   onDebug,
	}
	e.stats.startTime = time.Now()
	return e
}

// Process classifies one file through the size/content decision tree.
func (e *Engine) Process(path string, size int64, dev, ino uint64) {
	if e.onDebug != nil {
		e.onDebug(fmt.Sprintf("kDupDoFile(%s)", path))
	}

	// Step 0 — size filter.
	if size < e.minSize || size > e.maxSize {
		e.event(fmt.Sprintf("Skipping '%s' because %d bytes is outside the size range.", path, size))
		return
	}

	record := &types.FileRecord{Path: path, Size: size, Dev: dev, Ino: ino}
	record.SetArenaIndex(e.nextID)
	e.nextID++
	e.stats.TotalFiles++

	// Step 1 — speculate unique.
	bucket := newSizeBucket(size, record)
	if e.sizes.Insert(size, bucket) {
		// Clean insert: record is the only file of this size so far. Its
		// content_key stays undefined — no hashing occurs.
		return
	}

	// Step 2 — size collision. Discard the fresh bucket, use the existing one.
	existing, _ := e.sizes.Get(size)
	e.classifyAgainstBucket(existing, record)
}

// classifyAgainstBucket implements steps 3 through 6 of the decision tree.
func (e *Engine) classifyAgainstBucket(bucket *sizeBucket, record *types.FileRecord) {
	// Step 3 — hard-link check against the sole member, only when it's alone.
	if bucket.count == 1 {
		sole := bucket.sole
		if sole.SameInode(record) {
			e.linkHardlink(sole, record)
			return
		}

		// Force the deferred hash of the previously-unhashed sole member,
		// then seat it as the ContentIndex's first real entry.
		e.hash.HashFile(sole, e.onWarning)
		bucket.content = avltree.New[[types.ContentKeySize]byte, *types.FileRecord](compareKeys)
		bucket.content.Insert(sole.ContentKey, sole)
		bucket.sole = nil
	}

	// Step 4 — hash the incoming record.
	e.hash.HashFile(record, e.onWarning)

	// Step 5 — insert into ContentIndex.
	if bucket.content.Insert(record.ContentKey, record) {
		bucket.count++
		return
	}

	// Step 6 — content collision.
	head, _ := bucket.content.Get(record.ContentKey)

	// Step 6a — hard-link check against the head.
	if head.SameInode(record) {
		e.linkHardlink(head, record)
		return
	}

	// Step 6b — genuine duplicate.
	e.appendDuplicate(head, record)
	bucket.count++
}

func (e *Engine) linkHardlink(head, record *types.FileRecord) {
	record.NextHardlink = head.NextHardlink
	head.NextHardlink = record
	e.stats.Hardlinked++
	e.event(fmt.Sprintf("Found hardlinked: '%s' -> '%s' (ino:%#x dev:%#x)", record.Path, head.Path, record.Ino, record.Dev))
}

// appendDuplicate inserts record into head's NextDup chain, preserving its
// same-device-run clustering, and appends head to the DuplicateList the
// first time it acquires a duplicate.
func (e *Engine) appendDuplicate(head, record *types.FileRecord) {
	if head.NextDup == nil {
		if e.dupHead == nil {
			e.dupHead = head
		} else {
			e.dupTail.NextGlobalDup = head
		}
		e.dupTail = head
	}

	// Walk forward from head until landing on a node whose device matches
	// record's, or falling off the end of the chain. Because the chain is
	// already clustered by device (invariant 6), stopping at the first match
	// still lands inside the correct run — insertion there keeps that run
	// contiguous, since the inserted record shares its device too.
	insertAfter := head
	for insertAfter.Dev != record.Dev && insertAfter.NextDup != nil {
		insertAfter = insertAfter.NextDup
	}

	sameDeviceAsPredecessor := insertAfter.Dev == record.Dev

	record.NextDup = insertAfter.NextDup
	insertAfter.NextDup = record

	e.stats.Duplicates++
	if sameDeviceAsPredecessor {
		e.stats.HardlinkableDups++
		e.stats.BytesSaveable += record.Size
		e.event(fmt.Sprintf("Found duplicate: '%s' <-> '%s'", record.Path, head.Path))
	} else {
		e.event(fmt.Sprintf("Found duplicate: '%s' <-> '%s' (devices differ).", record.Path, head.Path))
	}
}

func (e *Engine) event(msg string) {
	if e.onEvent != nil {
		e.onEvent(msg)
	}
}

// StatsSnapshot returns the current counters, safe to call between Process
// calls to drive a progress display.
func (e *Engine) StatsSnapshot() Stats {
	return e.stats
}

// Finish returns the final stats and the DuplicateList: every ContentIndex
// head that acquired at least one duplicate, in discovery order.
func (e *Engine) Finish() (Stats, []*types.FileRecord) {
	var heads []*types.FileRecord
	for n := e.dupHead; n != nil; n = n.NextGlobalDup {
		heads = append(heads, n)
	}
	return e.stats, heads
}
