// Package types provides shared types used across the kdedup codebase.
package types

// ContentKeySize is the width of the content fingerprint. MD5 occupies all
// 16 bytes today; widening to a composite MD5+SHA-256 key is a pure data
// change since comparisons are byte-wise (see compareKeys in
// internal/dupeindex).
const ContentKeySize = 16

// FileRecord is one entry per regular file the Walker yields within the
// configured size range. It lives until the process terminates: it is never
// moved once allocated, and is referenced from exactly one ContentIndex slot
// plus zero or more NextDup/NextHardlink chain links.
type FileRecord struct {
	Path string
	Size int64
	Dev  uint64
	Ino  uint64

	// ContentKey is valid only once Hashed is true. A SizeBucket's sole
	// member keeps Hashed == false until a size collision forces hashing.
	ContentKey [ContentKeySize]byte
	Hashed     bool

	// NextHardlink chains records sharing this record's (Dev, Ino) pair.
	// Orthogonal to NextDup.
	NextHardlink *FileRecord

	// NextDup chains records sharing this record's ContentKey within one
	// SizeBucket, ordered so that same-Dev runs are contiguous. Only the
	// ContentIndex head of a key with a non-empty NextDup chain is ever
	// appended to the engine's DuplicateList.
	NextDup *FileRecord

	// NextGlobalDup chains DuplicateList entries (ContentIndex heads that
	// acquired at least one duplicate), in discovery order. Distinct from
	// NextDup: that chain runs through every record sharing a key, this one
	// runs only through the heads.
	NextGlobalDup *FileRecord

	// arenaIndex is a stable per-record identity used to derive a synthetic
	// content key when hashing fails.
	arenaIndex uint64
}

// SetArenaIndex stamps the record with its stable allocation-order identity.
// Called once, by the engine that owns the record arena.
func (r *FileRecord) SetArenaIndex(i uint64) { r.arenaIndex = i }

// ArenaIndex returns the record's stable identity for synthetic digests.
func (r *FileRecord) ArenaIndex() uint64 { return r.arenaIndex }

// HardlinkIdentifiable reports whether (Dev, Ino) can be trusted to identify
// a unique inode. Some filesystems report Ino == 0 for every entry; such
// records must never be treated as hard-link-equivalent, even to each other.
func (r *FileRecord) HardlinkIdentifiable() bool { return r.Ino != 0 }

// SameInode reports whether two records are known to share an inode.
func (r *FileRecord) SameInode(o *FileRecord) bool {
	return r.HardlinkIdentifiable() && o.HardlinkIdentifiable() && r.Dev == o.Dev && r.Ino == o.Ino
}

// Semaphore implements a counting semaphore using a buffered channel. Used
// by the external Walker to bound concurrent directory reads; the core
// engine itself is single-threaded and never touches this type.
type Semaphore chan struct{}

// NewSemaphore creates a semaphore that allows up to n concurrent acquisitions.
func NewSemaphore(n int) Semaphore { return make(chan struct{}, n) }

// Acquire blocks until a slot is available, then claims it.
func (s Semaphore) Acquire() { s <- struct{}{} }

// Release frees a slot, unblocking one waiting Acquire call.
func (s Semaphore) Release() { <-s }
