// Package hasher computes content fingerprints for FileRecords.
//
// Today the fingerprint is MD5 of the whole file, streamed through a single
// reusable 2 MiB buffer held by the Hasher. The core is strictly
// single-threaded, so one Hasher (and its one buffer) is safe; a caller that
// parallelizes hashing would need to give each worker its own Hasher.
package hasher

import (
	"crypto/md5"
	"encoding/binary"
	"io"
	"os"

	"github.com/ivoronin/kdedup/internal/types"
)

// bufSize is the streaming read buffer size. Larger buffers give diminishing
// returns.
const bufSize = 2 * 1024 * 1024

// Hasher computes content fingerprints, reusing one buffer across files.
type Hasher struct {
	buf [bufSize]byte
}

// New creates a Hasher with its buffer allocated once.
func New() *Hasher {
	return &Hasher{}
}

// HashFile opens record.Path, streams its contents through the hash, and
// stores the digest in record.ContentKey, setting record.Hashed.
//
// On a read error it logs nothing itself (the caller decides how to surface
// onWarning) and instead fills ContentKey with a synthetic, collision-free
// digest derived from the record's stable arena index, so scanning can
// continue without degrading the file into a spurious duplicate of anything
// else. Hashing failures are never fatal to the scan.
func (h *Hasher) HashFile(record *types.FileRecord, onWarning func(error)) {
	f, err := os.Open(record.Path)
	if err != nil {
		if onWarning != nil {
			onWarning(err)
		}
		syntheticKey(record)
		return
	}
	defer func() { _ = f.Close() }()

	sum := md5.New()
	if _, err := io.CopyBuffer(sum, f, h.buf[:]); err != nil {
		if onWarning != nil {
			onWarning(err)
		}
		syntheticKey(record)
		return
	}

	copy(record.ContentKey[:], sum.Sum(nil))
	record.Hashed = true
}

// syntheticKey fills the content key by repeating the record's own stable
// arena-index identity, salted with a fixed per-process tag, so it cannot
// collide with any real MD5 digest with more than negligible probability
// and is guaranteed not to collide with another synthetic key unless two
// records share an arena index (which the engine never allows).
func syntheticKey(record *types.FileRecord) {
	const tag uint64 = 0x6b44654475705f21 // "kDeDup_!" read as big-endian u64
	var seed [16]byte
	binary.BigEndian.PutUint64(seed[0:8], tag^record.ArenaIndex())
	binary.BigEndian.PutUint64(seed[8:16], record.ArenaIndex())
	record.ContentKey = seed
	record.Hashed = true
}
