// Package linker implements the hard-link replacement transaction: for each
// duplicate group, a rolling target is hard-linked in for every other
// same-device member, after a fresh byte-for-byte verification.
//
// # Processing pipeline
//
//	DuplicateList head ──► LinkGroup()
//	    │
//	    ├──► walk NextDup, rolling the target pointer across device boundaries
//	    ├──► byte-verify record against target in chunked reads
//	    └──► replacement transaction: rename to backup, link, remove backup
//	             │                          │
//	             └─ rename/link fails ──────┘─ link fails: rollback rename
//	                (soft, logged, continue)    (fatal if rollback also fails)
//
// Shaped after internal/deduper's logging and error-wrapping conventions,
// but the transaction itself — rename-to-backup, link, unlink-backup, with
// a fatal abort if either tail step fails — follows kDeDup.c's
// kDupHardlinkDuplicates() rather than a temp-then-rename-over-target
// pattern, since the backup-suffix protocol and its fatal/soft split are
// load-bearing behavior, not an implementation detail left open.
package linker

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ivoronin/kdedup/internal/types"
)

// BackupSuffix is the literal, non-configurable suffix used during the
// rename-before-link step. Documented externally so operators can identify
// orphans left behind by an interrupted run.
const BackupSuffix = ".kDepBackup"

// maxBackupPath bounds the assembled backup path length; a generous ceiling
// rather than a real filesystem limit.
const maxBackupPath = 16 * 1024

// verifyBufSize is the chunk size used when byte-comparing two files before
// replacing one with a hard link.
const verifyBufSize = 2 * 1024 * 1024

// Stats summarizes one or more calls to LinkGroup.
type Stats struct {
	Linked         int64
	BytesReclaimed int64
	Skipped        int64 // soft failures: path too long, byte-verify failed or mismatched, backup exists, rename/link failed
}

// Linker performs hard-link replacement transactions, reusing its byte-verify
// buffers across duplicate groups.
type Linker struct {
	bufA, bufB [verifyBufSize]byte
	onWarning  func(error)
	onEvent    func(string)
}

// New creates a Linker. onWarning receives soft-failure diagnostics;
// onEvent receives verbosity-gated trace lines. Either may be nil.
func New(onWarning func(error), onEvent func(string)) *Linker {
	return &Linker{onWarning: onWarning, onEvent: onEvent}
}

// LinkGroup runs the replacement transaction across one duplicate group,
// threaded through head's NextDup chain. It returns a non-nil error only for
// a fatal invariant violation (backup removal failed after a successful
// link, or rollback after a failed link itself failed) — the caller must
// stop processing further groups and exit with types.ExitLinkFatal.
func (l *Linker) LinkGroup(head *types.FileRecord, stats *Stats) error {
	target := head
	for rec := head.NextDup; rec != nil; rec = rec.NextDup {
		if rec.Dev != target.Dev {
			// Cross-device linking is impossible; invariant 6 guarantees this
			// starts a new contiguous same-device run, so rec becomes the new
			// target for everything after it.
			target = rec
			continue
		}

		if err := l.replace(target, rec, stats); err != nil {
			return err
		}
	}
	return nil
}

// replace byte-verifies rec against target and, if they match, replaces rec
// with a hard link to target's inode.
func (l *Linker) replace(target, rec *types.FileRecord, stats *Stats) error {
	backup := rec.Path + BackupSuffix
	if len(backup) >= maxBackupPath {
		l.warn(fmt.Errorf("backup path for %q exceeds %d bytes, skipping", rec.Path, maxBackupPath))
		stats.Skipped++
		return nil
	}

	equal, err := l.bytesEqual(target.Path, rec.Path)
	if err != nil {
		l.warn(fmt.Errorf("verifying %q against %q: %w", rec.Path, target.Path, err))
		stats.Skipped++
		return nil
	}
	if !equal {
		l.warn(fmt.Errorf("%q no longer matches %q byte-for-byte, skipping", rec.Path, target.Path))
		stats.Skipped++
		return nil
	}

	if _, err := os.Lstat(backup); err == nil {
		l.warn(fmt.Errorf("backup path %q already exists, skipping %q", backup, rec.Path))
		stats.Skipped++
		return nil
	}

	if err := os.Rename(rec.Path, backup); err != nil {
		l.warn(fmt.Errorf("renaming %q to backup: %w", rec.Path, err))
		stats.Skipped++
		return nil
	}

	if err := os.Link(target.Path, rec.Path); err != nil {
		// Roll back: restore the original file at its original path. Failure
		// here is the one abort-worthy outcome of a failed link attempt — the
		// original file would otherwise be hidden at its backup path.
		if rbErr := os.Rename(backup, rec.Path); rbErr != nil {
			return &types.FatalLinkError{Path: backup, Err: fmt.Errorf("rollback after failed link to %q: %w", target.Path, rbErr)}
		}
		l.warn(fmt.Errorf("linking %q to %q: %w (rolled back)", rec.Path, target.Path, err))
		stats.Skipped++
		return nil
	}

	if err := os.Remove(backup); err != nil {
		return &types.FatalLinkError{Path: backup, Err: fmt.Errorf("removing backup after successful link: %w", err)}
	}

	stats.Linked++
	stats.BytesReclaimed += rec.Size
	l.event(fmt.Sprintf("Hardlinked '%s' -> '%s'", rec.Path, target.Path))
	return nil
}

// bytesEqual compares two files' contents in verifyBufSize chunks, opening
// both fresh rather than trusting the digests computed during the scan —
// this catches both filesystem changes underfoot and the negligible chance
// of a cryptographic collision.
func (l *Linker) bytesEqual(pathA, pathB string) (bool, error) {
	fa, err := os.Open(pathA)
	if err != nil {
		return false, err
	}
	defer func() { _ = fa.Close() }()

	fb, err := os.Open(pathB)
	if err != nil {
		return false, err
	}
	defer func() { _ = fb.Close() }()

	for {
		na, erra := io.ReadFull(fa, l.bufA[:])
		nb, errb := io.ReadFull(fb, l.bufB[:])

		if na != nb {
			return false, nil
		}
		if na > 0 && string(l.bufA[:na]) != string(l.bufB[:nb]) {
			return false, nil
		}

		aDone := errors.Is(erra, io.EOF) || errors.Is(erra, io.ErrUnexpectedEOF)
		bDone := errors.Is(errb, io.EOF) || errors.Is(errb, io.ErrUnexpectedEOF)
		if aDone != bDone {
			return false, nil
		}
		if aDone && bDone {
			return true, nil
		}
		if erra != nil {
			return false, erra
		}
		if errb != nil {
			return false, errb
		}
	}
}

func (l *Linker) warn(err error) {
	if l.onWarning != nil {
		l.onWarning(err)
	}
}

func (l *Linker) event(msg string) {
	if l.onEvent != nil {
		l.onEvent(msg)
	}
}
