package linker

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/ivoronin/kdedup/internal/types"
)

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, content, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func record(t *testing.T, path string) *types.FileRecord {
	t.Helper()
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		t.Fatal("cannot get syscall.Stat_t")
	}
	return &types.FileRecord{Path: path, Size: fi.Size(), Dev: uint64(st.Dev), Ino: st.Ino}
}

func sameInode(t *testing.T, a, b string) bool {
	t.Helper()
	fa, err := os.Stat(a)
	if err != nil {
		t.Fatal(err)
	}
	fb, err := os.Stat(b)
	if err != nil {
		t.Fatal(err)
	}
	sa := fa.Sys().(*syscall.Stat_t)
	sb := fb.Sys().(*syscall.Stat_t)
	return sa.Dev == sb.Dev && sa.Ino == sb.Ino
}

func TestLinkGroupReplacesWithHardlink(t *testing.T) {
	dir := t.TempDir()
	content := []byte("duplicate content to be hardlinked")
	pA := writeFile(t, dir, "a.txt", content)
	pB := writeFile(t, dir, "b.txt", content)

	head := record(t, pA)
	dup := record(t, pB)
	head.NextDup = dup

	l := New(nil, nil)
	var stats Stats
	if err := l.LinkGroup(head, &stats); err != nil {
		t.Fatalf("LinkGroup returned fatal error: %v", err)
	}

	if stats.Linked != 1 {
		t.Fatalf("Linked = %d, want 1", stats.Linked)
	}
	if stats.BytesReclaimed != int64(len(content)) {
		t.Fatalf("BytesReclaimed = %d, want %d", stats.BytesReclaimed, len(content))
	}
	if !sameInode(t, pA, pB) {
		t.Fatal("expected pA and pB to share an inode after linking")
	}
	if _, err := os.Stat(pB + BackupSuffix); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("backup file should be removed after a successful link")
	}
	data, err := os.ReadFile(pB)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(content) {
		t.Fatal("content at replaced path must be unchanged")
	}
}

func TestLinkGroupSkipsWhenContentChangedUnderfoot(t *testing.T) {
	dir := t.TempDir()
	pA := writeFile(t, dir, "a.txt", []byte("original content"))
	pB := writeFile(t, dir, "b.txt", []byte("original content"))

	head := record(t, pA)
	dup := record(t, pB)
	head.NextDup = dup

	// Simulate a TOCTOU change: pB's content diverges after the scan hashed it.
	if err := os.WriteFile(pB, []byte("changed after scan!!"), 0o644); err != nil {
		t.Fatal(err)
	}

	var warnings []error
	l := New(func(err error) { warnings = append(warnings, err) }, nil)
	var stats Stats
	if err := l.LinkGroup(head, &stats); err != nil {
		t.Fatalf("LinkGroup returned fatal error: %v", err)
	}

	if stats.Linked != 0 {
		t.Fatalf("Linked = %d, want 0 (content diverged)", stats.Linked)
	}
	if stats.Skipped != 1 {
		t.Fatalf("Skipped = %d, want 1", stats.Skipped)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(warnings))
	}
	if sameInode(t, pA, pB) {
		t.Fatal("pA and pB must not be linked when content diverged")
	}
}

func TestLinkGroupCrossDeviceStartsNewTarget(t *testing.T) {
	// Records on different devices must never be linked to each other; the
	// chain simply rolls its target forward without attempting a transaction.
	dir := t.TempDir()
	content := []byte("same content, different simulated device")
	pA := writeFile(t, dir, "a.txt", content)
	pB := writeFile(t, dir, "b.txt", content)

	head := record(t, pA)
	dup := record(t, pB)
	dup.Dev = head.Dev + 1 // force a device mismatch
	head.NextDup = dup

	l := New(nil, nil)
	var stats Stats
	if err := l.LinkGroup(head, &stats); err != nil {
		t.Fatalf("LinkGroup returned fatal error: %v", err)
	}

	if stats.Linked != 0 {
		t.Fatalf("Linked = %d, want 0 (cross-device pair must never be linked)", stats.Linked)
	}
	if sameInode(t, pA, pB) {
		t.Fatal("cross-device records must not end up sharing an inode")
	}
}

func TestLinkGroupThreeCopiesSameDevice(t *testing.T) {
	dir := t.TempDir()
	content := []byte("three identical copies")
	pA := writeFile(t, dir, "a.txt", content)
	pB := writeFile(t, dir, "b.txt", content)
	pC := writeFile(t, dir, "c.txt", content)

	head := record(t, pA)
	recB := record(t, pB)
	recC := record(t, pC)
	head.NextDup = recB
	recB.NextDup = recC

	l := New(nil, nil)
	var stats Stats
	if err := l.LinkGroup(head, &stats); err != nil {
		t.Fatalf("LinkGroup returned fatal error: %v", err)
	}

	if stats.Linked != 2 {
		t.Fatalf("Linked = %d, want 2", stats.Linked)
	}
	if !sameInode(t, pA, pB) || !sameInode(t, pA, pC) {
		t.Fatal("all three paths must share pA's inode after linking")
	}
}

func TestLinkGroupSkipsWhenBackupPathTooLong(t *testing.T) {
	// The length check is the first thing replace() does, before any
	// filesystem access against rec.Path — so an oversized Path never needs
	// to correspond to a real file to exercise it (an actual path this long
	// would be rejected by the OS itself long before reaching maxBackupPath).
	dir := t.TempDir()
	content := []byte("x")
	pA := writeFile(t, dir, "a.txt", content)

	longPath := make([]byte, maxBackupPath)
	for i := range longPath {
		longPath[i] = 'x'
	}

	head := record(t, pA)
	dup := &types.FileRecord{Path: string(longPath), Size: head.Size, Dev: head.Dev, Ino: head.Ino + 1}
	head.NextDup = dup

	var warnings []error
	l := New(func(err error) { warnings = append(warnings, err) }, nil)
	var stats Stats
	if err := l.LinkGroup(head, &stats); err != nil {
		t.Fatalf("LinkGroup returned fatal error: %v", err)
	}
	if stats.Linked != 0 || stats.Skipped != 1 {
		t.Fatalf("expected the oversized-path record to be skipped, got %+v", stats)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(warnings))
	}
}
