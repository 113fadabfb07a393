package hasher

import (
	"crypto/md5"
	"os"
	"path/filepath"
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

func TestHashFileMatchesMD5(t *testing.T) {
	dir := t.TempDir()
	content := []byte("the quick brown fox jumps over the lazy dog")
	path := writeFile(t, dir, "a.txt", content)

	record := &types.FileRecord{Path: path}
	h := New()
	h.HashFile(record, nil)

	want := md5.Sum(content)
	if !record.Hashed {
		t.Fatal("expected Hashed = true")
	}
	if record.ContentKey != want {
		t.Fatalf("ContentKey = %x, want %x", record.ContentKey, want)
	}
}

func TestHashFileIdenticalContentSameKey(t *testing.T) {
	dir := t.TempDir()
	content := []byte("duplicate content")
	p1 := writeFile(t, dir, "a.txt", content)
	p2 := writeFile(t, dir, "b.txt", content)

	h := New()
	r1 := &types.FileRecord{Path: p1}
	r2 := &types.FileRecord{Path: p2}
	h.HashFile(r1, nil)
	h.HashFile(r2, nil)

	if r1.ContentKey != r2.ContentKey {
		t.Fatalf("identical content hashed to different keys: %x vs %x", r1.ContentKey, r2.ContentKey)
	}
}

func TestHashFileUnreadableGetsSyntheticKey(t *testing.T) {
	record := &types.FileRecord{Path: filepath.Join(t.TempDir(), "does-not-exist")}
	record.SetArenaIndex(42)

	var warned error
	h := New()
	h.HashFile(record, func(err error) { warned = err })

	if warned == nil {
		t.Fatal("expected a warning on unreadable file")
	}
	if !record.Hashed {
		t.Fatal("synthetic key path must still set Hashed, so the record compares like any other")
	}

	// Synthetic keys must differ across distinct arena indices.
	other := &types.FileRecord{Path: filepath.Join(t.TempDir(), "also-missing")}
	other.SetArenaIndex(43)
	h.HashFile(other, func(error) {})

	if record.ContentKey == other.ContentKey {
		t.Fatal("synthetic keys for distinct arena indices must differ")
	}
}

func TestHashEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "empty", nil)

	record := &types.FileRecord{Path: path}
	h := New()
	h.HashFile(record, nil)

	want := md5.Sum(nil)
	if record.ContentKey != want {
		t.Fatalf("ContentKey = %x, want %x (MD5 of empty input)", record.ContentKey, want)
	}
}
