// Package walker provides the external directory-traversal iterator that
// feeds kdedup's single-threaded duplicate-detection core.
//
// # Concurrency model
//
// The Walker fans directory reads out across goroutines (one per
// directory discovered, bounded by a semaphore) and fans them back in
// through a single buffered channel and a single collector goroutine —
// the same shape as internal/scanner. This is the only concurrency in
// the whole program: everything the Walker yields is handed, one Entry
// at a time, to a caller that processes it synchronously.
//
// # Data flow
//
//	Run(paths) starts
//	    │
//	    ├──► spawn collector goroutine (drains resultCh into a slice)
//	    ├──► for each root path: walkRoot(path)   [dereference_command_line applies here]
//	    │        └──► walkDirectoryAsync(dir, rootDev, isRoot)
//	    │                 ├──► acquire semaphore
//	    │                 ├──► list directory, classify each entry
//	    │                 ├──► release semaphore
//	    │                 └──► recurse into subdirectories (if recursive)
//	    ├──► walkerWg.Wait()
//	    ├──► close(resultCh)
//	    ├──► collectorWg.Wait()
//	    └──► return the collected entries
package walker

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/ivoronin/kdedup/internal/types"
)

// Kind discriminates the filesystem entries a Walker can yield.
type Kind int

const (
	KindRegularFile Kind = iota
	KindPreOrderDirectory
	KindPostOrderDirectory
	KindSymlink
	KindDirectoryCycle
	KindStatFailed
	KindReadFailed
	KindOther
)

// Entry is one filesystem object observed by the Walker.
type Entry struct {
	Kind Kind
	Path string

	Size int64
	Dev  uint64
	Ino  uint64

	// SymlinkTargetIsDir is set only when Kind == KindSymlink, reporting
	// whether the link target is itself a directory.
	SymlinkTargetIsDir bool

	// Err carries the underlying error for KindStatFailed/KindReadFailed.
	Err error
}

// Options controls traversal behavior.
type Options struct {
	Recursive              bool
	FollowSymlinkedDirs    bool
	FollowSymlinkedFiles   bool
	OneFileSystem          bool
	DereferenceCommandLine bool
}

// Walker performs a concurrent directory traversal and yields Entry values.
// Designed for single use: create with New, call Run once.
type Walker struct {
	opts    Options
	workers int

	wg  sync.WaitGroup
	sem types.Semaphore

	resultCh chan Entry

	visitedMu sync.Mutex
	visited   map[[2]uint64]bool // (dev, ino) of directories entered, for cycle detection
}

// New creates a Walker. workers bounds the number of directories read
// concurrently.
func New(opts Options, workers int) *Walker {
	if workers < 1 {
		workers = 1
	}
	return &Walker{
		opts:    opts,
		workers: workers,
		visited: make(map[[2]uint64]bool),
	}
}

// Run traverses every root path and returns every Entry it yielded, once
// the whole tree has been visited.
func (w *Walker) Run(paths []string) []Entry {
	w.sem = types.NewSemaphore(w.workers)
	w.resultCh = make(chan Entry, 1000)

	var results []Entry
	var collectorWg sync.WaitGroup
	collectorWg.Add(1)
	go func() {
		for e := range w.resultCh {
			results = append(results, e)
		}
		collectorWg.Done()
	}()

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			w.resultCh <- Entry{Kind: KindStatFailed, Path: p, Err: err}
			continue
		}
		w.walkRoot(abs)
	}

	w.wg.Wait()
	close(w.resultCh)
	collectorWg.Wait()

	return results
}

// walkRoot handles one command-line argument: dereference_command_line
// applies only here, regardless of follow_symlinked_dirs/files.
func (w *Walker) walkRoot(path string) {
	lst, err := os.Lstat(path)
	if err != nil {
		w.resultCh <- Entry{Kind: KindStatFailed, Path: path, Err: err}
		return
	}

	dereference := w.opts.DereferenceCommandLine
	if lst.Mode()&os.ModeSymlink != 0 {
		target, err := os.Stat(path)
		if err != nil {
			w.resultCh <- Entry{Kind: KindStatFailed, Path: path, Err: err}
			return
		}
		if !dereference {
			w.resultCh <- entryFromSymlink(path, target)
			return
		}
		lst = target
	}

	if lst.IsDir() {
		st := statT(lst)
		w.walkDirectoryAsync(path, st.dev, true)
		return
	}

	w.resultCh <- entryFromRegularFile(path, lst)
}

// walkDirectoryAsync spawns a goroutine for one directory: acquire-list-
// release, then recurse into subdirectories outside the semaphore's hold.
func (w *Walker) walkDirectoryAsync(dir string, rootDev uint64, isRoot bool) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		// Stat, not Lstat: dir may be a symlink we decided to follow (either
		// the command-line root or a FollowSymlinkedDirs entry) and we need
		// the target directory's own (dev, ino) for cycle/one-file-system
		// checks, not the symlink's.
		st, err := os.Stat(dir)
		if err != nil {
			w.resultCh <- Entry{Kind: KindStatFailed, Path: dir, Err: err}
			return
		}
		sys := statT(st)

		if !isRoot {
			if w.opts.OneFileSystem && sys.dev != rootDev {
				return
			}
			if w.markCycle(sys.dev, sys.ino) {
				w.resultCh <- Entry{Kind: KindDirectoryCycle, Path: dir, Dev: sys.dev, Ino: sys.ino}
				return
			}
		} else {
			w.markCycle(sys.dev, sys.ino)
		}

		w.resultCh <- Entry{Kind: KindPreOrderDirectory, Path: dir, Dev: sys.dev, Ino: sys.ino}

		w.sem.Acquire()
		entries, subdirs, err := w.listDirectory(dir)
		w.sem.Release()
		if err != nil {
			w.resultCh <- Entry{Kind: KindReadFailed, Path: dir, Err: err}
		} else {
			for _, e := range entries {
				w.resultCh <- e
			}
		}

		if w.opts.Recursive {
			for _, sub := range subdirs {
				w.walkDirectoryAsync(sub, rootDev, false)
			}
		}

		w.resultCh <- Entry{Kind: KindPostOrderDirectory, Path: dir, Dev: sys.dev, Ino: sys.ino}
	}()
}

// listDirectory reads one directory's entries, classifying each one. It
// never recurses itself — subdirectories are returned for the caller to
// spawn, keeping directory I/O confined to the semaphore's critical section.
func (w *Walker) listDirectory(dirPath string) (entries []Entry, subdirs []string, err error) {
	dir, err := os.Open(dirPath)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = dir.Close() }()

	const batchSize = 1000
	for {
		batch, err := dir.ReadDir(batchSize)
		if len(batch) == 0 {
			if err != nil && err != io.EOF {
				return entries, subdirs, err
			}
			break
		}

		for _, de := range batch {
			full := filepath.Join(dirPath, de.Name())
			e, sub := w.classifyEntry(full, de)
			if sub != "" {
				subdirs = append(subdirs, sub)
			} else {
				entries = append(entries, e)
			}
		}
	}
	return entries, subdirs, nil
}

// classifyEntry inspects one directory entry and returns either a
// terminal Entry to emit, or a path to recurse into (sub != "").
func (w *Walker) classifyEntry(path string, de os.DirEntry) (e Entry, sub string) {
	if de.Type()&os.ModeSymlink != 0 {
		lst, err := os.Lstat(path)
		if err != nil {
			return Entry{Kind: KindStatFailed, Path: path, Err: err}, ""
		}
		target, err := os.Stat(path)
		if err != nil {
			// Dangling symlink: not a hard error, just an unresolved entry.
			return entryFromSymlink(path, lst), ""
		}

		if target.IsDir() {
			if w.opts.FollowSymlinkedDirs {
				return Entry{}, path
			}
			return entryFromSymlink(path, target), ""
		}

		if w.opts.FollowSymlinkedFiles {
			return entryFromRegularFile(path, target), ""
		}
		return entryFromSymlink(path, target), ""
	}

	if de.IsDir() {
		return Entry{}, path
	}

	if !de.Type().IsRegular() {
		return Entry{Kind: KindOther, Path: path}, ""
	}

	info, err := de.Info()
	if err != nil {
		return Entry{Kind: KindStatFailed, Path: path, Err: err}, ""
	}
	return entryFromRegularFile(path, info), ""
}

// markCycle records (dev, ino) as visited, reporting whether it had
// already been seen — the signal for a symlinked directory cycling back
// to an ancestor.
func (w *Walker) markCycle(dev, ino uint64) bool {
	w.visitedMu.Lock()
	defer w.visitedMu.Unlock()
	key := [2]uint64{dev, ino}
	if w.visited[key] {
		return true
	}
	w.visited[key] = true
	return false
}

type diskStat struct {
	dev, ino uint64
}

func statT(fi os.FileInfo) diskStat {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return diskStat{}
	}
	return diskStat{dev: uint64(st.Dev), ino: st.Ino} //nolint:unconvert // platform-dependent type
}

func entryFromRegularFile(path string, fi os.FileInfo) Entry {
	st := statT(fi)
	return Entry{Kind: KindRegularFile, Path: path, Size: fi.Size(), Dev: st.dev, Ino: st.ino}
}

func entryFromSymlink(path string, target os.FileInfo) Entry {
	return Entry{Kind: KindSymlink, Path: path, SymlinkTargetIsDir: target.IsDir()}
}
