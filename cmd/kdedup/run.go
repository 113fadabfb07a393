package main

import (
	"fmt"
	"math"
	"os"

	"github.com/ivoronin/kdedup/internal/dupeindex"
	"github.com/ivoronin/kdedup/internal/linker"
	"github.com/ivoronin/kdedup/internal/progress"
	"github.com/ivoronin/kdedup/internal/types"
	"github.com/ivoronin/kdedup/internal/walker"
)

// drainErrors consumes warnings from errCh and writes them to stderr,
// clearing any active progress-bar line first so the two don't collide.
func drainErrors(errCh <-chan error) {
	for err := range errCh {
		fmt.Fprintf(os.Stderr, "\r\033[Kwarning: %v\n", err)
	}
}

// runKdedup executes the scan-then-optionally-link pipeline and returns the
// process exit code.
func runKdedup(paths []string, opts resolvedOptions) (code int) {
	code = types.ExitOK
	soft := false

	defer func() {
		if r := recover(); r != nil {
			if isOutOfMemory(r) {
				code = types.ExitOutOfMemory
				return
			}
			panic(r)
		}
	}()

	errCh := make(chan error, 100)
	go drainErrors(errCh)
	defer close(errCh)

	onWarning := func(err error) {
		soft = true
		errCh <- err
	}
	onEvent := func(msg string) {
		if opts.verbosity >= 1 {
			fmt.Fprintf(os.Stdout, "\r\033[K%s\n", msg)
		}
	}
	onDebug := func(msg string) {
		if opts.verbosity >= 2 {
			fmt.Fprintf(os.Stdout, "\r\033[Kdebug: %s\n", msg)
		}
	}

	w := walker.New(walker.Options{
		Recursive:              opts.recursive,
		FollowSymlinkedDirs:    opts.followSymlinkedDirs,
		FollowSymlinkedFiles:   opts.followSymlinkedFiles,
		OneFileSystem:          opts.oneFileSystem,
		DereferenceCommandLine: opts.dereferenceCommandLine,
	}, opts.workers)

	bar := progress.New(!opts.quiet, -1)

	entries := w.Run(paths)

	engine := dupeindex.New(1, math.MaxInt64, onWarning, onEvent, onDebug)
	stats := engine.StatsSnapshot()
	bar.Describe(&stats)
	for _, e := range entries {
		switch e.Kind {
		case walker.KindRegularFile:
			engine.Process(e.Path, e.Size, e.Dev, e.Ino)
			stats = engine.StatsSnapshot()
			bar.Describe(&stats)
		case walker.KindReadFailed:
			soft = true
			errCh <- fmt.Errorf("%s: %w", e.Path, e.Err)
		case walker.KindStatFailed:
			// A single failed stat() (FTS_NS: file removed mid-scan, a
			// permission error) is a warning only — it must not flip a
			// successful run's exit code. Only an unreadable directory
			// (KindReadFailed, FTS_DNR/FTS_ERR) does that.
			errCh <- fmt.Errorf("%s: %w", e.Path, e.Err)
		case walker.KindDirectoryCycle:
			errCh <- fmt.Errorf("%s: directory cycle detected, skipping", e.Path)
		}
	}

	stats, duplicates := engine.Finish()
	bar.Finish(&stats)

	if opts.hardlinkDuplicates && len(duplicates) > 0 {
		l := linker.New(onWarning, onEvent)
		var linkStats linker.Stats
		for _, head := range duplicates {
			if err := l.LinkGroup(head, &linkStats); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				return types.ExitLinkFatal
			}
		}
		if linkStats.Skipped > 0 {
			soft = true
		}
	}

	fmt.Fprintln(os.Stdout, stats.String())

	if soft {
		return types.ExitSoftError
	}
	return types.ExitOK
}

// isOutOfMemory reports whether a recovered panic looks like a Go runtime
// allocation failure rather than an ordinary bug. Only a narrow, deliberately
// cheap heuristic: most real out-of-memory conditions are fatal throws that
// recover can't intercept at all, so this only catches the subset the
// runtime reports as a recoverable runtime.Error.
func isOutOfMemory(r any) bool {
	err, ok := r.(error)
	if !ok {
		return false
	}
	return containsOutOfMemory(err.Error())
}

func containsOutOfMemory(s string) bool {
	const needle = "out of memory"
	for i := 0; i+len(needle) <= len(s); i++ {
		if s[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
