package main

import (
	"runtime"

	"github.com/spf13/cobra"
)

// cliOptions holds every flag from the root command before resolution into
// resolvedOptions.
type cliOptions struct {
	dereferenceCommandLine   bool
	noDereferenceCommandLine bool
	dereferenceFiles         bool // -L
	noDereferenceFiles       bool // -P
	recursive                bool
	noRecursive              bool
	dereferenceRecursive     bool // -R: recursive + follow_symlinked_dirs
	oneFileSystem            bool
	noOneFileSystem          bool
	quiet                    bool
	verboseCount             int
	hardlinkDuplicates       bool
	helpAlt                  bool
	workers                  int
}

func newRootCmd(exitCode *int) *cobra.Command {
	opts := &cliOptions{workers: runtime.NumCPU()}

	cmd := &cobra.Command{
		Use:     "kdedup [options] <path>...",
		Short:   "Find and replace duplicate files with hard links",
		Version: version + " (" + commit + ")",
		// Arg-count validation happens inside RunE, after the -?/--help-alt
		// check: cobra's own Args hook runs before RunE, so binding
		// MinimumNArgs(1) there would reject "kdedup -?" (no paths given) with
		// ExitCliError before the help shortcut ever gets a chance to fire,
		// unlike -h/--help which cobra short-circuits before arg validation.
		Args: cobra.ArbitraryArgs,
		RunE: func(c *cobra.Command, args []string) error {
			if opts.helpAlt {
				return c.Help()
			}
			if len(args) < 1 {
				return cobra.MinimumNArgs(1)(c, args)
			}
			*exitCode = runKdedup(args, resolveOptions(opts))
			return nil
		},
	}
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	f := cmd.Flags()
	f.BoolVarP(&opts.dereferenceCommandLine, "dereference-command-line", "H", false, "Follow symlinks given directly on the command line")
	f.BoolVar(&opts.noDereferenceCommandLine, "no-dereference-command-line", false, "Clear --dereference-command-line")
	f.BoolVarP(&opts.dereferenceFiles, "dereference", "L", false, "Follow symlinked files while scanning")
	f.BoolVarP(&opts.noDereferenceFiles, "no-dereference", "P", false, "Do not follow symlinked files")
	f.BoolVarP(&opts.recursive, "recursive", "r", false, "Enter subdirectories")
	f.BoolVar(&opts.noRecursive, "no-recursive", false, "Clear --recursive")
	f.BoolVarP(&opts.dereferenceRecursive, "dereference-recursive", "R", false, "Recursion plus follow symlinked directories")
	f.BoolVarP(&opts.oneFileSystem, "one-file-system", "x", false, "Do not cross device boundaries")
	f.BoolVar(&opts.noOneFileSystem, "no-one-file-system", false, "Clear --one-file-system")
	f.BoolVar(&opts.noOneFileSystem, "cross-file-systems", false, "Alias for --no-one-file-system")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "Suppress verbose output and the progress bar")
	f.CountVarP(&opts.verboseCount, "verbose", "v", "Increase verbosity (repeatable)")
	f.BoolVar(&opts.hardlinkDuplicates, "hardlink-duplicates", false, "Replace discovered duplicates with hard links")
	f.BoolVarP(&opts.helpAlt, "help-alt", "?", false, "Print usage")
	_ = f.MarkHidden("help-alt")
	f.BoolP("version", "V", false, "Print version")
	f.IntVarP(&opts.workers, "workers", "w", opts.workers, "Number of concurrent directory reads")

	return cmd
}

// resolvedOptions is what resolveOptions produces; clearing flags take precedence
// over their positive counterpart regardless of argument order, which is
// observably identical to "last flag wins" for the documented usage of
// passing at most one of each mutually exclusive pair.
type resolvedOptions struct {
	recursive               bool
	followSymlinkedDirs     bool
	followSymlinkedFiles    bool
	oneFileSystem           bool
	dereferenceCommandLine  bool
	verbosity               int
	quiet                   bool
	hardlinkDuplicates      bool
	workers                 int
}

func resolveOptions(opts *cliOptions) resolvedOptions {
	recursive := opts.recursive
	followDirs := false
	if opts.dereferenceRecursive {
		recursive = true
		followDirs = true
	}
	if opts.noRecursive {
		recursive = false
	}

	followFiles := opts.dereferenceFiles
	if opts.noDereferenceFiles {
		followFiles = false
	}

	oneFileSystem := opts.oneFileSystem
	if opts.noOneFileSystem {
		oneFileSystem = false
	}

	dereferenceCommandLine := opts.dereferenceCommandLine
	if opts.noDereferenceCommandLine {
		dereferenceCommandLine = false
	}

	verbosity := opts.verboseCount
	if opts.quiet {
		verbosity = 0
	}

	return resolvedOptions{
		recursive:              recursive,
		followSymlinkedDirs:    followDirs,
		followSymlinkedFiles:   followFiles,
		oneFileSystem:          oneFileSystem,
		dereferenceCommandLine: dereferenceCommandLine,
		verbosity:              verbosity,
		quiet:                  opts.quiet,
		hardlinkDuplicates:     opts.hardlinkDuplicates,
		workers:                opts.workers,
	}
}
