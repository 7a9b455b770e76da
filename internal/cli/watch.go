package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/rowsync/internal/apply"
	"github.com/roach88/rowsync/internal/changeset"
	"github.com/roach88/rowsync/internal/rebase"
	"github.com/roach88/rowsync/internal/store"
)

// Inbox subdirectories receiving processed files.
const (
	AppliedDir = "applied"
	FailedDir  = "failed"
)

// rebaseSuffix names the rebase data written next to an applied file.
const rebaseSuffix = ".rebase"

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	ApplyOptions
	Dir  string
	Once bool
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{ApplyOptions: ApplyOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Apply changesets dropped into a directory",
		Long: `Watch an inbox directory and apply every changeset that appears in it,
in file name order. Each file is applied in its own transaction and then
moved to applied/ or, if it could not be applied, to failed/. When
conflicts were omitted or replaced, their rebase data is written next to
the applied file with a .rebase suffix.

Files whose names start with "." or end in ".tmp" are ignored, so writers
can create a file under a temporary name and rename it into place.

Examples:
  rowsync watch --db replica.db --dir ./inbox
  rowsync watch --db replica.db --on-conflict omit --once`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Dir, "dir", "", "inbox directory (default from config)")
	cmd.Flags().StringVar(&opts.OnConflict, "on-conflict", "", "conflict policy: omit|replace|abort (default from config)")
	cmd.Flags().StringArrayVar(&opts.Policies, "policy", nil, "per-cause policy as cause=policy (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Include, "include", nil, "glob of tables to apply, default all (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Exclude, "exclude", nil, "glob of tables to skip (repeatable)")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "process the files already present and exit")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runWatch(cmd *cobra.Command, opts *WatchOptions) error {
	log := opts.Logger
	resolver, err := opts.resolver()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid conflict policy", err)
	}
	dir := opts.Dir
	if dir == "" {
		dir = opts.Config.Watch.Dir
	}

	st, err := openExisting(opts.Database)
	if err != nil {
		return err
	}
	defer closeStore(log, st)

	w, err := newInboxWatcher(dir, st, apply.Options{
		Resolver: resolver,
		Filter:   tableFilter(opts.Include, opts.Config.Apply.ExcludeTables, opts.Exclude),
		Logger:   log,
	}, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to prepare inbox", err)
	}

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	if opts.Once {
		if err := w.drain(ctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to process inbox", err)
		}
		return w.report(opts.formatter(cmd))
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create watcher", err)
	}
	defer fsw.Close()
	if err := fsw.Add(dir); err != nil {
		return WrapExitError(ExitCommandError, "failed to watch inbox", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, shutting down", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s. Press Ctrl-C to stop.\n", dir)
	if err := w.run(ctx, fsw.Events, fsw.Errors); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitCommandError, "watch failed", err)
	}
	return w.report(opts.formatter(cmd))
}

// WatchStats counts the files processed by a watcher.
type WatchStats struct {
	Applied int      `json:"applied"`
	Failed  int      `json:"failed"`
	Files   []string `json:"failed_files,omitempty"`
}

// inboxWatcher applies files from an inbox directory, one at a time.
type inboxWatcher struct {
	dir   string
	st    *store.Store
	opts  apply.Options
	log   *zap.Logger
	stats WatchStats
}

func newInboxWatcher(dir string, st *store.Store, opts apply.Options, log *zap.Logger) (*inboxWatcher, error) {
	for _, sub := range []string{"", AppliedDir, FailedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, err
		}
	}
	return &inboxWatcher{
		dir:  dir,
		st:   st,
		opts: opts,
		log:  log.Named("watch").With(zap.String("dir", dir)),
	}, nil
}

// run drains the inbox, then processes files as events report them until
// ctx is cancelled or the event channel closes.
func (w *inboxWatcher) run(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) error {
	if err := w.drain(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !w.accepts(ev.Name) {
				continue
			}
			if err := w.processFile(ctx, ev.Name); err != nil {
				return err
			}
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", zap.Error(err))
		}
	}
}

// drain processes every file present in the inbox in name order.
func (w *inboxWatcher) drain(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read inbox: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && w.accepts(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.processFile(ctx, filepath.Join(w.dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func (w *inboxWatcher) accepts(path string) bool {
	name := filepath.Base(path)
	return !strings.HasPrefix(name, ".") && !strings.HasSuffix(name, ".tmp")
}

// processFile applies one inbox file and moves it out of the inbox. Only
// filesystem errors are returned; a file that cannot be applied is moved
// to the failed directory.
func (w *inboxWatcher) processFile(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		// already handled
		return nil
	}
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	log := w.log.With(zap.String("file", filepath.Base(path)))
	rb, applyErr := w.apply(ctx, path)
	if applyErr != nil && ctx.Err() != nil {
		// interrupted; leave the file for the next run
		return ctx.Err()
	}
	if applyErr != nil {
		log.Warn("changeset failed", zap.Error(applyErr))
		w.stats.Failed++
		w.stats.Files = append(w.stats.Files, filepath.Base(path))
		return w.move(path, FailedDir)
	}

	if !rb.IsEmpty() {
		dst := filepath.Join(w.dir, AppliedDir, filepath.Base(path)+rebaseSuffix)
		if err := os.WriteFile(dst, rb.Take(), 0o644); err != nil {
			return err
		}
	}
	w.stats.Applied++
	log.Info("changeset applied")
	return w.move(path, AppliedDir)
}

// apply runs one file inside a transaction.
func (w *inboxWatcher) apply(ctx context.Context, path string) (*rebase.Rebase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cs, err := changeset.FromData(data, false)
	if err != nil {
		return nil, err
	}
	opts := w.opts
	opts.Rebase = rebase.New()
	res, err := applyChangeSet(ctx, w.st, cs, opts, true)
	if err != nil {
		return nil, err
	}
	w.log.Debug("apply result",
		zap.String("file", filepath.Base(path)),
		zap.Int("applied", res.Applied),
		zap.Int("conflicts", res.ConflictCount()),
		zap.Strings("skipped_tables", res.SkippedTables))
	return opts.Rebase, nil
}

func (w *inboxWatcher) move(path, sub string) error {
	dst := filepath.Join(w.dir, sub, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("move %s to %s: %w", filepath.Base(path), sub, err)
	}
	return nil
}

func (w *inboxWatcher) report(out *OutputFormatter) error {
	err := out.Report(w.stats, func(wr io.Writer) error {
		fmt.Fprintf(wr, "applied %d, failed %d\n", w.stats.Applied, w.stats.Failed)
		for _, f := range w.stats.Files {
			fmt.Fprintf(wr, "failed: %s\n", f)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if w.stats.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d changesets failed", w.stats.Failed))
	}
	return nil
}
