package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/roach88/rowsync/internal/apply"
	"github.com/roach88/rowsync/internal/changeset"
	"github.com/roach88/rowsync/internal/rebase"
	"github.com/roach88/rowsync/internal/session"
	"github.com/roach88/rowsync/internal/store"
	"github.com/roach88/rowsync/internal/wire"
)

// Harness holds the replicas and named artifacts of one scenario run.
type Harness struct {
	dir    string
	stores map[string]*store.Store
	sets   map[string]*changeset.ChangeSet
	blobs  map[string][]byte
	log    *zap.Logger
}

// Run executes a scenario in a scratch directory and returns the result.
//
// Execution flow:
//  1. Create the first replica and run setup on it
//  2. Copy it to the other replicas
//  3. Execute flow steps, checking expect clauses
//  4. Evaluate assertions
//
// A step that cannot run at all (bad SQL, corrupt input) is an error.
// Unexpected outcomes are reported in the result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	return RunWithLogger(ctx, scenario, nil)
}

// RunWithLogger is Run with diagnostics sent to log.
func RunWithLogger(ctx context.Context, scenario *Scenario, log *zap.Logger) (result *Result, err error) {
	dir, err := os.MkdirTemp("", "rowsync-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	h := &Harness{
		dir:    dir,
		stores: make(map[string]*store.Store),
		sets:   make(map[string]*changeset.ChangeSet),
		blobs:  make(map[string][]byte),
		log:    log.Named("harness").With(zap.String("scenario", scenario.Name)),
	}
	defer func() {
		if cerr := h.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := h.setup(ctx, scenario); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}

	result = NewResult()
	for i, step := range scenario.Flow {
		if err := h.execute(ctx, step, result); err != nil {
			return nil, fmt.Errorf("flow[%d] %s: %w", i, step.Op, err)
		}
	}

	for name, cs := range h.sets {
		counts, err := countChanges(cs)
		if err != nil {
			return nil, fmt.Errorf("changeset %s: %w", name, err)
		}
		result.Changes[name] = counts
	}

	actx := &AssertionContext{Ctx: ctx, Stores: h.stores, Changes: result.Changes}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) close() error {
	var errs []error
	for _, st := range h.stores {
		errs = append(errs, st.Close())
	}
	errs = append(errs, os.RemoveAll(h.dir))
	return errors.Join(errs...)
}

func (h *Harness) path(db string) string {
	return filepath.Join(h.dir, db+".db")
}

// setup creates the first replica, runs setup on it and copies it to the
// others, so every replica shares its GUID.
func (h *Harness) setup(ctx context.Context, scenario *Scenario) error {
	first := scenario.Databases[0]
	st, err := store.Open(h.path(first))
	if err != nil {
		return err
	}
	h.stores[first] = st
	for i, stmt := range scenario.Setup {
		if _, err := st.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
	}
	for _, name := range scenario.Databases[1:] {
		if _, err := st.Exec(ctx, `VACUUM INTO ?`, h.path(name)); err != nil {
			return fmt.Errorf("copy to %s: %w", name, err)
		}
		replica, err := store.Open(h.path(name))
		if err != nil {
			return err
		}
		h.stores[name] = replica
	}
	return nil
}

func (h *Harness) execute(ctx context.Context, step Step, result *Result) error {
	h.log.Debug("step", zap.String("op", step.Op), zap.String("db", step.DB))
	switch step.Op {
	case OpCapture:
		cs, err := h.capture(ctx, step)
		if err != nil {
			return err
		}
		return h.keep(step, cs, result)
	case OpDiff:
		cs, err := h.diff(ctx, step)
		if err != nil {
			return err
		}
		return h.keep(step, cs, result)
	case OpInvert:
		cs, err := changeset.FromData(h.sets[step.Changeset].Bytes(), true)
		if err != nil {
			return err
		}
		return h.keep(step, cs, result)
	case OpConcat:
		streams := make([]changeset.Stream, len(step.Changesets))
		for i, name := range step.Changesets {
			streams[i] = h.sets[name]
		}
		cs, err := changeset.FromConcatenatedChangeStreams(streams...)
		if err != nil {
			return err
		}
		return h.keep(step, cs, result)
	case OpRebase:
		rb := rebase.NewRebaser(h.log)
		for _, name := range step.With {
			if err := rb.AddRebase(h.blobs[name]); err != nil {
				return fmt.Errorf("rebase data %s: %w", name, err)
			}
		}
		cs, err := rb.Rebase(h.sets[step.Changeset])
		if err != nil {
			return err
		}
		return h.keep(step, cs, result)
	case OpApply:
		return h.apply(ctx, step, result)
	}
	return fmt.Errorf("unknown op %q", step.Op)
}

// keep names a produced changeset and traces it.
func (h *Harness) keep(step Step, cs *changeset.ChangeSet, result *Result) error {
	counts, err := countChanges(cs)
	if err != nil {
		return err
	}
	h.sets[step.As] = cs
	result.AddTrace(TraceEvent{Step: step.Op, DB: step.DB, Subject: step.As, Changes: &counts})
	return nil
}

func (h *Harness) capture(ctx context.Context, step Step) (*changeset.ChangeSet, error) {
	st := h.stores[step.DB]
	tracker := session.New(st.DB(), session.Options{Name: "harness", Logger: h.log})
	if _, err := tracker.EnableTracking(ctx, true); err != nil {
		return nil, err
	}
	defer func() {
		if err := tracker.EndTracking(ctx); err != nil {
			h.log.Warn("end tracking", zap.Error(err))
		}
	}()

	for i, stmt := range step.SQL {
		if _, err := st.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("sql[%d]: %w", i, err)
		}
		// tables created by this unit are tracked from the next one on
		if err := tracker.AttachAll(ctx); err != nil {
			return nil, err
		}
	}
	return changeset.FromChangeTrack(ctx, tracker, setType(step.Patchset))
}

func (h *Harness) diff(ctx context.Context, step Step) (*changeset.ChangeSet, error) {
	tracker := session.New(h.stores[step.DB].DB(), session.Options{Name: "harness", Logger: h.log})
	defer func() {
		if err := tracker.EndTracking(ctx); err != nil {
			h.log.Warn("end tracking", zap.Error(err))
		}
	}()
	if err := tracker.DifferenceToDb(ctx, h.path(step.Base)); err != nil {
		return nil, err
	}
	return changeset.FromChangeTrack(ctx, tracker, setType(step.Patchset))
}

func (h *Harness) apply(ctx context.Context, step Step, result *Result) error {
	resolver, err := stepResolver(step)
	if err != nil {
		return err
	}
	var rb *rebase.Rebase
	if step.RebaseAs != "" {
		rb = rebase.New()
	}
	res, err := apply.Apply(ctx, h.stores[step.DB].DB(), h.sets[step.Changeset], apply.Options{
		Resolver: resolver,
		Invert:   step.Invert,
		Rebase:   rb,
		Logger:   h.log,
	})
	aborted := errors.Is(err, apply.ErrAborted)
	if err != nil && !aborted {
		return err
	}
	if rb != nil {
		h.blobs[step.RebaseAs] = rb.Take()
	}

	counts := ApplyCounts{
		Applied:  res.Applied,
		Omitted:  res.Omitted,
		Replaced: res.Replaced,
		Skipped:  res.SkippedTables,
		Aborted:  aborted,
	}
	if len(res.Conflicts) > 0 {
		counts.Conflicts = make(map[string]int, len(res.Conflicts))
		for cause, n := range res.Conflicts {
			counts.Conflicts[cause.String()] = n
		}
	}
	result.AddTrace(TraceEvent{Step: step.Op, DB: step.DB, Subject: step.Changeset, Apply: &counts})

	for _, msg := range checkExpect(step.Expect, counts) {
		result.AddError(fmt.Sprintf("apply %s to %s: %s", step.Changeset, step.DB, msg))
	}
	return nil
}

// stepResolver builds the conflict resolver of an apply step.
func stepResolver(step Step) (apply.ConflictResolver, error) {
	policy := step.OnConflict
	if policy == "" {
		policy = "abort"
	}
	def, err := apply.ParseDisposition(policy)
	if err != nil {
		return nil, err
	}
	overrides := make(map[apply.Cause]apply.Disposition, len(step.Policies))
	for name, value := range step.Policies {
		cause, err := apply.ParseCause(name)
		if err != nil {
			return nil, err
		}
		if overrides[cause], err = apply.ParseDisposition(value); err != nil {
			return nil, err
		}
	}
	return apply.PerCause(def, overrides), nil
}

// checkExpect compares an apply outcome with its expect clause. Without a
// clause the apply must not abort.
func checkExpect(want *Expect, got ApplyCounts) []string {
	if want == nil {
		if got.Aborted {
			return []string{"aborted unexpectedly"}
		}
		return nil
	}
	var msgs []string
	check := func(field string, want *int, got int) {
		if want != nil && *want != got {
			msgs = append(msgs, fmt.Sprintf("%s = %d, want %d", field, got, *want))
		}
	}
	check("applied", want.Applied, got.Applied)
	check("omitted", want.Omitted, got.Omitted)
	check("replaced", want.Replaced, got.Replaced)

	causes := make([]string, 0, len(want.Conflicts))
	for cause := range want.Conflicts {
		causes = append(causes, cause)
	}
	sort.Strings(causes)
	for _, cause := range causes {
		if n := got.Conflicts[cause]; n != want.Conflicts[cause] {
			msgs = append(msgs, fmt.Sprintf("conflicts (%s) = %d, want %d", cause, n, want.Conflicts[cause]))
		}
	}
	if want.Skipped != nil && strings.Join(want.Skipped, ",") != strings.Join(got.Skipped, ",") {
		msgs = append(msgs, fmt.Sprintf("skipped = %v, want %v", got.Skipped, want.Skipped))
	}
	if want.Aborted != got.Aborted {
		msgs = append(msgs, fmt.Sprintf("aborted = %t, want %t", got.Aborted, want.Aborted))
	}
	return msgs
}

func setType(patchset bool) changeset.SetType {
	if patchset {
		return changeset.Patch
	}
	return changeset.Full
}

func countChanges(cs *changeset.ChangeSet) (ChangeCounts, error) {
	counts := ChangeCounts{Type: changeset.Full.String()}
	if cs.IsPatchset() {
		counts.Type = changeset.Patch.String()
	}
	it := changeset.NewChanges(cs, false)
	defer it.Finalize()
	for ok := it.Begin(); ok; ok = it.Next() {
		switch it.Change().Op() {
		case wire.OpInsert:
			counts.Inserts++
		case wire.OpUpdate:
			counts.Updates++
		case wire.OpDelete:
			counts.Deletes++
		}
	}
	return counts, it.Err()
}
