package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/rowsync/internal/changeset"
	"github.com/roach88/rowsync/internal/store"
	"github.com/roach88/rowsync/internal/tablefilter"
	"github.com/roach88/rowsync/internal/wire"
)

// stdio names standard input or output in file arguments.
const stdio = "-"

// openExisting opens a database that must already exist.
func openExisting(path string) (*store.Store, error) {
	if err := requireDatabase(path); err != nil {
		return nil, err
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

func requireDatabase(path string) error {
	if _, err := os.Stat(path); err != nil {
		return WrapExitError(ExitCommandError, "database not found", err)
	}
	return nil
}

func closeStore(log *zap.Logger, st *store.Store) {
	if err := st.Close(); err != nil {
		log.Error("error closing database", zap.String("path", st.Path()), zap.Error(err))
	}
}

// readChangeSet loads a changeset or patchset file, or standard input for "-".
func readChangeSet(cmd *cobra.Command, path string) (*changeset.ChangeSet, error) {
	var data []byte
	var err error
	if path == stdio {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read changeset", err)
	}
	cs, err := changeset.FromData(data, false)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load changeset", err)
	}
	return cs, nil
}

// writeOutput writes data to path, or standard output for "" and "-".
func writeOutput(cmd *cobra.Command, path string, data []byte) error {
	if toStdout(path) {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return WrapExitError(ExitCommandError, "failed to write output", err)
	}
	return nil
}

func toStdout(path string) bool { return path == "" || path == stdio }

// reportFormatter returns the formatter for a command's summary. When the
// binary result goes to standard output the summary moves to standard error.
func (o *RootOptions) reportFormatter(cmd *cobra.Command, output string) *OutputFormatter {
	f := o.formatter(cmd)
	if toStdout(output) {
		f.Writer = cmd.ErrOrStderr()
	}
	return f
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// Summary counts the contents of a stream.
type Summary struct {
	Type    string         `json:"type"`
	Bytes   int            `json:"bytes"`
	Tables  []string       `json:"tables"`
	Inserts int            `json:"inserts"`
	Updates int            `json:"updates"`
	Deletes int            `json:"deletes"`
	ByTable map[string]int `json:"by_table"`
}

// Changes returns the total number of changes.
func (s Summary) Changes() int { return s.Inserts + s.Updates + s.Deletes }

func (s Summary) String() string {
	return fmt.Sprintf("%s: %d bytes, %d tables, %d inserts, %d updates, %d deletes",
		s.Type, s.Bytes, len(s.Tables), s.Inserts, s.Updates, s.Deletes)
}

// summarize walks cs once and counts its changes per operation and table.
func summarize(cs *changeset.ChangeSet) (Summary, error) {
	sum := Summary{Type: changeset.Full.String(), Bytes: cs.Size(), Tables: []string{}, ByTable: map[string]int{}}
	if cs.IsPatchset() {
		sum.Type = changeset.Patch.String()
	}
	it := changeset.NewChanges(cs, false)
	for ok := it.Begin(); ok; ok = it.Next() {
		ch := it.Change()
		if _, seen := sum.ByTable[ch.Table()]; !seen {
			sum.Tables = append(sum.Tables, ch.Table())
		}
		sum.ByTable[ch.Table()]++
		switch ch.Op() {
		case wire.OpInsert:
			sum.Inserts++
		case wire.OpUpdate:
			sum.Updates++
		case wire.OpDelete:
			sum.Deletes++
		}
	}
	err := it.Err()
	it.Finalize()
	if err != nil {
		return Summary{}, fmt.Errorf("summarize changeset: %w", err)
	}
	return sum, nil
}

// tableFilter combines --include globs with configured and flag excludes.
func tableFilter(include, configExclude, flagExclude []string) tablefilter.TableFilter {
	exclude := append(append([]string(nil), configExclude...), flagExclude...)
	var in tablefilter.TableFilter
	if len(include) > 0 {
		in = tablefilter.Include(include...)
	}
	return tablefilter.And(in, tablefilter.Exclude(exclude...))
}
