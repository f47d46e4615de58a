package checkout

import (
	"context"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// EntryStatus is the state of a journal entry.
type EntryStatus string

const (
	EntryDone               EntryStatus = "done"
	EntryFailed             EntryStatus = "failed"
	EntryCompensated        EntryStatus = "compensated"
	EntryCompensationFailed EntryStatus = "compensation_failed"
	EntrySkipped            EntryStatus = "skipped"
)

// JournalEntry records what happened to one stage.
type JournalEntry struct {
	Stage  Stage
	Status EntryStatus
	Error  string
}

type undoFunc func(ctx context.Context) error

// journal records completed stages and how to undo them.
type journal struct {
	entries []JournalEntry
	undo    []undoFunc
}

func (j *journal) add(stage Stage, status EntryStatus, err error, undo undoFunc) {
	e := JournalEntry{Stage: stage, Status: status}
	if err != nil {
		e.Error = err.Error()
	}
	j.entries = append(j.entries, e)
	j.undo = append(j.undo, undo)
}

func (j *journal) done(stage Stage, undo undoFunc) { j.add(stage, EntryDone, nil, undo) }

func (j *journal) failed(stage Stage, err error) { j.add(stage, EntryFailed, err, nil) }

func (j *journal) skipped(stage Stage) { j.add(stage, EntrySkipped, nil, nil) }

// compensate runs the undo actions of done entries in reverse order. When
// only is non-empty, other stages are left untouched.
func (j *journal) compensate(ctx context.Context, only ...Stage) {
	lg := zctx.From(ctx)
	for i := len(j.entries) - 1; i >= 0; i-- {
		e := &j.entries[i]
		if e.Status != EntryDone || j.undo[i] == nil || !contains(only, e.Stage) {
			continue
		}
		if err := j.undo[i](ctx); err != nil {
			lg.Error("Compensation failed", zap.String("stage", string(e.Stage)), zap.Error(err))
			e.Status = EntryCompensationFailed
			e.Error = err.Error()
			continue
		}
		lg.Info("Compensated", zap.String("stage", string(e.Stage)))
		e.Status = EntryCompensated
	}
}

// markCompensated records that the effect of stage was undone outside the
// journal.
func (j *journal) markCompensated(stage Stage) {
	for i := range j.entries {
		if j.entries[i].Stage == stage && j.entries[i].Status == EntryDone {
			j.entries[i].Status = EntryCompensated
		}
	}
}

func (j *journal) snapshot() []JournalEntry {
	out := make([]JournalEntry, len(j.entries))
	copy(out, j.entries)
	return out
}

func contains(stages []Stage, s Stage) bool {
	if len(stages) == 0 {
		return true
	}
	for _, v := range stages {
		if v == s {
			return true
		}
	}
	return false
}
