package autosave

import (
	"context"

	"github.com/MarcoPoloResearchLab/rigging/internal/records"
)

// Action describes what a committed save did to one record.
type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionDestroyed Action = "destroyed"
)

// RecordChange is one record written by a committed save.
type RecordChange struct {
	Type    string
	ID      int64
	Action  Action
	Changes records.ChangeSet
}

// Commit lists every record written by one top-level save, in write order.
type Commit struct {
	SaveID  string
	Changes []RecordChange
}

// CommitObserver is notified after a save transaction has committed.
type CommitObserver interface {
	Committed(ctx context.Context, commit Commit)
}

// CommitObserverFunc adapts a function to CommitObserver.
type CommitObserverFunc func(ctx context.Context, commit Commit)

// Committed calls f.
func (f CommitObserverFunc) Committed(ctx context.Context, commit Commit) {
	f(ctx, commit)
}
