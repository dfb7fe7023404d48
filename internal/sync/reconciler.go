package sync

import "github.com/tutorpath/tutorpath/internal/progress"

// Action tells the caller what to do with the reconciled record.
type Action int

const (
	// ActionInitialize: neither side has a record; the caller creates a
	// fresh one.
	ActionInitialize Action = iota

	// ActionAdoptRemote: the remote record won; persist it locally before
	// use.
	ActionAdoptRemote

	// ActionUploadLocal: the local record won; schedule an upload to repair
	// remote staleness.
	ActionUploadLocal
)

// Outcome is the reconciliation result. Record is nil only for
// ActionInitialize.
type Outcome struct {
	Record *progress.Record
	Action Action
}

// Reconcile picks a winner between the local and remote snapshots of one
// (user, topic) record. First-load only, never during a live session.
//
// The strictly newer lastUpdated wins the whole record; there is no
// field-level merge, so progress made on two devices while both were offline
// loses the older side wholesale. Ties prefer local, which keeps the choice
// deterministic.
func Reconcile(local, remote *progress.Record) Outcome {
	switch {
	case local == nil && remote == nil:
		return Outcome{Action: ActionInitialize}
	case local == nil:
		return Outcome{Record: remote, Action: ActionAdoptRemote}
	case remote == nil:
		return Outcome{Record: local, Action: ActionUploadLocal}
	case remote.LastUpdated.After(local.LastUpdated):
		return Outcome{Record: remote, Action: ActionAdoptRemote}
	default:
		return Outcome{Record: local, Action: ActionUploadLocal}
	}
}
