// history.go - Append-only audit trail.
//
// One entry per successful dispatcher call; spawns log the parent action and
// the child creation as separate entries. Denied or failed actions leave no
// trace. Entries carry an opaque signature token so a hand-inserted row is
// distinguishable from a dispatcher-produced one.

package demande

import (
	"time"

	"github.com/google/uuid"
)

// newHistoryEntry stamps a fresh audit entry.
func newHistoryEntry(req RequestID, actor ActorID, action Action, from, to Status, comment string, at time.Time) HistoryEntry {
	return HistoryEntry{
		ID:         uuid.NewString(),
		RequestID:  req,
		ActorID:    actor,
		Action:     action,
		FromStatus: from,
		ToStatus:   to,
		Comment:    comment,
		Signature:  uuid.NewString(),
		At:         at,
	}
}
