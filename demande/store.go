/*
store.go - Persistence and notification collaborator interfaces

PURPOSE:
  Defines the seams between the engine and its collaborators. All request
  state lives in the aggregate handed to the Store; the engine holds no
  process-wide state.

ATOMICITY CONTRACT:
  The whole read → authorize → transition → mutate quantities → spawn →
  append history sequence for one action runs inside Store.WithTx: either
  everything commits or nothing does. Request-number sequences are allocated
  under the same transaction so concurrent creations never collide.

CONCURRENCY CONTRACT:
  Save performs an optimistic check against the version the aggregate was
  loaded with. Two concurrent actions against the same request serialize:
  the second commit observes the bumped version and fails with
  ErrConcurrencyConflict, to be retried by the caller. Actions against
  different requests proceed in parallel.

HISTORY CONTRACT:
  AppendHistory is append-only. No update or delete exists. Deleting a
  sub-request removes the request rows but leaves its history in place.

IMPLEMENTATIONS:
  - demande/store/memory.go: In-memory, for tests and dev
  - store/sqlite/sqlite.go:  Production SQLite

SEE ALSO:
  - dispatch.go: The only caller of the write paths
*/
package demande

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Request aggregate persistence
// =============================================================================

type Store interface {
	// Get loads a request aggregate with its line items and current version.
	// Returns a NotFoundError when the id does not resolve.
	Get(ctx context.Context, id RequestID) (*Request, error)

	// Insert persists a brand-new aggregate (version 1).
	Insert(ctx context.Context, req *Request) error

	// Save persists a mutated aggregate. The aggregate's Version must match
	// the stored one; on mismatch Save returns ErrConcurrencyConflict and
	// writes nothing. On success the stored and in-memory versions advance.
	Save(ctx context.Context, req *Request) error

	// Delete removes a request and its items. History rows are kept.
	// Only the sub-request deletion override uses this.
	Delete(ctx context.Context, id RequestID) error

	// List returns all requests, newest first.
	List(ctx context.Context) ([]*Request, error)

	// Children returns the direct children of a parent, oldest first.
	Children(ctx context.Context, parent RequestID) ([]*Request, error)

	// AppendHistory appends audit entries. Append-only.
	AppendHistory(ctx context.Context, entries ...HistoryEntry) error

	// History returns a request's audit trail, oldest first.
	History(ctx context.Context, id RequestID) ([]HistoryEntry, error)

	// NextSequence atomically increments and returns the counter for a key
	// (one key per type+day for top-level numbering).
	NextSequence(ctx context.Context, key string) (int, error)

	// WithTx executes fn against a transactional view of the store. If fn
	// returns an error the transaction rolls back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// NOTIFIER - Fire-and-forget notification sink
// =============================================================================

// Event describes a committed state change for the notification collaborator.
type Event struct {
	RequestID  RequestID
	Number     string
	Action     Action
	ActorID    ActorID
	FromStatus Status
	ToStatus   Status
	SpawnedIDs []RequestID
	At         time.Time
}

// Notifier delivers events after commit. Implementations must not block the
/// dispatcher and must never fail the action: delivery errors are theirs to
// handle.
type Notifier interface {
	Notify(event Event)
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) Notify(Event) {}
