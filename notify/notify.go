/*
Package notify provides notification sinks for committed request transitions.

PURPOSE:
  The dispatcher publishes an event after every committed action. This package
  supplies the delivery side: a log-backed sink for development and a fan-out
  for composing several sinks. Delivery is fire-and-forget; a sink must never
  fail an already-committed action.

USAGE:
  n := notify.NewLog(log.Default())
  d := demande.NewDispatcher(store, store, n)
*/
package notify

import (
	"log"

	"github.com/warp/procure-engine/demande"
)

// Log writes each event as a single log line. Useful in development and as
// a template for real channels (mail, webhook) which slot in the same way.
type Log struct {
	logger *log.Logger
}

// NewLog creates a log-backed notifier.
func NewLog(logger *log.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(event demande.Event) {
	if len(event.SpawnedIDs) > 0 {
		l.logger.Printf("notify: %s %s %s -> %s by %s (spawned %d sub-request(s))",
			event.Number, event.Action, event.FromStatus, event.ToStatus,
			event.ActorID, len(event.SpawnedIDs))
		return
	}
	l.logger.Printf("notify: %s %s %s -> %s by %s",
		event.Number, event.Action, event.FromStatus, event.ToStatus, event.ActorID)
}

// Multi fans an event out to every sink in order.
type Multi []demande.Notifier

func (m Multi) Notify(event demande.Event) {
	for _, n := range m {
		n.Notify(event)
	}
}

// Recorder collects events in memory. Test helper.
type Recorder struct {
	Events []demande.Event
}

func (r *Recorder) Notify(event demande.Event) {
	r.Events = append(r.Events, event)
}
