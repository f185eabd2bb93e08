/*
spawn.go - Sub-request spawner

PURPOSE:
  Whenever a quantity-bearing action leaves one or more line items with a
  later-stage quantity below the prior stage's, the shortfall becomes a new
  child request carrying only the missing quantities. The child re-enters the
  full approval chain at its type's first gate, independently of the parent;
  the parent simply continues forward with the reduced quantities.

REASONS:
  approved/issued shortfall  → complement  (not granted yet / short stock)
  received shortfall         → replacement (lost or damaged in delivery)

IDEMPOTENCY:
  Spawning is idempotent per triggering action. Before creating a child for a
  stage, existing children spawned from the same stage are compared item by
  item (reference + shortfall quantity); an exact match means the action is a
  replay and no duplicate child is created.

EDGE CASES:
  - Total rejection never spawns: there is nothing to complement.
  - An action reducing EVERY item to zero is total rejection, not a
    zero-quantity sub-request. The dispatcher handles that before calling
    the spawner.

SEE ALSO:
  - quantity.go: Stage pairs and shortfall computation
  - dispatch.go: Invokes the spawner as part of the atomic action
*/
package demande

import (
	"time"

	"github.com/google/uuid"
)

// shortfall is one line item's missing quantity after a stage write.
type shortfall struct {
	Item LineItem
	Qty  Quantity
}

// spawnReason maps the triggering stage to the child's reason.
func spawnReason(stage Stage) SubRequestReason {
	if stage == StageReceived {
		return ReasonReplacement
	}
	return ReasonComplement
}

// alreadySpawned reports whether an existing child of the parent covers the
// same stage with the same item shortfalls. Guards against replayed actions.
func alreadySpawned(children []*Request, stage Stage, shortfalls []shortfall) bool {
	for _, child := range children {
		if child.SpawnStage == nil || *child.SpawnStage != stage {
			continue
		}
		if len(child.Items) != len(shortfalls) {
			continue
		}
		match := true
		for _, sf := range shortfalls {
			found := false
			for i := range child.Items {
				if child.Items[i].Reference == sf.Item.Reference &&
					child.Items[i].Requested == sf.Qty {
					found = true
					break
				}
			}
			if !found {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// buildChild derives a new sub-request from the parent, carrying only the
// shortfall quantities. n is the 1-based count of the parent's children
// after this spawn.
func buildChild(parent *Request, stage Stage, shortfalls []shortfall, n int, now time.Time) *Request {
	reason := spawnReason(stage)
	parentID := parent.ID
	st := stage

	child := &Request{
		ID:          RequestID(uuid.NewString()),
		Number:      childNumber(parent.Number, n),
		Type:        parent.Type,
		Kind:        KindSubRequest,
		ParentID:    &parentID,
		SubReason:   &reason,
		SpawnStage:  &st,
		Status:      FirstGate(parent.Type),
		RequesterID: parent.RequesterID,
		ProjectID:   parent.ProjectID,
		Comment:     "shortfall at stage " + string(stage) + " of " + parent.Number,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for _, sf := range shortfalls {
		item := LineItem{
			ID:          ItemID(uuid.NewString()),
			Reference:   sf.Item.Reference,
			Name:        sf.Item.Name,
			Description: sf.Item.Description,
			Requested:   sf.Qty,
		}
		if p := sf.Item.UnitPrice; p != nil {
			v := *p
			item.UnitPrice = &v
		}
		child.Items = append(child.Items, item)
	}

	return child
}
