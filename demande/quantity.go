/*
quantity.go - Validated quantities and the four-stage reconciliation chain

PURPOSE:
  Models item quantities as a validated non-negative integer type constructed
  once at the boundary, never re-parsed downstream, and enforces the
  monotonic-non-increasing relationship across the four stages:

      received ≤ issued ≤ approved ≤ requested

  A violation is a validation error. Quantities are never silently clamped.

STAGES:
  Each quantity-bearing action writes exactly one stage field and is checked
  against the prior stage's effective value:

      approve         requested → approved
      prepare_issue   approved  → issued
      receipt confirm issued    → received

SEE ALSO:
  - spawn.go:    Shortfalls between adjacent stages spawn sub-requests
  - dispatch.go: Applies stage quantities inside the atomic action
*/
package demande

import "fmt"

// =============================================================================
// QUANTITY - Non-negative integer, validated at construction
// =============================================================================

type Quantity int

// NewQuantity validates a raw integer from the boundary.
func NewQuantity(n int) (Quantity, error) {
	if n < 0 {
		return 0, &ValidationError{Field: "quantity", Message: fmt.Sprintf("must be non-negative, got %d", n)}
	}
	return Quantity(n), nil
}

// MustQuantity is for literals in tests and seed data.
func MustQuantity(n int) Quantity {
	q, err := NewQuantity(n)
	if err != nil {
		panic(err)
	}
	return q
}

func (q Quantity) Int() int { return int(q) }

// =============================================================================
// STAGE - Position of a quantity field in the reconciliation chain
// =============================================================================

type Stage string

const (
	StageRequested Stage = "requested"
	StageApproved  Stage = "approved"
	StageIssued    Stage = "issued"
	StageReceived  Stage = "received"
)

// prior returns the stage immediately before s in the chain.
func (s Stage) prior() Stage {
	switch s {
	case StageApproved:
		return StageRequested
	case StageIssued:
		return StageApproved
	case StageReceived:
		return StageIssued
	}
	return StageRequested
}

// stageFor maps a quantity-bearing action to the stage field it writes.
// Actions that carry no quantities return ("", false).
func stageFor(action Action) (Stage, bool) {
	switch action {
	case ActionApprove:
		return StageApproved, true
	case ActionPrepareIssue:
		return StageIssued, true
	case ActionConfirmCourier, ActionConfirmFinal:
		return StageReceived, true
	}
	return "", false
}

// =============================================================================
// RECONCILIATION - Enforce the non-increasing chain
// =============================================================================

// effectivePrior returns the value the stage write is bounded by: the current
// value of the stage itself when already set (a later gate may reduce but
// never raise), otherwise the nearest earlier stage that is set.
func effectivePrior(li *LineItem, stage Stage) Quantity {
	if q := li.At(stage); q != nil {
		return *q
	}
	for s := stage.prior(); ; s = s.prior() {
		if q := li.At(s); q != nil {
			return *q
		}
		if s == StageRequested {
			return li.Requested
		}
	}
}

// clearStage unsets a stage value so the next write is bounded by the prior
// stage again. Resubmission uses it: a rolled-back gate corrects its stage
// rather than reducing the rejected value.
func clearStage(li *LineItem, stage Stage) {
	switch stage {
	case StageApproved:
		li.Approved = nil
	case StageIssued:
		li.Issued = nil
	case StageReceived:
		li.Received = nil
	}
}

// setStage writes a stage quantity on the item after bounding it against the
// effective prior value. Returns the shortfall (prior − value).
func setStage(li *LineItem, stage Stage, value Quantity) (Quantity, error) {
	prior := effectivePrior(li, stage)
	if value > prior {
		bound := string(stage.prior())
		if li.At(stage) != nil {
			bound = "current " + string(stage)
		}
		return 0, &ValidationError{
			Field: "quantity_" + string(stage),
			Message: fmt.Sprintf("item %s: %s quantity %d exceeds %s quantity %d",
				li.ID, stage, value, bound, prior),
		}
	}
	v := value
	switch stage {
	case StageApproved:
		li.Approved = &v
	case StageIssued:
		li.Issued = &v
	case StageReceived:
		li.Received = &v
	default:
		return 0, &ValidationError{Field: "quantity", Message: "requested quantity is immutable"}
	}
	return prior - value, nil
}

// Reconcile verifies the full chain on one item. Used as a final guard after
// every quantity mutation and by the stores before persisting.
func Reconcile(li *LineItem) error {
	check := func(later *Quantity, earlier Quantity, name string) error {
		if later != nil && *later > earlier {
			return &ValidationError{
				Field: "quantity_" + name,
				Message: fmt.Sprintf("item %s: %s quantity %d exceeds prior stage %d",
					li.ID, name, *later, earlier),
			}
		}
		return nil
	}
	if err := check(li.Approved, li.Requested, string(StageApproved)); err != nil {
		return err
	}
	if li.Approved != nil {
		if err := check(li.Issued, *li.Approved, string(StageIssued)); err != nil {
			return err
		}
	} else if err := check(li.Issued, li.Requested, string(StageIssued)); err != nil {
		return err
	}
	if li.Issued != nil {
		if err := check(li.Received, *li.Issued, string(StageReceived)); err != nil {
			return err
		}
	}
	return nil
}
