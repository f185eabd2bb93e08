/*
dispatch.go - Action dispatcher, the single entry point for every mutation

PURPOSE:
  Orchestrates one action against one request:

      load → authorize → compute next state → apply edits/quantities
           → spawn sub-requests → append history → save → notify

  The whole sequence runs inside Store.WithTx: all of it commits or none of
  it does. The notification is emitted only after a successful commit and is
  fire-and-forget.

ACTION FAMILIES:
  Forward:    approve, prepare_issue, confirm_delivery_receipt_by_courier,
              confirm_delivery_handoff, confirm_final_receipt, close
  Rejection:  reject_total (terminal), reject_step (rollback one gate),
              modify_and_resubmit (return to the pre-rejection gate)
  Override:   admin_override (super-admin forced transition)
  Deletion:   delete_sub_request (procurement-officer, sub-requests only)

QUANTITY ACTIONS:
  approve writes approved quantities, prepare_issue writes issued, the two
  receipt confirmations write received. Items without an explicit edit carry
  the prior stage's value forward. Shortfalls spawn a child; reducing every
  item to zero is recorded as total rejection instead.

EXAMPLE:
  d := demande.NewDispatcher(store, store, notifier)
  out, err := d.Dispatch(ctx, actor, reqID, demande.ActionInput{
      Action: demande.ActionApprove,
      Edits:  []demande.ItemEdit{{ItemID: itemB, Quantity: intp(3)}},
  })

SEE ALSO:
  - transition.go: Edge resolution
  - authz.go:      Authorization gate
  - spawn.go:      Child derivation
*/
package demande

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// INPUT / OUTPUT TYPES
// =============================================================================

// NewItem is one line of a creation request.
type NewItem struct {
	Reference   string
	Name        string
	Description string
	Quantity    int
	UnitPrice   *decimal.Decimal
}

// CreateInput creates a new top-level request.
type CreateInput struct {
	Type      RequestType
	ProjectID ProjectID
	Comment   string
	Items     []NewItem
}

// ActionInput is one dispatcher call.
type ActionInput struct {
	Action  Action
	Comment string
	// Reason is required, non-blank, for reject_total and reject_step.
	Reason string
	// Edits carries per-item field and quantity changes, filtered by the
	// acting role's permitted field set.
	Edits []ItemEdit
	// OverrideTo is the forced target status for admin_override.
	OverrideTo Status
}

// Outcome is returned to the UI/notification layers after a successful
// action: the updated aggregate, the new audit entries, and any children
// spawned by the action.
type Outcome struct {
	Request    *Request
	History    []HistoryEntry
	SpawnedIDs []RequestID
}

// =============================================================================
// DISPATCHER
// =============================================================================

type Dispatcher struct {
	Store     Store
	Directory ProjectDirectory
	Notifier  Notifier

	// Now is the clock; overridable in tests.
	Now func() time.Time
}

func NewDispatcher(store Store, directory ProjectDirectory, notifier Notifier) *Dispatcher {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Dispatcher{
		Store:     store,
		Directory: directory,
		Notifier:  notifier,
		Now:       time.Now,
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// directory resolves assignment lookups. Inside a transaction the stores
// double as their own directory; using the transactional view keeps the
// lookup in the same unit of work and avoids re-entering store locks held
// for the transaction.
func (d *Dispatcher) directory(tx Store) ProjectDirectory {
	if dir, ok := tx.(ProjectDirectory); ok {
		return dir
	}
	return d.Directory
}

// =============================================================================
// CREATE - Entry point for new top-level requests
// =============================================================================

// Create validates and persists a new request. The acting actor becomes the
// requester; the request enters the type's first gate, and the creation
// history entry records the submitted → first-gate step.
func (d *Dispatcher) Create(ctx context.Context, actor Actor, in CreateInput) (*Outcome, error) {
	if !in.Type.Valid() {
		return nil, &ValidationError{Field: "request_type", Message: "must be materiel or outillage"}
	}
	if len(in.Items) == 0 {
		return nil, &ValidationError{Field: "items", Message: "at least one line item is required"}
	}
	if !actor.Role.Valid() {
		return nil, &NotAuthorizedError{Reason: DenyWrongRole, Role: actor.Role, Action: ActionCreate}
	}

	assigned, err := d.Directory.IsAssigned(ctx, actor.ID, in.ProjectID)
	if err != nil {
		return nil, err
	}
	if !assigned {
		return nil, &NotAuthorizedError{Reason: DenyNotAssigned, Role: actor.Role, Action: ActionCreate}
	}

	now := d.now()
	req := &Request{
		ID:          RequestID(uuid.NewString()),
		Type:        in.Type,
		Kind:        KindPrincipal,
		Status:      FirstGate(in.Type),
		RequesterID: actor.ID,
		ProjectID:   in.ProjectID,
		Comment:     in.Comment,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for _, ni := range in.Items {
		qty, err := NewQuantity(ni.Quantity)
		if err != nil {
			return nil, err
		}
		if qty == 0 {
			return nil, &ValidationError{Field: "quantity", Message: "requested quantity must be > 0"}
		}
		item := LineItem{
			ID:          ItemID(uuid.NewString()),
			Reference:   ni.Reference,
			Name:        ni.Name,
			Description: ni.Description,
			Requested:   qty,
		}
		if ni.UnitPrice != nil {
			v := *ni.UnitPrice
			item.UnitPrice = &v
		}
		req.Items = append(req.Items, item)
	}

	var out *Outcome
	err = d.Store.WithTx(ctx, func(tx Store) error {
		number, err := allocateNumber(ctx, tx, in.Type, now)
		if err != nil {
			return err
		}
		req.Number = number

		if err := tx.Insert(ctx, req); err != nil {
			return err
		}

		entry := newHistoryEntry(req.ID, actor.ID, ActionCreate, StatusSubmitted, req.Status, in.Comment, now)
		if err := tx.AppendHistory(ctx, entry); err != nil {
			return err
		}

		out = &Outcome{Request: req, History: []HistoryEntry{entry}}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.Notifier.Notify(Event{
		RequestID:  req.ID,
		Number:     req.Number,
		Action:     ActionCreate,
		ActorID:    actor.ID,
		FromStatus: StatusSubmitted,
		ToStatus:   req.Status,
		At:         now,
	})
	return out, nil
}

// =============================================================================
// DISPATCH - Entry point for every other action
// =============================================================================

func (d *Dispatcher) Dispatch(ctx context.Context, actor Actor, id RequestID, in ActionInput) (*Outcome, error) {
	if !in.Action.Valid() {
		return nil, &ValidationError{Field: "action", Message: "unknown action " + string(in.Action)}
	}

	var out *Outcome
	err := d.Store.WithTx(ctx, func(tx Store) error {
		req, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}

		var o *Outcome
		switch in.Action {
		case ActionDeleteSubRequest:
			o, err = d.deleteSubRequest(ctx, tx, actor, req, in)
		case ActionAdminOverride:
			o, err = d.adminOverride(ctx, tx, actor, req, in)
		default:
			o, err = d.fireEdge(ctx, tx, actor, req, in)
		}
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	ev := Event{
		RequestID:  id,
		Action:     in.Action,
		ActorID:    actor.ID,
		SpawnedIDs: out.SpawnedIDs,
		At:         d.now(),
	}
	if out.Request != nil {
		ev.Number = out.Request.Number
		ev.ToStatus = out.Request.Status
	}
	if len(out.History) > 0 {
		ev.FromStatus = out.History[0].FromStatus
		ev.ToStatus = out.History[0].ToStatus
	}
	d.Notifier.Notify(ev)
	return out, nil
}

// fireEdge handles the forward, rejection and resubmission actions.
func (d *Dispatcher) fireEdge(ctx context.Context, tx Store, actor Actor, req *Request, in ActionInput) (*Outcome, error) {
	edge, err := Next(req, in.Action)
	if err != nil {
		return nil, err
	}

	gate := &Gate{Directory: d.directory(tx)}
	decision, err := gate.CanAct(ctx, actor, req, in.Action, edge.Role)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, &NotAuthorizedError{Reason: decision.Reason, Role: actor.Role, Action: in.Action}
	}

	now := d.now()
	from := req.Status

	switch in.Action {
	case ActionRejectTotal, ActionRejectStep:
		if strings.TrimSpace(in.Reason) == "" {
			return nil, &ValidationError{Field: "reason", Message: "a rejection reason is required"}
		}
		if len(in.Edits) > 0 {
			return nil, &ValidationError{Field: "edits", Message: "item edits are not allowed on a rejection"}
		}
		prev := req.Status
		req.PreviousStatus = &prev
		req.RejectionCount++
		req.Status = edge.Next
		return d.commit(ctx, tx, actor, req, in.Action, from, in.Reason, now, nil)

	case ActionModifyResubmit:
		if err := d.applyEdits(req, actor.Role, in.Edits, resubmitStage(req.Status)); err != nil {
			return nil, err
		}
		req.Status = *req.PreviousStatus
		req.PreviousStatus = nil
		return d.commit(ctx, tx, actor, req, in.Action, from, in.Comment, now, nil)

	case ActionClose:
		if len(in.Edits) > 0 {
			return nil, &ValidationError{Field: "edits", Message: "item edits are not allowed on close"}
		}
		ok, _, err := CanClose(ctx, tx, req.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &InvalidTransitionError{Type: req.Type, Status: req.Status, Action: in.Action}
		}
		req.Status = edge.Next
		return d.commit(ctx, tx, actor, req, in.Action, from, in.Comment, now, nil)

	case ActionConfirmHandoff:
		if len(in.Edits) > 0 {
			return nil, &ValidationError{Field: "edits", Message: "no quantity stage at this gate"}
		}
		req.Status = edge.Next
		return d.commit(ctx, tx, actor, req, in.Action, from, in.Comment, now, nil)
	}

	// Quantity-bearing forward actions.
	stage, _ := stageFor(in.Action)
	shortfalls, allZero, err := d.applyStage(req, actor.Role, in.Edits, stage)
	if err != nil {
		return nil, err
	}

	if allZero {
		// Every item reduced to zero is total rejection, never a
		// zero-quantity sub-request.
		prev := req.Status
		req.PreviousStatus = &prev
		req.RejectionCount++
		req.Status = StatusRejectedTotal
		return d.commit(ctx, tx, actor, req, in.Action, from, in.Comment, now, nil)
	}

	req.Status = edge.Next

	var spawned []*Request
	if len(shortfalls) > 0 {
		children, err := tx.Children(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		if !alreadySpawned(children, stage, shortfalls) {
			child := buildChild(req, stage, shortfalls, len(children)+1, now)
			if err := tx.Insert(ctx, child); err != nil {
				return nil, err
			}
			spawned = append(spawned, child)
		}
	}

	return d.commit(ctx, tx, actor, req, in.Action, from, in.Comment, now, spawned)
}

// commit stamps, saves and logs a mutated aggregate plus any spawned
// children, building the outcome.
func (d *Dispatcher) commit(ctx context.Context, tx Store, actor Actor, req *Request, action Action, from Status, comment string, now time.Time, spawned []*Request) (*Outcome, error) {
	req.UpdatedAt = now

	for i := range req.Items {
		if err := Reconcile(&req.Items[i]); err != nil {
			return nil, err
		}
	}

	if err := tx.Save(ctx, req); err != nil {
		return nil, err
	}

	entries := []HistoryEntry{
		newHistoryEntry(req.ID, actor.ID, action, from, req.Status, comment, now),
	}
	var spawnedIDs []RequestID
	for _, child := range spawned {
		entries = append(entries,
			newHistoryEntry(child.ID, actor.ID, ActionCreate, StatusSubmitted, child.Status,
				child.Comment, now))
		spawnedIDs = append(spawnedIDs, child.ID)
	}

	if err := tx.AppendHistory(ctx, entries...); err != nil {
		return nil, err
	}

	return &Outcome{Request: req, History: entries, SpawnedIDs: spawnedIDs}, nil
}

// =============================================================================
// EDIT AND STAGE APPLICATION
// =============================================================================

// resubmitStage returns the quantity stage a resubmission at the given
// status may correct, if any. The requester at submitted has none: requested
// quantities are immutable.
func resubmitStage(s Status) *Stage {
	if fa, _, ok := forwardAction(s); ok {
		if stage, ok := stageFor(fa); ok {
			return &stage
		}
	}
	return nil
}

// applyEdits applies field and quantity edits outside a forward transition
// (modify_and_resubmit). Quantity edits go to the stage owned by the current
// gate, when it has one.
func (d *Dispatcher) applyEdits(req *Request, role Role, edits []ItemEdit, stage *Stage) error {
	for i := range edits {
		edit := &edits[i]
		if edit.Remove {
			if err := removeItem(req, role, edit.ItemID); err != nil {
				return err
			}
			continue
		}
		item := req.Item(edit.ItemID)
		if item == nil {
			return &NotFoundError{Kind: "item", ID: string(edit.ItemID)}
		}
		if err := applyFieldEdits(item, role, edit); err != nil {
			return err
		}
		if edit.Quantity != nil {
			if stage == nil {
				return &ValidationError{Field: string(FieldQuantity), Message: "no quantity stage to correct at this status"}
			}
			if !CanWriteStage(role, *stage) {
				return &ValidationError{Field: string(FieldQuantity), Message: "field not editable by role " + string(role)}
			}
			qty, err := NewQuantity(*edit.Quantity)
			if err != nil {
				return err
			}
			// A resubmission corrects the stage rather than reducing it:
			// the rewrite is bounded by the prior stage again, not by the
			// rejected value.
			clearStage(item, *stage)
			if _, err := setStage(item, *stage, qty); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyStage writes the action's stage quantity on every item: the edited
// value where given, the prior stage's value otherwise. Returns the non-zero
// shortfalls and whether every item ended at zero.
func (d *Dispatcher) applyStage(req *Request, role Role, edits []ItemEdit, stage Stage) ([]shortfall, bool, error) {
	byItem := make(map[ItemID]*ItemEdit, len(edits))
	for i := range edits {
		edit := &edits[i]
		if edit.Remove {
			if err := removeItem(req, role, edit.ItemID); err != nil {
				return nil, false, err
			}
			continue
		}
		if req.Item(edit.ItemID) == nil {
			return nil, false, &NotFoundError{Kind: "item", ID: string(edit.ItemID)}
		}
		byItem[edit.ItemID] = edit
	}

	var shortfalls []shortfall
	allZero := true
	for i := range req.Items {
		item := &req.Items[i]
		value := effectivePrior(item, stage)

		if edit, ok := byItem[item.ID]; ok {
			if err := applyFieldEdits(item, role, edit); err != nil {
				return nil, false, err
			}
			if edit.Quantity != nil {
				if !CanWriteStage(role, stage) {
					return nil, false, &ValidationError{Field: string(FieldQuantity), Message: "field not editable by role " + string(role)}
				}
				qty, err := NewQuantity(*edit.Quantity)
				if err != nil {
					return nil, false, err
				}
				value = qty
			}
		}

		missing, err := setStage(item, stage, value)
		if err != nil {
			return nil, false, err
		}
		if value > 0 {
			allZero = false
		}
		if missing > 0 {
			shortfalls = append(shortfalls, shortfall{Item: *item, Qty: missing})
		}
	}
	if len(req.Items) == 0 {
		allZero = false
	}
	return shortfalls, allZero, nil
}

// removeItem drops a line item during a validation edit. Removing the last
// item is a validation error: an empty request is a rejection, not an edit.
func removeItem(req *Request, role Role, id ItemID) error {
	if !CanEdit(role, FieldName) {
		return &ValidationError{Field: "items", Message: "item removal not permitted for role " + string(role)}
	}
	idx := -1
	for i := range req.Items {
		if req.Items[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return &NotFoundError{Kind: "item", ID: string(id)}
	}
	if len(req.Items) == 1 {
		return &ValidationError{Field: "items", Message: "cannot remove the last line item"}
	}
	req.Items = append(req.Items[:idx], req.Items[idx+1:]...)
	return nil
}

// =============================================================================
// ADMIN OVERRIDE AND SUB-REQUEST DELETION
// =============================================================================

// adminOverride lets a super-admin force the request into an arbitrary
// status. Project scoping and the self-approval ban still apply; any pending
// rollback marker is cleared.
func (d *Dispatcher) adminOverride(ctx context.Context, tx Store, actor Actor, req *Request, in ActionInput) (*Outcome, error) {
	if actor.Role != RoleSuperAdmin {
		return nil, &NotAuthorizedError{Reason: DenyWrongRole, Role: actor.Role, Action: in.Action}
	}
	if !in.OverrideTo.Known() {
		return nil, &ValidationError{Field: "override_to", Message: "unknown status " + string(in.OverrideTo)}
	}

	gate := &Gate{Directory: d.directory(tx)}
	decision, err := gate.CanAct(ctx, actor, req, in.Action, RoleSuperAdmin)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, &NotAuthorizedError{Reason: decision.Reason, Role: actor.Role, Action: in.Action}
	}

	now := d.now()
	from := req.Status
	req.Status = in.OverrideTo
	req.PreviousStatus = nil
	return d.commit(ctx, tx, actor, req, in.Action, from, in.Comment, now, nil)
}

// deleteSubRequest is the narrowly-scoped deletion override: procurement
// officer, sub-requests only, non-terminal only. The request rows go away;
// its history stays.
func (d *Dispatcher) deleteSubRequest(ctx context.Context, tx Store, actor Actor, req *Request, in ActionInput) (*Outcome, error) {
	if actor.Role != RoleProcurement {
		return nil, &NotAuthorizedError{Reason: DenyWrongRole, Role: actor.Role, Action: in.Action}
	}
	if req.Kind != KindSubRequest {
		return nil, &NotAuthorizedError{Reason: DenyWrongKind, Role: actor.Role, Action: in.Action}
	}
	if req.Status.IsTerminal() {
		return nil, &InvalidTransitionError{Type: req.Type, Status: req.Status, Action: in.Action}
	}

	assigned, err := d.directory(tx).IsAssigned(ctx, actor.ID, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if !assigned {
		return nil, &NotAuthorizedError{Reason: DenyNotAssigned, Role: actor.Role, Action: in.Action}
	}

	now := d.now()
	entry := newHistoryEntry(req.ID, actor.ID, in.Action, req.Status, req.Status, in.Comment, now)
	if err := tx.AppendHistory(ctx, entry); err != nil {
		return nil, err
	}
	if err := tx.Delete(ctx, req.ID); err != nil {
		return nil, err
	}

	return &Outcome{Request: nil, History: []HistoryEntry{entry}}, nil
}
