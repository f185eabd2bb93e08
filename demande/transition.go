/*
transition.go - The two fixed approval flows as an explicit edge table

PURPOSE:
  Pure mapping (request type, current status, action) → (acting role, next
  status). The two flows differ only in their first gate:

  materiel:
    submitted → gate_supervisor → gate_works_manager → gate_business_manager
      → gate_procurement_prep → gate_delivery_receipt → gate_delivery_handoff
      → gate_final_requester_confirmation → confirmed → closed

  outillage:
    same chain with gate_qhse in place of gate_supervisor.

  Side branches: rejected_total (terminal), archived (terminal). Step
  rejection rolls back one position in the chain; a first gate rolls back to
  submitted, where the requester corrects and resubmits.

EXHAUSTIVENESS:
  The chain is data (an ordered slice per type), and every lookup goes
  through it. There is no string-keyed dispatch with a default fallthrough:
  an action not present for a status is an InvalidTransition, a role not
  matching the edge is a NotAuthorized.

SEE ALSO:
  - authz.go:    Combines the edge role with project scoping and the
                 self-approval ban
  - dispatch.go: Fires edges and applies the side effects
*/
package demande

// Edge is one legal transition: the role that may fire it and the status it
// leads to.
type Edge struct {
	Role Role
	Next Status
}

// chain returns the ordered forward statuses for a request type, from
// submitted to closed.
func chain(t RequestType) []Status {
	first := StatusGateSupervisor
	if t == TypeOutillage {
		first = StatusGateQHSE
	}
	return []Status{
		StatusSubmitted,
		first,
		StatusGateWorksManager,
		StatusGateBusinessMgr,
		StatusGateProcurement,
		StatusGateDeliveryRcpt,
		StatusGateDeliveryHando,
		StatusGateFinalConfirm,
		StatusConfirmed,
		StatusClosed,
	}
}

// FirstGate returns the status a newly created request (or spawned child)
// enters for the given type.
func FirstGate(t RequestType) Status {
	if t == TypeOutillage {
		return StatusGateQHSE
	}
	return StatusGateSupervisor
}

// forwardAction returns the action that advances the chain from a status,
// with the role that owns it.
func forwardAction(s Status) (Action, Role, bool) {
	switch s {
	case StatusGateSupervisor:
		return ActionApprove, RoleSiteSupervisor, true
	case StatusGateQHSE:
		return ActionApprove, RoleQHSEOfficer, true
	case StatusGateWorksManager:
		return ActionApprove, RoleWorksManager, true
	case StatusGateBusinessMgr:
		return ActionApprove, RoleBusinessManager, true
	case StatusGateProcurement:
		return ActionPrepareIssue, RoleProcurement, true
	case StatusGateDeliveryRcpt:
		return ActionConfirmCourier, RoleDeliveryOfficer, true
	case StatusGateDeliveryHando:
		return ActionConfirmHandoff, RoleLogisticsManager, true
	case StatusGateFinalConfirm:
		return ActionConfirmFinal, RoleRequester, true
	case StatusConfirmed:
		return ActionClose, RoleProcurement, true
	}
	return "", "", false
}

// OwnerRole returns the role that acts at a status: the forward edge's role
// for gates and confirmed, the requester for submitted. Rejection and
// resubmission at a status are owned by the same role.
func OwnerRole(s Status) (Role, bool) {
	if s == StatusSubmitted {
		return RoleRequester, true
	}
	if _, role, ok := forwardAction(s); ok {
		return role, true
	}
	return "", false
}

// previousInChain returns the status immediately before s in the type's
// chain. Used by step rejection.
func previousInChain(t RequestType, s Status) (Status, bool) {
	c := chain(t)
	for i := 1; i < len(c); i++ {
		if c[i] == s {
			return c[i-1], true
		}
	}
	return "", false
}

// Next resolves the edge for an action against the request's current state.
// It covers the forward actions, total and step rejection, and resubmission.
// The returned edge is purely structural: authorization is layered on top in
// authz.go.
func Next(req *Request, action Action) (Edge, error) {
	invalid := func() (Edge, error) {
		return Edge{}, &InvalidTransitionError{Type: req.Type, Status: req.Status, Action: action}
	}

	switch action {
	case ActionApprove, ActionPrepareIssue, ActionConfirmCourier,
		ActionConfirmHandoff, ActionConfirmFinal, ActionClose:
		fa, role, ok := forwardAction(req.Status)
		if !ok || fa != action {
			return invalid()
		}
		next, ok := nextInChain(req.Type, req.Status)
		if !ok {
			return invalid()
		}
		return Edge{Role: role, Next: next}, nil

	case ActionRejectTotal:
		// Legal from any gate; owned by the role acting at that gate.
		if !req.Status.IsGate() {
			return invalid()
		}
		role, _ := OwnerRole(req.Status)
		return Edge{Role: role, Next: StatusRejectedTotal}, nil

	case ActionRejectStep:
		if !req.Status.IsGate() {
			return invalid()
		}
		prev, ok := previousInChain(req.Type, req.Status)
		if !ok {
			return invalid()
		}
		role, _ := OwnerRole(req.Status)
		return Edge{Role: role, Next: prev}, nil

	case ActionModifyResubmit:
		// Only legal while a step rejection is pending.
		if req.PreviousStatus == nil || req.Status.IsTerminal() {
			return invalid()
		}
		role, ok := OwnerRole(req.Status)
		if !ok {
			return invalid()
		}
		return Edge{Role: role, Next: *req.PreviousStatus}, nil
	}

	return invalid()
}

func nextInChain(t RequestType, s Status) (Status, bool) {
	c := chain(t)
	for i := 0; i < len(c)-1; i++ {
		if c[i] == s {
			return c[i+1], true
		}
	}
	return "", false
}
