/*
Package demande provides the core procurement request engine.

PURPOSE:
  This package contains the domain types and algorithms for managing
  procurement requests ("demandes") for construction-site material and
  tooling. A request moves through a fixed chain of role-gated validation
  stages, with quantity reconciliation across four stages (requested →
  approved → issued → received), rejection with rollback, and automatic
  spawning of child sub-requests when quantities fall short.

KEY CONCEPTS IN THIS FILE (types.go):
  - Request:      The aggregate moving through the approval chain
  - LineItem:     One article line with its four stage quantities
  - HistoryEntry: An immutable audit record of one action
  - Actor:        An authenticated (id, role) pair from the auth collaborator
  - Status/Role/Action: Type-safe enumerations driving the state machine

DESIGN PRINCIPLES:
  1. Immutability: History entries and requested quantities never change
  2. Type Safety:  Strong typing for statuses, roles and actions prevents
                   string-keyed dispatch falling through to a default case
  3. Auditability: Every state change carries actor, statuses and signature
  4. No clamping:  Quantity invariant violations are errors, never adjusted

USAGE:
  d := demande.NewDispatcher(store, directory, notifier)
  out, _ := d.Create(ctx, actor, demande.CreateInput{
      Type:      demande.TypeMateriel,
      ProjectID: "proj-7",
      Items:     []demande.NewItem{{Name: "Rebar HA12", Reference: "ART-100", Quantity: 10}},
  })

SEE ALSO:
  - transition.go: The two fixed flows and their role-gated edges
  - dispatch.go:   The single entry point for every mutating action
  - quantity.go:   Quantity type and stage reconciliation
*/
package demande

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS - Type-safe IDs
// =============================================================================

type RequestID string

type ItemID string

type ActorID string

type ProjectID string

// =============================================================================
// ENUMERATIONS - Request type, kind, status, role, action
// =============================================================================

// RequestType selects which of the two fixed flows a request follows.
type RequestType string

const (
	TypeMateriel  RequestType = "materiel"
	TypeOutillage RequestType = "outillage"
)

// Code returns the short code used in request numbers (DA-MAT-..., DA-OUT-...).
func (t RequestType) Code() string {
	if t == TypeOutillage {
		return "OUT"
	}
	return "MAT"
}

// Valid reports whether t is one of the two known flows.
func (t RequestType) Valid() bool {
	return t == TypeMateriel || t == TypeOutillage
}

// Kind distinguishes top-level requests from spawned children.
type Kind string

const (
	KindPrincipal  Kind = "principal"
	KindSubRequest Kind = "sub_request"
)

// SubRequestReason explains why a child request exists.
type SubRequestReason string

const (
	ReasonComplement  SubRequestReason = "complement"  // validation/issue shortfall
	ReasonReplacement SubRequestReason = "replacement" // receipt shortfall
	ReasonOther       SubRequestReason = "other"
)

// Status is the request's position in the approval chain.
// String values are stable: they appear in persisted records and on the wire.
type Status string

const (
	StatusSubmitted          Status = "submitted"
	StatusGateSupervisor     Status = "gate_supervisor"
	StatusGateQHSE           Status = "gate_qhse"
	StatusGateWorksManager   Status = "gate_works_manager"
	StatusGateBusinessMgr    Status = "gate_business_manager"
	StatusGateProcurement    Status = "gate_procurement_prep"
	StatusGateDeliveryRcpt   Status = "gate_delivery_receipt"
	StatusGateDeliveryHando  Status = "gate_delivery_handoff"
	StatusGateFinalConfirm   Status = "gate_final_requester_confirmation"
	StatusConfirmed          Status = "confirmed"
	StatusClosed             Status = "closed"
	StatusRejectedTotal      Status = "rejected_total"
	StatusArchived           Status = "archived"
)

// IsTerminal reports whether no further action may move the request,
// short of an administrative override.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusClosed, StatusRejectedTotal, StatusArchived:
		return true
	}
	return false
}

// IsGate reports whether the status is a validation/fulfillment gate,
// i.e. a status at which exactly one role must act.
func (s Status) IsGate() bool {
	switch s {
	case StatusGateSupervisor, StatusGateQHSE, StatusGateWorksManager,
		StatusGateBusinessMgr, StatusGateProcurement, StatusGateDeliveryRcpt,
		StatusGateDeliveryHando, StatusGateFinalConfirm:
		return true
	}
	return false
}

// Known reports whether s is one of the persisted status values.
func (s Status) Known() bool {
	switch s {
	case StatusSubmitted, StatusConfirmed, StatusClosed,
		StatusRejectedTotal, StatusArchived:
		return true
	}
	return s.IsGate()
}

// Role is a fixed enumeration of actor roles. Roles are data, never types.
type Role string

const (
	RoleRequester        Role = "requester"
	RoleSiteSupervisor   Role = "conducteur_travaux"
	RoleWorksManager     Role = "responsable_travaux"
	RoleLogisticsManager Role = "logistics_manager"
	RoleQHSEOfficer      Role = "qhse_officer"
	RoleProcurement      Role = "responsable_appro"
	RoleBusinessManager  Role = "charge_affaire"
	RoleDeliveryOfficer  Role = "delivery_officer"
	RoleSuperAdmin       Role = "super_admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleRequester, RoleSiteSupervisor, RoleWorksManager,
		RoleLogisticsManager, RoleQHSEOfficer, RoleProcurement,
		RoleBusinessManager, RoleDeliveryOfficer, RoleSuperAdmin:
		return true
	}
	return false
}

// Action is the vocabulary accepted by the dispatcher.
type Action string

const (
	ActionApprove           Action = "approve"
	ActionRejectTotal       Action = "reject_total"
	ActionRejectStep        Action = "reject_step"
	ActionModifyResubmit    Action = "modify_and_resubmit"
	ActionPrepareIssue      Action = "prepare_issue"
	ActionConfirmCourier    Action = "confirm_delivery_receipt_by_courier"
	ActionConfirmHandoff    Action = "confirm_delivery_handoff"
	ActionConfirmFinal      Action = "confirm_final_receipt"
	ActionClose             Action = "close"
	ActionDeleteSubRequest  Action = "delete_sub_request"
	ActionAdminOverride     Action = "admin_override" // super-admin forced transition

	// ActionCreate only appears in history entries; creation has its own
	// entry point and is not part of the dispatch vocabulary.
	ActionCreate Action = "create"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionApprove, ActionRejectTotal, ActionRejectStep,
		ActionModifyResubmit, ActionPrepareIssue, ActionConfirmCourier,
		ActionConfirmHandoff, ActionConfirmFinal, ActionClose,
		ActionDeleteSubRequest, ActionAdminOverride:
		return true
	}
	return false
}

// =============================================================================
// ACTOR - Authenticated (id, role) pair from the auth collaborator
// =============================================================================

type Actor struct {
	ID   ActorID
	Role Role
}

// =============================================================================
// LINE ITEM - One article line with its four stage quantities
// =============================================================================

// LineItem belongs to exactly one request and references a catalog article.
// Requested is set at creation and immutable; the later stage quantities are
// set by the corresponding gates and must be non-increasing across stages.
type LineItem struct {
	ID          ItemID
	Reference   string // catalog article reference
	Name        string
	Description string

	Requested Quantity
	Approved  *Quantity
	Issued    *Quantity
	Received  *Quantity

	// Optional estimated unit price, for the cost summary on the request.
	UnitPrice *decimal.Decimal
}

// At returns the quantity recorded at the given stage, or nil if unset.
// StageRequested is always set.
func (li *LineItem) At(stage Stage) *Quantity {
	switch stage {
	case StageRequested:
		q := li.Requested
		return &q
	case StageApproved:
		return li.Approved
	case StageIssued:
		return li.Issued
	case StageReceived:
		return li.Received
	}
	return nil
}

// EstimatedCost returns UnitPrice × Requested, or zero when no price is set.
func (li *LineItem) EstimatedCost() decimal.Decimal {
	if li.UnitPrice == nil {
		return decimal.Zero
	}
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Requested)))
}

// =============================================================================
// REQUEST - The aggregate moving through the approval chain
// =============================================================================

type Request struct {
	ID     RequestID
	Number string // DA-<TYPE>-<YYYYMMDD>-<seq4>, children <parent>-SD<n>

	Type RequestType
	Kind Kind

	// Set iff Kind == KindSubRequest.
	ParentID   *RequestID
	SubReason  *SubRequestReason
	SpawnStage *Stage // stage of the parent action that spawned this child

	Status Status
	// PreviousStatus is set only while the request sits in a rejected or
	// rolled-back state, and cleared on resubmission.
	PreviousStatus *Status
	// RejectionCount is monotonically increasing and never reset.
	RejectionCount int

	RequesterID ActorID
	ProjectID   ProjectID
	Comment     string

	Items []LineItem

	// Version backs the optimistic-concurrency check in the store.
	Version int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Item returns the line item with the given id, or nil.
func (r *Request) Item(id ItemID) *LineItem {
	for i := range r.Items {
		if r.Items[i].ID == id {
			return &r.Items[i]
		}
	}
	return nil
}

// EstimatedTotal sums the estimated cost across all line items.
func (r *Request) EstimatedTotal() decimal.Decimal {
	total := decimal.Zero
	for i := range r.Items {
		total = total.Add(r.Items[i].EstimatedCost())
	}
	return total
}

// clone returns a deep copy so stores can hand out aggregates without
// aliasing internal state.
func (r *Request) clone() *Request {
	cp := *r
	cp.Items = make([]LineItem, len(r.Items))
	copy(cp.Items, r.Items)
	for i := range cp.Items {
		if q := r.Items[i].Approved; q != nil {
			v := *q
			cp.Items[i].Approved = &v
		}
		if q := r.Items[i].Issued; q != nil {
			v := *q
			cp.Items[i].Issued = &v
		}
		if q := r.Items[i].Received; q != nil {
			v := *q
			cp.Items[i].Received = &v
		}
		if p := r.Items[i].UnitPrice; p != nil {
			v := *p
			cp.Items[i].UnitPrice = &v
		}
	}
	if s := r.PreviousStatus; s != nil {
		v := *s
		cp.PreviousStatus = &v
	}
	if p := r.ParentID; p != nil {
		v := *p
		cp.ParentID = &v
	}
	if sr := r.SubReason; sr != nil {
		v := *sr
		cp.SubReason = &v
	}
	if st := r.SpawnStage; st != nil {
		v := *st
		cp.SpawnStage = &v
	}
	return &cp
}

// Clone exposes a deep copy of the aggregate.
func (r *Request) Clone() *Request { return r.clone() }

// =============================================================================
// HISTORY ENTRY - Immutable audit record of one action
// =============================================================================

// HistoryEntry records who did what when. Created by the dispatcher on every
// state-changing action; never mutated or deleted.
type HistoryEntry struct {
	ID         string
	RequestID  RequestID
	ActorID    ActorID
	Action     Action
	FromStatus Status
	ToStatus   Status
	Comment    string
	// Signature is an opaque per-entry token proving the entry was produced
	// by the dispatcher, not inserted by hand.
	Signature string
	At        time.Time
}
