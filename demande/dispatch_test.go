package demande_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/warp/procure-engine/demande"
	"github.com/warp/procure-engine/demande/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	alice  = demande.Actor{ID: "alice", Role: demande.RoleRequester}
	bruno  = demande.Actor{ID: "bruno", Role: demande.RoleSiteSupervisor}
	chloe  = demande.Actor{ID: "chloe", Role: demande.RoleQHSEOfficer}
	daniel = demande.Actor{ID: "daniel", Role: demande.RoleWorksManager}
	emma   = demande.Actor{ID: "emma", Role: demande.RoleBusinessManager}
	felix  = demande.Actor{ID: "felix", Role: demande.RoleProcurement}
	gina   = demande.Actor{ID: "gina", Role: demande.RoleDeliveryOfficer}
	hugo   = demande.Actor{ID: "hugo", Role: demande.RoleLogisticsManager}
	root   = demande.Actor{ID: "root", Role: demande.RoleSuperAdmin}
)

var cast = []demande.Actor{alice, bruno, chloe, daniel, emma, felix, gina, hugo, root}

func newEngine(t *testing.T) (*demande.Dispatcher, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	for _, actor := range cast {
		if err := mem.Assign(context.Background(), actor.ID, "proj-1"); err != nil {
			t.Fatal(err)
		}
	}
	d := demande.NewDispatcher(mem, mem, nil)
	d.Now = func() time.Time {
		return time.Date(2026, time.September, 1, 10, 0, 0, 0, time.UTC)
	}
	return d, mem
}

func createMateriel(t *testing.T, d *demande.Dispatcher, quantities ...int) *demande.Request {
	t.Helper()
	in := demande.CreateInput{Type: demande.TypeMateriel, ProjectID: "proj-1"}
	for i, q := range quantities {
		in.Items = append(in.Items, demande.NewItem{
			Reference: "ART-" + string(rune('A'+i)),
			Name:      "Article " + string(rune('A'+i)),
			Quantity:  q,
		})
	}
	out, err := d.Create(context.Background(), alice, in)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return out.Request
}

func dispatch(t *testing.T, d *demande.Dispatcher, actor demande.Actor, id demande.RequestID, in demande.ActionInput) *demande.Outcome {
	t.Helper()
	out, err := d.Dispatch(context.Background(), actor, id, in)
	if err != nil {
		t.Fatalf("%s by %s failed: %v", in.Action, actor.ID, err)
	}
	return out
}

func intp(n int) *int { return &n }

// =============================================================================
// CREATION
// =============================================================================

func TestCreate_NumberingAndFirstGate(t *testing.T) {
	// GIVEN: A fresh engine on 2026-09-01
	// WHEN: Creating two materiel requests and one outillage request
	// THEN: Numbers are sequential per type per day and each request enters
	//       its type's first gate

	d, mem := newEngine(t)

	first := createMateriel(t, d, 10)
	if first.Number != "DA-MAT-20260901-0001" {
		t.Errorf("expected DA-MAT-20260901-0001, got %s", first.Number)
	}
	if first.Status != demande.StatusGateSupervisor {
		t.Errorf("expected gate_supervisor, got %s", first.Status)
	}
	if first.Kind != demande.KindPrincipal {
		t.Errorf("expected principal, got %s", first.Kind)
	}

	second := createMateriel(t, d, 5)
	if second.Number != "DA-MAT-20260901-0002" {
		t.Errorf("expected DA-MAT-20260901-0002, got %s", second.Number)
	}

	out, err := d.Create(context.Background(), alice, demande.CreateInput{
		Type:      demande.TypeOutillage,
		ProjectID: "proj-1",
		Items:     []demande.NewItem{{Reference: "T-1", Name: "Grinder", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if out.Request.Number != "DA-OUT-20260901-0001" {
		t.Errorf("outillage sequence is independent, got %s", out.Request.Number)
	}
	if out.Request.Status != demande.StatusGateQHSE {
		t.Errorf("expected gate_qhse, got %s", out.Request.Status)
	}

	// The creation step is on the record.
	history, err := mem.History(context.Background(), first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(history))
	}
	entry := history[0]
	if entry.Action != demande.ActionCreate ||
		entry.FromStatus != demande.StatusSubmitted ||
		entry.ToStatus != demande.StatusGateSupervisor {
		t.Errorf("unexpected creation entry: %+v", entry)
	}
	if entry.Signature == "" || entry.ActorID != "alice" {
		t.Errorf("creation entry must carry actor and signature: %+v", entry)
	}
}

func TestCreate_Validation(t *testing.T) {
	d, _ := newEngine(t)
	ctx := context.Background()

	_, err := d.Create(ctx, alice, demande.CreateInput{Type: "vehicule", ProjectID: "proj-1",
		Items: []demande.NewItem{{Name: "x", Quantity: 1}}})
	if !errors.Is(err, demande.ErrValidation) {
		t.Errorf("unknown type: expected validation error, got %v", err)
	}

	_, err = d.Create(ctx, alice, demande.CreateInput{Type: demande.TypeMateriel, ProjectID: "proj-1"})
	if !errors.Is(err, demande.ErrValidation) {
		t.Errorf("no items: expected validation error, got %v", err)
	}

	_, err = d.Create(ctx, alice, demande.CreateInput{Type: demande.TypeMateriel, ProjectID: "proj-1",
		Items: []demande.NewItem{{Name: "x", Quantity: 0}}})
	if !errors.Is(err, demande.ErrValidation) {
		t.Errorf("zero quantity: expected validation error, got %v", err)
	}

	stranger := demande.Actor{ID: "zoe", Role: demande.RoleRequester}
	_, err = d.Create(ctx, stranger, demande.CreateInput{Type: demande.TypeMateriel, ProjectID: "proj-1",
		Items: []demande.NewItem{{Name: "x", Quantity: 1}}})
	if !errors.Is(err, demande.ErrNotAuthorized) {
		t.Errorf("off-project: expected authorization error, got %v", err)
	}
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestDispatch_FullChain_ToClosed(t *testing.T) {
	// GIVEN: A materiel request for 10 units
	// WHEN: Every gate validates without touching quantities
	// THEN: The request closes with all four stages equal and a complete
	//       audit trail

	d, mem := newEngine(t)
	req := createMateriel(t, d, 10)
	ctx := context.Background()

	steps := []struct {
		actor  demande.Actor
		action demande.Action
		want   demande.Status
	}{
		{bruno, demande.ActionApprove, demande.StatusGateWorksManager},
		{daniel, demande.ActionApprove, demande.StatusGateBusinessMgr},
		{emma, demande.ActionApprove, demande.StatusGateProcurement},
		{felix, demande.ActionPrepareIssue, demande.StatusGateDeliveryRcpt},
		{gina, demande.ActionConfirmCourier, demande.StatusGateDeliveryHando},
		{hugo, demande.ActionConfirmHandoff, demande.StatusGateFinalConfirm},
		{alice, demande.ActionConfirmFinal, demande.StatusConfirmed},
		{felix, demande.ActionClose, demande.StatusClosed},
	}

	for _, step := range steps {
		out := dispatch(t, d, step.actor, req.ID, demande.ActionInput{Action: step.action})
		if out.Request.Status != step.want {
			t.Fatalf("after %s: expected %s, got %s", step.action, step.want, out.Request.Status)
		}
	}

	final, err := mem.Get(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	item := final.Items[0]
	if item.Approved == nil || item.Issued == nil || item.Received == nil {
		t.Fatalf("all stages must be written: %+v", item)
	}
	if *item.Approved != 10 || *item.Issued != 10 || *item.Received != 10 {
		t.Errorf("untouched quantities must carry forward: %+v", item)
	}

	history, err := mem.History(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != len(steps)+1 {
		t.Errorf("expected %d history entries, got %d", len(steps)+1, len(history))
	}
	if final.Version != len(steps)+1 {
		t.Errorf("expected version %d, got %d", len(steps)+1, final.Version)
	}
}

func TestDispatch_ReplayedApproval_InvalidTransition(t *testing.T) {
	// The status moved after the first approval; a replay of the same action
	// has no edge anymore.

	d, _ := newEngine(t)
	req := createMateriel(t, d, 10)

	dispatch(t, d, bruno, req.ID, demande.ActionInput{Action: demande.ActionApprove})

	_, err := d.Dispatch(context.Background(), bruno, req.ID, demande.ActionInput{Action: demande.ActionApprove})
	if !errors.Is(err, demande.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestDispatch_UnknownAction_Validation(t *testing.T) {
	d, _ := newEngine(t)
	req := createMateriel(t, d, 10)

	_, err := d.Dispatch(context.Background(), bruno, req.ID, demande.ActionInput{Action: "escalate"})
	if !errors.Is(err, demande.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDispatch_WrongRole_NotAuthorized(t *testing.T) {
	d, _ := newEngine(t)
	req := createMateriel(t, d, 10)

	_, err := d.Dispatch(context.Background(), felix, req.ID, demande.ActionInput{Action: demande.ActionApprove})
	if !errors.Is(err, demande.ErrNotAuthorized) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

// =============================================================================
// SHORTFALL SPAWNING
// =============================================================================

func TestDispatch_ApprovalShortfall_SpawnsComplementChild(t *testing.T) {
	// GIVEN: A request for 10 units of one article
	// WHEN: The supervisor approves only 6
	// THEN: The parent advances at 6 and a complement sub-request for the
	//       missing 4 re-enters the chain at the first gate

	d, mem := newEngine(t)
	req := createMateriel(t, d, 10)
	ctx := context.Background()

	out := dispatch(t, d, bruno, req.ID, demande.ActionInput{
		Action: demande.ActionApprove,
		Edits:  []demande.ItemEdit{{ItemID: req.Items[0].ID, Quantity: intp(6)}},
	})

	if out.Request.Status != demande.StatusGateWorksManager {
		t.Fatalf("parent must advance, got %s", out.Request.Status)
	}
	if len(out.SpawnedIDs) != 1 {
		t.Fatalf("expected 1 spawned child, got %d", len(out.SpawnedIDs))
	}

	child, err := mem.Get(ctx, out.SpawnedIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if child.Kind != demande.KindSubRequest {
		t.Errorf("expected sub_request, got %s", child.Kind)
	}
	if child.SubReason == nil || *child.SubReason != demande.ReasonComplement {
		t.Errorf("expected complement reason, got %v", child.SubReason)
	}
	if child.Number != req.Number+"-SD1" {
		t.Errorf("expected %s-SD1, got %s", req.Number, child.Number)
	}
	if child.Status != demande.StatusGateSupervisor {
		t.Errorf("child re-enters at the first gate, got %s", child.Status)
	}
	if child.ParentID == nil || *child.ParentID != req.ID {
		t.Errorf("child must link its parent")
	}
	if child.RequesterID != req.RequesterID || child.ProjectID != req.ProjectID {
		t.Errorf("child inherits requester and project: %+v", child)
	}
	if len(child.Items) != 1 || child.Items[0].Requested != 4 {
		t.Fatalf("child carries only the missing quantity: %+v", child.Items)
	}
	if child.Items[0].Approved != nil {
		t.Errorf("child stages start clean")
	}

	// The child's creation is on its own audit trail.
	childHistory, err := mem.History(ctx, child.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(childHistory) != 1 || childHistory[0].Action != demande.ActionCreate {
		t.Errorf("expected a creation entry for the child, got %+v", childHistory)
	}
}

func TestDispatch_PartialShortfall_OnlyShortItemsSpawn(t *testing.T) {
	// Two items, only one cut. The child carries one line.

	d, mem := newEngine(t)
	req := createMateriel(t, d, 10, 20)

	out := dispatch(t, d, bruno, req.ID, demande.ActionInput{
		Action: demande.ActionApprove,
		Edits:  []demande.ItemEdit{{ItemID: req.Items[1].ID, Quantity: intp(15)}},
	})

	child, err := mem.Get(context.Background(), out.SpawnedIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(child.Items) != 1 {
		t.Fatalf("expected 1 shortfall line, got %d", len(child.Items))
	}
	if child.Items[0].Reference != req.Items[1].Reference || child.Items[0].Requested != 5 {
		t.Errorf("wrong shortfall line: %+v", child.Items[0])
	}
}

func TestDispatch_ReceiptShortfall_SpawnsReplacementChild(t *testing.T) {
	// A shortfall discovered at delivery receipt means loss or damage; the
	// child's reason is replacement, not complement.

	d, mem := newEngine(t)
	req := createMateriel(t, d, 10)

	dispatch(t, d, bruno, req.ID, demande.ActionInput{Action: demande.ActionApprove})
	dispatch(t, d, daniel, req.ID, demande.ActionInput{Action: demande.ActionApprove})
	dispatch(t, d, emma, req.ID, demande.ActionInput{Action: demande.ActionApprove})
	dispatch(t, d, felix, req.ID, demande.ActionInput{Action: demande.ActionPrepareIssue})

	out := dispatch(t, d, gina, req.ID, demande.ActionInput{
		Action: demande.ActionConfirmCourier,
		Edits:  []demande.ItemEdit{{ItemID: req.Items[0].ID, Quantity: intp(8)}},
	})

	if len(out.SpawnedIDs) != 1 {
		t.Fatalf("expected 1 spawned child, got %d", len(out.SpawnedIDs))
	}
	child, err := mem.Get(context.Background(), out.SpawnedIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if child.SubReason == nil || *child.SubReason != demande.ReasonReplacement {
		t.Errorf("expected replacement reason, got %v", child.SubReason)
	}
	if child.Items[0].Requested != 2 {
		t.Errorf("expected shortfall 2, got %d", child.Items[0].Requested)
	}
}

func TestDispatch_FinalConfirmationShortfall_RequesterReducesReceived(t *testing.T) {
	// GIVEN: A request delivered in full up to the final confirmation gate
	// WHEN: The requester confirms only 7 of the 10 received
	// THEN: The received stage drops to 7, the request confirms, and a
	//       replacement sub-request for the missing 3 is spawned

	d, mem := newEngine(t)
	req := createMateriel(t, d, 10)
	ctx := context.Background()

	dispatch(t, d, bruno, req.ID, demande.ActionInput{Action: demande.ActionApprove})
	dispatch(t, d, daniel, req.ID, demande.ActionInput{Action: demande.ActionApprove})
	dispatch(t, d, emma, req.ID, demande.ActionInput{Action: demande.ActionApprove})
	dispatch(t, d, felix, req.ID, demande.ActionInput{Action: demande.ActionPrepareIssue})
	dispatch(t, d, gina, req.ID, demande.ActionInput{Action: demande.ActionConfirmCourier})
	dispatch(t, d, hugo, req.ID, demande.ActionInput{Action: demande.ActionConfirmHandoff})

	out := dispatch(t, d, alice, req.ID, demande.ActionInput{
		Action: demande.ActionConfirmFinal,
		Edits:  []demande.ItemEdit{{ItemID: req.Items[0].ID, Quantity: intp(7)}},
	})

	if out.Request.Status != demande.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", out.Request.Status)
	}
	if got := out.Request.Items[0].Received; got == nil || *got != 7 {
		t.Errorf("expected received reduced to 7, got %v", got)
	}
	if len(out.SpawnedIDs) != 1 {
		t.Fatalf("expected 1 spawned child, got %d", len(out.SpawnedIDs))
	}

	child, err := mem.Get(ctx, out.SpawnedIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if child.SubReason == nil || *child.SubReason != demande.ReasonReplacement {
		t.Errorf("expected replacement reason, got %v", child.SubReason)
	}
	if child.Items[0].Requested != 3 {
		t.Errorf("expected shortfall 3, got %d", child.Items[0].Requested)
	}

	// The requester may reduce the received stage, never raise it.
	twelve := 12
	_, err = d.Dispatch(ctx, root, req.ID, demande.ActionInput{
		Action:     demande.ActionAdminOverride,
		OverrideTo: demande.StatusGateFinalConfirm,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.Dispatch(ctx, alice, req.ID, demande.ActionInput{
		Action: demande.ActionConfirmFinal,
		Edits:  []demande.ItemEdit{{ItemID: req.Items[0].ID, Quantity: &twelve}},
	})
	if !errors.Is(err, demande.ErrValidation) {
		t.Fatalf("expected validation error on a raise, got %v", err)
	}
}

func TestDispatch_AllItemsZero_IsTotalRejection(t *testing.T) {
	// Reducing every line to zero is a total rejection, never a zero-quantity
	// sub-request.

	d, mem := newEngine(t)
	req := createMateriel(t, d, 10, 5)

	out := dispatch(t, d, bruno, req.ID, demande.ActionInput{
		Action:  demande.ActionApprove,
		Comment: "nothing approvable here",
		Edits: []demande.ItemEdit{
			{ItemID: req.Items[0].ID, Quantity: intp(0)},
			{ItemID: req.Items[1].ID, Quantity: intp(0)},
		},
	})

	if out.Request.Status != demande.StatusRejectedTotal {
		t.Fatalf("expected rejected_total, got %s", out.Request.Status)
	}
	if out.Request.RejectionCount != 1 {
		t.Errorf("expected rejection count 1, got %d", out.Request.RejectionCount)
	}
	if len(out.SpawnedIDs) != 0 {
		t.Errorf("a zero approval must not spawn children")
	}

	children, err := mem.Children(context.Background(), req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 0 {
		t.Errorf("no children expected, got %d", len(children))
	}
}

// =============================================================================
// REJECTION AND RESUBMISSION
// =============================================================================

func TestDispatch_RejectTotal_TerminalAndFinal(t *testing.T) {
	// GIVEN: A request at its first gate
	// WHEN: The supervisor rejects it totally, then someone tries to resubmit
	// THEN: The rejection needs a reason, lands terminal, and resubmission
	//       is refused

	d, _ := newEngine(t)
	req := createMateriel(t, d, 10)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, bruno, req.ID, demande.ActionInput{Action: demande.ActionRejectTotal})
	if !errors.Is(err, demande.ErrValidation) {
		t.Fatalf("blank reason: expected validation error, got %v", err)
	}

	_, err = d.Dispatch(ctx, bruno, req.ID, demande.ActionInput{Action: demande.ActionRejectTotal, Reason: "   "})
	if !errors.Is(err, demande.ErrValidation) {
		t.Fatalf("whitespace reason: expected validation error, got %v", err)
	}

	out := dispatch(t, d, bruno, req.ID, demande.ActionInput{
		Action: demande.ActionRejectTotal,
		Reason: "wrong budget line",
	})
	if out.Request.Status != demande.StatusRejectedTotal {
		t.Fatalf("expected rejected_total, got %s", out.Request.Status)
	}
	if out.Request.RejectionCount != 1 {
		t.Errorf("expected rejection count 1, got %d", out.Request.RejectionCount)
	}

	_, err = d.Dispatch(ctx, bruno, req.ID, demande.ActionInput{Action: demande.ActionModifyResubmit})
	if !errors.Is(err, demande.ErrInvalidTransition) {
		t.Fatalf("total rejection is final, got %v", err)
	}
}

func TestDispatch_RejectStep_ThenResubmit_ReturnsToRejectingGate(t *testing.T) {
	// GIVEN: A request rejected one step back from the works manager gate
	// WHEN: The supervisor corrects the approved quantity and resubmits
	// THEN: The request returns to the works manager gate and the rollback
	//       marker clears

	d, mem := newEngine(t)
	req := createMateriel(t, d, 10)

	dispatch(t, d, bruno, req.ID, demande.ActionInput{Action: demande.ActionApprove})

	out := dispatch(t, d, daniel, req.ID, demande.ActionInput{
		Action: demande.ActionRejectStep,
		Reason: "approved quantity too high for the phase",
	})
	if out.Request.Status != demande.StatusGateSupervisor {
		t.Fatalf("expected rollback to gate_supervisor, got %s", out.Request.Status)
	}
	if out.Request.PreviousStatus == nil || *out.Request.PreviousStatus != demande.StatusGateWorksManager {
		t.Fatalf("rollback marker missing: %+v", out.Request.PreviousStatus)
	}
	if out.Request.RejectionCount != 1 {
		t.Errorf("expected rejection count 1, got %d", out.Request.RejectionCount)
	}

	out = dispatch(t, d, bruno, req.ID, demande.ActionInput{
		Action: demande.ActionModifyResubmit,
		Edits:  []demande.ItemEdit{{ItemID: req.Items[0].ID, Quantity: intp(8)}},
	})
	if out.Request.Status != demande.StatusGateWorksManager {
		t.Fatalf("expected return to gate_works_manager, got %s", out.Request.Status)
	}
	if out.Request.PreviousStatus != nil {
		t.Errorf("rollback marker must clear on resubmission")
	}

	saved, err := mem.Get(context.Background(), req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Items[0].Approved == nil || *saved.Items[0].Approved != 8 {
		t.Errorf("corrected approval not persisted: %+v", saved.Items[0])
	}
}

func TestDispatch_Resubmit_MayRaiseStageWithinRequested(t *testing.T) {
	// GIVEN: A supervisor approval cut to 3, rejected one step back as too low
	// WHEN: The supervisor resubmits with 8 (within the requested 10)
	// THEN: The correction lands; a rollback exists to fix quantities in
	//       either direction, not only downward

	d, mem := newEngine(t)
	req := createMateriel(t, d, 10)
	ctx := context.Background()

	dispatch(t, d, bruno, req.ID, demande.ActionInput{
		Action: demande.ActionApprove,
		Edits:  []demande.ItemEdit{{ItemID: req.Items[0].ID, Quantity: intp(3)}},
	})
	dispatch(t, d, daniel, req.ID, demande.ActionInput{
		Action: demande.ActionRejectStep,
		Reason: "approved quantity too low for the phase",
	})

	out := dispatch(t, d, bruno, req.ID, demande.ActionInput{
		Action: demande.ActionModifyResubmit,
		Edits:  []demande.ItemEdit{{ItemID: req.Items[0].ID, Quantity: intp(8)}},
	})
	if out.Request.Status != demande.StatusGateWorksManager {
		t.Fatalf("expected return to gate_works_manager, got %s", out.Request.Status)
	}

	saved, err := mem.Get(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Items[0].Approved == nil || *saved.Items[0].Approved != 8 {
		t.Errorf("raised correction not persisted: %+v", saved.Items[0])
	}

	// The requested quantity still bounds the correction.
	_, err = d.Dispatch(ctx, daniel, req.ID, demande.ActionInput{
		Action: demande.ActionRejectStep,
		Reason: "still wrong",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.Dispatch(ctx, bruno, req.ID, demande.ActionInput{
		Action: demande.ActionModifyResubmit,
		Edits:  []demande.ItemEdit{{ItemID: req.Items[0].ID, Quantity: intp(12)}},
	})
	if !errors.Is(err, demande.ErrValidation) {
		t.Fatalf("expected validation error above requested, got %v", err)
	}
}

func TestDispatch_RejectStep_AtFirstGate_BackToRequester(t *testing.T) {
	// A first-gate rejection sends the request to submitted, where only its
	// own requester may correct and resubmit. Requested quantities stay
	// immutable even then.

	d, _ := newEngine(t)
	req := createMateriel(t, d, 10)
	ctx := context.Background()

	out := dispatch(t, d, bruno, req.ID, demande.ActionInput{
		Action: demande.ActionRejectStep,
		Reason: "reference is wrong",
	})
	if out.Request.Status != demande.StatusSubmitted {
		t.Fatalf("expected submitted, got %s", out.Request.Status)
	}

	// Another requester cannot pick it up.
	dora := demande.Actor{ID: "dora", Role: demande.RoleRequester}
	_, err := d.Dispatch(ctx, dora, req.ID, demande.ActionInput{Action: demande.ActionModifyResubmit})
	if !errors.Is(err, demande.ErrNotAuthorized) {
		t.Fatalf("expected authorization error, got %v", err)
	}

	// The requester cannot touch quantities.
	_, err = d.Dispatch(ctx, alice, req.ID, demande.ActionInput{
		Action: demande.ActionModifyResubmit,
		Edits:  []demande.ItemEdit{{ItemID: req.Items[0].ID, Quantity: intp(4)}},
	})
	if !errors.Is(err, demande.ErrValidation) {
		t.Fatalf("requested quantities are immutable, got %v", err)
	}

	newRef := "ART-B-REV2"
	out = dispatch(t, d, alice, req.ID, demande.ActionInput{
		Action: demande.ActionModifyResubmit,
		Edits:  []demande.ItemEdit{{ItemID: req.Items[0].ID, Reference: &newRef}},
	})
	if out.Request.Status != demande.StatusGateSupervisor {
		t.Fatalf("expected return to gate_supervisor, got %s", out.Request.Status)
	}
	if out.Request.Items[0].Reference != newRef {
		t.Errorf("reference correction not applied")
	}
}

func TestDispatch_Rejection_RefusesItemEdits(t *testing.T) {
	d, _ := newEngine(t)
	req := createMateriel(t, d, 10)

	_, err := d.Dispatch(context.Background(), bruno, req.ID, demande.ActionInput{
		Action: demande.ActionRejectStep,
		Reason: "no",
		Edits:  []demande.ItemEdit{{ItemID: req.Items[0].ID, Quantity: intp(3)}},
	})
	if !errors.Is(err, demande.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

// =============================================================================
// CLOSURE GATING
// =============================================================================

func TestDispatch_Close_BlockedWhileChildOpen(t *testing.T) {
	// GIVEN: A parent whose approval shortfall spawned a child, walked to
	//        confirmed while the child sits at its first gate
	// WHEN: Procurement closes the parent
	// THEN: Refused until the child reaches a terminal status

	d, _ := newEngine(t)
	req := createMateriel(t, d, 10)
	ctx := context.Background()

	dispatch(t, d, bruno, req.ID, demande.ActionInput{
		Action: demande.ActionApprove,
		Edits:  []demande.ItemEdit{{ItemID: req.Items[0].ID, Quantity: intp(6)}},
	})
	dispatch(t, d, daniel, req.ID, demande.ActionInput{Action: demande.ActionApprove})
	dispatch(t, d, emma, req.ID, demande.ActionInput{Action: demande.ActionApprove})
	dispatch(t, d, felix, req.ID, demande.ActionInput{Action: demande.ActionPrepareIssue})
	dispatch(t, d, gina, req.ID, demande.ActionInput{Action: demande.ActionConfirmCourier})
	dispatch(t, d, hugo, req.ID, demande.ActionInput{Action: demande.ActionConfirmHandoff})
	dispatch(t, d, alice, req.ID, demande.ActionInput{Action: demande.ActionConfirmFinal})

	_, err := d.Dispatch(ctx, felix, req.ID, demande.ActionInput{Action: demande.ActionClose})
	if !errors.Is(err, demande.ErrInvalidTransition) {
		t.Fatalf("expected close to be blocked, got %v", err)
	}

	// The child is rejected totally; now terminal, the parent may close.
	children, err := d.Store.Children(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 1 {
		t.Fatalf("expected 1 child, got %d", len(children))
	}
	dispatch(t, d, bruno, children[0].ID, demande.ActionInput{
		Action: demande.ActionRejectTotal,
		Reason: "complement no longer needed",
	})

	out := dispatch(t, d, felix, req.ID, demande.ActionInput{Action: demande.ActionClose})
	if out.Request.Status != demande.StatusClosed {
		t.Fatalf("expected closed, got %s", out.Request.Status)
	}
}

// =============================================================================
// SUB-REQUEST DELETION
// =============================================================================

func TestDispatch_DeleteSubRequest_RemovesRowKeepsHistory(t *testing.T) {
	// GIVEN: An in-flight complement child
	// WHEN: The procurement officer deletes it
	// THEN: The request is gone but its audit trail remains, and the parent
	//       is free to close

	d, mem := newEngine(t)
	req := createMateriel(t, d, 10)
	ctx := context.Background()

	out := dispatch(t, d, bruno, req.ID, demande.ActionInput{
		Action: demande.ActionApprove,
		Edits:  []demande.ItemEdit{{ItemID: req.Items[0].ID, Quantity: intp(6)}},
	})
	childID := out.SpawnedIDs[0]

	del := dispatch(t, d, felix, childID, demande.ActionInput{
		Action:  demande.ActionDeleteSubRequest,
		Comment: "covered by an existing stock transfer",
	})
	if del.Request != nil {
		t.Errorf("deletion returns no aggregate")
	}

	if _, err := mem.Get(ctx, childID); !errors.Is(err, demande.ErrNotFound) {
		t.Fatalf("child must be gone, got %v", err)
	}

	history, err := mem.History(ctx, childID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("expected create + delete entries, got %d", len(history))
	}
	last := history[len(history)-1]
	if last.Action != demande.ActionDeleteSubRequest {
		t.Errorf("expected delete entry, got %s", last.Action)
	}
}

func TestDispatch_DeleteSubRequest_Guards(t *testing.T) {
	d, _ := newEngine(t)
	req := createMateriel(t, d, 10)
	ctx := context.Background()

	// Top-level requests are never deletable.
	_, err := d.Dispatch(ctx, felix, req.ID, demande.ActionInput{Action: demande.ActionDeleteSubRequest})
	if !errors.Is(err, demande.ErrNotAuthorized) {
		t.Fatalf("principal: expected authorization error, got %v", err)
	}

	out := dispatch(t, d, bruno, req.ID, demande.ActionInput{
		Action: demande.ActionApprove,
		Edits:  []demande.ItemEdit{{ItemID: req.Items[0].ID, Quantity: intp(6)}},
	})
	childID := out.SpawnedIDs[0]

	// Only the procurement officer holds this override; super-admin does not.
	for _, actor := range []demande.Actor{bruno, root} {
		_, err := d.Dispatch(ctx, actor, childID, demande.ActionInput{Action: demande.ActionDeleteSubRequest})
		if !errors.Is(err, demande.ErrNotAuthorized) {
			t.Errorf("%s: expected authorization error, got %v", actor.ID, err)
		}
	}

	// Terminal children are history, not deletable.
	dispatch(t, d, bruno, childID, demande.ActionInput{
		Action: demande.ActionRejectTotal,
		Reason: "not needed",
	})
	_, err = d.Dispatch(ctx, felix, childID, demande.ActionInput{Action: demande.ActionDeleteSubRequest})
	if !errors.Is(err, demande.ErrInvalidTransition) {
		t.Fatalf("terminal child: expected invalid transition, got %v", err)
	}
}

// =============================================================================
// ADMIN OVERRIDE
// =============================================================================

func TestDispatch_AdminOverride_ForcesStatus(t *testing.T) {
	// GIVEN: A request stuck at the business manager gate
	// WHEN: A super-admin forces it to archived
	// THEN: The transition lands with a full audit entry

	d, mem := newEngine(t)
	req := createMateriel(t, d, 10)
	ctx := context.Background()

	dispatch(t, d, bruno, req.ID, demande.ActionInput{Action: demande.ActionApprove})
	dispatch(t, d, daniel, req.ID, demande.ActionInput{Action: demande.ActionApprove})

	out := dispatch(t, d, root, req.ID, demande.ActionInput{
		Action:     demande.ActionAdminOverride,
		OverrideTo: demande.StatusArchived,
		Comment:    "project cancelled",
	})
	if out.Request.Status != demande.StatusArchived {
		t.Fatalf("expected archived, got %s", out.Request.Status)
	}

	history, err := mem.History(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	last := history[len(history)-1]
	if last.Action != demande.ActionAdminOverride ||
		last.FromStatus != demande.StatusGateBusinessMgr ||
		last.ToStatus != demande.StatusArchived {
		t.Errorf("unexpected override entry: %+v", last)
	}
}

func TestDispatch_AdminOverride_Guards(t *testing.T) {
	d, _ := newEngine(t)
	req := createMateriel(t, d, 10)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, felix, req.ID, demande.ActionInput{
		Action:     demande.ActionAdminOverride,
		OverrideTo: demande.StatusArchived,
	})
	if !errors.Is(err, demande.ErrNotAuthorized) {
		t.Fatalf("non-admin: expected authorization error, got %v", err)
	}

	_, err = d.Dispatch(ctx, root, req.ID, demande.ActionInput{
		Action:     demande.ActionAdminOverride,
		OverrideTo: "limbo",
	})
	if !errors.Is(err, demande.ErrValidation) {
		t.Fatalf("unknown target: expected validation error, got %v", err)
	}
}
