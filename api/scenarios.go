/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic data
	for testing and demos. Each scenario assigns a cast of actors to a
	project and drives one or more requests through the workflow.

AVAILABLE SCENARIOS:

	fresh-request:   A materiel request waiting at the site supervisor gate
	mid-chain:       A materiel request advanced to the business manager gate
	shortfall:       An approval quantity cut that spawned a sub-request
	rejection:       A step rejection waiting for the requester to resubmit

HOW SCENARIOS WORK:
 1. Assign the demo cast to the demo project
 2. Create requests through the dispatcher (never raw inserts)
 3. Advance them with real actions so history and numbering are authentic

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "shortfall"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, h)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios seed on top of existing data. Only use in development/demo
	environments.

SEE ALSO:
  - handlers.go: Handler context and response helpers
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/warp/procure-engine/demande"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "fresh-request",
		Name:        "Fresh Request",
		Description: "A materiel request waiting at the site supervisor gate",
	},
	{
		ID:          "mid-chain",
		Name:        "Mid-Chain",
		Description: "A materiel request approved up to the business manager gate",
	},
	{
		ID:          "shortfall",
		Name:        "Shortfall",
		Description: "An approval quantity cut that spawned a complement sub-request",
	},
	{
		ID:          "rejection",
		Name:        "Step Rejection",
		Description: "A step rejection waiting for the requester to resubmit",
	},
}

// The demo cast. One actor per role, all assigned to the same project.
const demoProject = demande.ProjectID("PRJ-ALPHA")

var demoCast = map[demande.Role]demande.Actor{
	demande.RoleRequester:        {ID: "alice", Role: demande.RoleRequester},
	demande.RoleSiteSupervisor:   {ID: "bruno", Role: demande.RoleSiteSupervisor},
	demande.RoleQHSEOfficer:      {ID: "chloe", Role: demande.RoleQHSEOfficer},
	demande.RoleWorksManager:     {ID: "daniel", Role: demande.RoleWorksManager},
	demande.RoleBusinessManager:  {ID: "emma", Role: demande.RoleBusinessManager},
	demande.RoleProcurement:      {ID: "felix", Role: demande.RoleProcurement},
	demande.RoleDeliveryOfficer:  {ID: "gina", Role: demande.RoleDeliveryOfficer},
	demande.RoleLogisticsManager: {ID: "hugo", Role: demande.RoleLogisticsManager},
	demande.RoleSuperAdmin:       {ID: "root", Role: demande.RoleSuperAdmin},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	writeJSON(w, http.StatusOK, ScenarioDTO{
		ID:   h.currentScenario,
		Name: h.currentScenario,
	})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	var err error
	switch req.ScenarioID {
	case "fresh-request":
		err = h.loadFreshRequestScenario(ctx)
	case "mid-chain":
		err = h.loadMidChainScenario(ctx)
	case "shortfall":
		err = h.loadShortfallScenario(ctx)
	case "rejection":
		err = h.loadRejectionScenario(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario: "+req.ScenarioID, nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{"loaded": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) seedCast(ctx context.Context) error {
	for _, actor := range demoCast {
		if err := h.Store.Assign(ctx, actor.ID, demoProject); err != nil {
			return err
		}
	}
	return nil
}

// loadFreshRequestScenario creates one untouched materiel request.
func (h *Handler) loadFreshRequestScenario(ctx context.Context) error {
	if err := h.seedCast(ctx); err != nil {
		return err
	}

	_, err := h.Dispatcher.Create(ctx, demoCast[demande.RoleRequester], demande.CreateInput{
		Type:      demande.TypeMateriel,
		ProjectID: demoProject,
		Comment:   "Concrete pour, zone B",
		Items: []demande.NewItem{
			{Reference: "CIM-42.5", Name: "Cement 42.5", Quantity: 40},
			{Reference: "FER-HA12", Name: "Rebar HA12", Quantity: 120},
		},
	})
	return err
}

// loadMidChainScenario advances a request to the business manager gate.
func (h *Handler) loadMidChainScenario(ctx context.Context) error {
	if err := h.seedCast(ctx); err != nil {
		return err
	}

	out, err := h.Dispatcher.Create(ctx, demoCast[demande.RoleRequester], demande.CreateInput{
		Type:      demande.TypeMateriel,
		ProjectID: demoProject,
		Comment:   "Scaffolding refresh",
		Items: []demande.NewItem{
			{Reference: "ECH-STD", Name: "Scaffold frame", Quantity: 18},
		},
	})
	if err != nil {
		return err
	}

	id := out.Request.ID
	for _, role := range []demande.Role{
		demande.RoleSiteSupervisor,
		demande.RoleWorksManager,
	} {
		if _, err := h.Dispatcher.Dispatch(ctx, demoCast[role], id, demande.ActionInput{
			Action: demande.ActionApprove,
		}); err != nil {
			return err
		}
	}
	return nil
}

// loadShortfallScenario cuts a quantity during approval so a complement
// sub-request exists next to its parent.
func (h *Handler) loadShortfallScenario(ctx context.Context) error {
	if err := h.seedCast(ctx); err != nil {
		return err
	}

	out, err := h.Dispatcher.Create(ctx, demoCast[demande.RoleRequester], demande.CreateInput{
		Type:      demande.TypeOutillage,
		ProjectID: demoProject,
		Comment:   "Drill fleet renewal",
		Items: []demande.NewItem{
			{Reference: "PERF-18V", Name: "Cordless drill 18V", Quantity: 10},
		},
	})
	if err != nil {
		return err
	}

	// Outillage requests start at the QHSE gate.
	six := 6
	_, err = h.Dispatcher.Dispatch(ctx, demoCast[demande.RoleQHSEOfficer], out.Request.ID,
		demande.ActionInput{
			Action:  demande.ActionApprove,
			Comment: "Only six in budget this quarter",
			Edits: []demande.ItemEdit{
				{ItemID: out.Request.Items[0].ID, Quantity: &six},
			},
		})
	return err
}

// loadRejectionScenario leaves a request rolled back to the requester.
func (h *Handler) loadRejectionScenario(ctx context.Context) error {
	if err := h.seedCast(ctx); err != nil {
		return err
	}

	out, err := h.Dispatcher.Create(ctx, demoCast[demande.RoleRequester], demande.CreateInput{
		Type:      demande.TypeMateriel,
		ProjectID: demoProject,
		Comment:   "Formwork panels",
		Items: []demande.NewItem{
			{Reference: "COF-250", Name: "Formwork panel 250", Quantity: 30},
		},
	})
	if err != nil {
		return err
	}

	_, err = h.Dispatcher.Dispatch(ctx, demoCast[demande.RoleSiteSupervisor], out.Request.ID,
		demande.ActionInput{
			Action: demande.ActionRejectStep,
			Reason: "Panel reference discontinued, pick the 300 series",
		})
	return err
}
