/*
handlers.go - HTTP API handlers for the procurement request engine

PURPOSE:
  Exposes the approval engine via REST API. Handles HTTP request/response,
  JSON serialization, actor identification, and delegates every decision to
  the domain dispatcher.

ENDPOINTS:
  Requests:
    POST   /api/requests                 Create a request
    GET    /api/requests                 List requests (filterable)
    GET    /api/requests/pending         Worklist for one gate role
    GET    /api/requests/{id}            Get one request
    DELETE /api/requests/{id}            Delete a sub-request
    GET    /api/requests/{id}/history    Audit trail
    GET    /api/requests/{id}/children   Spawned sub-requests
    POST   /api/requests/{id}/actions    Dispatch an action

  Admin:
    POST   /api/admin/assignments        Assign an actor to a project
    DELETE /api/admin/assignments        Remove an assignment

  Scenarios:
    GET    /api/scenarios                List demo scenarios
    POST   /api/scenarios/load           Load a demo scenario

ACTOR IDENTIFICATION:
  The acting user comes from two headers:
    X-Actor-ID:   opaque actor identifier
    X-Actor-Role: one of the workflow roles
  There is no authentication; a reverse proxy or gateway is expected to set
  these in production.

ERROR HANDLING:
  Domain errors map to HTTP statuses:
  - 400: Validation errors, invalid input
  - 403: Authorization denials
  - 404: Request or item not found
  - 409: Optimistic concurrency conflict (client should reload and retry)
  - 422: Transition not defined for (type, status, action)
  - 500: Everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/procure-engine/demande"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is what the HTTP layer needs from persistence: the request store
// plus assignment management. Both the SQLite store and the in-memory store
// satisfy it.
type Backend interface {
	demande.Store
	demande.ProjectDirectory
	Assign(ctx context.Context, actor demande.ActorID, project demande.ProjectID) error
	Unassign(ctx context.Context, actor demande.ActorID, project demande.ProjectID) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      Backend
	Dispatcher *demande.Dispatcher

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler creates a new handler around the given backend.
func NewHandler(store Backend, notifier demande.Notifier) *Handler {
	return &Handler{
		Store:      store,
		Dispatcher: demande.NewDispatcher(store, store, notifier),
	}
}

// actorFrom extracts the acting user from the identification headers.
func actorFrom(r *http.Request) (demande.Actor, bool) {
	id := r.Header.Get("X-Actor-ID")
	role := demande.Role(r.Header.Get("X-Actor-Role"))
	if id == "" || !role.Valid() {
		return demande.Actor{}, false
	}
	return demande.Actor{ID: demande.ActorID(id), Role: role}, true
}

// =============================================================================
// REQUEST HANDLERS
// =============================================================================

// CreateRequest creates a new top-level request.
// POST /api/requests
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing or invalid actor headers", nil)
		return
	}

	var body CreateRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := demande.CreateInput{
		Type:      demande.RequestType(body.Type),
		ProjectID: demande.ProjectID(body.ProjectID),
		Comment:   body.Comment,
	}
	for _, item := range body.Items {
		ni := demande.NewItem{
			Reference:   item.Reference,
			Name:        item.Name,
			Description: item.Description,
			Quantity:    item.Quantity,
		}
		if item.UnitPrice != "" {
			price, err := decimal.NewFromString(item.UnitPrice)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid unit_price (use a decimal string)", err)
				return
			}
			ni.UnitPrice = &price
		}
		in.Items = append(in.Items, ni)
	}

	out, err := h.Dispatcher.Create(r.Context(), actor, in)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toActionResponse(out))
}

// ListRequests returns all requests, optionally filtered by status, type,
// kind or project via query parameters.
// GET /api/requests
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := h.Store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list requests", err)
		return
	}

	q := r.URL.Query()
	status := q.Get("status")
	reqType := q.Get("type")
	kind := q.Get("kind")
	project := q.Get("project_id")

	dtos := make([]RequestDTO, 0, len(requests))
	for _, req := range requests {
		if status != "" && string(req.Status) != status {
			continue
		}
		if reqType != "" && string(req.Type) != reqType {
			continue
		}
		if kind != "" && string(req.Kind) != kind {
			continue
		}
		if project != "" && string(req.ProjectID) != project {
			continue
		}
		dtos = append(dtos, toRequestDTO(req))
	}

	writeJSON(w, http.StatusOK, dtos)
}

// ListPending returns the worklist for one gate role: every non-terminal
// request whose current status is owned by that role.
// GET /api/requests/pending?role=
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	role := demande.Role(r.URL.Query().Get("role"))
	if !role.Valid() {
		writeError(w, http.StatusBadRequest, "Missing or invalid role parameter", nil)
		return
	}

	requests, err := h.Store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list requests", err)
		return
	}

	dtos := make([]RequestDTO, 0)
	for _, req := range requests {
		owner, ok := demande.OwnerRole(req.Status)
		if !ok || owner != role {
			continue
		}
		dtos = append(dtos, toRequestDTO(req))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRequest returns a single request.
// GET /api/requests/{id}
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := demande.RequestID(chi.URLParam(r, "id"))

	req, err := h.Store.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

// GetHistory returns the audit trail of a request, oldest first. History
// survives sub-request deletion, so this may answer for an id that no longer
// resolves via GET /api/requests/{id}.
// GET /api/requests/{id}/history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := demande.RequestID(chi.URLParam(r, "id"))

	entries, err := h.Store.History(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]HistoryEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toHistoryDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetChildren returns the sub-requests spawned under a request.
// GET /api/requests/{id}/children
func (h *Handler) GetChildren(w http.ResponseWriter, r *http.Request) {
	id := demande.RequestID(chi.URLParam(r, "id"))

	if _, err := h.Store.Get(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}

	children, err := h.Store.Children(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]RequestDTO, 0, len(children))
	for _, child := range children {
		dtos = append(dtos, toRequestDTO(child))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// DispatchAction performs one workflow action against a request.
// POST /api/requests/{id}/actions
func (h *Handler) DispatchAction(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing or invalid actor headers", nil)
		return
	}

	id := demande.RequestID(chi.URLParam(r, "id"))

	var body ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := demande.ActionInput{
		Action:     demande.Action(body.Action),
		Comment:    body.Comment,
		Reason:     body.Reason,
		OverrideTo: demande.Status(body.OverrideTo),
	}
	for _, e := range body.Edits {
		in.Edits = append(in.Edits, demande.ItemEdit{
			ItemID:      demande.ItemID(e.ItemID),
			Quantity:    e.Quantity,
			Name:        e.Name,
			Reference:   e.Reference,
			Description: e.Description,
			Remove:      e.Remove,
		})
	}

	out, err := h.Dispatcher.Dispatch(r.Context(), actor, id, in)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toActionResponse(out))
}

// DeleteRequest removes a sub-request through the dispatcher's
// delete_sub_request path. The audit trail survives.
// DELETE /api/requests/{id}
func (h *Handler) DeleteRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Missing or invalid actor headers", nil)
		return
	}

	id := demande.RequestID(chi.URLParam(r, "id"))

	out, err := h.Dispatcher.Dispatch(r.Context(), actor, id, demande.ActionInput{
		Action: demande.ActionDeleteSubRequest,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toActionResponse(out))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// CreateAssignment links an actor to a project for authorization scoping.
// POST /api/admin/assignments
func (h *Handler) CreateAssignment(w http.ResponseWriter, r *http.Request) {
	var body AssignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if body.ActorID == "" || body.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "actor_id and project_id are required", nil)
		return
	}

	err := h.Store.Assign(r.Context(), demande.ActorID(body.ActorID), demande.ProjectID(body.ProjectID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create assignment", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"actor_id":   body.ActorID,
		"project_id": body.ProjectID,
	})
}

// DeleteAssignment removes an actor-project link.
// DELETE /api/admin/assignments
func (h *Handler) DeleteAssignment(w http.ResponseWriter, r *http.Request) {
	var body AssignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	err := h.Store.Unassign(r.Context(), demande.ActorID(body.ActorID), demande.ProjectID(body.ProjectID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete assignment", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps a domain error to its HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, demande.ErrValidation):
		writeError(w, http.StatusBadRequest, "Validation failed", err)
	case errors.Is(err, demande.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "Not authorized", err)
	case errors.Is(err, demande.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, demande.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, "Conflicting update, reload and retry", err)
	case errors.Is(err, demande.ErrInvalidTransition):
		writeError(w, http.StatusUnprocessableEntity, "Transition not allowed", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
