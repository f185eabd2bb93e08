/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

CONVENTIONS:
  - snake_case JSON field names
  - Timestamps as RFC3339
  - Money as decimal strings ("12.50"), never floats
  - Stage quantities are omitted until written

VALIDATION:
  Validation is done in handlers and the domain layer, not in DTOs.
  DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/procure-engine/demande"
)

// =============================================================================
// REQUEST TYPES (inbound)
// =============================================================================

// CreateRequestRequest is the body of POST /api/requests.
type CreateRequestRequest struct {
	Type      string              `json:"type"`
	ProjectID string              `json:"project_id"`
	Comment   string              `json:"comment,omitempty"`
	Items     []CreateItemRequest `json:"items"`
}

// CreateItemRequest is one article line of a creation request.
type CreateItemRequest struct {
	Reference   string `json:"reference"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unit_price,omitempty"`
}

// ActionRequest is the body of POST /api/requests/{id}/actions.
type ActionRequest struct {
	Action     string            `json:"action"`
	Comment    string            `json:"comment,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	OverrideTo string            `json:"override_to,omitempty"`
	Edits      []ItemEditRequest `json:"edits,omitempty"`
}

// ItemEditRequest is one per-item change riding on an action.
type ItemEditRequest struct {
	ItemID      string  `json:"item_id"`
	Quantity    *int    `json:"quantity,omitempty"`
	Name        *string `json:"name,omitempty"`
	Reference   *string `json:"reference,omitempty"`
	Description *string `json:"description,omitempty"`
	Remove      bool    `json:"remove,omitempty"`
}

// AssignmentRequest is the body of POST /api/admin/assignments.
type AssignmentRequest struct {
	ActorID   string `json:"actor_id"`
	ProjectID string `json:"project_id"`
}

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// RESPONSE TYPES (outbound)
// =============================================================================

// RequestDTO is the full aggregate view.
type RequestDTO struct {
	ID             string        `json:"id"`
	Number         string        `json:"number"`
	Type           string        `json:"type"`
	Kind           string        `json:"kind"`
	ParentID       string        `json:"parent_id,omitempty"`
	SubReason      string        `json:"sub_reason,omitempty"`
	Status         string        `json:"status"`
	PreviousStatus string        `json:"previous_status,omitempty"`
	RejectionCount int           `json:"rejection_count"`
	RequesterID    string        `json:"requester_id"`
	ProjectID      string        `json:"project_id"`
	Comment        string        `json:"comment,omitempty"`
	Items          []LineItemDTO `json:"items"`
	EstimatedTotal string        `json:"estimated_total,omitempty"`
	Version        int           `json:"version"`
	CreatedAt      string        `json:"created_at"`
	UpdatedAt      string        `json:"updated_at"`
}

// LineItemDTO is one article line with its four reconciliation stages.
type LineItemDTO struct {
	ID          string `json:"id"`
	Reference   string `json:"reference"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Requested   int    `json:"requested"`
	Approved    *int   `json:"approved,omitempty"`
	Issued      *int   `json:"issued,omitempty"`
	Received    *int   `json:"received,omitempty"`
	UnitPrice   string `json:"unit_price,omitempty"`
}

// HistoryEntryDTO is one audit-trail line.
type HistoryEntryDTO struct {
	ID         string `json:"id"`
	RequestID  string `json:"request_id"`
	ActorID    string `json:"actor_id"`
	Action     string `json:"action"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	Comment    string `json:"comment,omitempty"`
	Signature  string `json:"signature"`
	At         string `json:"at"`
}

// ActionResponse is returned after a successful dispatch.
type ActionResponse struct {
	Request    *RequestDTO       `json:"request,omitempty"`
	History    []HistoryEntryDTO `json:"history"`
	SpawnedIDs []string          `json:"spawned_ids,omitempty"`
}

// ScenarioDTO describes one loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toRequestDTO(req *demande.Request) RequestDTO {
	dto := RequestDTO{
		ID:             string(req.ID),
		Number:         req.Number,
		Type:           string(req.Type),
		Kind:           string(req.Kind),
		Status:         string(req.Status),
		RejectionCount: req.RejectionCount,
		RequesterID:    string(req.RequesterID),
		ProjectID:      string(req.ProjectID),
		Comment:        req.Comment,
		Items:          make([]LineItemDTO, 0, len(req.Items)),
		Version:        req.Version,
		CreatedAt:      req.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      req.UpdatedAt.Format(time.RFC3339),
	}
	if req.ParentID != nil {
		dto.ParentID = string(*req.ParentID)
	}
	if req.SubReason != nil {
		dto.SubReason = string(*req.SubReason)
	}
	if req.PreviousStatus != nil {
		dto.PreviousStatus = string(*req.PreviousStatus)
	}
	for i := range req.Items {
		dto.Items = append(dto.Items, toLineItemDTO(&req.Items[i]))
	}
	if total := req.EstimatedTotal(); !total.IsZero() {
		dto.EstimatedTotal = total.StringFixed(2)
	}
	return dto
}

func toLineItemDTO(li *demande.LineItem) LineItemDTO {
	dto := LineItemDTO{
		ID:          string(li.ID),
		Reference:   li.Reference,
		Name:        li.Name,
		Description: li.Description,
		Requested:   li.Requested.Int(),
		Approved:    intPtr(li.Approved),
		Issued:      intPtr(li.Issued),
		Received:    intPtr(li.Received),
	}
	if li.UnitPrice != nil {
		dto.UnitPrice = li.UnitPrice.StringFixed(2)
	}
	return dto
}

func toHistoryDTO(e demande.HistoryEntry) HistoryEntryDTO {
	return HistoryEntryDTO{
		ID:         string(e.ID),
		RequestID:  string(e.RequestID),
		ActorID:    string(e.ActorID),
		Action:     string(e.Action),
		FromStatus: string(e.FromStatus),
		ToStatus:   string(e.ToStatus),
		Comment:    e.Comment,
		Signature:  e.Signature,
		At:         e.At.Format(time.RFC3339),
	}
}

func toActionResponse(out *demande.Outcome) ActionResponse {
	resp := ActionResponse{History: make([]HistoryEntryDTO, 0, len(out.History))}
	if out.Request != nil {
		dto := toRequestDTO(out.Request)
		resp.Request = &dto
	}
	for _, e := range out.History {
		resp.History = append(resp.History, toHistoryDTO(e))
	}
	for _, id := range out.SpawnedIDs {
		resp.SpawnedIDs = append(resp.SpawnedIDs, string(id))
	}
	return resp
}

func intPtr(q *demande.Quantity) *int {
	if q == nil {
		return nil
	}
	n := q.Int()
	return &n
}
