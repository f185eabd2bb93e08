/*
editpolicy.go - Per-role item field edit permissions

PURPOSE:
  Each gate role has a fixed, enumerated set of item fields it may modify
  while acting. Validation roles may correct the line itself; fulfillment
  roles may only adjust quantities. An edit outside the permitted set is a
  ValidationError naming the field, never silently ignored.

PERMITTED SETS:
  conducteur_travaux, responsable_travaux,
  charge_affaire, qhse_officer            {name, reference, quantity, description}
  responsable_appro, logistics_manager,
  delivery_officer                        {quantity}
  requester (resubmission at submitted)   {name, reference, description}

  The requester set excludes quantity: requested quantities are immutable
  after creation. Stage writes are checked separately (CanWriteStage): the
  requester may still reduce the received stage when confirming final
  receipt.
*/
package demande

// ItemField names an editable line-item field.
type ItemField string

const (
	FieldName        ItemField = "name"
	FieldReference   ItemField = "reference"
	FieldQuantity    ItemField = "quantity"
	FieldDescription ItemField = "description"
)

var editableFields = map[Role]map[ItemField]bool{
	RoleSiteSupervisor:   fullEditSet(),
	RoleWorksManager:     fullEditSet(),
	RoleBusinessManager:  fullEditSet(),
	RoleQHSEOfficer:      fullEditSet(),
	RoleProcurement:      {FieldQuantity: true},
	RoleLogisticsManager: {FieldQuantity: true},
	RoleDeliveryOfficer:  {FieldQuantity: true},
	RoleRequester: {
		FieldName:        true,
		FieldReference:   true,
		FieldDescription: true,
	},
	// Super-admin override carries the widest validator set.
	RoleSuperAdmin: fullEditSet(),
}

func fullEditSet() map[ItemField]bool {
	return map[ItemField]bool{
		FieldName:        true,
		FieldReference:   true,
		FieldQuantity:    true,
		FieldDescription: true,
	}
}

// CanEdit reports whether the acting role may modify the field.
func CanEdit(role Role, field ItemField) bool {
	return editableFields[role][field]
}

// CanWriteStage reports whether the acting role may write the given quantity
// stage. The requester's general edit set excludes quantity because requested
// quantities are immutable, but the requester owns the received stage at the
// final confirmation gate and may reduce it there.
func CanWriteStage(role Role, stage Stage) bool {
	if CanEdit(role, FieldQuantity) {
		return true
	}
	return role == RoleRequester && stage == StageReceived
}

// ItemEdit carries one item's edits on an incoming action. Nil fields are
// untouched. Quantity is the raw boundary value; it is validated into a
// Quantity before any stage write.
type ItemEdit struct {
	ItemID      ItemID
	Quantity    *int
	Name        *string
	Reference   *string
	Description *string
	// Remove drops the line item entirely. Validator roles only; removing
	// the last item is a validation error.
	Remove bool
}

// fields lists which fields the edit touches.
func (e *ItemEdit) fields() []ItemField {
	var fs []ItemField
	if e.Quantity != nil {
		fs = append(fs, FieldQuantity)
	}
	if e.Name != nil {
		fs = append(fs, FieldName)
	}
	if e.Reference != nil {
		fs = append(fs, FieldReference)
	}
	if e.Description != nil {
		fs = append(fs, FieldDescription)
	}
	return fs
}

// applyFieldEdits applies the non-quantity edits to the item after checking
// the acting role's permitted set. Quantity is handled separately by the
// dispatcher because it is a stage write, not a plain field assignment.
func applyFieldEdits(li *LineItem, role Role, edit *ItemEdit) error {
	for _, f := range edit.fields() {
		if f == FieldQuantity {
			// Stage write; the dispatcher checks it via CanWriteStage.
			continue
		}
		if !CanEdit(role, f) {
			return &ValidationError{
				Field:   string(f),
				Message: "field not editable by role " + string(role),
			}
		}
	}
	if edit.Name != nil {
		li.Name = *edit.Name
	}
	if edit.Reference != nil {
		li.Reference = *edit.Reference
	}
	if edit.Description != nil {
		li.Description = *edit.Description
	}
	return nil
}
