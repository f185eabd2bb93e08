// closure.go - Closure gate.
//
// A request cannot close while any direct child sub-request is still in
// flight. Transitive grandchildren gate their own parents, not this one.

package demande

import "context"

// CanClose reports whether every direct child of the request has reached a
// terminal status. Returns the first blocking child id for the error message.
func CanClose(ctx context.Context, store Store, id RequestID) (bool, RequestID, error) {
	children, err := store.Children(ctx, id)
	if err != nil {
		return false, "", err
	}
	for _, child := range children {
		if !child.Status.IsTerminal() {
			return false, child.ID, nil
		}
	}
	return true, "", nil
}
