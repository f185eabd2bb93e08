/*
authz.go - Role authorization gate

PURPOSE:
  Pure predicate deciding whether an actor may fire an action against a
  request. Combines three checks:

  (a) role-to-edge mapping: exactly one role owns each edge (transition.go)
  (b) project scoping: the actor must be assigned to the request's project.
      This applies to every role, super-admin included.
  (c) self-approval ban: an actor never acts on their own request unless the
      edge is owned by the requester role (final confirmation). Enforced
      identically for super-admin.

  Expected denials are values, never errors: CanAct returns a Decision with
  a tagged reason, and the dispatcher turns denials into NotAuthorizedError.

SUPER-ADMIN:
  A super-admin may fire any edge regardless of the owning role, and may
  force an arbitrary transition via admin_override. Checks (b) and (c) still
  apply.

SEE ALSO:
  - transition.go: Edge resolution
  - dispatch.go:   Turns denials into errors
*/
package demande

import "context"

// ProjectDirectory answers project-scoping questions. Backed by the user
// administration collaborator; the stores in this repo implement it from an
// assignments table.
type ProjectDirectory interface {
	// IsAssigned reports whether the actor is assigned to the project.
	IsAssigned(ctx context.Context, actor ActorID, project ProjectID) (bool, error)
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  DenyReason
}

func allow() Decision { return Decision{Allowed: true} }

func deny(r DenyReason) Decision { return Decision{Reason: r} }

// Gate evaluates authorization for dispatcher actions.
type Gate struct {
	Directory ProjectDirectory
}

// CanAct decides whether the actor may fire the action on the request.
// edgeRole is the role owning the resolved edge; pass RoleRequester for
// edges owned by the request's own requester.
func (g *Gate) CanAct(ctx context.Context, actor Actor, req *Request, action Action, edgeRole Role) (Decision, error) {
	if !actor.Role.Valid() {
		return deny(DenyWrongRole), nil
	}

	// Self-approval ban: acting on your own request is only legal on edges
	// the requester role owns. Applies to super-admin identically.
	if actor.ID == req.RequesterID && edgeRole != RoleRequester {
		return deny(DenySelfApproval), nil
	}

	// Role-to-edge mapping. Super-admin overrides the role check only.
	if actor.Role != RoleSuperAdmin {
		if edgeRole == RoleRequester {
			// Requester edges are bound to the request's own requester,
			// not to anyone holding the requester role.
			if actor.ID != req.RequesterID {
				return deny(DenyWrongRole), nil
			}
		} else if actor.Role != edgeRole {
			return deny(DenyWrongRole), nil
		}
	}

	// Project scoping, super-admin included.
	assigned, err := g.Directory.IsAssigned(ctx, actor.ID, req.ProjectID)
	if err != nil {
		return Decision{}, err
	}
	if !assigned {
		return deny(DenyNotAssigned), nil
	}

	return allow(), nil
}
