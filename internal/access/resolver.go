package access

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrMissingRecordSource indicates the resolver was built without a source.
	ErrMissingRecordSource = errors.New("access: record source required")
	// ErrRecordNotFound indicates no permission record exists for a document.
	ErrRecordNotFound    = errors.New("access: permission record not found")
	errMissingUserID     = errors.New("access: user id required")
	errMissingDocumentID = errors.New("access: document id required")
)

// Collaborator is a single entry in a document's collaborator list.
type Collaborator struct {
	UserID string
	Role   Role
}

// Record is the permission data contract consumed by the resolver. It is
// owned by the surrounding application; the resolver never mutates it.
type Record struct {
	DocumentID    string
	OwnerID       string
	IsPublic      bool
	Collaborators []Collaborator
}

// RecordSource supplies permission records keyed by document id.
type RecordSource interface {
	PermissionRecord(ctx context.Context, documentID string) (Record, error)
}

// Resolver derives a user's role on a document from its permission record.
type Resolver struct {
	source RecordSource
}

// NewResolver constructs a Resolver over the provided record source.
func NewResolver(source RecordSource) (*Resolver, error) {
	if source == nil {
		return nil, ErrMissingRecordSource
	}
	return &Resolver{source: source}, nil
}

// ResolveRole returns the role userID holds on documentID. Resolution order:
// recorded owner, then collaborator entry, then public flag (viewer), else
// none. A missing record resolves to none rather than an error so that
// unknown documents deny access uniformly.
func (r *Resolver) ResolveRole(ctx context.Context, userID, documentID string) (Role, error) {
	if userID == "" {
		return RoleNone, errMissingUserID
	}
	if documentID == "" {
		return RoleNone, errMissingDocumentID
	}

	record, err := r.source.PermissionRecord(ctx, documentID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return RoleNone, nil
		}
		return RoleNone, fmt.Errorf("access: resolve role: %w", err)
	}

	return RoleFor(userID, record), nil
}

// RoleFor is the pure resolution function over an in-hand record.
func RoleFor(userID string, record Record) Role {
	if userID != "" && userID == record.OwnerID {
		return RoleOwner
	}
	for _, collaborator := range record.Collaborators {
		if collaborator.UserID == userID {
			if role, ok := ParseCollaboratorRole(string(collaborator.Role)); ok {
				return role
			}
			return RoleNone
		}
	}
	if record.IsPublic {
		return RoleViewer
	}
	return RoleNone
}
