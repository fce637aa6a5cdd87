package access

import (
	"context"
	"errors"
	"testing"
)

type stubSource struct {
	record Record
	err    error
}

func (s *stubSource) PermissionRecord(context.Context, string) (Record, error) {
	return s.record, s.err
}

func sampleRecord() Record {
	return Record{
		DocumentID: "doc-1",
		OwnerID:    "owner-1",
		IsPublic:   false,
		Collaborators: []Collaborator{
			{UserID: "editor-1", Role: RoleEditor},
			{UserID: "viewer-1", Role: RoleViewer},
		},
	}
}

func TestRoleForResolutionOrder(t *testing.T) {
	record := sampleRecord()

	cases := []struct {
		name   string
		userID string
		public bool
		want   Role
	}{
		{name: "owner wins", userID: "owner-1", want: RoleOwner},
		{name: "collaborator editor", userID: "editor-1", want: RoleEditor},
		{name: "collaborator viewer", userID: "viewer-1", want: RoleViewer},
		{name: "stranger on private doc", userID: "stranger", want: RoleNone},
		{name: "stranger on public doc", userID: "stranger", public: true, want: RoleViewer},
		{name: "collaborator entry beats public flag", userID: "viewer-1", public: true, want: RoleViewer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			record := record
			record.IsPublic = tc.public
			if got := RoleFor(tc.userID, record); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestRoleForIgnoresUnknownCollaboratorRole(t *testing.T) {
	record := Record{
		OwnerID:       "owner-1",
		Collaborators: []Collaborator{{UserID: "odd", Role: Role("superuser")}},
	}
	if got := RoleFor("odd", record); got != RoleNone {
		t.Fatalf("expected none for unknown collaborator role, got %q", got)
	}
}

func TestRoleCapabilitiesGrowWithRank(t *testing.T) {
	ordered := []Role{RoleNone, RoleViewer, RoleEditor, RoleOwner}
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Rank() <= ordered[i-1].Rank() {
			t.Fatalf("rank of %q should exceed %q", ordered[i], ordered[i-1])
		}
	}

	// Every capability held at a rank is held at all higher ranks.
	capabilities := []struct {
		name string
		can  func(Role) bool
	}{
		{name: "view", can: Role.CanView},
		{name: "edit", can: Role.CanEdit},
		{name: "share", can: Role.CanShare},
		{name: "delete", can: Role.CanDelete},
	}
	for _, capability := range capabilities {
		granted := false
		for _, role := range ordered {
			if capability.can(role) {
				granted = true
			} else if granted {
				t.Fatalf("capability %q revoked at higher rank %q", capability.name, role)
			}
		}
	}

	if RoleNone.CanView() {
		t.Fatal("role none must not view")
	}
	if RoleViewer.CanEdit() {
		t.Fatal("viewer must not edit")
	}
	if RoleEditor.CanDelete() {
		t.Fatal("editor must not delete")
	}
	if !RoleOwner.CanDelete() {
		t.Fatal("owner must delete")
	}
}

func TestResolveRoleTreatsMissingRecordAsNone(t *testing.T) {
	resolver, err := NewResolver(&stubSource{err: ErrRecordNotFound})
	if err != nil {
		t.Fatalf("unexpected resolver error: %v", err)
	}

	role, err := resolver.ResolveRole(context.Background(), "user-1", "missing-doc")
	if err != nil {
		t.Fatalf("missing record should not error: %v", err)
	}
	if role != RoleNone {
		t.Fatalf("expected none, got %q", role)
	}
}

func TestResolveRolePropagatesSourceFailure(t *testing.T) {
	sourceErr := errors.New("backend down")
	resolver, err := NewResolver(&stubSource{err: sourceErr})
	if err != nil {
		t.Fatalf("unexpected resolver error: %v", err)
	}

	role, err := resolver.ResolveRole(context.Background(), "user-1", "doc-1")
	if !errors.Is(err, sourceErr) {
		t.Fatalf("expected wrapped source error, got %v", err)
	}
	if role != RoleNone {
		t.Fatalf("expected none on failure, got %q", role)
	}
}

func TestResolveRoleValidatesArguments(t *testing.T) {
	resolver, err := NewResolver(&stubSource{record: sampleRecord()})
	if err != nil {
		t.Fatalf("unexpected resolver error: %v", err)
	}

	if _, err := resolver.ResolveRole(context.Background(), "", "doc-1"); err == nil {
		t.Fatal("expected error for empty user id")
	}
	if _, err := resolver.ResolveRole(context.Background(), "user-1", ""); err == nil {
		t.Fatal("expected error for empty document id")
	}
	if _, err := NewResolver(nil); !errors.Is(err, ErrMissingRecordSource) {
		t.Fatalf("expected ErrMissingRecordSource, got %v", err)
	}
}
