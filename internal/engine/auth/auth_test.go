package auth

import (
	"errors"
	"testing"
)

func TestPermissions(t *testing.T) {
	viewer := Permissions([]string{RoleViewer}, nil)
	if err := Require(viewer, PermEventsRead); err != nil {
		t.Fatalf("viewer should read events: %v", err)
	}
	err := Require(viewer, PermSessionWrite)
	var fe ForbiddenError
	if !errors.As(err, &fe) || fe.Permission != PermSessionWrite {
		t.Fatalf("expected forbidden session.write, got %v", err)
	}
	if err := Require(Permissions([]string{RoleViewer}, []string{PermSessionWrite}), PermSessionWrite); err != nil {
		t.Fatalf("granted permission ignored: %v", err)
	}
	if err := Require(Permissions([]string{"unknown"}, nil), PermProjectRead); err == nil {
		t.Fatalf("unknown role must grant nothing")
	}
	if !KnownRole(RoleAdmin) || KnownRole("root") {
		t.Fatalf("unexpected role lookup")
	}
	admin := Permissions([]string{RoleAdmin, RoleAuthor}, nil)
	for i := 1; i < len(admin); i++ {
		if admin[i-1] >= admin[i] {
			t.Fatalf("permissions not sorted and unique: %v", admin)
		}
	}
}
