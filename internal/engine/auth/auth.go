// Package auth maps principal roles to the permissions the API checks.
package auth

import (
	"fmt"
	"slices"
	"sort"
)

const (
	RoleAdmin  = "admin"
	RoleAuthor = "author"
	RoleViewer = "viewer"
)

const (
	PermProjectCreate = "project.create"
	PermProjectRead   = "project.read"
	PermDraftWrite    = "draft.write"
	PermBuildStart    = "build.start"
	PermSessionWrite  = "session.write"
	PermEventsRead    = "events.read"
	PermKeysManage    = "apikey.manage"
	// PermKeysAdmin allows listing and revoking other actors' keys.
	PermKeysAdmin = "apikey.admin"
)

var rolePermissions = map[string][]string{
	RoleViewer: {PermProjectRead, PermEventsRead},
	RoleAuthor: {PermProjectRead, PermEventsRead, PermProjectCreate, PermDraftWrite, PermBuildStart, PermSessionWrite, PermKeysManage},
	RoleAdmin:  {PermProjectRead, PermEventsRead, PermProjectCreate, PermDraftWrite, PermBuildStart, PermSessionWrite, PermKeysManage, PermKeysAdmin},
}

// DefaultRoles apply to principals whose credentials carry no roles.
var DefaultRoles = []string{RoleAuthor}

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// KnownRole reports whether role is defined.
func KnownRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// Permissions returns the sorted union of the roles' permissions and any
// explicitly granted ones.
func Permissions(roles, granted []string) []string {
	set := map[string]struct{}{}
	for _, r := range roles {
		for _, p := range rolePermissions[r] {
			set[p] = struct{}{}
		}
	}
	for _, p := range granted {
		set[p] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Require returns ForbiddenError unless perm is among perms.
func Require(perms []string, perm string) error {
	if slices.Contains(perms, perm) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}
