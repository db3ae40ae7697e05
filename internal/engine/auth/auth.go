package auth

import (
	"fmt"
	"sort"
	"strings"
)

const (
	PermProjectCreate   = "project.create"
	PermProjectRead     = "project.read"
	PermProjectTake     = "project.take"
	PermProjectSubmit   = "project.submit"
	PermConflictRead    = "conflict.read"
	PermConflictScan    = "conflict.scan"
	PermConflictResolve = "conflict.resolve"
	PermEventsRead      = "events.read"
	PermEvidenceUpload  = "evidence.upload"
	PermAPIKeyManage    = "apikey.manage"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

var rolePermissions = map[string][]string{
	"operator": {
		PermProjectRead, PermProjectTake, PermProjectSubmit,
		PermEvidenceUpload, PermConflictRead,
	},
	"auditor": {
		PermProjectRead, PermConflictRead, PermConflictScan,
		PermConflictResolve, PermEventsRead,
	},
	"admin": {
		PermProjectCreate, PermProjectRead, PermProjectTake, PermProjectSubmit,
		PermConflictRead, PermConflictScan, PermConflictResolve,
		PermEventsRead, PermEvidenceUpload, PermAPIKeyManage,
	},
}

// Roles lists the known role names.
func Roles() []string {
	out := make([]string, 0, len(rolePermissions))
	for r := range rolePermissions {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func KnownRole(role string) bool {
	_, ok := rolePermissions[strings.TrimSpace(role)]
	return ok
}

// Permissions expands roles into a sorted, de-duplicated permission list.
func Permissions(roles []string) []string {
	set := map[string]struct{}{}
	for _, r := range roles {
		for _, p := range rolePermissions[strings.TrimSpace(r)] {
			set[p] = struct{}{}
		}
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
	for _, p := range perms {
		if p == perm {
			return nil
		}
	}
	return ForbiddenError{Permission: perm}
}
