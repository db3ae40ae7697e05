package engine

import (
	"fmt"
	"strings"

	"bidline/internal/domain"
	"bidline/internal/repo"
)

// ValidationError reports a payload that does not satisfy the target stage.
type ValidationError struct {
	Fields []string
	Reason string
}

func (e ValidationError) Error() string {
	switch {
	case len(e.Fields) > 0 && e.Reason != "":
		return fmt.Sprintf("validation failed: %s: %s", e.Reason, strings.Join(e.Fields, ", "))
	case len(e.Fields) > 0:
		return "validation failed: missing " + strings.Join(e.Fields, ", ")
	default:
		return "validation failed: " + e.Reason
	}
}

// StaleStateError means the project no longer has the status the caller assumed.
type StaleStateError struct {
	ProjectID string
	Expected  domain.Status
	Actual    domain.Status
}

func (e StaleStateError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("project %s changed state (expected %s), please refresh", e.ProjectID, e.Expected)
	}
	return fmt.Sprintf("project %s is %s, not %s; state changed, please refresh", e.ProjectID, e.Actual, e.Expected)
}

func (e StaleStateError) Unwrap() error { return repo.ErrStaleState }

type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e NotFoundError) Unwrap() error { return repo.ErrNotFound }

// AuthorizationError is returned when the caller may not perform the transition.
type AuthorizationError struct {
	ActorID string
	Reason  string
}

func (e AuthorizationError) Error() string {
	if e.ActorID == "" {
		return "not authorized: " + e.Reason
	}
	return fmt.Sprintf("actor %s not authorized: %s", e.ActorID, e.Reason)
}
