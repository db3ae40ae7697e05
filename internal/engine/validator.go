package engine

import (
	"fmt"
	"strings"
	"time"

	"bidline/internal/domain"
)

// Edge is one legal status change. Every target status has exactly one source.
type Edge struct {
	From domain.Status
	To   domain.Status
	// Slot is the stage whose payload the transition carries, empty for take/cancel.
	Slot domain.Status
	// Event is the audit entry type recorded on commit.
	Event string
	// Open edges may be performed by any operator; the rest need the assignee.
	Open   bool
	Cancel bool
	Scan   bool
	Notify bool
}

var edges = map[domain.Status]Edge{
	domain.StatusRegistration: {From: domain.StatusPending, To: domain.StatusRegistration, Event: "project.taken", Open: true},
	domain.StatusDeposit:      {From: domain.StatusRegistration, To: domain.StatusDeposit, Slot: domain.StatusRegistration, Event: "registration.submitted", Scan: true},
	domain.StatusPreparation:  {From: domain.StatusDeposit, To: domain.StatusPreparation, Slot: domain.StatusDeposit, Event: "deposit.submitted"},
	domain.StatusBidding:      {From: domain.StatusPreparation, To: domain.StatusBidding, Slot: domain.StatusPreparation, Event: "preparation.submitted", Scan: true},
	domain.StatusCompleted:    {From: domain.StatusBidding, To: domain.StatusCompleted, Slot: domain.StatusBidding, Event: "bidding.completed", Notify: true},
	domain.StatusPending:      {From: domain.StatusRegistration, To: domain.StatusPending, Event: "project.cancelled", Cancel: true},
}

// EdgeFor returns the edge that ends in target.
func EdgeFor(target domain.Status) (Edge, bool) {
	e, ok := edges[target]
	return e, ok
}

// Policy carries the configurable parts of validation.
type Policy struct {
	EnforceDeadlines bool
}

// ValidateTransition decides whether actorID may move p to target with payload.
// It never touches storage. Checks run in order: payload, authorization, status.
func ValidateTransition(p domain.Project, target domain.Status, actorID string, payload domain.StagePayload, now time.Time, policy Policy) (Edge, error) {
	edge, ok := edges[target]
	if !ok {
		return Edge{}, ValidationError{Reason: fmt.Sprintf("unknown target stage %q", target)}
	}
	if err := validatePayload(edge, payload); err != nil {
		return edge, err
	}
	if policy.EnforceDeadlines {
		if err := checkDeadline(p, edge, now); err != nil {
			return edge, err
		}
	}
	if strings.TrimSpace(actorID) == "" {
		return edge, AuthorizationError{Reason: "actor identity required"}
	}
	if !edge.Open && !p.AssignedTo(actorID) {
		return edge, AuthorizationError{ActorID: actorID, Reason: "only the assigned operator may advance this project"}
	}
	if p.Status != edge.From {
		return edge, StaleStateError{ProjectID: p.ID, Expected: edge.From, Actual: p.Status}
	}
	return edge, nil
}

func validatePayload(edge Edge, payload domain.StagePayload) error {
	if edge.Slot == "" {
		if payload != nil {
			return ValidationError{Reason: fmt.Sprintf("%s takes no payload", edge.To)}
		}
		return nil
	}
	if payload == nil || isNilPayload(payload) {
		return ValidationError{Reason: fmt.Sprintf("%s_info required", edge.Slot)}
	}
	if payload.Stage() != edge.Slot {
		return ValidationError{Reason: fmt.Sprintf("expected %s_info, got %s_info", edge.Slot, payload.Stage())}
	}
	var missing []string
	require := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	requireList := func(name string, v []string) {
		for _, s := range v {
			if strings.TrimSpace(s) != "" {
				return
			}
		}
		missing = append(missing, name)
	}
	switch v := payload.(type) {
	case *domain.RegistrationInfo:
		require("contact_person", v.ContactPerson)
		require("contact_mobile", v.ContactMobile)
		require("computer", v.Computer)
		require("network", v.Network)
		requireList("images_path", v.ImagesPath)
	case *domain.DepositInfo:
		if v.Type == "" {
			missing = append(missing, "type")
			break
		}
		if !v.Type.Valid() {
			return ValidationError{Fields: []string{"type"}, Reason: fmt.Sprintf("unknown deposit type %q", v.Type)}
		}
		if v.Type != domain.DepositNone {
			requireList("images_path", v.ImagesPath)
		}
	case *domain.PreparationInfo:
		require("computer", v.Computer)
		require("network", v.Network)
		require("mac_address", v.MACAddress)
		require("ip_address", v.IPAddress)
		requireList("images_path", v.ImagesPath)
		requireList("documents_path", v.DocumentsPath)
	case *domain.BiddingInfo:
		requireList("images_path", v.ImagesPath)
		requireList("documents_path", v.DocumentsPath)
	}
	if len(missing) > 0 {
		return ValidationError{Fields: missing}
	}
	return nil
}

func isNilPayload(p domain.StagePayload) bool {
	switch v := p.(type) {
	case *domain.RegistrationInfo:
		return v == nil
	case *domain.DepositInfo:
		return v == nil
	case *domain.PreparationInfo:
		return v == nil
	case *domain.BiddingInfo:
		return v == nil
	}
	return false
}

func checkDeadline(p domain.Project, edge Edge, now time.Time) error {
	var deadline *string
	var name string
	switch edge.Slot {
	case domain.StatusRegistration:
		deadline, name = p.RegistrationDeadline, "registration_deadline"
	case domain.StatusPreparation, domain.StatusBidding:
		deadline, name = p.BiddingDeadline, "bidding_deadline"
	default:
		return nil
	}
	if deadline == nil {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, *deadline)
	if err != nil {
		return nil
	}
	if now.After(ts) {
		return ValidationError{Fields: []string{name}, Reason: "deadline passed"}
	}
	return nil
}
