package engine

import (
	"errors"
	"testing"
	"time"

	"bidline/internal/domain"
)

func assigned(status domain.Status, op string) domain.Project {
	return domain.Project{ID: "p1", Name: "n", Status: status, AssignedOperator: &op}
}

func TestEdgesHaveUniqueSource(t *testing.T) {
	for _, target := range domain.Statuses {
		edge, ok := EdgeFor(target)
		if !ok {
			t.Fatalf("no edge into %s", target)
		}
		if edge.To != target {
			t.Fatalf("edge into %s ends at %s", target, edge.To)
		}
		if !edge.Cancel && edge.From.Rank()+1 != edge.To.Rank() {
			t.Fatalf("forward edge %s -> %s skips a stage", edge.From, edge.To)
		}
	}
}

func TestValidateTransition(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	pending := domain.Project{ID: "p1", Status: domain.StatusPending}
	cases := []struct {
		name    string
		project domain.Project
		target  domain.Status
		actor   string
		payload domain.StagePayload
		want    any
	}{
		{"take open to anyone", pending, domain.StatusRegistration, "op-9", nil, nil},
		{"take needs actor", pending, domain.StatusRegistration, "", nil, AuthorizationError{}},
		{"take of taken project", assigned(domain.StatusRegistration, "op-1"), domain.StatusRegistration, "op-2", nil, StaleStateError{}},
		{"take rejects payload", pending, domain.StatusRegistration, "op-1", &domain.BiddingInfo{}, ValidationError{}},
		{"registration without payload", assigned(domain.StatusRegistration, "op-1"), domain.StatusDeposit, "op-1", nil, ValidationError{}},
		{"typed nil payload", assigned(domain.StatusRegistration, "op-1"), domain.StatusDeposit, "op-1", (*domain.RegistrationInfo)(nil), ValidationError{}},
		{"wrong payload stage", assigned(domain.StatusRegistration, "op-1"), domain.StatusDeposit, "op-1", &domain.DepositInfo{Type: domain.DepositNone}, ValidationError{}},
		{"unknown deposit type", assigned(domain.StatusDeposit, "op-1"), domain.StatusPreparation, "op-1", &domain.DepositInfo{Type: "cash"}, ValidationError{}},
		{"deposit none", assigned(domain.StatusDeposit, "op-1"), domain.StatusPreparation, "op-1", &domain.DepositInfo{Type: domain.DepositNone}, nil},
		{"validation before authorization", assigned(domain.StatusBidding, "op-1"), domain.StatusCompleted, "op-2", &domain.BiddingInfo{}, ValidationError{}},
		{"authorization before stale", assigned(domain.StatusCompleted, "op-1"), domain.StatusCompleted, "op-2", &domain.BiddingInfo{ImagesPath: []string{"i"}, DocumentsPath: []string{"d"}}, AuthorizationError{}},
		{"completion", assigned(domain.StatusBidding, "op-1"), domain.StatusCompleted, "op-1", &domain.BiddingInfo{ImagesPath: []string{"i"}, DocumentsPath: []string{"d"}}, nil},
		{"blank evidence entries", assigned(domain.StatusBidding, "op-1"), domain.StatusCompleted, "op-1", &domain.BiddingInfo{ImagesPath: []string{" "}, DocumentsPath: []string{"d"}}, ValidationError{}},
		{"cancel by assignee", assigned(domain.StatusRegistration, "op-1"), domain.StatusPending, "op-1", nil, nil},
		{"cancel after deposit", assigned(domain.StatusDeposit, "op-1"), domain.StatusPending, "op-1", nil, StaleStateError{}},
		{"unknown target", pending, "archived", "op-1", nil, ValidationError{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateTransition(tc.project, tc.target, tc.actor, tc.payload, now, Policy{})
			switch tc.want.(type) {
			case nil:
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			case ValidationError:
				var v ValidationError
				if !errors.As(err, &v) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
			case AuthorizationError:
				var v AuthorizationError
				if !errors.As(err, &v) {
					t.Fatalf("expected AuthorizationError, got %v", err)
				}
			case StaleStateError:
				var v StaleStateError
				if !errors.As(err, &v) {
					t.Fatalf("expected StaleStateError, got %v", err)
				}
			}
		})
	}
}
