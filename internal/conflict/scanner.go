package conflict

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bidline/internal/domain"
	"bidline/internal/repo"
)

// Field is one identifying value compared between siblings.
type Field struct {
	Label string
	Value func(domain.Project) string
}

// Fields is the fixed comparison order. Labels are stored verbatim on entries.
var Fields = []Field{
	{Label: "报名联系人", Value: reg(func(r *domain.RegistrationInfo) string { return r.ContactPerson })},
	{Label: "报名联系手机", Value: reg(func(r *domain.RegistrationInfo) string { return r.ContactMobile })},
	{Label: "报名联系电话", Value: reg(func(r *domain.RegistrationInfo) string { return r.ContactPhone })},
	{Label: "报名联系邮箱", Value: reg(func(r *domain.RegistrationInfo) string { return r.ContactEmail })},
	{Label: "报名网络", Value: reg(func(r *domain.RegistrationInfo) string { return r.Network })},
	{Label: "报名电脑", Value: reg(func(r *domain.RegistrationInfo) string { return r.Computer })},
	{Label: "制作标书电脑", Value: prep(func(p *domain.PreparationInfo) string { return p.Computer })},
	{Label: "制作标书网络", Value: prep(func(p *domain.PreparationInfo) string { return p.Network })},
	{Label: "MAC地址", Value: prep(func(p *domain.PreparationInfo) string { return p.MACAddress })},
	{Label: "IP地址", Value: prep(func(p *domain.PreparationInfo) string { return p.IPAddress })},
}

func reg(get func(*domain.RegistrationInfo) string) func(domain.Project) string {
	return func(p domain.Project) string {
		if p.RegistrationInfo == nil {
			return ""
		}
		return get(p.RegistrationInfo)
	}
}

func prep(get func(*domain.PreparationInfo) string) func(domain.Project) string {
	return func(p domain.Project) string {
		if p.PreparationInfo == nil {
			return ""
		}
		return get(p.PreparationInfo)
	}
}

// Compare returns the labels of fields both projects report with the same
// non-empty value. Comparison is exact and case-sensitive; whitespace is a value.
func Compare(subject, sibling domain.Project) []string {
	var labels []string
	for _, f := range Fields {
		a, b := f.Value(subject), f.Value(sibling)
		if a == "" || b == "" {
			continue
		}
		if a == b {
			labels = append(labels, f.Label)
		}
	}
	return labels
}

// Store is what the scanner reads and writes.
type Store interface {
	GetProject(ctx context.Context, id string) (domain.Project, error)
	FindProjects(ctx context.Context, f repo.ProjectFilter) ([]domain.Project, error)
	InsertConflictCheck(ctx context.Context, c domain.ConflictCheck) error
}

type Scanner struct {
	Store Store
	Now   func() time.Time
	NewID func() string
}

func NewScanner(store Store) Scanner {
	return Scanner{Store: store, Now: time.Now, NewID: uuid.NewString}
}

// Scan compares projectID against every other project of the same name and
// records one check when at least one sibling collides. It returns nil when
// nothing collides; nothing is stored in that case.
func (s Scanner) Scan(ctx context.Context, projectID string) (*domain.ConflictCheck, error) {
	subject, err := s.Store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	siblings, err := s.Store.FindProjects(ctx, repo.ProjectFilter{Name: subject.Name, ExcludeID: subject.ID})
	if err != nil {
		return nil, fmt.Errorf("find siblings: %w", err)
	}
	var entries []domain.ConflictEntry
	for _, sib := range siblings {
		labels := Compare(subject, sib)
		if len(labels) == 0 {
			continue
		}
		entries = append(entries, domain.ConflictEntry{
			SiblingID:      sib.ID,
			SiblingName:    sib.Name,
			SiblingCompany: sib.Label(),
			Fields:         labels,
		})
	}
	if len(entries) == 0 {
		return nil, nil
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	newID := uuid.NewString
	if s.NewID != nil {
		newID = s.NewID
	}
	check := domain.ConflictCheck{
		ID:          newID(),
		ProjectID:   subject.ID,
		ProjectName: subject.Name,
		Company:     subject.Label(),
		CreatedAt:   now().UTC().Format(time.RFC3339),
		Entries:     entries,
	}
	if err := s.Store.InsertConflictCheck(ctx, check); err != nil {
		return nil, fmt.Errorf("insert conflict check: %w", err)
	}
	return &check, nil
}
