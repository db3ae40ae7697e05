package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bidline/internal/config"
	"bidline/internal/conflict"
	"bidline/internal/domain"
	"bidline/internal/events"
	"bidline/internal/notify"
	"bidline/internal/repo"
)

// Store is the slice of persistence the engine writes through.
type Store interface {
	GetProject(ctx context.Context, id string) (domain.Project, error)
	InsertProject(ctx context.Context, p domain.Project) error
	ConditionalUpdate(ctx context.Context, id string, expectedStatus domain.Status, patch repo.ProjectPatch) error
	GetConflictCheck(ctx context.Context, id string) (domain.ConflictCheck, error)
	ResolveConflictCheck(ctx context.Context, id, actorID, notes, at string) error
}

type Auditor interface {
	Append(ctx context.Context, e events.Entry) error
}

type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

type Scanner interface {
	Scan(ctx context.Context, projectID string) (*domain.ConflictCheck, error)
}

type Engine struct {
	Store    Store
	Audit    Auditor
	Notifier Notifier
	Scanner  Scanner
	Policy   Policy
	Log      *logrus.Logger
	Jobs     *Detached
	Now      func() time.Time
}

func New(r repo.Repo, cfg *config.Config, log *logrus.Logger) Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	e := Engine{
		Store:    r,
		Audit:    events.Writer{DB: r.DB, Dialect: r.Dialect},
		Notifier: notify.Nop{},
		Scanner:  conflict.NewScanner(r),
		Log:      log,
		Jobs:     &Detached{Log: log},
		Now:      time.Now,
	}
	if cfg != nil {
		e.Policy.EnforceDeadlines = cfg.Workflow.EnforceDeadlines
		e.Jobs.Timeout = cfg.DetachedTimeout()
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// Wait blocks until detached scans and notifications have finished.
func (e Engine) Wait() {
	if e.Jobs != nil {
		e.Jobs.Wait()
	}
}

// Close stops accepting detached work and waits for what is running.
func (e Engine) Close() {
	if e.Jobs != nil {
		e.Jobs.Close()
	}
}

// CreateProjectOptions are parameters for creating a project.
type CreateProjectOptions struct {
	ID                   string
	Name                 string
	Company              string
	RegistrationDeadline string
	BiddingDeadline      string
	ActorID              string
}

func (e Engine) CreateProject(ctx context.Context, opts CreateProjectOptions) (domain.Project, error) {
	opts.Name = strings.TrimSpace(opts.Name)
	var missing []string
	if opts.Name == "" {
		missing = append(missing, "name")
	}
	if len(missing) > 0 {
		return domain.Project{}, ValidationError{Fields: missing}
	}
	for field, v := range map[string]string{"registration_deadline": opts.RegistrationDeadline, "bidding_deadline": opts.BiddingDeadline} {
		if v == "" {
			continue
		}
		if _, err := time.Parse(time.RFC3339, v); err != nil {
			return domain.Project{}, ValidationError{Fields: []string{field}, Reason: "must be RFC3339"}
		}
	}
	if strings.TrimSpace(opts.ActorID) == "" {
		return domain.Project{}, AuthorizationError{Reason: "actor identity required"}
	}
	now := e.stamp()
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	p := domain.Project{
		ID:                   id,
		Name:                 opts.Name,
		Company:              strings.TrimSpace(opts.Company),
		Status:               domain.StatusPending,
		RegistrationDeadline: optionalString(opts.RegistrationDeadline),
		BiddingDeadline:      optionalString(opts.BiddingDeadline),
		CreatedBy:            opts.ActorID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := e.Store.InsertProject(ctx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	e.audit(ctx, events.Entry{
		Type:       "project.created",
		ProjectID:  p.ID,
		EntityKind: "project",
		EntityID:   p.ID,
		ActorID:    opts.ActorID,
		Payload:    events.EventPayload{"name": p.Name, "company": p.Company, "status": p.Status},
	})
	e.notify(domain.Notification{Type: "project.created", ProjectID: p.ID, ProjectName: p.Name, ActorID: opts.ActorID, At: now})
	return p, nil
}

// SubmitRequest moves a project to Target. Payload is the record for the
// stage being left, nil for take and cancel.
type SubmitRequest struct {
	ProjectID string
	Target    domain.Status
	ActorID   string
	Payload   domain.StagePayload
}

// Take assigns a pending project to actorID.
func (e Engine) Take(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.Submit(ctx, SubmitRequest{ProjectID: projectID, Target: domain.StatusRegistration, ActorID: actorID})
}

// Cancel returns a registration-stage project to pending and drops its assignment.
func (e Engine) Cancel(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	return e.Submit(ctx, SubmitRequest{ProjectID: projectID, Target: domain.StatusPending, ActorID: actorID})
}

// Submit validates and commits one transition. Audit, scan and notify happen
// after the commit and never change its outcome.
func (e Engine) Submit(ctx context.Context, req SubmitRequest) (domain.Project, error) {
	p, err := e.Store.GetProject(ctx, req.ProjectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Project{}, NotFoundError{Kind: "project", ID: req.ProjectID}
		}
		return domain.Project{}, err
	}
	edge, err := ValidateTransition(p, req.Target, req.ActorID, req.Payload, e.now(), e.Policy)
	if err != nil {
		return domain.Project{}, err
	}
	patch := repo.ProjectPatch{Status: edge.To, Payload: req.Payload, At: e.stamp()}
	switch {
	case edge.Open:
		actor := req.ActorID
		patch.Assign = &actor
	case edge.Cancel:
		patch.ClearRegistration = true
	}
	if err := e.Store.ConditionalUpdate(ctx, p.ID, edge.From, patch); err != nil {
		switch {
		case errors.Is(err, repo.ErrStaleState):
			stale := StaleStateError{ProjectID: p.ID, Expected: edge.From}
			if cur, err := e.Store.GetProject(ctx, p.ID); err == nil {
				stale.Actual = cur.Status
			}
			return domain.Project{}, stale
		case errors.Is(err, repo.ErrNotFound):
			return domain.Project{}, NotFoundError{Kind: "project", ID: p.ID}
		}
		return domain.Project{}, fmt.Errorf("update project: %w", err)
	}
	updated := patch.Apply(p)

	payload := events.EventPayload{"from": edge.From, "to": edge.To}
	if req.Payload != nil {
		payload["payload"] = req.Payload
	}
	e.audit(ctx, events.Entry{
		Type:       edge.Event,
		ProjectID:  p.ID,
		EntityKind: "project",
		EntityID:   p.ID,
		ActorID:    req.ActorID,
		Payload:    payload,
	})
	if edge.Scan {
		e.scanDetached(updated, req.ActorID)
	}
	if edge.Notify {
		e.notify(domain.Notification{
			Type:        "project.completed",
			ProjectID:   updated.ID,
			ProjectName: updated.Name,
			ActorID:     req.ActorID,
			At:          patch.At,
		})
	}
	return updated, nil
}

// ResolveConflict closes a conflict check with notes. A check resolves once.
func (e Engine) ResolveConflict(ctx context.Context, checkID, actorID, notes string) (domain.ConflictCheck, error) {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return domain.ConflictCheck{}, ValidationError{Fields: []string{"notes"}}
	}
	if strings.TrimSpace(actorID) == "" {
		return domain.ConflictCheck{}, AuthorizationError{Reason: "actor identity required"}
	}
	check, err := e.Store.GetConflictCheck(ctx, checkID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ConflictCheck{}, NotFoundError{Kind: "conflict_check", ID: checkID}
		}
		return domain.ConflictCheck{}, err
	}
	at := e.stamp()
	if err := e.Store.ResolveConflictCheck(ctx, checkID, actorID, notes, at); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ConflictCheck{}, NotFoundError{Kind: "conflict_check", ID: checkID}
		}
		return domain.ConflictCheck{}, err
	}
	check.Resolved = true
	check.ResolutionNotes = notes
	check.ResolvedBy = actorID
	check.ResolvedAt = &at
	e.audit(ctx, events.Entry{
		Type:       "conflict.resolved",
		ProjectID:  check.ProjectID,
		EntityKind: "conflict_check",
		EntityID:   check.ID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"notes": notes},
	})
	return check, nil
}

// Scan runs the conflict scanner synchronously. A nil check means no sibling collided.
func (e Engine) Scan(ctx context.Context, projectID, actorID string) (*domain.ConflictCheck, error) {
	check, err := e.Scanner.Scan(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, NotFoundError{Kind: "project", ID: projectID}
		}
		return nil, err
	}
	if check != nil {
		e.notify(conflictNotification(check, actorID, e.stamp()))
	}
	return check, nil
}

func (e Engine) scanDetached(p domain.Project, actorID string) {
	if e.Scanner == nil || e.Jobs == nil {
		return
	}
	e.Jobs.Go("conflict.scan", logrus.Fields{"project_id": p.ID}, func(ctx context.Context) error {
		check, err := e.Scanner.Scan(ctx, p.ID)
		if err != nil {
			return err
		}
		if check == nil {
			return nil
		}
		e.logger().WithFields(logrus.Fields{"project_id": p.ID, "check_id": check.ID, "siblings": len(check.Entries)}).Info("conflict check recorded")
		if e.Notifier == nil {
			return nil
		}
		return e.Notifier.Notify(ctx, conflictNotification(check, actorID, e.stamp()))
	})
}

func conflictNotification(check *domain.ConflictCheck, actorID, at string) domain.Notification {
	siblings := make([]string, 0, len(check.Entries))
	for _, entry := range check.Entries {
		siblings = append(siblings, entry.SiblingID)
	}
	return domain.Notification{
		Type:        "conflict.detected",
		ProjectID:   check.ProjectID,
		ProjectName: check.ProjectName,
		ActorID:     actorID,
		At:          at,
		Data:        map[string]any{"check_id": check.ID, "siblings": siblings},
	}
}

func (e Engine) notify(n domain.Notification) {
	if e.Notifier == nil || e.Jobs == nil {
		return
	}
	e.Jobs.Go("notify", logrus.Fields{"project_id": n.ProjectID, "event": n.Type}, func(ctx context.Context) error {
		return e.Notifier.Notify(ctx, n)
	})
}

const auditTimeout = 5 * time.Second

// audit appends one entry; a failure is logged and otherwise ignored.
// The write outlives the caller's context because the transition it records
// has already committed.
func (e Engine) audit(ctx context.Context, entry events.Entry) {
	if e.Audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := e.Audit.Append(ctx, entry); err != nil {
		e.logger().WithFields(logrus.Fields{"task": "audit", "project_id": entry.ProjectID, "event": entry.Type}).WithError(err).Warn("audit append failed")
	}
}

func (e Engine) logger() *logrus.Logger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
