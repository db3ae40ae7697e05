// Package notify delivers workflow notifications. Every notifier is invoked
// from detached work; errors are for logging only.
package notify

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"bidline/internal/config"
	"bidline/internal/domain"
)

type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// Nop drops everything.
type Nop struct{}

func (Nop) Notify(context.Context, domain.Notification) error { return nil }

// Log writes notifications to a logrus logger.
type Log struct {
	Logger *logrus.Logger
}

func (l Log) Notify(_ context.Context, n domain.Notification) error {
	log := l.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.WithFields(logrus.Fields{
		"event":        n.Type,
		"project_id":   n.ProjectID,
		"project_name": n.ProjectName,
		"actor_id":     n.ActorID,
	}).Info("notification")
	return nil
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds the notifier described by the notify section.
func FromConfig(cfg *config.Config, log *logrus.Logger) Notifier {
	if cfg == nil {
		return Nop{}
	}
	var m Multi
	if cfg.Notify.Log {
		m = append(m, Log{Logger: log})
	}
	m = append(m, Webhooks(cfg.Notify.Webhooks)...)
	switch len(m) {
	case 0:
		return Nop{}
	case 1:
		return m[0]
	}
	return m
}
