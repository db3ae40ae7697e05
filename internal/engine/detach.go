package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Detached runs side effects after a commit without holding up the caller.
// Failures are logged and dropped.
type Detached struct {
	Log     *logrus.Logger
	Timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Go starts fn in the background. It returns immediately. After Close the
// task is logged and dropped.
func (d *Detached) Go(task string, fields logrus.Fields, fn func(ctx context.Context) error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.entry(task, fields).Warn("detached task dropped after close")
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()
	go func() {
		defer d.wg.Done()
		ctx := context.Background()
		if d.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.Timeout)
			defer cancel()
		}
		defer func() {
			if r := recover(); r != nil {
				d.entry(task, fields).WithField("panic", r).Error("detached task panicked")
			}
		}()
		if err := fn(ctx); err != nil {
			d.entry(task, fields).WithError(err).Warn("detached task failed")
		}
	}()
}

// Wait blocks until every started task has returned. New tasks may still
// start afterwards.
func (d *Detached) Wait() {
	d.wg.Wait()
}

// Close refuses new tasks, then waits for the running ones.
func (d *Detached) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Detached) entry(task string, fields logrus.Fields) *logrus.Entry {
	log := d.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return log.WithField("task", task).WithFields(fields)
}
