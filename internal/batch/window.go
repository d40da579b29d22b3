// Package batch holds the start window used to defer a run until a cron
// schedule fires, for example to keep workers to off-peak hours.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five-field cron expression or a descriptor such as @daily
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// NextRun returns the first activation of expr strictly after from
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

// Window waits for the next activation of a schedule
type Window struct {
	schedule cron.Schedule
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
}

// NewWindow parses expr into a Window
func NewWindow(expr string) (*Window, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	return &Window{schedule: sched, now: time.Now, after: time.After}, nil
}

// Next returns the next activation after now
func (w *Window) Next() time.Time {
	return w.schedule.Next(w.now())
}

// Wait blocks until the next activation and returns it
func (w *Window) Wait(ctx context.Context) (time.Time, error) {
	next := w.Next()
	select {
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	case <-w.after(next.Sub(w.now())):
		return next, nil
	}
}

// WaitForWindow blocks until expr next fires. An empty expr returns at once.
func WaitForWindow(ctx context.Context, expr string) (time.Time, error) {
	if expr == "" {
		return time.Now(), nil
	}
	w, err := NewWindow(expr)
	if err != nil {
		return time.Time{}, err
	}
	return w.Wait(ctx)
}
