// Package scheduler provides cron-based scheduling for ConvoFlow maintenance
// tasks, such as expiring idle chatbot sessions.
package scheduler

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultIdleSessionWindow is how long a session may sit without activity
// before the idle sweep abandons it.
const DefaultIdleSessionWindow = 24 * time.Hour

// SessionExpirer abandons active sessions not updated since cutoff.
type SessionExpirer interface {
	ExpireIdleSessions(cutoff time.Time) (int, error)
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) with panic recovery.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddIdleSessionSweep schedules a periodic sweep that abandons sessions idle
// for longer than window.
func (s *Scheduler) AddIdleSessionSweep(expr string, st SessionExpirer, window time.Duration) error {
	if window <= 0 {
		window = DefaultIdleSessionWindow
	}
	return s.AddJob(expr, func() {
		cutoff := time.Now().Add(-window)
		n, err := st.ExpireIdleSessions(cutoff)
		if err != nil {
			slog.Error("Scheduler idle session sweep failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("Scheduler idle session sweep abandoned sessions", "count", n, "window", window)
		}
	})
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
