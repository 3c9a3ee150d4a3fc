// Copyright 2023 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package housekeeping runs periodic maintenance sweeps: history retention
// eviction and session expiry.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/net-relay/net-relay/internal/netrelay/registry"
	"github.com/net-relay/net-relay/internal/netrelay/session"
)

// Scheduler runs periodic maintenance sweeps.
type Scheduler struct {
	scheduler gocron.Scheduler
	registry  *registry.Registry
	retention time.Duration
	sessions  *session.Store
	logger    *slog.Logger
	running   bool
}

// NewScheduler builds a Scheduler bound to the registry and session store
// it sweeps. retention is the history age bound (config.Stats.RetentionHours);
// the registry itself only knows how to evict given an absolute cutoff, so
// the scheduler owns the now-minus-retention computation.
func NewScheduler(reg *registry.Registry, retention time.Duration, sessions *session.Store, logger *slog.Logger) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("housekeeping: create scheduler: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{scheduler: sched, registry: reg, retention: retention, sessions: sessions, logger: logger}, nil
}

// Start registers the retention and session-expiry sweeps and starts the
// scheduler. sweepInterval controls how often both run (supervisor.Run
// uses one minute).
func (s *Scheduler) Start(sweepInterval time.Duration) error {
	if s.running {
		return fmt.Errorf("housekeeping: scheduler already running")
	}

	if _, err := s.scheduler.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(s.sweepHistory),
	); err != nil {
		return fmt.Errorf("housekeeping: schedule history sweep: %w", err)
	}

	if _, err := s.scheduler.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(s.sweepSessions),
	); err != nil {
		return fmt.Errorf("housekeeping: schedule session sweep: %w", err)
	}

	s.scheduler.Start()
	s.running = true
	return nil
}

// Stop shuts the scheduler down, letting any in-flight sweep finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.running {
		return nil
	}
	s.running = false
	done := make(chan error, 1)
	go func() { done <- s.scheduler.Shutdown() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) sweepHistory() {
	if s.retention <= 0 {
		return
	}
	removed := s.registry.EvictOlderThan(time.Now().Add(-s.retention))
	if removed > 0 {
		s.logger.Debug("evicted stale history entries", "count", removed)
	}
}

func (s *Scheduler) sweepSessions() {
	removed := s.sessions.EvictExpired()
	if removed > 0 {
		s.logger.Debug("evicted expired sessions", "count", removed)
	}
}
