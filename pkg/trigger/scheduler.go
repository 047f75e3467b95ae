// Copyright 2025 The Corral Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package trigger

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/corralhq/corral/pkg/logger"
	"github.com/corralhq/corral/pkg/protocol"
)

// TargetRunner fires a trigger's bound target. The orchestrator facade
// implements this.
type TargetRunner interface {
	RunTriggerTarget(ctx context.Context, def *Definition) (executionID string, err error)
}

// Scheduler runs schedule-type triggers in-process on their cron expression.
// It covers deployments where a trigger has no container package: the engine
// itself fires the target.
type Scheduler struct {
	cron   *cron.Cron
	runner TargetRunner
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func NewScheduler(runner TargetRunner) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		runner:  runner,
		logger:  logger.GetLogger(),
		entries: make(map[string]cron.EntryID),
	}
}

// Register adds one schedule-type trigger to the cron table. Triggers of
// other types, or schedule triggers delegated to a container package, are
// skipped without error.
func (s *Scheduler) Register(def *Definition) error {
	if def.Type != TypeSchedule || def.Schedule == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[def.ID]; exists {
		return protocol.NewError(protocol.ErrConfiguration,
			"trigger %s is already scheduled", def.ID)
	}

	d := *def
	id, err := s.cron.AddFunc(def.Schedule, func() { s.fire(&d) })
	if err != nil {
		return protocol.WrapError(protocol.ErrConfiguration, err,
			"trigger %s has an invalid cron expression %q", def.ID, def.Schedule)
	}

	s.entries[def.ID] = id
	s.logger.Info("Scheduled trigger",
		"trigger", def.ID, "schedule", def.Schedule,
		"target_kind", def.TargetKind, "target_id", def.TargetID)
	return nil
}

// Deregister drops a trigger from the cron table.
func (s *Scheduler) Deregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
}

// Start begins firing schedules. Jobs run in their own goroutines.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Scheduled returns how many triggers are on the cron table.
func (s *Scheduler) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) fire(def *Definition) {
	execID, err := s.runner.RunTriggerTarget(context.Background(), def)
	if err != nil {
		s.logger.Error("Scheduled trigger failed to fire",
			"trigger", def.ID, "error", err)
		return
	}
	s.logger.Info("Scheduled trigger fired",
		"trigger", def.ID, "execution_id", execID)
}
