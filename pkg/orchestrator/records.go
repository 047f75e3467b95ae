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

package orchestrator

import (
	"sync"
	"time"

	"github.com/corralhq/corral/pkg/protocol"
	"github.com/corralhq/corral/pkg/team"
	"github.com/corralhq/corral/pkg/workflow"
)

// Kind classifies an execution record.
type Kind string

const (
	KindAgent    Kind = "agent"
	KindTeam     Kind = "team"
	KindWorkflow Kind = "workflow"
	KindTrigger  Kind = "trigger-invocation"
)

// Record is one execution as the facade tracks it: created on request
// entry, closed on terminal status.
type Record struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	TargetID   string          `json:"target_id"`
	Task       string          `json:"task,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Status     protocol.Status `json:"status"`
	Answer     string          `json:"answer,omitempty"`
	Error      string          `json:"error,omitempty"`
	Iterations int             `json:"iterations,omitempty"`

	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`

	// Nodes carries per-node outcomes for workflow executions.
	Nodes map[string]*workflow.NodeResult `json:"nodes,omitempty"`

	// Members carries per-member outcomes for team executions.
	Members []team.MemberResult `json:"members,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// recordStore keeps the most recent executions in a bounded ring with O(1)
// lookup by id.
type recordStore struct {
	mu    sync.Mutex
	cap   int
	order []string
	byID  map[string]*Record
}

func newRecordStore(capacity int) *recordStore {
	return &recordStore{
		cap:  capacity,
		byID: make(map[string]*Record),
	}
}

func (s *recordStore) add(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.byID, oldest)
	}
	s.order = append(s.order, rec.ID)
	s.byID[rec.ID] = rec
}

// get returns a snapshot; mutating it does not affect the store.
func (s *recordStore) get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// update applies fn under the lock and reports whether the record exists.
func (s *recordStore) update(id string, fn func(*Record)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return false
	}
	fn(rec)
	return true
}

// list returns snapshots, most recent first.
func (s *recordStore) list() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, *s.byID[s.order[i]])
	}
	return out
}
